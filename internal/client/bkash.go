package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	"github.com/SalesyAI/cvbanai-sub000/internal/config"
)

// statusCodeOK is the gateway's "all clear" sentinel. Every operation returns
// it in the response body; the HTTP status alone does not signal success.
const statusCodeOK = "0000"

type BkashClient interface {
	CreatePayment(ctx context.Context, req *CreatePaymentRequest) (*CreatePaymentResponse, error)
	ExecutePayment(ctx context.Context, paymentID string) (*ExecutePaymentResponse, error)
	QueryPayment(ctx context.Context, paymentID string) (*QueryPaymentResponse, error)
	RefundPayment(ctx context.Context, req *RefundPaymentRequest) (*RefundPaymentResponse, error)
}

type CreatePaymentRequest struct {
	Amount         int32
	Currency       string
	PayerReference string
	InvoiceNumber  string
	CallbackURL    string
}

type CreatePaymentResponse struct {
	PaymentID   string // paymentRef correlating the rest of the flow
	RedirectURL string // where the user authorizes the payment
}

type ExecutePaymentResponse struct {
	TransactionID  string
	PayerReference string
	PayerHandle    string // customer wallet number
}

type QueryPaymentResponse struct {
	TransactionStatus string
}

type RefundPaymentRequest struct {
	PaymentID     string
	TransactionID string
	Amount        int32
	SKU           string
	Reason        string
}

type RefundPaymentResponse struct {
	RefundTransactionID string
}

type bkashClientImpl struct {
	httpClient *http.Client
	baseApiURL string
	appKey     string
	appSecret  string
	username   string
	password   string
	tokens     *TokenCache
}

func NewBkashClient(cfg *config.Bkash) BkashClient {
	c := &bkashClientImpl{
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		baseApiURL: cfg.BaseApiURL,
		appKey:     cfg.AppKey,
		appSecret:  cfg.AppSecret,
		username:   cfg.Username,
		password:   cfg.Password,
	}
	c.tokens = NewTokenCache(c.grantToken, time.Duration(cfg.TokenSafetyMarginSec)*time.Second)
	return c
}

// apiStatus is embedded in every gateway response body.
type apiStatus struct {
	StatusCode    string `json:"statusCode"`
	StatusMessage string `json:"statusMessage"`
}

func (s apiStatus) status() (string, string) { return s.StatusCode, s.StatusMessage }

type statusCarrier interface {
	status() (code, message string)
}

func (c *bkashClientImpl) grantToken(ctx context.Context) (Token, error) {
	payload := map[string]string{
		"app_key":    c.appKey,
		"app_secret": c.appSecret,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return Token{}, fmt.Errorf("marshal grant payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseApiURL+"/tokenized/checkout/token/grant",
		bytes.NewBuffer(body))
	if err != nil {
		return Token{}, fmt.Errorf("http new request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("username", c.username)
	req.Header.Set("password", c.password)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Token{}, &TransportError{Op: "grant token", Err: err}
	}
	defer resp.Body.Close()

	var result struct {
		apiStatus
		IDToken      string `json:"id_token"`
		RefreshToken string `json:"refresh_token"`
		ExpiresIn    int64  `json:"expires_in"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return Token{}, fmt.Errorf("decode grant response: %w", err)
	}
	if result.StatusCode != statusCodeOK {
		return Token{}, &GatewayError{Op: "grant token", Code: result.StatusCode, Message: result.StatusMessage}
	}

	return Token{
		AccessToken:  result.IDToken,
		RefreshToken: result.RefreshToken,
		ExpiresAt:    time.Now().Add(time.Duration(result.ExpiresIn) * time.Second),
	}, nil
}

// post issues an authenticated gateway call and decodes the body into out,
// translating the success sentinel into the typed error taxonomy. No retries
// here; retry policy belongs to the orchestrator.
func (c *bkashClientImpl) post(ctx context.Context, op, path string, payload interface{}, out statusCarrier) error {
	token, err := c.tokens.Token(ctx)
	if err != nil {
		return fmt.Errorf("get bkash access token: %w", err)
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", op, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseApiURL+path, bytes.NewBuffer(body))
	if err != nil {
		return fmt.Errorf("http new request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token.AccessToken)
	req.Header.Set("X-App-Key", c.appKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &TransportError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", op, err)
	}
	if code, msg := out.status(); code != statusCodeOK {
		return &GatewayError{Op: op, Code: code, Message: msg}
	}

	return nil
}

func (c *bkashClientImpl) CreatePayment(ctx context.Context, req *CreatePaymentRequest) (*CreatePaymentResponse, error) {
	payload := map[string]string{
		"mode":                  "0011", // tokenized checkout
		"payerReference":        req.PayerReference,
		"callbackURL":           req.CallbackURL,
		"amount":                formatAmount(req.Amount),
		"currency":              req.Currency,
		"intent":                "sale",
		"merchantInvoiceNumber": req.InvoiceNumber,
	}

	var result struct {
		apiStatus
		PaymentID string `json:"paymentID"`
		BkashURL  string `json:"bkashURL"`
	}
	if err := c.post(ctx, "create payment", "/tokenized/checkout/create", payload, &result); err != nil {
		return nil, err
	}

	return &CreatePaymentResponse{
		PaymentID:   result.PaymentID,
		RedirectURL: result.BkashURL,
	}, nil
}

func (c *bkashClientImpl) ExecutePayment(ctx context.Context, paymentID string) (*ExecutePaymentResponse, error) {
	payload := map[string]string{
		"paymentID": paymentID,
	}

	var result struct {
		apiStatus
		TrxID          string `json:"trxID"`
		PayerReference string `json:"payerReference"`
		CustomerMsisdn string `json:"customerMsisdn"`
	}
	if err := c.post(ctx, "execute payment", "/tokenized/checkout/execute", payload, &result); err != nil {
		return nil, err
	}

	return &ExecutePaymentResponse{
		TransactionID:  result.TrxID,
		PayerReference: result.PayerReference,
		PayerHandle:    result.CustomerMsisdn,
	}, nil
}

func (c *bkashClientImpl) QueryPayment(ctx context.Context, paymentID string) (*QueryPaymentResponse, error) {
	payload := map[string]string{
		"paymentID": paymentID,
	}

	var result struct {
		apiStatus
		TransactionStatus string `json:"transactionStatus"`
	}
	if err := c.post(ctx, "query payment", "/tokenized/checkout/payment/status", payload, &result); err != nil {
		return nil, err
	}

	return &QueryPaymentResponse{
		TransactionStatus: result.TransactionStatus,
	}, nil
}

func (c *bkashClientImpl) RefundPayment(ctx context.Context, req *RefundPaymentRequest) (*RefundPaymentResponse, error) {
	payload := map[string]string{
		"paymentID": req.PaymentID,
		"trxID":     req.TransactionID,
		"amount":    formatAmount(req.Amount),
		"sku":       req.SKU,
		"reason":    req.Reason,
	}

	var result struct {
		apiStatus
		RefundTrxID string `json:"refundTrxID"`
	}
	if err := c.post(ctx, "refund payment", "/tokenized/checkout/payment/refund", payload, &result); err != nil {
		return nil, err
	}

	return &RefundPaymentResponse{
		RefundTransactionID: result.RefundTrxID,
	}, nil
}

// formatAmount renders a whole-unit amount the way the gateway expects it on
// the wire, e.g. 500 -> "500.00".
func formatAmount(amount int32) string {
	return decimal.NewFromInt32(amount).StringFixed(2)
}
