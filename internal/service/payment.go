package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"
	"gorm.io/gorm"

	"github.com/SalesyAI/cvbanai-sub000/internal/client"
	"github.com/SalesyAI/cvbanai-sub000/internal/dto"
	"github.com/SalesyAI/cvbanai-sub000/internal/model"
	"github.com/SalesyAI/cvbanai-sub000/internal/notification"
	"github.com/SalesyAI/cvbanai-sub000/internal/repository"
)

var (
	// ErrUnknownProduct is returned when a purchase names a product id not in
	// the catalog. Rejected before any gateway call.
	ErrUnknownProduct = errors.New("unknown product id")

	// ErrUnknownReference is returned for a callback whose paymentRef was
	// never created here. Defends against forged callbacks.
	ErrUnknownReference = errors.New("unknown payment reference")

	// ErrNotRefundable is returned when a refund targets an intent that
	// never completed.
	ErrNotRefundable = errors.New("purchase is not refundable")
)

// CallbackStatus is the flag the gateway appends when redirecting the user
// back after the external authorization hop.
type CallbackStatus string

const (
	CallbackSuccess CallbackStatus = "success"
	CallbackCancel  CallbackStatus = "cancel"
	CallbackFailure CallbackStatus = "failure"
)

type PaymentService interface {
	InitiatePayment(ctx context.Context, userID, productID, correlationID string) (*dto.PayResponse, error)
	HandleCallback(ctx context.Context, paymentRef string, status CallbackStatus) (*model.PurchaseIntent, error)
	SyncPaymentStatus(ctx context.Context, paymentRef string) (*model.PurchaseIntent, error)
	RefundPayment(ctx context.Context, purchaseID, reason string) (string, error)
	ListProducts(ctx context.Context) ([]*model.Product, error)
}

type paymentServiceImpl struct {
	bkashClient  client.BkashClient
	baseURL      string
	productRepo  repository.ProductRepository
	purchaseRepo repository.PurchaseRepository
	sink         notification.Sink
	logger       *slog.Logger

	// Coalesces concurrent callbacks for the same paymentRef so the gateway
	// execute call happens at most once per payment.
	reconciles singleflight.Group

	// Coalesces concurrent refund requests for the same purchase id; the
	// stored-refund re-check alone is read-then-act and would let two
	// racing requests both reach the gateway.
	refunds singleflight.Group
}

func NewPaymentService(
	bkashClient client.BkashClient,
	baseURL string,
	productRepo repository.ProductRepository,
	purchaseRepo repository.PurchaseRepository,
	sink notification.Sink,
	logger *slog.Logger,
) PaymentService {
	return &paymentServiceImpl{
		bkashClient:  bkashClient,
		baseURL:      baseURL,
		productRepo:  productRepo,
		purchaseRepo: purchaseRepo,
		sink:         sink,
		logger:       logger,
	}
}

func (s *paymentServiceImpl) InitiatePayment(ctx context.Context, userID, productID, correlationID string) (*dto.PayResponse, error) {
	product, err := s.productRepo.FindByID(ctx, productID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrUnknownProduct
		}
		return nil, fmt.Errorf("load product: %w", err)
	}

	invoice := uuid.NewString()
	resp, err := s.bkashClient.CreatePayment(ctx, &client.CreatePaymentRequest{
		Amount:         product.Price,
		Currency:       product.Currency,
		PayerReference: userID,
		InvoiceNumber:  invoice,
		CallbackURL:    s.callbackURL(productID, correlationID),
	})
	if err != nil {
		// Nothing persisted; safe for the caller to retry.
		return nil, fmt.Errorf("bkash create payment: %w", err)
	}

	metadata := map[string]string{
		"invoiceNumber": invoice,
	}
	if correlationID != "" {
		metadata["correlationId"] = correlationID
	}

	intent := &model.PurchaseIntent{
		ID:         uuid.NewString(),
		UserID:     userID,
		ProductID:  product.ID,
		PaymentRef: resp.PaymentID,
		Status:     model.StatusPending,
		Amount:     product.Price,
		Currency:   product.Currency,
		Metadata:   metadata,
	}
	if err := s.purchaseRepo.Create(ctx, intent); err != nil {
		return nil, fmt.Errorf("store purchase intent: %w", err)
	}

	return &dto.PayResponse{
		PurchaseID:  intent.ID,
		PaymentRef:  intent.PaymentRef,
		RedirectURL: resp.RedirectURL,
	}, nil
}

// callbackURL carries the passthrough parameters across the external redirect
// so the frontend can resume its context; the gateway appends paymentID and
// status on the way back.
func (s *paymentServiceImpl) callbackURL(productID, correlationID string) string {
	params := url.Values{}
	params.Set("productId", productID)
	if correlationID != "" {
		params.Set("ref", correlationID)
	}
	return s.baseURL + "/api/payments/callback?" + params.Encode()
}

func (s *paymentServiceImpl) HandleCallback(ctx context.Context, paymentRef string, status CallbackStatus) (*model.PurchaseIntent, error) {
	v, err, _ := s.reconciles.Do(paymentRef, func() (interface{}, error) {
		return s.reconcile(ctx, paymentRef, status)
	})
	if err != nil {
		return nil, err
	}
	return v.(*model.PurchaseIntent), nil
}

func (s *paymentServiceImpl) reconcile(ctx context.Context, paymentRef string, status CallbackStatus) (*model.PurchaseIntent, error) {
	intent, err := s.purchaseRepo.FindByPaymentRef(ctx, paymentRef)
	if err != nil {
		if errors.Is(err, repository.ErrPurchaseNotFound) {
			return nil, ErrUnknownReference
		}
		// Transient lookup failure: leave the intent alone so a retried
		// callback can still land.
		return nil, fmt.Errorf("load purchase intent: %w", err)
	}

	// Duplicate redirect or retried webhook. Executing twice for the same
	// paymentRef is provider-undefined, so this re-read guard is mandatory.
	if intent.Status.Terminal() {
		return intent, nil
	}

	switch status {
	case CallbackCancel:
		return s.finish(ctx, intent, model.StatusCancelled, map[string]string{
			"reason": "cancelled by user",
		})
	case CallbackFailure:
		return s.finish(ctx, intent, model.StatusFailed, map[string]string{
			"reason": "payment failed at provider",
		})
	case CallbackSuccess:
		// fall through to execute
	default:
		return nil, fmt.Errorf("unrecognized callback status %q", status)
	}

	exec, err := s.bkashClient.ExecutePayment(ctx, paymentRef)
	if err != nil {
		patch := map[string]string{
			"error": err.Error(),
		}
		var te *client.TransportError
		if errors.As(err, &te) {
			// The provider may have completed the charge even though the
			// response never reached us.
			patch["requiresReview"] = "true"
		}
		return s.finish(ctx, intent, model.StatusFailed, patch)
	}

	return s.finish(ctx, intent, model.StatusCompleted, map[string]string{
		"transactionId":  exec.TransactionID,
		"payerReference": exec.PayerReference,
		"payerHandle":    exec.PayerHandle,
		"completedAt":    time.Now().UTC().Format(time.RFC3339),
	})
}

// finish applies the terminal transition and dispatches the notification
// after the state is committed.
func (s *paymentServiceImpl) finish(ctx context.Context, intent *model.PurchaseIntent, newStatus model.PurchaseStatus, patch map[string]string) (*model.PurchaseIntent, error) {
	updated, err := s.purchaseRepo.Transition(ctx, intent.ID, newStatus, patch)
	if err != nil {
		if errors.Is(err, repository.ErrInvalidTransition) {
			// A concurrent reconciliation won; hand back what it stored.
			return s.purchaseRepo.FindByID(ctx, intent.ID)
		}
		return nil, fmt.Errorf("transition purchase intent: %w", err)
	}

	s.notifyTerminal(ctx, updated)
	return updated, nil
}

func (s *paymentServiceImpl) notifyTerminal(ctx context.Context, intent *model.PurchaseIntent) {
	var eventType notification.EventType
	switch intent.Status {
	case model.StatusCompleted:
		eventType = notification.EventCompleted
	case model.StatusFailed:
		eventType = notification.EventFailed
	default:
		// User cancellations are not ledger events.
		return
	}

	err := s.sink.Notify(ctx, notification.Event{
		Type:          eventType,
		PurchaseID:    intent.ID,
		UserID:        intent.UserID,
		ProductID:     intent.ProductID,
		Amount:        intent.Amount,
		Currency:      intent.Currency,
		TransactionID: intent.Metadata["transactionId"],
	})
	if err != nil {
		// Sink failures never roll back the committed transition.
		s.logger.WarnContext(ctx, "purchase notification failed",
			"purchase_id", intent.ID,
			"error", err,
		)
	}
}

// SyncPaymentStatus serves the server-side poll: for pending intents it asks
// the gateway for the authoritative status and applies a terminal outcome
// observed provider-side. Races with the redirect callback resolve through
// the store's conditional transition.
func (s *paymentServiceImpl) SyncPaymentStatus(ctx context.Context, paymentRef string) (*model.PurchaseIntent, error) {
	intent, err := s.purchaseRepo.FindByPaymentRef(ctx, paymentRef)
	if err != nil {
		if errors.Is(err, repository.ErrPurchaseNotFound) {
			return nil, ErrUnknownReference
		}
		return nil, fmt.Errorf("load purchase intent: %w", err)
	}

	if intent.Status.Terminal() {
		return intent, nil
	}

	q, err := s.bkashClient.QueryPayment(ctx, paymentRef)
	if err != nil {
		return nil, fmt.Errorf("bkash query payment: %w", err)
	}

	switch q.TransactionStatus {
	case "Cancelled":
		return s.finish(ctx, intent, model.StatusCancelled, map[string]string{
			"reason": "cancelled at provider",
		})
	case "Failure", "Expired":
		return s.finish(ctx, intent, model.StatusFailed, map[string]string{
			"reason": "payment " + q.TransactionStatus + " at provider",
		})
	default:
		// Initiated or awaiting the callback; nothing to apply yet.
		return intent, nil
	}
}

func (s *paymentServiceImpl) RefundPayment(ctx context.Context, purchaseID, reason string) (string, error) {
	v, err, _ := s.refunds.Do(purchaseID, func() (interface{}, error) {
		return s.refund(ctx, purchaseID, reason)
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (s *paymentServiceImpl) refund(ctx context.Context, purchaseID, reason string) (string, error) {
	intent, err := s.purchaseRepo.FindByID(ctx, purchaseID)
	if err != nil {
		return "", err
	}

	if intent.Status != model.StatusCompleted {
		return "", ErrNotRefundable
	}
	trxID := intent.Metadata["transactionId"]
	if trxID == "" {
		return "", ErrNotRefundable
	}
	if intent.Metadata["refundTrxId"] != "" {
		return intent.Metadata["refundTrxId"], nil
	}

	resp, err := s.bkashClient.RefundPayment(ctx, &client.RefundPaymentRequest{
		PaymentID:     intent.PaymentRef,
		TransactionID: trxID,
		Amount:        intent.Amount,
		SKU:           intent.ProductID,
		Reason:        reason,
	})
	if err != nil {
		return "", fmt.Errorf("bkash refund payment: %w", err)
	}

	// Refunds never leave the completed state; record them as audit metadata.
	err = s.purchaseRepo.AppendMetadata(ctx, intent.ID, map[string]string{
		"refundTrxId":  resp.RefundTransactionID,
		"refundReason": reason,
		"refundedAt":   time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		s.logger.WarnContext(ctx, "refund succeeded but metadata update failed",
			"purchase_id", intent.ID,
			"refund_trx_id", resp.RefundTransactionID,
			"error", err,
		)
	}

	return resp.RefundTransactionID, nil
}

func (s *paymentServiceImpl) ListProducts(ctx context.Context) ([]*model.Product, error) {
	return s.productRepo.FindAll(ctx)
}
