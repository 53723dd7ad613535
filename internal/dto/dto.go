package dto

type PayRequest struct {
	ProductID string `json:"product_id"`
	// Ref is an opaque correlation id the frontend wants echoed back after
	// the external payment hop.
	Ref string `json:"ref"`
}

type PayResponse struct {
	PurchaseID  string `json:"purchase_id"`
	PaymentRef  string `json:"payment_ref"`
	RedirectURL string `json:"redirect_url"`
}

type StatusResponse struct {
	PurchaseID    string `json:"purchase_id"`
	ProductID     string `json:"product_id"`
	Status        string `json:"status"`
	Amount        int32  `json:"amount"`
	Currency      string `json:"currency"`
	TransactionID string `json:"transaction_id,omitempty"`
}

type RefundRequest struct {
	Reason string `json:"reason"`
}

type RefundResponse struct {
	RefundTrxID string `json:"refund_trx_id"`
}
