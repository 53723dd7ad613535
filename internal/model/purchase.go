package model

import "time"

type PurchaseStatus string

const (
	StatusPending   PurchaseStatus = "pending"
	StatusCompleted PurchaseStatus = "completed"
	StatusFailed    PurchaseStatus = "failed"
	StatusCancelled PurchaseStatus = "cancelled"
)

// Terminal reports whether no further status transition is permitted.
func (s PurchaseStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// CanTransitionTo owns the full set of legal status moves. Intents are born
// pending and move exactly once into a terminal state.
func (s PurchaseStatus) CanTransitionTo(next PurchaseStatus) bool {
	return s == StatusPending && next.Terminal()
}

// PurchaseIntent is one attempt to buy one product for one user. It is the
// single source of truth for purchase state and is never deleted, only
// transitioned.
type PurchaseIntent struct {
	ID         string         `gorm:"primaryKey;size:64;not null"`
	UserID     string         `gorm:"size:64;index;not null"`
	ProductID  string         `gorm:"size:64;not null"`
	PaymentRef string         `gorm:"size:64;uniqueIndex;not null"` // gateway paymentID
	Status     PurchaseStatus `gorm:"size:16;index;not null"`
	Amount     int32          `gorm:"not null"`
	Currency   string         `gorm:"size:8;not null"`

	// Free-form audit data: transaction id, payer reference, error text,
	// completion/refund timestamps.
	Metadata map[string]string `gorm:"serializer:json"`

	CreatedAt time.Time
	UpdatedAt time.Time
}
