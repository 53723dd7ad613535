package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/SalesyAI/cvbanai-sub000/internal/model"
)

var (
	// ErrPurchaseNotFound is returned when no intent matches the given id or
	// payment reference.
	ErrPurchaseNotFound = errors.New("purchase intent not found")

	// ErrInvalidTransition is returned when the intent is already in a
	// terminal state. Callers treat it as "already handled", not as an
	// anomaly.
	ErrInvalidTransition = errors.New("purchase intent already in terminal state")
)

type PurchaseRepository interface {
	Create(ctx context.Context, intent *model.PurchaseIntent) error
	FindByID(ctx context.Context, id string) (*model.PurchaseIntent, error)
	FindByPaymentRef(ctx context.Context, paymentRef string) (*model.PurchaseIntent, error)
	Transition(ctx context.Context, id string, newStatus model.PurchaseStatus, patch map[string]string) (*model.PurchaseIntent, error)
	AppendMetadata(ctx context.Context, id string, patch map[string]string) error
}

type purchaseRepoImpl struct {
	db *gorm.DB
}

func NewPurchaseRepository(db *gorm.DB) PurchaseRepository {
	return &purchaseRepoImpl{
		db: db,
	}
}

func (r *purchaseRepoImpl) Create(ctx context.Context, intent *model.PurchaseIntent) error {
	return r.db.WithContext(ctx).Create(intent).Error
}

func (r *purchaseRepoImpl) FindByID(ctx context.Context, id string) (*model.PurchaseIntent, error) {
	return r.findOne(ctx, "id = ?", id)
}

func (r *purchaseRepoImpl) FindByPaymentRef(ctx context.Context, paymentRef string) (*model.PurchaseIntent, error) {
	return r.findOne(ctx, "payment_ref = ?", paymentRef)
}

func (r *purchaseRepoImpl) findOne(ctx context.Context, query string, arg string) (*model.PurchaseIntent, error) {
	var intent model.PurchaseIntent
	err := r.db.WithContext(ctx).
		Where(query, arg).
		First(&intent).Error

	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrPurchaseNotFound
		}
		return nil, err
	}

	return &intent, nil
}

// Transition moves an intent into newStatus, merging patch into its metadata.
// The update is conditional on the current status still being pending, so a
// race between the redirect callback and a server-side poll applies exactly
// one terminal transition; the loser gets ErrInvalidTransition.
func (r *purchaseRepoImpl) Transition(ctx context.Context, id string, newStatus model.PurchaseStatus, patch map[string]string) (*model.PurchaseIntent, error) {
	var intent model.PurchaseIntent
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("id = ?", id).First(&intent).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrPurchaseNotFound
			}
			return err
		}

		if !intent.Status.CanTransitionTo(newStatus) {
			return ErrInvalidTransition
		}

		result := tx.Model(&model.PurchaseIntent{}).
			Where("id = ? AND status = ?", id, model.StatusPending).
			Select("Status", "Metadata", "UpdatedAt").
			Updates(&model.PurchaseIntent{
				Status:    newStatus,
				Metadata:  mergeMetadata(intent.Metadata, patch),
				UpdatedAt: time.Now(),
			})

		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			// Lost the race to a concurrent transition.
			return ErrInvalidTransition
		}

		return tx.Where("id = ?", id).First(&intent).Error
	})

	if err != nil {
		return nil, err
	}

	return &intent, nil
}

// AppendMetadata merges patch into the intent's metadata without touching its
// status. Used for post-terminal bookkeeping such as refund records.
func (r *purchaseRepoImpl) AppendMetadata(ctx context.Context, id string, patch map[string]string) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var intent model.PurchaseIntent
		if err := tx.Where("id = ?", id).First(&intent).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrPurchaseNotFound
			}
			return err
		}

		result := tx.Model(&model.PurchaseIntent{}).
			Where("id = ?", id).
			Select("Metadata", "UpdatedAt").
			Updates(&model.PurchaseIntent{
				Metadata:  mergeMetadata(intent.Metadata, patch),
				UpdatedAt: time.Now(),
			})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return fmt.Errorf("append metadata: no rows updated for intent %s", id)
		}

		return nil
	})
}

func mergeMetadata(current, patch map[string]string) map[string]string {
	merged := make(map[string]string, len(current)+len(patch))
	for k, v := range current {
		merged[k] = v
	}
	for k, v := range patch {
		merged[k] = v
	}
	return merged
}
