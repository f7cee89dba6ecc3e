package repository

import (
	"context"
	"time"

	"premiumpay/internal/domain"
	"premiumpay/internal/models"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type TransactionRepository struct {
	db *gorm.DB
}

func NewTransactionRepository(db *gorm.DB) *TransactionRepository {
	return &TransactionRepository{db: db}
}

// WithTx returns a repository bound to tx. Inside a gorm transaction every
// query must go through the bound copy.
func (r *TransactionRepository) WithTx(tx *gorm.DB) *TransactionRepository {
	return &TransactionRepository{db: tx}
}

func (r *TransactionRepository) Create(ctx context.Context, t *models.Transaction) error {
	return r.db.WithContext(ctx).Create(t).Error
}

func (r *TransactionRepository) GetByMerchantRef(ctx context.Context, ref string) (*models.Transaction, error) {
	var t models.Transaction
	err := r.db.WithContext(ctx).Where("merchant_reference = ?", ref).First(&t).Error
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (r *TransactionRepository) GetByProviderRef(ctx context.Context, ref string) (*models.Transaction, error) {
	var t models.Transaction
	err := r.db.WithContext(ctx).Where("provider_reference = ?", ref).First(&t).Error
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// GetForOwner returns the transaction only if it belongs to ownerID.
func (r *TransactionRepository) GetForOwner(ctx context.Context, ref string, ownerID uint) (*models.Transaction, error) {
	var t models.Transaction
	err := r.db.WithContext(ctx).
		Where("merchant_reference = ? AND owner_id = ?", ref, ownerID).
		First(&t).Error
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (r *TransactionRepository) ListForOwner(ctx context.Context, ownerID uint, limit int) ([]models.Transaction, error) {
	var list []models.Transaction
	err := r.db.WithContext(ctx).
		Where("owner_id = ?", ownerID).
		Order("created_at DESC, id DESC").
		Limit(limit).
		Find(&list).Error
	return list, err
}

// TransitionStatus moves a pending transaction to status. It reports false
// when the row was no longer pending, which means another writer got there first.
func (r *TransactionRepository) TransitionStatus(ctx context.Context, ref string, status domain.TransactionStatus, at time.Time) (bool, error) {
	updates := map[string]interface{}{
		"status":     status,
		"updated_at": at,
	}
	if status.IsTerminal() {
		updates["completed_at"] = at
	}
	res := r.db.WithContext(ctx).Model(&models.Transaction{}).
		Where("merchant_reference = ? AND status = ?", ref, domain.StatusPending).
		Updates(updates)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// SetProviderRefIfEmpty records the provider reference unless one is already set.
func (r *TransactionRepository) SetProviderRefIfEmpty(ctx context.Context, ref, providerRef string) (bool, error) {
	res := r.db.WithContext(ctx).Model(&models.Transaction{}).
		Where("merchant_reference = ? AND (provider_reference IS NULL OR provider_reference = '')", ref).
		Update("provider_reference", providerRef)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// MergeMetadata adds kv to the stored metadata. Concurrent merges may lose
// keys; metadata is diagnostic only.
func (r *TransactionRepository) MergeMetadata(ctx context.Context, ref string, kv map[string]interface{}) error {
	if len(kv) == 0 {
		return nil
	}
	t, err := r.GetByMerchantRef(ctx, ref)
	if err != nil {
		return err
	}
	merged := datatypes.JSONMap{}
	for k, v := range t.Metadata {
		merged[k] = v
	}
	for k, v := range kv {
		merged[k] = v
	}
	return r.db.WithContext(ctx).Model(&models.Transaction{}).
		Where("id = ?", t.ID).
		Update("metadata", merged).Error
}
