package infrastructure

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// GormJournal 把已处理的支付引用持久化到 processed_payments，重启后依然去重。
type GormJournal struct {
	db *gorm.DB
}

func NewGormJournal(db *gorm.DB) *GormJournal {
	return &GormJournal{db: db}
}

func (j *GormJournal) Claim(ctx context.Context, paymentRef string) (bool, error) {
	res := j.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&ProcessedPaymentModel{PaymentRef: paymentRef, ProcessedAt: time.Now().UTC()})
	if res.Error != nil {
		return false, errors.Wrapf(res.Error, "claim payment %s", paymentRef)
	}
	return res.RowsAffected == 1, nil
}

func (j *GormJournal) Release(ctx context.Context, paymentRef string) error {
	err := j.db.WithContext(ctx).Where("payment_ref = ?", paymentRef).Delete(&ProcessedPaymentModel{}).Error
	return errors.Wrapf(err, "release payment %s", paymentRef)
}
