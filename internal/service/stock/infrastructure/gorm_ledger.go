package infrastructure

import (
	"context"

	"github.com/pkg/errors"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"stocksync/internal/service/stock/domain"
)

// GormLedger 是 port.StockLedger 的 MySQL 实现，条件写入依赖 UPDATE ... WHERE stock = ?
type GormLedger struct {
	db *gorm.DB
}

func NewGormLedger(db *gorm.DB) *GormLedger {
	return &GormLedger{db: db}
}

func (l *GormLedger) ReadStock(ctx context.Context, productID string) (int, error) {
	var model ProductModel
	err := l.db.WithContext(ctx).Select("id", "stock").Where("id = ?", productID).First(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return 0, errors.Wrap(domain.ErrProductNotFound, productID)
		}
		return 0, errors.Wrapf(err, "read stock %s", productID)
	}
	return model.Stock, nil
}

func (l *GormLedger) CompareAndSetStock(ctx context.Context, productID string, expected, newStock int) error {
	if newStock < 0 {
		return errors.Wrapf(domain.ErrNegativeStock, "%s: %d", productID, newStock)
	}
	res := l.db.WithContext(ctx).Model(&ProductModel{}).
		Where("id = ? AND stock = ?", productID, expected).
		Update("stock", newStock)
	if res.Error != nil {
		return errors.Wrapf(res.Error, "compare-and-set stock %s", productID)
	}
	if res.RowsAffected == 1 {
		return nil
	}

	// 没有行被更新：区分商品不存在和值已变化
	var count int64
	if err := l.db.WithContext(ctx).Model(&ProductModel{}).Where("id = ?", productID).Count(&count).Error; err != nil {
		return errors.Wrapf(err, "check product %s", productID)
	}
	if count == 0 {
		return errors.Wrap(domain.ErrProductNotFound, productID)
	}
	return errors.Wrapf(domain.ErrStockConflict, "%s: expected %d", productID, expected)
}

func (l *GormLedger) SetStock(ctx context.Context, productID string, stock int) error {
	if stock < 0 {
		return errors.Wrapf(domain.ErrNegativeStock, "%s: %d", productID, stock)
	}
	model := ProductModel{ID: productID, Stock: stock}
	err := l.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"stock", "updated_at"}),
	}).Create(&model).Error
	return errors.Wrapf(err, "set stock %s", productID)
}
