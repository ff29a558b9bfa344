package infrastructure

import (
	"time"

	"gorm.io/gorm"
)

// ProductModel 对应 products 表。目录字段由外部系统维护，这里只写 stock。
type ProductModel struct {
	ID         string `gorm:"primaryKey;size:64"`
	Name       string `gorm:"size:255"`
	PriceCents int64
	Stock      int `gorm:"not null;default:0"`
	UpdatedAt  time.Time
}

func (ProductModel) TableName() string {
	return "products"
}

// ProcessedPaymentModel 对应 processed_payments 表，主键保证同一支付引用只插入一次。
type ProcessedPaymentModel struct {
	PaymentRef  string `gorm:"primaryKey;size:128"`
	ProcessedAt time.Time
}

func (ProcessedPaymentModel) TableName() string {
	return "processed_payments"
}

// AutoMigrate 创建库存服务需要的表
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(&ProductModel{}, &ProcessedPaymentModel{})
}
