// internal/service/stock/domain/product.go
package domain

// Product 由外部目录系统拥有，核心只关心库存数量。
type Product struct {
	ID         string
	Name       string
	PriceCents int64
	Stock      int
}
