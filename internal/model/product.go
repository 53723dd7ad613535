package model

type Product struct {
	ID       string `gorm:"primaryKey;size:64;not null"` // product sku
	Name     string `gorm:"size:128;not null"`
	Price    int32  `gorm:"not null"`
	Currency string `gorm:"size:8;not null"`
}
