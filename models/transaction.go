package models

import (
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// TransactionStatus 代表結算交易的狀態
type TransactionStatus string

const (
	TransactionStatusPending   TransactionStatus = "PENDING"
	TransactionStatusCompleted TransactionStatus = "COMPLETED"
	TransactionStatusFailed    TransactionStatus = "FAILED"
)

// Transaction 代表一場拍賣結算後產生的交易紀錄
// 每場有得標者的拍賣恰好產生一筆，建立後除狀態推進外不可變更
type Transaction struct {
	gorm.Model

	ID          uuid.UUID       `gorm:"type:uuid;default:public.uuid_generate_v7();primaryKey;<-:false"`
	AuctionID   uuid.UUID       `gorm:"type:uuid;not null;uniqueIndex:idx_transactions_auction,where:deleted_at IS NULL;<-:create"`
	BuyerID     uuid.UUID       `gorm:"type:uuid;not null;<-:create"`
	GrossAmount decimal.Decimal `gorm:"type:numeric(20,2);not null;<-:create"` // 得標的原始金額，與加成無關
	PlatformFee decimal.Decimal `gorm:"type:numeric(20,2);not null;<-:create"`
	Status      TransactionStatus `gorm:"type:varchar(16);not null;default:'PENDING'"`
	// Reference 為外部結算系統回傳的交易參考編號
	Reference *string `gorm:"type:text"`

	// 外鍵關聯
	Buyer   User    `gorm:"foreignKey:BuyerID"`
	Auction Auction `gorm:"foreignKey:AuctionID"`
}
