package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// LeadStatus 代表銷售線索的狀態
type LeadStatus string

const (
	LeadStatusOpen      LeadStatus = "OPEN"       // 已上架，尚未開始拍賣
	LeadStatusInAuction LeadStatus = "IN_AUCTION" // 拍賣進行中
	LeadStatusSold      LeadStatus = "SOLD"       // 已售出
	LeadStatusExpired   LeadStatus = "EXPIRED"    // 拍賣結束且無人得標
)

// Lead 代表市場上待拍賣的銷售線索(拍賣標的)
// 包含標的資訊、底價、目前狀態以及成交資訊
type Lead struct {
	gorm.Model

	ID           uuid.UUID           `gorm:"type:uuid;default:public.uuid_generate_v7();primaryKey;<-:false"`
	SellerID     uuid.UUID           `gorm:"type:uuid;not null;<-:create"`
	Slug         string              `gorm:"type:varchar(255);not null;uniqueIndex:idx_leads_slug,where:deleted_at IS NULL;<-:create"`
	Title        string              `gorm:"type:varchar(255);not null"`
	Description  string              `gorm:"type:text;not null"`
	ReservePrice decimal.Decimal     `gorm:"type:numeric(20,2);not null;<-:create"`
	Status       LeadStatus          `gorm:"type:varchar(16);not null;default:'OPEN'"`
	SoldAmount   decimal.NullDecimal `gorm:"type:numeric(20,2)"`
	SoldAt       *time.Time          `gorm:"type:timestamp with time zone"`

	// 外鍵關聯
	Seller    User       `gorm:"foreignKey:SellerID"`
	Documents []Document `gorm:"foreignKey:LeadID"`
}
