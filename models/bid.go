package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// BidStatus 代表出價的狀態
type BidStatus string

const (
	BidStatusPending  BidStatus = "PENDING"  // 已提交承諾，尚未揭示金額
	BidStatusRevealed BidStatus = "REVEALED" // 金額已揭示，等待結算
	BidStatusAccepted BidStatus = "ACCEPTED" // 得標
	BidStatusOutbid   BidStatus = "OUTBID"   // 已揭示但未得標
	BidStatusExpired  BidStatus = "EXPIRED"  // 未揭示即逾期，喪失資格
)

// Bid 代表一位出價者在一場拍賣中的參與紀錄
// 每組 (auction, bidder) 至多一筆，重複出價會更新同一筆紀錄而非新增
type Bid struct {
	gorm.Model

	ID        uuid.UUID `gorm:"type:uuid;default:public.uuid_generate_v7();primaryKey;<-:false"`
	AuctionID uuid.UUID `gorm:"type:uuid;not null;uniqueIndex:idx_bids_auction_bidder,where:deleted_at IS NULL;<-:create"`
	BidderID  uuid.UUID `gorm:"type:uuid;not null;uniqueIndex:idx_bids_auction_bidder,where:deleted_at IS NULL;<-:create"`

	// Commitment 為密封出價模式下的承諾雜湊；公開出價模式下為空字串
	Commitment string              `gorm:"type:varchar(64);not null;default:''"`
	Amount     decimal.NullDecimal `gorm:"type:numeric(20,2)"` // 揭示前為 NULL
	// EffectiveAmount 為套用持有者加成後的有效金額，僅用於排序，絕不用於結算
	EffectiveAmount decimal.NullDecimal `gorm:"type:numeric(20,2)"`
	Status          BidStatus           `gorm:"type:varchar(16);not null;default:'PENDING'"`
	ProcessedAt     *time.Time          `gorm:"type:timestamp with time zone"`

	// 外鍵關聯
	Bidder  User    `gorm:"foreignKey:BidderID"`
	Auction Auction `gorm:"foreignKey:AuctionID"`
}
