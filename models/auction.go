package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// AuctionPhase 代表拍賣的階段
// 階段只會往前推進：BIDDING → REVEAL → {RESOLVED, CANCELLED, EXPIRED}
type AuctionPhase string

const (
	AuctionPhaseBidding   AuctionPhase = "BIDDING"
	AuctionPhaseReveal    AuctionPhase = "REVEAL"
	AuctionPhaseResolved  AuctionPhase = "RESOLVED"
	AuctionPhaseCancelled AuctionPhase = "CANCELLED"
	AuctionPhaseExpired   AuctionPhase = "EXPIRED"
)

// phaseRank 定義階段的先後順序，用於確保狀態轉移不會倒退
var phaseRank = map[AuctionPhase]int{
	AuctionPhaseBidding:   0,
	AuctionPhaseReveal:    1,
	AuctionPhaseResolved:  2,
	AuctionPhaseCancelled: 2,
	AuctionPhaseExpired:   2,
}

// CanTransition 檢查階段轉移是否合法(只能往前)
func (p AuctionPhase) CanTransition(next AuctionPhase) bool {
	return phaseRank[next] > phaseRank[p]
}

// Terminal 檢查階段是否為終止狀態
func (p AuctionPhase) Terminal() bool {
	return phaseRank[p] == 2
}

// Auction 代表一場針對銷售線索的限時拍賣
// 記錄拍賣階段、目前最高出價(含持有者加成後的有效值與原始值)、
// 各階段的截止時間、pre-ping 視窗以及防狙擊延長的次數
type Auction struct {
	gorm.Model

	ID           uuid.UUID `gorm:"type:uuid;default:public.uuid_generate_v7();primaryKey;<-:false"`
	LeadID       uuid.UUID `gorm:"type:uuid;not null;<-:create"`
	Sealed       bool         `gorm:"type:boolean;not null;default:false;<-:create"`
	Phase        AuctionPhase `gorm:"type:varchar(16);not null;default:'BIDDING'"`

	ReservePrice decimal.Decimal     `gorm:"type:numeric(20,2);not null;<-:create"`
	HighBid      decimal.NullDecimal `gorm:"type:numeric(20,2)"` // 有效出價(可能含持有者加成)，僅用於排序
	HighBidRaw   decimal.NullDecimal `gorm:"type:numeric(20,2)"` // 得標者實際應支付的原始金額
	HighBidderID *uuid.UUID          `gorm:"type:uuid"`
	BidCount     int                 `gorm:"type:integer;not null;default:0"`

	StartTime     time.Time  `gorm:"type:timestamp with time zone;not null;<-:create"`
	BiddingEndsAt time.Time  `gorm:"type:timestamp with time zone;not null"`
	RevealEndsAt  *time.Time `gorm:"type:timestamp with time zone"`
	PrePingEndsAt time.Time  `gorm:"type:timestamp with time zone;not null;<-:create"`
	// PrePingNonce 在建立拍賣時鑄造並持久化，讓 pre-ping 視窗長度可供事後稽核重算
	PrePingNonce   string `gorm:"type:varchar(64);not null;<-:create"`
	ExtensionCount int    `gorm:"type:integer;not null;default:0"`

	// 外鍵關聯
	Lead         Lead   `gorm:"foreignKey:LeadID"`
	HighBidder   *User  `gorm:"foreignKey:HighBidderID"`
	BidRecords   []Bid  `gorm:"foreignKey:AuctionID"`
	Participants []User `gorm:"many2many:auction_participants"` // 曾加入頻道的使用者(稽核用)
}
