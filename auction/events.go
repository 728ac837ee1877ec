package auction

import (
	"time"

	"github.com/google/uuid"

	"leadex/models"
)

// EventType 代表廣播到拍賣頻道的事件類型
type EventType string

const (
	EventAuctionState    EventType = "auction:state"    // 加入頻道時推送的狀態快照
	EventBidNew          EventType = "bid:new"          // 新的出價被接受
	EventAuctionPhase    EventType = "auction:phase"    // 拍賣階段變更
	EventAuctionResolved EventType = "auction:resolved" // 拍賣結算完成，有得標者
	EventAuctionExpired  EventType = "auction:expired"  // 拍賣結束且無有效出價
	EventError           EventType = "error"            // 操作錯誤(只發給單一使用者)
)

// Event 代表拍賣頻道上的一則事件
// 金額欄位使用十進位字串表示，避免浮點數精度問題進入序列化格式
type Event struct {
	AuctionID uuid.UUID           `json:"auctionId" msgpack:"auction_id"`
	Type      EventType           `json:"type" msgpack:"type"`
	Phase     models.AuctionPhase `json:"phase,omitempty" msgpack:"phase,omitempty"`
	BidCount  int                 `json:"bidCount" msgpack:"bid_count"`
	HighBid   string              `json:"highBid,omitempty" msgpack:"high_bid,omitempty"`

	BiddingEndsAt *time.Time `json:"biddingEndsAt,omitempty" msgpack:"bidding_ends_at,omitempty"`
	RevealEndsAt  *time.Time `json:"revealEndsAt,omitempty" msgpack:"reveal_ends_at,omitempty"`

	WinnerID      *uuid.UUID `json:"winnerId,omitempty" msgpack:"winner_id,omitempty"`
	WinningAmount string     `json:"winningAmount,omitempty" msgpack:"winning_amount,omitempty"`

	Message   string    `json:"message,omitempty" msgpack:"message,omitempty"`
	Timestamp time.Time `json:"timestamp" msgpack:"timestamp"`
}

// Broadcaster 將事件送往拍賣的頻道，頻道名稱為拍賣的 ID
// 廣播必須是非阻塞的 fire-and-forget，不得回壓出價處理流程
type Broadcaster interface {
	Broadcast(auctionID uuid.UUID, event Event) error
}
