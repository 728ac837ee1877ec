package auction

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"leadex/models"
)

// Repository 定義了拍賣引擎對儲存層的需求
// Bid 資料列只能透過這個介面變更；結算批次必須在單一交易中完成
type Repository interface {
	// Leads
	GetLead(ctx context.Context, id uuid.UUID) (*models.Lead, error)

	// Auctions
	CreateAuction(ctx context.Context, lead *models.Lead, auction *models.Auction) error
	GetAuction(ctx context.Context, id uuid.UUID) (*models.Auction, error)
	// ListDueAuctions 回傳指定階段中，截止時間已過的所有拍賣
	ListDueAuctions(ctx context.Context, phase models.AuctionPhase, before time.Time) ([]models.Auction, error)
	// TransitionPhase 原子性地推進拍賣階段並同步更新標的狀態
	// 階段只能往前，倒退的轉移必須被拒絕
	TransitionPhase(ctx context.Context, auctionID uuid.UUID, from, to models.AuctionPhase, leadStatus models.LeadStatus, revealEndsAt *time.Time) error
	// AddParticipant 將使用者記錄到拍賣的參與者清單(稽核用)，重複加入為無操作
	AddParticipant(ctx context.Context, auctionID, userID uuid.UUID) error

	// Bids
	// PlaceBid 在單一交易中以 (auction, bidder) 為鍵 upsert 出價，
	// 並寫回拍賣的最高出價欄位、出價數與延長次數
	PlaceBid(ctx context.Context, auction *models.Auction, bid *models.Bid) error
	GetBid(ctx context.Context, auctionID, bidderID uuid.UUID) (*models.Bid, error)
	SaveBid(ctx context.Context, bid *models.Bid) error
	// HighestRevealedBid 回傳有效金額最高的 REVEALED 出價
	// 以有效金額遞減、出價時間遞增排序，找不到時回傳 nil
	HighestRevealedBid(ctx context.Context, auctionID uuid.UUID) (*models.Bid, error)

	// Settlement
	// SettleWithWinner 在單一交易中執行六項寫入:
	// 得標出價 ACCEPTED、其他 REVEALED 出價 OUTBID、未揭示出價 EXPIRED、
	// 標的 SOLD(原始金額)、拍賣 RESOLVED、建立 Transaction(手續費)
	// 若拍賣已終止則回傳 ErrAlreadyResolved，不做任何寫入
	SettleWithWinner(ctx context.Context, in SettleInput) (*models.Transaction, error)
	// ExpireWithoutWinner 在單一交易中將拍賣與標的標記為 EXPIRED，
	// 並把所有出價標記為 EXPIRED；已終止時回傳 ErrAlreadyResolved
	ExpireWithoutWinner(ctx context.Context, auctionID uuid.UUID) error
	UpdateTransaction(ctx context.Context, id uuid.UUID, status models.TransactionStatus, reference *string) error
}

// SettleInput 描述一次有得標者的結算批次
type SettleInput struct {
	AuctionID    uuid.UUID
	WinningBidID uuid.UUID
	WinnerID     uuid.UUID
	// RawAmount 為得標者實際支付的原始金額，永遠不是加成後的有效金額
	RawAmount   decimal.Decimal
	PlatformFee decimal.Decimal
	SoldAt      time.Time
}
