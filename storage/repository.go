package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"leadex/auction"
	"leadex/models"
)

// Repository 以 gorm 實作拍賣引擎的儲存層
// Bid 資料列只透過這裡變更；結算批次在單一資料庫交易中完成
type Repository struct {
	db *gorm.DB
}

// NewRepository 建立儲存層
func NewRepository(db *gorm.DB) (*Repository, error) {
	if db == nil {
		return nil, errors.New("db cannot be nil")
	}
	return &Repository{db: db}, nil
}

// GetLead 以 ID 查詢標的，找不到時回傳 nil
func (r *Repository) GetLead(ctx context.Context, id uuid.UUID) (*models.Lead, error) {
	const op = "Repository.GetLead"
	lead := models.Lead{ID: id}
	if result := r.db.WithContext(ctx).First(&lead); result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("[%s] fail to find lead, err=%w", op, result.Error)
	}
	return &lead, nil
}

// CreateLead 建立標的
func (r *Repository) CreateLead(ctx context.Context, lead *models.Lead) error {
	const op = "Repository.CreateLead"
	if result := r.db.WithContext(ctx).Create(lead); result.Error != nil {
		return fmt.Errorf("[%s] fail to create lead, err=%w", op, result.Error)
	}
	return nil
}

// CreateAuction 在單一交易中建立拍賣並把標的標記為 IN_AUCTION
func (r *Repository) CreateAuction(ctx context.Context, lead *models.Lead, a *models.Auction) error {
	const op = "Repository.CreateAuction"
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if result := tx.Create(a); result.Error != nil {
			return fmt.Errorf("fail to create auction, err=%w", result.Error)
		}
		if result := tx.Model(&models.Lead{ID: lead.ID}).Update("status", models.LeadStatusInAuction); result.Error != nil {
			return fmt.Errorf("fail to update lead status, err=%w", result.Error)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("[%s] %w", op, err)
	}
	return nil
}

// GetAuction 以 ID 查詢拍賣(含標的)，找不到時回傳 nil
func (r *Repository) GetAuction(ctx context.Context, id uuid.UUID) (*models.Auction, error) {
	const op = "Repository.GetAuction"
	a := models.Auction{ID: id}
	if result := r.db.WithContext(ctx).Preload("Lead").First(&a); result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("[%s] fail to find auction, err=%w", op, result.Error)
	}
	return &a, nil
}

// ListDueAuctions 回傳指定階段中截止時間已過的拍賣
// BIDDING 以出價截止時間為準，REVEAL 以揭示截止時間為準
func (r *Repository) ListDueAuctions(ctx context.Context, phase models.AuctionPhase, before time.Time) ([]models.Auction, error) {
	const op = "Repository.ListDueAuctions"
	query := r.db.WithContext(ctx).Where("phase = ?", phase)
	switch phase {
	case models.AuctionPhaseReveal:
		query = query.Where("reveal_ends_at <= ?", before)
	default:
		query = query.Where("bidding_ends_at <= ?", before)
	}
	var due []models.Auction
	if result := query.Order("bidding_ends_at").Find(&due); result.Error != nil {
		return nil, fmt.Errorf("[%s] fail to list due auctions, err=%w", op, result.Error)
	}
	return due, nil
}

// TransitionPhase 原子性地推進拍賣階段並同步更新標的狀態
// WHERE 條件帶上來源階段，確保轉移永遠不會倒退或重複套用
func (r *Repository) TransitionPhase(ctx context.Context, auctionID uuid.UUID, from, to models.AuctionPhase, leadStatus models.LeadStatus, revealEndsAt *time.Time) error {
	const op = "Repository.TransitionPhase"
	if !from.CanTransition(to) {
		return fmt.Errorf("[%s] illegal transition %s -> %s", op, from, to)
	}
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		updates := map[string]any{"phase": to}
		if revealEndsAt != nil {
			updates["reveal_ends_at"] = *revealEndsAt
		}
		result := tx.Model(&models.Auction{}).
			Where("id = ? AND phase = ?", auctionID, from).
			Updates(updates)
		if result.Error != nil {
			return fmt.Errorf("fail to update auction phase, err=%w", result.Error)
		}
		if result.RowsAffected == 0 {
			return auction.ErrAlreadyResolved
		}
		if result := tx.Model(&models.Lead{}).
			Where("id = (?)", tx.Model(&models.Auction{}).Select("lead_id").Where("id = ?", auctionID)).
			Update("status", leadStatus); result.Error != nil {
			return fmt.Errorf("fail to update lead status, err=%w", result.Error)
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, auction.ErrAlreadyResolved) {
			return auction.ErrAlreadyResolved
		}
		return fmt.Errorf("[%s] %w", op, err)
	}
	return nil
}

// AddParticipant 將使用者記錄到拍賣的參與者清單，重複加入為無操作
func (r *Repository) AddParticipant(ctx context.Context, auctionID, userID uuid.UUID) error {
	const op = "Repository.AddParticipant"
	result := r.db.WithContext(ctx).Exec(
		`INSERT INTO auction_participants (auction_id, user_id) VALUES (?, ?) ON CONFLICT DO NOTHING`,
		auctionID, userID,
	)
	if result.Error != nil {
		return fmt.Errorf("[%s] fail to add participant, err=%w", op, result.Error)
	}
	return nil
}

// PlaceBid 在單一交易中 upsert 出價並寫回拍賣的最高出價欄位
// 以 (auction, bidder) 為衝突鍵，同一位出價者重複出價只會更新同一筆紀錄
//
// 拍賣列的更新帶上呼叫端觀察到的階段做守門: 拍賣在准入途中被結算時
// 整筆交易回滾並回傳 ErrAuctionNotActive，已結算的拍賣不會被晚到的
// 出價覆寫最高出價欄位
func (r *Repository) PlaceBid(ctx context.Context, a *models.Auction, bid *models.Bid) error {
	const op = "Repository.PlaceBid"
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if result := tx.Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "auction_id"}, {Name: "bidder_id"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"commitment", "amount", "effective_amount", "status", "processed_at", "updated_at",
			}),
		}).Create(bid); result.Error != nil {
			return fmt.Errorf("fail to upsert bid, err=%w", result.Error)
		}
		updates := map[string]any{
			"high_bid":        a.HighBid,
			"high_bid_raw":    a.HighBidRaw,
			"high_bidder_id":  a.HighBidderID,
			"bid_count":       a.BidCount,
			"bidding_ends_at": a.BiddingEndsAt,
			"extension_count": a.ExtensionCount,
		}
		result := tx.Model(&models.Auction{}).
			Where("id = ? AND phase = ?", a.ID, a.Phase).
			Updates(updates)
		if result.Error != nil {
			return fmt.Errorf("fail to update auction, err=%w", result.Error)
		}
		if result.RowsAffected == 0 {
			return auction.ErrAuctionNotActive
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, auction.ErrAuctionNotActive) {
			return auction.ErrAuctionNotActive
		}
		return fmt.Errorf("[%s] %w", op, err)
	}
	return nil
}

// GetBid 查詢出價者在拍賣中的出價紀錄，找不到時回傳 nil
func (r *Repository) GetBid(ctx context.Context, auctionID, bidderID uuid.UUID) (*models.Bid, error) {
	const op = "Repository.GetBid"
	var bid models.Bid
	result := r.db.WithContext(ctx).
		Where("auction_id = ? AND bidder_id = ?", auctionID, bidderID).
		First(&bid)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("[%s] fail to find bid, err=%w", op, result.Error)
	}
	return &bid, nil
}

// SaveBid 保存出價紀錄
func (r *Repository) SaveBid(ctx context.Context, bid *models.Bid) error {
	const op = "Repository.SaveBid"
	if result := r.db.WithContext(ctx).Save(bid); result.Error != nil {
		return fmt.Errorf("[%s] fail to save bid, err=%w", op, result.Error)
	}
	return nil
}

// HighestRevealedBid 回傳有效金額最高的 REVEALED 出價(含出價者)
// 以有效金額遞減、建立時間遞增排序，同額時先出價者優先
func (r *Repository) HighestRevealedBid(ctx context.Context, auctionID uuid.UUID) (*models.Bid, error) {
	const op = "Repository.HighestRevealedBid"
	var bid models.Bid
	result := r.db.WithContext(ctx).
		Preload("Bidder").
		Where("auction_id = ? AND status = ? AND amount IS NOT NULL", auctionID, models.BidStatusRevealed).
		Order(clause.OrderBy{Columns: []clause.OrderByColumn{
			{Column: clause.Column{Name: "effective_amount"}, Desc: true},
			{Column: clause.Column{Name: "created_at"}, Desc: false},
		}}).
		First(&bid)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("[%s] fail to find highest revealed bid, err=%w", op, result.Error)
	}
	return &bid, nil
}

// SettleWithWinner 執行有得標者的結算批次，六項寫入在同一交易中完成
// 拍賣列先以 FOR UPDATE 鎖定並重新檢查階段，重複結算會回傳 ErrAlreadyResolved
func (r *Repository) SettleWithWinner(ctx context.Context, in auction.SettleInput) (*models.Transaction, error) {
	const op = "Repository.SettleWithWinner"
	record := &models.Transaction{
		AuctionID:   in.AuctionID,
		BuyerID:     in.WinnerID,
		GrossAmount: in.RawAmount,
		PlatformFee: in.PlatformFee,
		Status:      models.TransactionStatusPending,
	}
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var a models.Auction
		if result := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("id = ?", in.AuctionID).First(&a); result.Error != nil {
			return fmt.Errorf("fail to lock auction, err=%w", result.Error)
		}
		if a.Phase.Terminal() {
			return auction.ErrAlreadyResolved
		}

		// (a) 得標出價 ACCEPTED
		if result := tx.Model(&models.Bid{}).
			Where("id = ?", in.WinningBidID).
			Updates(map[string]any{"status": models.BidStatusAccepted, "processed_at": in.SoldAt}); result.Error != nil {
			return fmt.Errorf("fail to accept winning bid, err=%w", result.Error)
		}
		// (b) 其他 REVEALED 出價 OUTBID
		if result := tx.Model(&models.Bid{}).
			Where("auction_id = ? AND id <> ? AND status = ?", in.AuctionID, in.WinningBidID, models.BidStatusRevealed).
			Updates(map[string]any{"status": models.BidStatusOutbid, "processed_at": in.SoldAt}); result.Error != nil {
			return fmt.Errorf("fail to mark outbid bids, err=%w", result.Error)
		}
		// (c) 未揭示的出價 EXPIRED(未揭示者喪失資格)
		if result := tx.Model(&models.Bid{}).
			Where("auction_id = ? AND status = ?", in.AuctionID, models.BidStatusPending).
			Updates(map[string]any{"status": models.BidStatusExpired, "processed_at": in.SoldAt}); result.Error != nil {
			return fmt.Errorf("fail to expire pending bids, err=%w", result.Error)
		}
		// (d) 標的 SOLD，記錄原始成交金額與成交時間
		if result := tx.Model(&models.Lead{}).
			Where("id = ?", a.LeadID).
			Updates(map[string]any{
				"status":      models.LeadStatusSold,
				"sold_amount": in.RawAmount,
				"sold_at":     in.SoldAt,
			}); result.Error != nil {
			return fmt.Errorf("fail to mark lead as sold, err=%w", result.Error)
		}
		// (e) 拍賣 RESOLVED
		if result := tx.Model(&models.Auction{}).
			Where("id = ?", in.AuctionID).
			Update("phase", models.AuctionPhaseResolved); result.Error != nil {
			return fmt.Errorf("fail to resolve auction, err=%w", result.Error)
		}
		// (f) 建立結算交易紀錄
		if result := tx.Create(record); result.Error != nil {
			return fmt.Errorf("fail to create transaction, err=%w", result.Error)
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, auction.ErrAlreadyResolved) {
			return nil, auction.ErrAlreadyResolved
		}
		return nil, fmt.Errorf("[%s] %w", op, err)
	}
	return record, nil
}

// ExpireWithoutWinner 處理沒有任何有效出價的拍賣
// 拍賣、標的與所有出價在同一交易中標記為 EXPIRED
func (r *Repository) ExpireWithoutWinner(ctx context.Context, auctionID uuid.UUID) error {
	const op = "Repository.ExpireWithoutWinner"
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var a models.Auction
		if result := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("id = ?", auctionID).First(&a); result.Error != nil {
			return fmt.Errorf("fail to lock auction, err=%w", result.Error)
		}
		if a.Phase.Terminal() {
			return auction.ErrAlreadyResolved
		}

		now := time.Now()
		if result := tx.Model(&models.Bid{}).
			Where("auction_id = ?", auctionID).
			Updates(map[string]any{"status": models.BidStatusExpired, "processed_at": now}); result.Error != nil {
			return fmt.Errorf("fail to expire bids, err=%w", result.Error)
		}
		if result := tx.Model(&models.Lead{}).
			Where("id = ?", a.LeadID).
			Update("status", models.LeadStatusExpired); result.Error != nil {
			return fmt.Errorf("fail to expire lead, err=%w", result.Error)
		}
		if result := tx.Model(&models.Auction{}).
			Where("id = ?", auctionID).
			Update("phase", models.AuctionPhaseExpired); result.Error != nil {
			return fmt.Errorf("fail to expire auction, err=%w", result.Error)
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, auction.ErrAlreadyResolved) {
			return auction.ErrAlreadyResolved
		}
		return fmt.Errorf("[%s] %w", op, err)
	}
	return nil
}

// UpdateTransaction 推進結算交易的狀態
func (r *Repository) UpdateTransaction(ctx context.Context, id uuid.UUID, status models.TransactionStatus, reference *string) error {
	const op = "Repository.UpdateTransaction"
	updates := map[string]any{"status": status}
	if reference != nil {
		updates["reference"] = *reference
	}
	if result := r.db.WithContext(ctx).Model(&models.Transaction{}).
		Where("id = ?", id).Updates(updates); result.Error != nil {
		return fmt.Errorf("[%s] fail to update transaction, err=%w", op, result.Error)
	}
	return nil
}

// HasHolding 查詢使用者是否持有指定標的(perks.HoldingSource)
func (r *Repository) HasHolding(ctx context.Context, userID, leadID uuid.UUID) (bool, error) {
	const op = "Repository.HasHolding"
	var count int64
	if result := r.db.WithContext(ctx).Model(&models.Holding{}).
		Where("user_id = ? AND lead_id = ?", userID, leadID).
		Count(&count); result.Error != nil {
		return false, fmt.Errorf("[%s] fail to count holdings, err=%w", op, result.Error)
	}
	return count > 0, nil
}

// HasAnyHolding 查詢使用者是否持有任何標的(ratelimit.AccountSource)
func (r *Repository) HasAnyHolding(ctx context.Context, userID uuid.UUID) (bool, error) {
	const op = "Repository.HasAnyHolding"
	var count int64
	if result := r.db.WithContext(ctx).Model(&models.Holding{}).
		Where("user_id = ?", userID).
		Count(&count); result.Error != nil {
		return false, fmt.Errorf("[%s] fail to count holdings, err=%w", op, result.Error)
	}
	return count > 0, nil
}

// IsKYCVerified 查詢使用者是否通過 KYC 驗證(ratelimit.AccountSource)
func (r *Repository) IsKYCVerified(ctx context.Context, userID uuid.UUID) (bool, error) {
	const op = "Repository.IsKYCVerified"
	user := models.User{ID: userID}
	if result := r.db.WithContext(ctx).First(&user); result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("[%s] fail to find user, err=%w", op, result.Error)
	}
	return user.KYCVerified, nil
}
