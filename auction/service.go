package auction

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"leadex/models"
	"leadex/perks"
)

// nullDecimalString 將可空的金額轉成十進位字串，NULL 時回傳空字串
func nullDecimalString(d decimal.NullDecimal) string {
	if !d.Valid {
		return ""
	}
	return d.Decimal.String()
}

// Config 為出價准入的行為參數
// 手續費率與揭示時間分別屬於 Resolver 與 Monitor，不在這裡
type Config struct {
	ExtendIncrement time.Duration // 防狙擊延長的增量，同時也是觸發延長的剩餘時間門檻
	MaxExtensions   int           // 每場拍賣最多延長次數
	LockTimeout     time.Duration // 單次取得出價鎖的時間上限
}

// withDefaults 補上未設置的參數
func (c *Config) withDefaults() {
	if c.ExtendIncrement <= 0 {
		c.ExtendIncrement = 2 * time.Minute
	}
	if c.MaxExtensions <= 0 {
		c.MaxExtensions = 5
	}
	if c.LockTimeout <= 0 {
		c.LockTimeout = 10 * time.Second
	}
}

// auctionLockKey 為一場拍賣的分散式鎖鍵
// 出價准入與結算共用這把鎖，兩者的讀取-比較-寫入絕不交錯
func auctionLockKey(auctionID uuid.UUID) string {
	return fmt.Sprintf("auction:%s:lock", auctionID)
}

// Service 擁有拍賣的階段與出價准入規則
// 同一場拍賣的出價處理透過分散式鎖序列化，
// 兩筆併發出價不可能同時把自己當成新的最高出價者
type Service struct {
	repo        Repository
	perks       PerkEvaluator
	compliance  Compliance
	limiter     Limiter
	locks       LockFactory
	broadcaster Broadcaster
	logger      *slog.Logger
	config      Config
}

// NewService 建立拍賣引擎
func NewService(
	repo Repository,
	perkEvaluator PerkEvaluator,
	compliance Compliance,
	limiter Limiter,
	locks LockFactory,
	broadcaster Broadcaster,
	logger *slog.Logger,
	config Config,
) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	config.withDefaults()
	return &Service{
		repo:        repo,
		perks:       perkEvaluator,
		compliance:  compliance,
		limiter:     limiter,
		locks:       locks,
		broadcaster: broadcaster,
		logger:      logger.With(slog.String("caller", "AuctionService")),
		config:      config,
	}
}

// CreateInput 描述一場新拍賣
type CreateInput struct {
	LeadID        uuid.UUID
	Sealed        bool
	BiddingEndsAt time.Time
}

// Create 為標的建立一場拍賣，鑄造並持久化 pre-ping nonce
func (s *Service) Create(ctx context.Context, id Identity, in CreateInput) (*models.Auction, error) {
	const op = "Service.Create"
	if id.UserID == uuid.Nil {
		return nil, ErrAuthenticationRequired
	}
	if id.Role != models.UserRoleSeller && id.Role != models.UserRoleAdmin {
		return nil, ErrRoleForbidden
	}
	now := time.Now()
	if !in.BiddingEndsAt.After(now) {
		return nil, fmt.Errorf("[%s] bidding end time must be in the future", op)
	}

	lead, err := s.repo.GetLead(ctx, in.LeadID)
	if err != nil {
		return nil, repoErr(op, err)
	}
	if lead == nil || lead.Status != models.LeadStatusOpen {
		return nil, ErrAuctionNotActive
	}
	if id.Role == models.UserRoleSeller && lead.SellerID != id.UserID {
		return nil, ErrRoleForbidden
	}

	// 鑄造 pre-ping nonce 並推導視窗長度
	nonce, err := perks.MintNonce()
	if err != nil {
		return nil, fmt.Errorf("[%s] fail to mint nonce, err=%w", op, err)
	}
	window := s.perks.Window(lead.Slug, nonce)

	a := &models.Auction{
		LeadID:        lead.ID,
		Sealed:        in.Sealed,
		Phase:         models.AuctionPhaseBidding,
		ReservePrice:  lead.ReservePrice,
		StartTime:     now,
		BiddingEndsAt: in.BiddingEndsAt,
		PrePingEndsAt: now.Add(time.Duration(window) * time.Second),
		PrePingNonce:  nonce,
	}
	if err := s.repo.CreateAuction(ctx, lead, a); err != nil {
		return nil, repoErr(op, err)
	}
	s.logger.Info("auction created",
		slog.String("auctionID", a.ID.String()),
		slog.String("leadID", lead.ID.String()),
		slog.Bool("sealed", in.Sealed),
		slog.Int("prePingSeconds", window))
	return a, nil
}

// BidInput 描述一筆出價
// 密封拍賣只帶 Commitment；公開拍賣只帶 Amount
type BidInput struct {
	Commitment string
	Amount     *decimal.Decimal
}

// BidReceipt 回傳給出價者本人的出價確認
type BidReceipt struct {
	BidID    uuid.UUID
	Status   models.BidStatus
	Extended bool // 這筆出價是否觸發了防狙擊延長
	State    Snapshot
}

// SubmitBid 處理一筆出價
//
// 准入順序: 頻率限制 → 拍賣存在且處於 BIDDING → 角色 → 合規 → pre-ping →
// 金額比較(公開模式)。同一位出價者重複出價會更新同一筆紀錄。
// 有效出價 = 原始金額 × 持有者加成，只用於排序；結算永遠用原始金額。
func (s *Service) SubmitBid(ctx context.Context, id Identity, auctionID uuid.UUID, in BidInput) (*BidReceipt, error) {
	const op = "Service.SubmitBid"
	if id.UserID == uuid.Nil {
		return nil, ErrAuthenticationRequired
	}
	if err := s.limiter.Allow(ctx, id.UserID, id.Wallet); err != nil {
		return nil, err
	}

	// 取得這場拍賣的出價鎖，之後的讀取-比較-寫入都在鎖的保護下進行
	lockCtx, release, err := s.lockAuction(ctx, auctionID)
	if err != nil {
		return nil, fmt.Errorf("[%s] fail to acquire bid lock, err=%w", op, err)
	}
	defer release()

	a, err := s.repo.GetAuction(lockCtx, auctionID)
	if err != nil {
		return nil, repoErr(op, err)
	}
	now := time.Now()
	if a == nil || a.Phase != models.AuctionPhaseBidding || now.Before(a.StartTime) || now.After(a.BiddingEndsAt) {
		return nil, ErrAuctionNotActive
	}
	if id.Role != models.UserRoleBuyer {
		return nil, ErrRoleForbidden
	}

	// 外部合規檢查
	allowed, reason, err := s.compliance.CanTransact(lockCtx, id.UserID, a.LeadID)
	if err != nil {
		return nil, fmt.Errorf("[%s] compliance check failed, err=%w", op, err)
	}
	if !allowed {
		return nil, &ComplianceDeniedError{Reason: reason}
	}

	// 持有者優惠與 pre-ping 視窗
	perk, err := s.perks.Evaluate(lockCtx, a.LeadID, a.Lead.Slug, a.PrePingNonce, id.UserID)
	if err != nil {
		return nil, fmt.Errorf("[%s] fail to evaluate perks, err=%w", op, err)
	}
	if now.Before(a.PrePingEndsAt) && !perk.IsHolder {
		return nil, ErrPrePingHoldersOnly
	}

	existing, err := s.repo.GetBid(lockCtx, auctionID, id.UserID)
	if err != nil {
		return nil, repoErr(op, err)
	}
	bid := existing
	if bid == nil {
		bid = &models.Bid{AuctionID: auctionID, BidderID: id.UserID}
		a.BidCount++
	}

	extended := false
	if a.Sealed {
		// 密封模式: 只記錄承諾雜湊，金額到 REVEAL 階段才揭示
		if in.Commitment == "" {
			return nil, fmt.Errorf("[%s] commitment is required for sealed auctions", op)
		}
		bid.Commitment = in.Commitment
		bid.Status = models.BidStatusPending
		bid.Amount = decimal.NullDecimal{}
		bid.EffectiveAmount = decimal.NullDecimal{}
	} else {
		// 公開模式: 以有效出價和目前最高價比較，相同金額一律拒絕，
		// 因此先到的出價在同一有效金額下保有優先權
		if in.Amount == nil {
			return nil, fmt.Errorf("[%s] amount is required for open auctions", op)
		}
		amount := *in.Amount
		effective := amount.Mul(perk.Multiplier)
		if effective.LessThan(a.ReservePrice) {
			return nil, ErrBidTooLow
		}
		if a.HighBid.Valid && effective.LessThanOrEqual(a.HighBid.Decimal) {
			return nil, ErrBidTooLow
		}
		bid.Amount = decimal.NullDecimal{Decimal: amount, Valid: true}
		bid.EffectiveAmount = decimal.NullDecimal{Decimal: effective, Valid: true}
		bid.Status = models.BidStatusRevealed
		bid.ProcessedAt = &now

		a.HighBid = decimal.NullDecimal{Decimal: effective, Valid: true}
		a.HighBidRaw = decimal.NullDecimal{Decimal: amount, Valid: true}
		bidderID := id.UserID
		a.HighBidderID = &bidderID

		// 防狙擊延長與出價接受同步發生，延長後的截止時間
		// 會直接出現在出價者收到的回應中
		extended = s.maybeExtend(a, now)
	}

	if err := s.repo.PlaceBid(lockCtx, a, bid); err != nil {
		// 階段守門擋下的寫入代表拍賣在准入途中被結算，不是儲存層故障
		if errors.Is(err, ErrAuctionNotActive) {
			return nil, ErrAuctionNotActive
		}
		return nil, repoErr(op, err)
	}

	s.logger.Info("bid accepted",
		slog.String("auctionID", auctionID.String()),
		slog.String("bidder", id.UserID.String()),
		slog.Bool("sealed", a.Sealed),
		slog.Bool("extended", extended))
	s.publish(a.ID, Event{
		AuctionID:     a.ID,
		Type:          EventBidNew,
		BidCount:      a.BidCount,
		HighBid:       nullDecimalString(a.HighBid),
		BiddingEndsAt: &a.BiddingEndsAt,
		Timestamp:     now,
	})

	return &BidReceipt{
		BidID:    bid.ID,
		Status:   bid.Status,
		Extended: extended,
		State:    s.snapshot(a, now),
	}, nil
}

// RevealBid 在 REVEAL 階段驗證並揭示密封出價的金額
// 持有者加成在揭示時套用到有效金額；較低的揭示不會被拒絕，只是不會成為最高價
func (s *Service) RevealBid(ctx context.Context, id Identity, auctionID uuid.UUID, amount decimal.Decimal, salt string) (*BidReceipt, error) {
	const op = "Service.RevealBid"
	if id.UserID == uuid.Nil {
		return nil, ErrAuthenticationRequired
	}
	if err := s.limiter.Allow(ctx, id.UserID, id.Wallet); err != nil {
		return nil, err
	}

	lockCtx, release, err := s.lockAuction(ctx, auctionID)
	if err != nil {
		return nil, fmt.Errorf("[%s] fail to acquire bid lock, err=%w", op, err)
	}
	defer release()

	a, err := s.repo.GetAuction(lockCtx, auctionID)
	if err != nil {
		return nil, repoErr(op, err)
	}
	if a == nil || !a.Sealed || a.Phase != models.AuctionPhaseReveal {
		return nil, ErrAuctionNotActive
	}

	bid, err := s.repo.GetBid(lockCtx, auctionID, id.UserID)
	if err != nil {
		return nil, repoErr(op, err)
	}
	if bid == nil || bid.Commitment == "" {
		return nil, ErrInvalidReveal
	}
	if ComputeCommitment(auctionID, id.UserID, amount, salt) != bid.Commitment {
		return nil, ErrInvalidReveal
	}

	perk, err := s.perks.Evaluate(lockCtx, a.LeadID, a.Lead.Slug, a.PrePingNonce, id.UserID)
	if err != nil {
		return nil, fmt.Errorf("[%s] fail to evaluate perks, err=%w", op, err)
	}

	now := time.Now()
	effective := amount.Mul(perk.Multiplier)
	bid.Amount = decimal.NullDecimal{Decimal: amount, Valid: true}
	bid.EffectiveAmount = decimal.NullDecimal{Decimal: effective, Valid: true}
	bid.Status = models.BidStatusRevealed
	bid.ProcessedAt = &now

	// 揭示期間同步維護最高出價欄位，讓頻道上的觀察者看得到目前領先者
	// 低於底價的揭示會被記錄，但永遠不會領先，也不會在結算時得標
	meetsReserve := !effective.LessThan(a.ReservePrice)
	if meetsReserve && (!a.HighBid.Valid || effective.GreaterThan(a.HighBid.Decimal)) {
		a.HighBid = decimal.NullDecimal{Decimal: effective, Valid: true}
		a.HighBidRaw = decimal.NullDecimal{Decimal: amount, Valid: true}
		bidderID := id.UserID
		a.HighBidderID = &bidderID
	}

	if err := s.repo.PlaceBid(lockCtx, a, bid); err != nil {
		if errors.Is(err, ErrAuctionNotActive) {
			return nil, ErrAuctionNotActive
		}
		return nil, repoErr(op, err)
	}

	s.logger.Info("bid revealed",
		slog.String("auctionID", auctionID.String()),
		slog.String("bidder", id.UserID.String()))
	s.publish(a.ID, Event{
		AuctionID: a.ID,
		Type:      EventBidNew,
		BidCount:  a.BidCount,
		HighBid:   nullDecimalString(a.HighBid),
		Timestamp: now,
	})

	return &BidReceipt{
		BidID:  bid.ID,
		Status: bid.Status,
		State:  s.snapshot(a, now),
	}, nil
}

// Snapshot 為拍賣目前狀態的唯讀快照
type Snapshot struct {
	AuctionID        uuid.UUID           `json:"auctionId"`
	Phase            models.AuctionPhase `json:"phase"`
	Sealed           bool                `json:"sealed"`
	BidCount         int                 `json:"bidCount"`
	HighBid          string              `json:"highBid,omitempty"`
	BiddingEndsAt    time.Time           `json:"biddingEndsAt"`
	RevealEndsAt     *time.Time          `json:"revealEndsAt,omitempty"`
	RemainingSeconds int64               `json:"remainingSeconds"`
	ExtensionCount   int                 `json:"extensionCount"`
}

// GetState 回傳拍賣的狀態快照，無副作用
func (s *Service) GetState(ctx context.Context, auctionID uuid.UUID) (*Snapshot, error) {
	const op = "Service.GetState"
	a, err := s.repo.GetAuction(ctx, auctionID)
	if err != nil {
		return nil, repoErr(op, err)
	}
	if a == nil {
		return nil, ErrAuctionNotActive
	}
	snap := s.snapshot(a, time.Now())
	return &snap, nil
}

// Join 將使用者加入拍賣頻道的參與者清單並回傳狀態快照
// 快照由呼叫端直接推給剛加入的使用者，新訂閱者不必等下一個事件
func (s *Service) Join(ctx context.Context, id Identity, auctionID uuid.UUID) (*Snapshot, error) {
	const op = "Service.Join"
	if id.UserID == uuid.Nil {
		return nil, ErrAuthenticationRequired
	}
	a, err := s.repo.GetAuction(ctx, auctionID)
	if err != nil {
		return nil, repoErr(op, err)
	}
	if a == nil || a.Phase.Terminal() {
		return nil, ErrAuctionNotActive
	}
	if err := s.repo.AddParticipant(ctx, auctionID, id.UserID); err != nil {
		return nil, repoErr(op, err)
	}
	snap := s.snapshot(a, time.Now())
	return &snap, nil
}

// Cancel 取消拍賣，只有在沒有任何出價時才合法
func (s *Service) Cancel(ctx context.Context, id Identity, auctionID uuid.UUID) error {
	const op = "Service.Cancel"
	if id.UserID == uuid.Nil {
		return ErrAuthenticationRequired
	}

	lockCtx, release, err := s.lockAuction(ctx, auctionID)
	if err != nil {
		return fmt.Errorf("[%s] fail to acquire bid lock, err=%w", op, err)
	}
	defer release()

	a, err := s.repo.GetAuction(lockCtx, auctionID)
	if err != nil {
		return repoErr(op, err)
	}
	if a == nil || a.Phase.Terminal() {
		return ErrAuctionNotActive
	}
	if id.Role != models.UserRoleAdmin && a.Lead.SellerID != id.UserID {
		return ErrRoleForbidden
	}
	if a.BidCount > 0 {
		return ErrCancelWithBids
	}

	if err := s.repo.TransitionPhase(lockCtx, a.ID, a.Phase, models.AuctionPhaseCancelled, models.LeadStatusOpen, nil); err != nil {
		return repoErr(op, err)
	}
	s.logger.Info("auction cancelled", slog.String("auctionID", a.ID.String()))
	s.publish(a.ID, Event{
		AuctionID: a.ID,
		Type:      EventAuctionPhase,
		Phase:     models.AuctionPhaseCancelled,
		BidCount:  a.BidCount,
		Timestamp: time.Now(),
	})
	return nil
}

// maybeExtend 在接受出價的同時評估防狙擊延長
// 只有在剩餘時間不足一個增量、延長次數未達上限且拍賣尚未終止時才延長
func (s *Service) maybeExtend(a *models.Auction, now time.Time) bool {
	if a.Phase.Terminal() {
		return false
	}
	if a.ExtensionCount >= s.config.MaxExtensions {
		return false
	}
	if a.BiddingEndsAt.Sub(now) >= s.config.ExtendIncrement {
		return false
	}
	a.BiddingEndsAt = a.BiddingEndsAt.Add(s.config.ExtendIncrement)
	a.ExtensionCount++
	return true
}

// lockAuction 取得指定拍賣的分散式出價鎖
// 單次嘗試以 LockTimeout 為限，失敗後恰好重試一次才放棄
func (s *Service) lockAuction(ctx context.Context, auctionID uuid.UUID) (context.Context, func(), error) {
	key := auctionLockKey(auctionID)
	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		mutex := s.locks(key)
		attemptCtx, cancel := context.WithTimeout(ctx, s.config.LockTimeout)
		lockCtx, err := mutex.Lock(attemptCtx)
		if err == nil {
			release := func() {
				defer cancel()
				if _, err := mutex.Unlock(); err != nil {
					s.logger.Warn("fail to release bid lock", slog.String("key", key), slog.Any("error", err))
				}
			}
			return lockCtx, release, nil
		}
		cancel()
		lastErr = err
		if errors.Is(err, context.Canceled) {
			break
		}
	}
	return nil, nil, lastErr
}

// snapshot 組裝狀態快照，剩餘時間以目前階段的截止時間計算
func (s *Service) snapshot(a *models.Auction, now time.Time) Snapshot {
	deadline := a.BiddingEndsAt
	if a.Phase == models.AuctionPhaseReveal && a.RevealEndsAt != nil {
		deadline = *a.RevealEndsAt
	}
	remaining := int64(0)
	if !a.Phase.Terminal() && deadline.After(now) {
		remaining = int64(deadline.Sub(now).Seconds())
	}
	return Snapshot{
		AuctionID:        a.ID,
		Phase:            a.Phase,
		Sealed:           a.Sealed,
		BidCount:         a.BidCount,
		HighBid:          nullDecimalString(a.HighBid),
		BiddingEndsAt:    a.BiddingEndsAt,
		RevealEndsAt:     a.RevealEndsAt,
		RemainingSeconds: remaining,
		ExtensionCount:   a.ExtensionCount,
	}
}

// publish 以 fire-and-forget 的方式廣播事件，失敗只記錄不回傳
func (s *Service) publish(auctionID uuid.UUID, event Event) {
	if s.broadcaster == nil {
		return
	}
	if err := s.broadcaster.Broadcast(auctionID, event); err != nil {
		s.logger.Error("fail to broadcast event",
			slog.String("auctionID", auctionID.String()),
			slog.String("event", string(event.Type)),
			slog.Any("error", err))
	}
}
