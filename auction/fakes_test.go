package auction_test

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"leadex/auction"
	"leadex/models"
	"leadex/perks"
)

// fakeRepo 為測試用的記憶體儲存層
type fakeRepo struct {
	mu           sync.Mutex
	leads        map[uuid.UUID]*models.Lead
	auctions     map[uuid.UUID]*models.Auction
	bids         map[uuid.UUID]map[uuid.UUID]*models.Bid
	participants map[uuid.UUID][]uuid.UUID
	transactions map[uuid.UUID]*models.Transaction
	wallets      map[uuid.UUID]string

	settled     []auction.SettleInput
	expired     []uuid.UUID
	transitions []fakeTransition

	err error // 設置後所有操作都回傳這個錯誤
}

type fakeTransition struct {
	auctionID    uuid.UUID
	from, to     models.AuctionPhase
	leadStatus   models.LeadStatus
	revealEndsAt *time.Time
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		leads:        make(map[uuid.UUID]*models.Lead),
		auctions:     make(map[uuid.UUID]*models.Auction),
		bids:         make(map[uuid.UUID]map[uuid.UUID]*models.Bid),
		participants: make(map[uuid.UUID][]uuid.UUID),
		transactions: make(map[uuid.UUID]*models.Transaction),
		wallets:      make(map[uuid.UUID]string),
	}
}

func (r *fakeRepo) addLead(lead *models.Lead) *models.Lead {
	if lead.ID == uuid.Nil {
		lead.ID = uuid.New()
	}
	r.leads[lead.ID] = lead
	return lead
}

func (r *fakeRepo) addAuction(a *models.Auction) *models.Auction {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	r.auctions[a.ID] = a
	return a
}

func (r *fakeRepo) GetLead(ctx context.Context, id uuid.UUID) (*models.Lead, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return nil, r.err
	}
	return r.leads[id], nil
}

func (r *fakeRepo) CreateAuction(ctx context.Context, lead *models.Lead, a *models.Auction) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	a.ID = uuid.New()
	a.Lead = *lead
	r.auctions[a.ID] = a
	lead.Status = models.LeadStatusInAuction
	return nil
}

func (r *fakeRepo) GetAuction(ctx context.Context, id uuid.UUID) (*models.Auction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return nil, r.err
	}
	a, ok := r.auctions[id]
	if !ok {
		return nil, nil
	}
	// 與真實儲存層相同，回傳獨立的資料列快照
	snapshot := *a
	return &snapshot, nil
}

func (r *fakeRepo) ListDueAuctions(ctx context.Context, phase models.AuctionPhase, before time.Time) ([]models.Auction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return nil, r.err
	}
	var due []models.Auction
	for _, a := range r.auctions {
		if a.Phase != phase {
			continue
		}
		deadline := a.BiddingEndsAt
		if phase == models.AuctionPhaseReveal && a.RevealEndsAt != nil {
			deadline = *a.RevealEndsAt
		}
		if !deadline.After(before) {
			due = append(due, *a)
		}
	}
	return due, nil
}

func (r *fakeRepo) TransitionPhase(ctx context.Context, auctionID uuid.UUID, from, to models.AuctionPhase, leadStatus models.LeadStatus, revealEndsAt *time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	a, ok := r.auctions[auctionID]
	if !ok || a.Phase != from {
		return auction.ErrAlreadyResolved
	}
	a.Phase = to
	a.RevealEndsAt = revealEndsAt
	if lead, ok := r.leads[a.LeadID]; ok {
		lead.Status = leadStatus
	}
	r.transitions = append(r.transitions, fakeTransition{auctionID, from, to, leadStatus, revealEndsAt})
	return nil
}

func (r *fakeRepo) AddParticipant(ctx context.Context, auctionID, userID uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	for _, id := range r.participants[auctionID] {
		if id == userID {
			return nil
		}
	}
	r.participants[auctionID] = append(r.participants[auctionID], userID)
	return nil
}

func (r *fakeRepo) PlaceBid(ctx context.Context, a *models.Auction, bid *models.Bid) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	// 與真實儲存層相同的階段守門: 呼叫端觀察到的階段與目前不符時整筆回滾
	stored, ok := r.auctions[a.ID]
	if !ok || stored.Phase != a.Phase {
		return auction.ErrAuctionNotActive
	}
	if bid.ID == uuid.Nil {
		bid.ID = uuid.New()
		bid.CreatedAt = time.Now()
	}
	if r.bids[a.ID] == nil {
		r.bids[a.ID] = make(map[uuid.UUID]*models.Bid)
	}
	r.bids[a.ID][bid.BidderID] = bid
	*stored = *a
	return nil
}

func (r *fakeRepo) GetBid(ctx context.Context, auctionID, bidderID uuid.UUID) (*models.Bid, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return nil, r.err
	}
	return r.bids[auctionID][bidderID], nil
}

func (r *fakeRepo) SaveBid(ctx context.Context, bid *models.Bid) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	if r.bids[bid.AuctionID] == nil {
		r.bids[bid.AuctionID] = make(map[uuid.UUID]*models.Bid)
	}
	r.bids[bid.AuctionID][bid.BidderID] = bid
	return nil
}

func (r *fakeRepo) HighestRevealedBid(ctx context.Context, auctionID uuid.UUID) (*models.Bid, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return nil, r.err
	}
	var revealed []*models.Bid
	for _, bid := range r.bids[auctionID] {
		if bid.Status == models.BidStatusRevealed && bid.Amount.Valid {
			revealed = append(revealed, bid)
		}
	}
	if len(revealed) == 0 {
		return nil, nil
	}
	sort.Slice(revealed, func(i, j int) bool {
		if !revealed[i].EffectiveAmount.Decimal.Equal(revealed[j].EffectiveAmount.Decimal) {
			return revealed[i].EffectiveAmount.Decimal.GreaterThan(revealed[j].EffectiveAmount.Decimal)
		}
		return revealed[i].CreatedAt.Before(revealed[j].CreatedAt)
	})
	winner := *revealed[0]
	winner.Bidder = models.User{ID: winner.BidderID, Wallet: r.wallets[winner.BidderID]}
	return &winner, nil
}

func (r *fakeRepo) SettleWithWinner(ctx context.Context, in auction.SettleInput) (*models.Transaction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return nil, r.err
	}
	a, ok := r.auctions[in.AuctionID]
	if !ok || a.Phase.Terminal() {
		return nil, auction.ErrAlreadyResolved
	}
	for _, bid := range r.bids[in.AuctionID] {
		switch {
		case bid.ID == in.WinningBidID:
			bid.Status = models.BidStatusAccepted
		case bid.Status == models.BidStatusRevealed:
			bid.Status = models.BidStatusOutbid
		case bid.Status == models.BidStatusPending:
			bid.Status = models.BidStatusExpired
		}
	}
	if lead, ok := r.leads[a.LeadID]; ok {
		lead.Status = models.LeadStatusSold
		lead.SoldAmount = decimal.NullDecimal{Decimal: in.RawAmount, Valid: true}
		soldAt := in.SoldAt
		lead.SoldAt = &soldAt
	}
	a.Phase = models.AuctionPhaseResolved
	record := &models.Transaction{
		ID:          uuid.New(),
		AuctionID:   in.AuctionID,
		BuyerID:     in.WinnerID,
		GrossAmount: in.RawAmount,
		PlatformFee: in.PlatformFee,
		Status:      models.TransactionStatusPending,
	}
	r.transactions[record.ID] = record
	r.settled = append(r.settled, in)
	return record, nil
}

func (r *fakeRepo) ExpireWithoutWinner(ctx context.Context, auctionID uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	a, ok := r.auctions[auctionID]
	if !ok || a.Phase.Terminal() {
		return auction.ErrAlreadyResolved
	}
	for _, bid := range r.bids[auctionID] {
		bid.Status = models.BidStatusExpired
	}
	if lead, ok := r.leads[a.LeadID]; ok {
		lead.Status = models.LeadStatusExpired
	}
	a.Phase = models.AuctionPhaseExpired
	r.expired = append(r.expired, auctionID)
	return nil
}

func (r *fakeRepo) UpdateTransaction(ctx context.Context, id uuid.UUID, status models.TransactionStatus, reference *string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	record, ok := r.transactions[id]
	if !ok {
		return auction.ErrRepositoryFailure
	}
	record.Status = status
	record.Reference = reference
	return nil
}

// fakePerks 為可設定的持有者優惠評估器
type fakePerks struct {
	perBidder map[uuid.UUID]perks.Result
	fallback  perks.Result
	window    int
	err       error
}

func newFakePerks() *fakePerks {
	return &fakePerks{
		perBidder: make(map[uuid.UUID]perks.Result),
		fallback:  perks.Result{Multiplier: decimal.NewFromInt(1), PrePingSeconds: 60},
		window:    60,
	}
}

func (f *fakePerks) holder(bidder uuid.UUID) {
	f.perBidder[bidder] = perks.Result{
		IsHolder:       true,
		Multiplier:     decimal.NewFromFloat(1.2),
		PrePingSeconds: f.window,
	}
}

func (f *fakePerks) Evaluate(ctx context.Context, leadID uuid.UUID, slug, nonce string, bidder uuid.UUID) (perks.Result, error) {
	if f.err != nil {
		return perks.Result{}, f.err
	}
	if result, ok := f.perBidder[bidder]; ok {
		return result, nil
	}
	return f.fallback, nil
}

func (f *fakePerks) Window(slug, nonce string) int {
	return f.window
}

type fakeCompliance struct {
	denied bool
	reason string
	err    error
	hook   func() // 在檢查期間注入併發行為
}

func (f *fakeCompliance) CanTransact(ctx context.Context, userID, leadID uuid.UUID) (bool, string, error) {
	if f.hook != nil {
		f.hook()
	}
	if f.err != nil {
		return false, "", f.err
	}
	return !f.denied, f.reason, nil
}

type fakeLimiter struct {
	err   error
	calls int
}

func (f *fakeLimiter) Allow(ctx context.Context, userID uuid.UUID, wallet string) error {
	f.calls++
	return f.err
}

type fakeSettler struct {
	reference string
	err       error
	calls     int
}

func (f *fakeSettler) Settle(ctx context.Context, winnerID uuid.UUID, wallet string, amount decimal.Decimal) (string, error) {
	f.calls++
	if f.err != nil {
		return "", f.err
	}
	return f.reference, nil
}

// fakeBroadcaster 記錄所有廣播過的事件
type fakeBroadcaster struct {
	mu     sync.Mutex
	events []auction.Event
	err    error
}

func (f *fakeBroadcaster) Broadcast(auctionID uuid.UUID, event auction.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.events = append(f.events, event)
	return nil
}

func (f *fakeBroadcaster) byType(t auction.EventType) []auction.Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	var matched []auction.Event
	for _, event := range f.events {
		if event.Type == t {
			matched = append(matched, event)
		}
	}
	return matched
}

type fakeMutex struct {
	lockErr error
}

func (f *fakeMutex) Lock(ctx context.Context) (context.Context, error) {
	if f.lockErr != nil {
		return nil, f.lockErr
	}
	return ctx, nil
}

func (f *fakeMutex) Unlock() (bool, error) {
	return true, nil
}

// fakeLocks 記錄每把鎖的鍵並回傳同一個fakeMutex
type fakeLocks struct {
	mu      sync.Mutex
	keys    []string
	lockErr error
}

func (f *fakeLocks) factory() auction.LockFactory {
	return func(key string) auction.Mutex {
		f.mu.Lock()
		f.keys = append(f.keys, key)
		f.mu.Unlock()
		return &fakeMutex{lockErr: f.lockErr}
	}
}
