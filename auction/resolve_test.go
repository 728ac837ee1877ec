package auction_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"leadex/auction"
	"leadex/models"
)

// fakeQueue 記錄排入的結算工作
type fakeQueue struct {
	mu   sync.Mutex
	jobs []auction.SettlementJob
	err  error
}

func (q *fakeQueue) Enqueue(job auction.SettlementJob) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return q.err
	}
	q.jobs = append(q.jobs, job)
	return nil
}

type resolverFixture struct {
	repo        *fakeRepo
	broadcaster *fakeBroadcaster
	queue       *fakeQueue
	settler     *fakeSettler
	locks       *fakeLocks
	resolver    *auction.Resolver
}

func newResolverFixture() *resolverFixture {
	f := &resolverFixture{
		repo:        newFakeRepo(),
		broadcaster: &fakeBroadcaster{},
		queue:       &fakeQueue{},
		settler:     &fakeSettler{reference: "chain-tx-1"},
		locks:       &fakeLocks{},
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	f.resolver = auction.NewResolver(f.repo, f.broadcaster, f.queue, f.settler, f.locks.factory(), logger, decimal.NewFromFloat(0.025))
	return f
}

// endedAuction 建立一場出價期已結束的拍賣
func (f *resolverFixture) endedAuction() *models.Auction {
	lead := f.repo.addLead(&models.Lead{
		SellerID: uuid.New(),
		Slug:     "expired-window-lead",
		Status:   models.LeadStatusInAuction,
	})
	return f.repo.addAuction(&models.Auction{
		LeadID:        lead.ID,
		Phase:         models.AuctionPhaseBidding,
		StartTime:     time.Now().Add(-2 * time.Hour),
		BiddingEndsAt: time.Now().Add(-time.Minute),
		Lead:          *lead,
	})
}

func (f *resolverFixture) revealedBid(a *models.Auction, bidderID uuid.UUID, raw, effective int64, at time.Time) *models.Bid {
	if f.repo.bids[a.ID] == nil {
		f.repo.bids[a.ID] = make(map[uuid.UUID]*models.Bid)
	}
	bid := &models.Bid{
		ID:              uuid.New(),
		AuctionID:       a.ID,
		BidderID:        bidderID,
		Amount:          decimal.NullDecimal{Decimal: decimal.NewFromInt(raw), Valid: true},
		EffectiveAmount: decimal.NullDecimal{Decimal: decimal.NewFromInt(effective), Valid: true},
		Status:          models.BidStatusRevealed,
	}
	bid.CreatedAt = at
	f.repo.bids[a.ID][bidderID] = bid
	a.BidCount++
	return bid
}

func TestResolverResolve(t *testing.T) {
	t.Run("沒有有效出價時拍賣與標的標記為EXPIRED", func(t *testing.T) {
		f := newResolverFixture()
		a := f.endedAuction()

		err := f.resolver.Resolve(context.Background(), a.ID)
		require.NoError(t, err)
		assert.Equal(t, []uuid.UUID{a.ID}, f.repo.expired)
		assert.Empty(t, f.queue.jobs)

		events := f.broadcaster.byType(auction.EventAuctionExpired)
		require.Len(t, events, 1)
		assert.Equal(t, models.AuctionPhaseExpired, events[0].Phase)
	})

	t.Run("結算批次使用原始金額並收取手續費", func(t *testing.T) {
		f := newResolverFixture()
		a := f.endedAuction()
		winnerID := uuid.New()
		f.repo.wallets[winnerID] = "0xwinner"
		// 持有者以較低的原始金額靠加成領先
		winning := f.revealedBid(a, winnerID, 100, 120, time.Now().Add(-time.Hour))
		f.revealedBid(a, uuid.New(), 110, 110, time.Now().Add(-time.Hour))

		err := f.resolver.Resolve(context.Background(), a.ID)
		require.NoError(t, err)

		require.Len(t, f.repo.settled, 1)
		settled := f.repo.settled[0]
		assert.Equal(t, winning.ID, settled.WinningBidID)
		assert.Equal(t, winnerID, settled.WinnerID)
		assert.True(t, settled.RawAmount.Equal(decimal.NewFromInt(100)))
		// 手續費為成交總額的2.5%
		assert.True(t, settled.PlatformFee.Equal(decimal.NewFromFloat(2.5)))

		require.Len(t, f.queue.jobs, 1)
		job := f.queue.jobs[0]
		assert.Equal(t, winnerID, job.WinnerID)
		assert.Equal(t, "0xwinner", job.Wallet)
		assert.Equal(t, "100", job.Amount)

		events := f.broadcaster.byType(auction.EventAuctionResolved)
		require.Len(t, events, 1)
		assert.Equal(t, &winnerID, events[0].WinnerID)
		assert.Equal(t, "100", events[0].WinningAmount)
	})

	t.Run("同金額時先出價者得標", func(t *testing.T) {
		f := newResolverFixture()
		a := f.endedAuction()
		early, late := uuid.New(), uuid.New()
		f.revealedBid(a, early, 150, 150, time.Now().Add(-2*time.Hour))
		f.revealedBid(a, late, 150, 150, time.Now().Add(-time.Hour))

		err := f.resolver.Resolve(context.Background(), a.ID)
		require.NoError(t, err)
		require.Len(t, f.repo.settled, 1)
		assert.Equal(t, early, f.repo.settled[0].WinnerID)
	})

	t.Run("重複結算為無操作", func(t *testing.T) {
		f := newResolverFixture()
		a := f.endedAuction()
		f.revealedBid(a, uuid.New(), 100, 100, time.Now())

		require.NoError(t, f.resolver.Resolve(context.Background(), a.ID))
		require.NoError(t, f.resolver.Resolve(context.Background(), a.ID))
		assert.Len(t, f.repo.settled, 1)
		assert.Len(t, f.queue.jobs, 1)
	})

	t.Run("排入結算佇列失敗不影響已完成的結算", func(t *testing.T) {
		f := newResolverFixture()
		a := f.endedAuction()
		f.revealedBid(a, uuid.New(), 100, 100, time.Now())
		f.queue.err = errors.New("stream unavailable")

		err := f.resolver.Resolve(context.Background(), a.ID)
		require.NoError(t, err)
		assert.Len(t, f.repo.settled, 1)
	})

	t.Run("最高揭示未達底價時流標", func(t *testing.T) {
		f := newResolverFixture()
		a := f.endedAuction()
		a.ReservePrice = decimal.NewFromInt(100)
		f.revealedBid(a, uuid.New(), 50, 50, time.Now())

		require.NoError(t, f.resolver.Resolve(context.Background(), a.ID))
		assert.Empty(t, f.repo.settled)
		assert.Empty(t, f.queue.jobs)
		assert.Equal(t, []uuid.UUID{a.ID}, f.repo.expired)
	})

	t.Run("結算與出價共用同一把拍賣鎖", func(t *testing.T) {
		f := newResolverFixture()
		a := f.endedAuction()
		f.revealedBid(a, uuid.New(), 100, 100, time.Now())

		require.NoError(t, f.resolver.Resolve(context.Background(), a.ID))
		require.NotEmpty(t, f.locks.keys)
		assert.Equal(t, "auction:"+a.ID.String()+":lock", f.locks.keys[0])
	})

	t.Run("拍賣鎖被進行中的出價持有時放棄這一輪", func(t *testing.T) {
		f := newResolverFixture()
		a := f.endedAuction()
		f.revealedBid(a, uuid.New(), 100, 100, time.Now())
		f.locks.lockErr = context.DeadlineExceeded

		err := f.resolver.Resolve(context.Background(), a.ID)
		assert.Error(t, err)
		assert.Empty(t, f.repo.settled)
	})

	t.Run("不存在的拍賣", func(t *testing.T) {
		f := newResolverFixture()
		err := f.resolver.Resolve(context.Background(), uuid.New())
		assert.ErrorIs(t, err, auction.ErrAuctionNotActive)
	})
}

func TestResolverDispatchSettlement(t *testing.T) {
	newTransaction := func(f *resolverFixture) *models.Transaction {
		record := &models.Transaction{
			ID:          uuid.New(),
			AuctionID:   uuid.New(),
			BuyerID:     uuid.New(),
			GrossAmount: decimal.NewFromInt(100),
			Status:      models.TransactionStatusPending,
		}
		f.repo.transactions[record.ID] = record
		return record
	}

	t.Run("外部結算成功時交易標記為COMPLETED", func(t *testing.T) {
		f := newResolverFixture()
		record := newTransaction(f)

		err := f.resolver.DispatchSettlement(context.Background(), auction.SettlementJob{
			TransactionID: record.ID,
			WinnerID:      record.BuyerID,
			Wallet:        "0xwinner",
			Amount:        "100",
		})
		require.NoError(t, err)
		assert.Equal(t, models.TransactionStatusCompleted, record.Status)
		require.NotNil(t, record.Reference)
		assert.Equal(t, "chain-tx-1", *record.Reference)
	})

	t.Run("外部結算失敗時交易標記為FAILED", func(t *testing.T) {
		f := newResolverFixture()
		record := newTransaction(f)
		f.settler.err = errors.New("chain unavailable")

		err := f.resolver.DispatchSettlement(context.Background(), auction.SettlementJob{
			TransactionID: record.ID,
			Amount:        "100",
		})
		assert.Error(t, err)
		assert.Equal(t, models.TransactionStatusFailed, record.Status)
		assert.Nil(t, record.Reference)
	})

	t.Run("金額格式不正確", func(t *testing.T) {
		f := newResolverFixture()
		err := f.resolver.DispatchSettlement(context.Background(), auction.SettlementJob{
			TransactionID: uuid.New(),
			Amount:        "not-a-number",
		})
		assert.Error(t, err)
		assert.Zero(t, f.settler.calls)
	})
}
