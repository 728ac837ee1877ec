package auction

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"leadex/models"
)

type monitorOptions struct {
	interval     time.Duration
	revealWindow time.Duration
	lockTimeout  time.Duration
}

type MonitorOption func(*monitorOptions)

// WithMonitorInterval 設置掃描間隔
func WithMonitorInterval(d time.Duration) MonitorOption {
	return func(o *monitorOptions) {
		o.interval = d
	}
}

// WithMonitorRevealWindow 設置密封拍賣進入 REVEAL 階段後的揭示時間
func WithMonitorRevealWindow(d time.Duration) MonitorOption {
	return func(o *monitorOptions) {
		o.revealWindow = d
	}
}

// WithMonitorLockTimeout 設置叢集鎖的等待上限
func WithMonitorLockTimeout(d time.Duration) MonitorOption {
	return func(o *monitorOptions) {
		o.lockTimeout = d
	}
}

// Monitor 為行程內唯一的背景排程器，固定間隔掃描所有拍賣的階段截止時間:
// BIDDING 逾期的密封拍賣推進到 REVEAL，REVEAL 逾期的拍賣交給 Resolver 結算
//
// 同一時間最多只有一個 tick 在執行(本地 TryLock)，多個節點間
// 則由叢集鎖保證只有一個節點驅動轉移
type Monitor struct {
	repo        Repository
	resolver    *Resolver
	broadcaster Broadcaster
	locks       LockFactory
	logger      *slog.Logger

	tickMu  sync.Mutex // 防止 tick 重疊
	mu      sync.Mutex // 保護 closed 與 cancel
	wg      sync.WaitGroup
	cancel  context.CancelFunc
	closed  bool
	options monitorOptions
}

// NewMonitor 建立階段轉移監視器
func NewMonitor(repo Repository, resolver *Resolver, broadcaster Broadcaster, locks LockFactory, logger *slog.Logger, opts ...MonitorOption) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}

	// 默認選項
	options := monitorOptions{
		interval:     5 * time.Second,
		revealWindow: 10 * time.Minute,
		lockTimeout:  time.Second,
	}

	// 應用自定義選項
	for _, opt := range opts {
		opt(&options)
	}

	return &Monitor{
		repo:        repo,
		resolver:    resolver,
		broadcaster: broadcaster,
		locks:       locks,
		logger:      logger.With(slog.String("caller", "PhaseMonitor")),
		closed:      true,
		options:     options,
	}
}

// Start 啟動監視器，應在行程啟動時呼叫一次
func (m *Monitor) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.closed {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.closed = false
	m.logger.Info("starting phase monitor", slog.Duration("interval", m.options.interval))

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer m.logger.Info("phase monitor stopped")
		ticker := time.NewTicker(m.options.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.Tick(ctx)
			}
		}
	}()
}

// Close 停止監視器並等待進行中的 tick 結束
func (m *Monitor) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.closed = true
	m.cancel()
	m.wg.Wait()
}

// Tick 執行一輪掃描
// 上一輪還沒結束時直接跳過，絕不重疊執行
func (m *Monitor) Tick(ctx context.Context) {
	if !m.tickMu.TryLock() {
		m.logger.Warn("previous tick still running, skipping")
		return
	}
	defer m.tickMu.Unlock()

	// 叢集鎖: 其他節點正在處理時，這一輪直接放棄
	mutex := m.locks("auction:monitor:lock")
	lockCtx, cancel := context.WithTimeout(ctx, m.options.lockTimeout)
	defer cancel()
	tickCtx, err := mutex.Lock(lockCtx)
	if err != nil {
		m.logger.Debug("monitor lock held elsewhere, skipping tick", slog.Any("error", err))
		return
	}
	defer func() {
		if _, err := mutex.Unlock(); err != nil {
			m.logger.Warn("fail to release monitor lock", slog.Any("error", err))
		}
	}()

	now := time.Now()
	m.processBiddingDeadlines(tickCtx, now)
	m.processRevealDeadlines(tickCtx, now)
}

// processBiddingDeadlines 處理 BIDDING 階段已逾期的拍賣
// 每場拍賣獨立處理，單場失敗只記錄，不影響其他拍賣
func (m *Monitor) processBiddingDeadlines(ctx context.Context, now time.Time) {
	due, err := m.repo.ListDueAuctions(ctx, models.AuctionPhaseBidding, now)
	if err != nil {
		m.logger.Error("fail to list due bidding auctions", slog.Any("error", err))
		return
	}
	for i := range due {
		a := &due[i]
		if a.Sealed && a.BidCount > 0 {
			// 密封拍賣: 進入揭示階段，拍賣與標的在同一交易中更新
			revealEndsAt := a.BiddingEndsAt.Add(m.options.revealWindow)
			if err := m.repo.TransitionPhase(ctx, a.ID, models.AuctionPhaseBidding, models.AuctionPhaseReveal, models.LeadStatusInAuction, &revealEndsAt); err != nil {
				m.logger.Error("fail to transition auction to reveal",
					slog.String("auctionID", a.ID.String()),
					slog.Any("error", err))
				continue
			}
			m.logger.Info("auction entered reveal phase", slog.String("auctionID", a.ID.String()))
			m.publish(a, Event{
				AuctionID:    a.ID,
				Type:         EventAuctionPhase,
				Phase:        models.AuctionPhaseReveal,
				BidCount:     a.BidCount,
				RevealEndsAt: &revealEndsAt,
				Timestamp:    now,
			})
			continue
		}
		// 公開拍賣或沒有任何承諾的密封拍賣: 直接結算
		if err := m.resolver.Resolve(ctx, a.ID); err != nil {
			m.logger.Error("fail to resolve auction",
				slog.String("auctionID", a.ID.String()),
				slog.Any("error", err))
		}
	}
}

// processRevealDeadlines 處理 REVEAL 階段已逾期的拍賣
func (m *Monitor) processRevealDeadlines(ctx context.Context, now time.Time) {
	due, err := m.repo.ListDueAuctions(ctx, models.AuctionPhaseReveal, now)
	if err != nil {
		m.logger.Error("fail to list due reveal auctions", slog.Any("error", err))
		return
	}
	for i := range due {
		if err := m.resolver.Resolve(ctx, due[i].ID); err != nil {
			// 結算失敗的拍賣停留在 REVEAL，下一輪 tick 會重試
			m.logger.Error("fail to resolve auction",
				slog.String("auctionID", due[i].ID.String()),
				slog.Any("error", err))
		}
	}
}

func (m *Monitor) publish(a *models.Auction, event Event) {
	if m.broadcaster == nil {
		return
	}
	if err := m.broadcaster.Broadcast(a.ID, event); err != nil {
		m.logger.Error("fail to broadcast event",
			slog.String("auctionID", a.ID.String()),
			slog.String("event", string(event.Type)),
			slog.Any("error", err))
	}
}
