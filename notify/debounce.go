package notify

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

type coordinatorOptions struct {
	cooldown time.Duration
}

type CoordinatorOption func(*coordinatorOptions)

// WithCooldown 設置兩次實際執行之間的冷卻時間
func WithCooldown(d time.Duration) CoordinatorOption {
	return func(o *coordinatorOptions) {
		o.cooldown = d
	}
}

// entry 記錄單一使用者的去抖動狀態
type entry struct {
	lastAction time.Time
	timer      *time.Timer // 非nil表示已有一次延後執行在排程中
	desired    bool        // 延後執行要套用的最新期望狀態
	// execute 與 desired 同步更新為最後一次請求的閉包
	// 閉包可能綁定不同的目標資源，沿用排程當下的閉包會把
	// 最新的期望狀態套用到錯誤的資源上
	execute func(desired bool)
}

// Coordinator 對每位使用者的開關/訂閱操作做去抖動
// 冷卻時間內的連續切換會合併成一次延後執行，只套用最後的期望狀態
type Coordinator struct {
	mu      sync.Mutex
	entries map[uuid.UUID]*entry
	options coordinatorOptions
}

// NewCoordinator 建立去抖動協調器
func NewCoordinator(opts ...CoordinatorOption) *Coordinator {
	// 默認選項
	options := coordinatorOptions{
		cooldown: 10 * time.Second,
	}

	// 應用自定義選項
	for _, opt := range opts {
		opt(&options)
	}

	return &Coordinator{
		entries: make(map[uuid.UUID]*entry),
		options: options,
	}
}

// Handle 處理一次狀態切換請求，回傳是否被去抖動
//
// 冷卻時間外: 立即執行 execute(desired)，回傳 false
// 冷卻時間內: 更新期望狀態、確保恰好一次延後執行在排程中、
// 呼叫 emitPending 告知呼叫者稍後生效，回傳 true
func (c *Coordinator) Handle(userID uuid.UUID, desired bool, emitPending func(), execute func(desired bool)) bool {
	c.mu.Lock()

	e, ok := c.entries[userID]
	if !ok {
		e = &entry{}
		c.entries[userID] = e
	}

	now := time.Now()
	if e.lastAction.IsZero() || now.Sub(e.lastAction) >= c.options.cooldown {
		e.lastAction = now
		c.mu.Unlock()
		execute(desired)
		return false
	}

	// 冷卻時間內: 只記住最後一次請求的期望狀態與閉包
	e.desired = desired
	e.execute = execute
	if e.timer == nil {
		remaining := c.options.cooldown - now.Sub(e.lastAction)
		e.timer = time.AfterFunc(remaining, func() {
			c.mu.Lock()
			e.timer = nil
			e.lastAction = time.Now()
			latest := e.desired
			run := e.execute
			c.mu.Unlock()
			run(latest)
		})
	}
	c.mu.Unlock()

	if emitPending != nil {
		emitPending()
	}
	return true
}

// CancelAll 丟棄所有排程中的延後執行，用於關閉或重置
func (c *Coordinator) CancelAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, e := range c.entries {
		if e.timer != nil {
			e.timer.Stop()
			e.timer = nil
		}
	}
	clear(c.entries)
}
