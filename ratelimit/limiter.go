package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Tier 代表呼叫者的頻率限制層級
type Tier string

const (
	TierDefault Tier = "DEFAULT"
	TierHolder  Tier = "HOLDER"
	TierPremium Tier = "PREMIUM"
)

// HardCeiling 為所有層級共用的硬上限(每分鐘請求數)
// 任何 base 與倍率的組合都不得超過這個值
const HardCeiling = 30

// tierMultipliers 定義各層級的請求上限倍率
var tierMultipliers = map[Tier]int{
	TierDefault: 1,
	TierHolder:  2,
	TierPremium: 3,
}

// ErrRateLimited 表示呼叫者超過其層級的請求上限
var ErrRateLimited = errors.New("rate limited")

// EffectiveLimit 計算層級的實際請求上限: min(base × 倍率, HardCeiling)
func EffectiveLimit(base int, tier Tier) int {
	mult, ok := tierMultipliers[tier]
	if !ok {
		mult = 1
	}
	limit := base * mult
	if limit > HardCeiling {
		return HardCeiling
	}
	return limit
}

// AccountSource 提供層級判定所需的帳戶資訊
type AccountSource interface {
	// IsKYCVerified 查詢使用者是否通過 KYC 驗證(PREMIUM 的條件)
	IsKYCVerified(ctx context.Context, userID uuid.UUID) (bool, error)
	// HasAnyHolding 查詢使用者是否持有任何標的(HOLDER 的條件)
	HasAnyHolding(ctx context.Context, userID uuid.UUID) (bool, error)
}

type limiterOptions struct {
	base      int
	window    time.Duration
	keyPrefix string
}

type LimiterOption func(*limiterOptions)

// WithBaseLimit 設置每個視窗的基礎請求上限
func WithBaseLimit(base int) LimiterOption {
	return func(o *limiterOptions) {
		o.base = base
	}
}

// WithWindow 設置計數視窗長度
func WithWindow(d time.Duration) LimiterOption {
	return func(o *limiterOptions) {
		o.window = d
	}
}

// WithKeyPrefix 設置 Redis 鍵前綴
func WithKeyPrefix(prefix string) LimiterOption {
	return func(o *limiterOptions) {
		o.keyPrefix = prefix
	}
}

// allowScript 以固定視窗計數強制執行請求上限
//
//	KEYS[1] - 計數器鍵
//	ARGV[1] - 上限
//	ARGV[2] - 視窗長度(秒)
//
// 返回值:
//
//	1 - 允許
//	0 - 超過上限
var allowScript = redis.NewScript(`
local current = redis.call('INCR', KEYS[1])
if current == 1 then
    redis.call('EXPIRE', KEYS[1], ARGV[2])
end
if current > tonumber(ARGV[1]) then
    return 0
end
return 1
`)

// Limiter 依呼叫者的層級強制執行每分鐘請求上限
// 層級判定結果會被快取，直到呼叫 ClearCache 為止
type Limiter struct {
	client  *redis.Client
	source  AccountSource
	options limiterOptions

	mu    sync.RWMutex
	cache map[uuid.UUID]Tier
}

// NewLimiter 建立分層頻率限制器
func NewLimiter(client *redis.Client, source AccountSource, opts ...LimiterOption) (*Limiter, error) {
	if client == nil {
		return nil, errors.New("redis client cannot be nil")
	}
	if source == nil {
		return nil, errors.New("account source cannot be nil")
	}

	// 默認選項
	options := limiterOptions{
		base:      10,
		window:    time.Minute,
		keyPrefix: "ratelimit:",
	}

	// 應用自定義選項
	for _, opt := range opts {
		opt(&options)
	}

	return &Limiter{
		client:  client,
		source:  source,
		options: options,
		cache:   make(map[uuid.UUID]Tier),
	}, nil
}

// ResolveTier 判定呼叫者的層級
// PREMIUM 需要通過 KYC 驗證；HOLDER 需要持有任一標的；其餘為 DEFAULT
func (l *Limiter) ResolveTier(ctx context.Context, userID uuid.UUID, wallet string) (Tier, error) {
	const op = "Limiter.ResolveTier"

	l.mu.RLock()
	if tier, ok := l.cache[userID]; ok {
		l.mu.RUnlock()
		return tier, nil
	}
	l.mu.RUnlock()

	tier := TierDefault
	verified, err := l.source.IsKYCVerified(ctx, userID)
	if err != nil {
		return "", fmt.Errorf("[%s] fail to query kyc status, err=%w", op, err)
	}
	if verified {
		tier = TierPremium
	} else {
		holding, err := l.source.HasAnyHolding(ctx, userID)
		if err != nil {
			return "", fmt.Errorf("[%s] fail to query holdings, err=%w", op, err)
		}
		if holding {
			tier = TierHolder
		}
	}

	l.mu.Lock()
	l.cache[userID] = tier
	l.mu.Unlock()
	return tier, nil
}

// ClearCache 清空層級快取，層級條件變更後由呼叫端觸發
func (l *Limiter) ClearCache() {
	l.mu.Lock()
	defer l.mu.Unlock()
	clear(l.cache)
}

// Allow 檢查並記錄一次請求，超過層級上限時回傳 ErrRateLimited
func (l *Limiter) Allow(ctx context.Context, userID uuid.UUID, wallet string) error {
	const op = "Limiter.Allow"

	tier, err := l.ResolveTier(ctx, userID, wallet)
	if err != nil {
		return err
	}
	limit := EffectiveLimit(l.options.base, tier)

	key := l.options.keyPrefix + userID.String()
	status, err := allowScript.Run(ctx, l.client, []string{key}, limit, int(l.options.window.Seconds())).Int()
	if err != nil {
		return fmt.Errorf("[%s] fail to run limit script, err=%w", op, err)
	}
	if status == 0 {
		return ErrRateLimited
	}
	return nil
}
