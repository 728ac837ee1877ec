package auction

import (
	"context"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"leadex/models"
	"leadex/perks"
)

// Identity 代表通過驗證的呼叫者身分
// 在連線建立時驗證一次後便不可變更，隨後的每個操作都帶著它
type Identity struct {
	UserID   uuid.UUID
	Username string
	Role     models.UserRole
	Wallet   string
}

// Compliance 為外部的合規/資格檢查能力
// 拒絕時回傳的 reason 會原樣轉達給出價者
type Compliance interface {
	CanTransact(ctx context.Context, userID, leadID uuid.UUID) (allowed bool, reason string, err error)
}

// Settler 為外部的鏈上/鏈下結算能力，僅做 best-effort 呼叫
// 失敗只影響對外的撥付，不會回滾內部已完成的結算紀錄
type Settler interface {
	Settle(ctx context.Context, winnerID uuid.UUID, wallet string, amount decimal.Decimal) (reference string, err error)
}

// PerkEvaluator 評估持有者優惠: 是否為持有者、出價加成倍率與 pre-ping 視窗長度
type PerkEvaluator interface {
	Evaluate(ctx context.Context, leadID uuid.UUID, slug, nonce string, bidder uuid.UUID) (perks.Result, error)
	// Window 以 slug 與 nonce 重算 pre-ping 視窗長度(秒)
	Window(slug, nonce string) int
}

// Limiter 強制執行分層請求上限，超過上限時回傳非nil錯誤
type Limiter interface {
	Allow(ctx context.Context, userID uuid.UUID, wallet string) error
}

// Mutex 為可跨節點的互斥鎖，用於序列化同一場拍賣的出價處理
type Mutex interface {
	Lock(ctx context.Context) (context.Context, error)
	Unlock() (bool, error)
}

// LockFactory 以指定的鍵建立一把互斥鎖
type LockFactory func(key string) Mutex
