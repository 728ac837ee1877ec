package perks

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Result 代表一次持有者優惠評估的結果
type Result struct {
	IsHolder bool
	// Multiplier 只在 IsHolder 為 true 時大於 1，僅用於出價排序，
	// 結算金額永遠使用原始出價
	Multiplier decimal.Decimal
	// PrePingSeconds 為這場拍賣的 pre-ping 視窗長度(秒)
	PrePingSeconds int
}

// HoldingSource 查詢使用者是否持有指定的標的
type HoldingSource interface {
	HasHolding(ctx context.Context, userID, leadID uuid.UUID) (bool, error)
}

type evaluatorOptions struct {
	multiplier decimal.Decimal
	minWindow  int
	maxWindow  int
}

type EvaluatorOption func(*evaluatorOptions)

// WithMultiplier 設置持有者的出價加成倍率
func WithMultiplier(m decimal.Decimal) EvaluatorOption {
	return func(o *evaluatorOptions) {
		o.multiplier = m
	}
}

// WithWindowBounds 設置 pre-ping 視窗長度的上下界(秒)
func WithWindowBounds(minSeconds, maxSeconds int) EvaluatorOption {
	return func(o *evaluatorOptions) {
		o.minWindow = minSeconds
		o.maxWindow = maxSeconds
	}
}

// Evaluator 為 (標的, 出價者, 時間) 的純函數評估器
// 持有者享有固定 1.2 倍的出價加成與 pre-ping 視窗的優先出價權
type Evaluator struct {
	holdings HoldingSource
	options  evaluatorOptions
}

// NewEvaluator 建立持有者優惠評估器
func NewEvaluator(holdings HoldingSource, opts ...EvaluatorOption) *Evaluator {
	// 默認選項
	options := evaluatorOptions{
		multiplier: decimal.NewFromFloat(1.2),
		minWindow:  30,
		maxWindow:  300,
	}

	// 應用自定義選項
	for _, opt := range opts {
		opt(&options)
	}

	return &Evaluator{
		holdings: holdings,
		options:  options,
	}
}

// Evaluate 評估出價者對指定標的的優惠資格
func (e *Evaluator) Evaluate(ctx context.Context, leadID uuid.UUID, slug, nonce string, bidder uuid.UUID) (Result, error) {
	const op = "Evaluator.Evaluate"

	isHolder, err := e.holdings.HasHolding(ctx, bidder, leadID)
	if err != nil {
		return Result{}, fmt.Errorf("[%s] fail to query holding, err=%w", op, err)
	}

	multiplier := decimal.NewFromInt(1)
	if isHolder {
		multiplier = e.options.multiplier
	}

	return Result{
		IsHolder:       isHolder,
		Multiplier:     multiplier,
		PrePingSeconds: PrePingSeconds(slug, nonce, e.options.minWindow, e.options.maxWindow),
	}, nil
}

// Window 以這個評估器設定的上下界重算 pre-ping 視窗長度(秒)
func (e *Evaluator) Window(slug, nonce string) int {
	return PrePingSeconds(slug, nonce, e.options.minWindow, e.options.maxWindow)
}

// PrePingSeconds 由標的 slug 與拍賣 nonce 推導 pre-ping 視窗長度
//
// 公式: min + SHA256(slug + "|" + nonce) mod (max - min + 1)
//
// nonce 在建立拍賣時才鑄造並持久化，因此視窗長度在拍賣建立前無法預測，
// 但事後任何人都能以持久化的 nonce 重算驗證
func PrePingSeconds(slug, nonce string, minSeconds, maxSeconds int) int {
	if maxSeconds <= minSeconds {
		return minSeconds
	}
	hash := sha256.Sum256([]byte(slug + "|" + nonce))
	n := binary.BigEndian.Uint64(hash[:8])
	return minSeconds + int(n%uint64(maxSeconds-minSeconds+1))
}

// MintNonce 鑄造一個新的拍賣 nonce
func MintNonce() (string, error) {
	const op = "MintNonce"
	bytes := make([]byte, 16)
	if _, err := rand.Read(bytes); err != nil {
		return "", fmt.Errorf("[%s] fail to generate nonce, err=%w", op, err)
	}
	return hex.EncodeToString(bytes), nil
}
