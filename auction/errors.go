package auction

import (
	"errors"
	"fmt"

	"leadex/ratelimit"
)

// 出價與拍賣操作的錯誤分類
// 出價相關的錯誤只會回傳給出價者本人，不會廣播到頻道
var (
	// ErrAuthenticationRequired 表示請求缺少有效的存取憑證或連線階段已失效
	ErrAuthenticationRequired = errors.New("authentication required")
	// ErrRoleForbidden 表示呼叫者的角色不允許執行此操作
	ErrRoleForbidden = errors.New("role forbidden")
	// ErrAuctionNotActive 涵蓋拍賣不存在、階段不符或已結束的情況
	ErrAuctionNotActive = errors.New("auction not active")
	// ErrPrePingHoldersOnly 表示 pre-ping 視窗內只接受持有者的出價
	ErrPrePingHoldersOnly = errors.New("pre-ping window is restricted to holders")
	// ErrBidTooLow 表示有效出價未嚴格高於目前最高出價(相同金額一律拒絕)
	ErrBidTooLow = errors.New("bid too low")
	// ErrRateLimited 表示呼叫者超過其層級的請求上限
	ErrRateLimited = ratelimit.ErrRateLimited
	// ErrInvalidReveal 表示揭示的金額與鹽值無法重現先前提交的承諾雜湊
	ErrInvalidReveal = errors.New("reveal does not match commitment")
	// ErrRepositoryFailure 表示儲存層操作失敗
	ErrRepositoryFailure = errors.New("repository failure")
	// ErrAlreadyResolved 表示拍賣已處於終止狀態，結算為無操作
	ErrAlreadyResolved = errors.New("auction already resolved")
	// ErrCancelWithBids 表示拍賣已有出價，賣家不得取消
	ErrCancelWithBids = errors.New("auction has bids and cannot be cancelled")
)

// ComplianceDeniedError 表示外部合規檢查拒絕了這筆交易
// Reason 來自合規系統，會原樣回傳給出價者
type ComplianceDeniedError struct {
	Reason string
}

func (e *ComplianceDeniedError) Error() string {
	return fmt.Sprintf("compliance denied: %s", e.Reason)
}

// repoErr 將儲存層錯誤包裝進錯誤分類，保留原始錯誤供記錄
func repoErr(op string, err error) error {
	return fmt.Errorf("[%s] %w, err=%v", op, ErrRepositoryFailure, err)
}
