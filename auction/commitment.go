package auction

import (
	"crypto/sha256"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// ComputeCommitment 計算密封出價的承諾雜湊
//
// 公式: SHA256(auction_id + "|" + bidder_id + "|" + amount + "|" + salt)
//
// 金額一律使用 decimal 的正規字串表示，確保同一金額不論輸入格式
// 為何都會產生相同的雜湊，揭示階段才能正確驗證
func ComputeCommitment(auctionID, bidderID uuid.UUID, amount decimal.Decimal, salt string) string {
	data := fmt.Sprintf("%s|%s|%s|%s", auctionID, bidderID, amount.String(), salt)
	hash := sha256.Sum256([]byte(data))
	return fmt.Sprintf("%x", hash)
}
