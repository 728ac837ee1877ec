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
)

// SettlementJob 描述一筆待派送的外部結算
// 金額為十進位字串，經由 stream 傳遞時不經過浮點數
type SettlementJob struct {
	TransactionID uuid.UUID `json:"transactionId" msgpack:"transaction_id"`
	AuctionID     uuid.UUID `json:"auctionId" msgpack:"auction_id"`
	WinnerID      uuid.UUID `json:"winnerId" msgpack:"winner_id"`
	Wallet        string    `json:"wallet" msgpack:"wallet"`
	Amount        string    `json:"amount" msgpack:"amount"`
}

// SettlementQueue 將結算工作排入佇列，由獨立的 worker 派送
// 排入失敗不影響已提交的結算批次，Transaction 會停留在 PENDING 等待重派
type SettlementQueue interface {
	Enqueue(job SettlementJob) error
}

// Resolver 負責拍賣的結算: 決定得標者、批次更新出價狀態、
// 建立交易紀錄並觸發最後的廣播
// 對同一場拍賣重複呼叫 Resolve 是無操作，不會產生重複結算
type Resolver struct {
	repo        Repository
	broadcaster Broadcaster
	queue       SettlementQueue
	settler     Settler
	locks       LockFactory
	logger      *slog.Logger
	feeRate     decimal.Decimal
}

// resolveLockTimeout 為結算取得拍賣鎖的等待上限
// 鎖被進行中的出價持有時結算放棄這一輪，下一輪 tick 重試
const resolveLockTimeout = 10 * time.Second

// NewResolver 建立結算引擎
func NewResolver(repo Repository, broadcaster Broadcaster, queue SettlementQueue, settler Settler, locks LockFactory, logger *slog.Logger, feeRate decimal.Decimal) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	if feeRate.IsZero() {
		feeRate = decimal.NewFromFloat(0.025)
	}
	return &Resolver{
		repo:        repo,
		broadcaster: broadcaster,
		queue:       queue,
		settler:     settler,
		locks:       locks,
		logger:      logger.With(slog.String("caller", "Resolver")),
		feeRate:     feeRate,
	}
}

// Resolve 結算一場拍賣
//
// 有得標者時，六項寫入(得標出價 ACCEPTED、其他 REVEALED 出價 OUTBID、
// 未揭示出價 EXPIRED、標的 SOLD、拍賣 RESOLVED、建立 Transaction)
// 在儲存層的單一交易中完成；任何失敗都不會留下部分套用的狀態，
// 拍賣停留在原階段等待下一輪 tick 重試
func (r *Resolver) Resolve(ctx context.Context, auctionID uuid.UUID) error {
	const op = "Resolver.Resolve"

	// 與出價准入共用同一把拍賣鎖: 截止時間前一刻通過階段檢查的出價
	// 不可能在結算批次提交後才落地
	mutex := r.locks(auctionLockKey(auctionID))
	attemptCtx, cancel := context.WithTimeout(ctx, resolveLockTimeout)
	defer cancel()
	lockCtx, err := mutex.Lock(attemptCtx)
	if err != nil {
		return fmt.Errorf("[%s] fail to acquire auction lock, err=%w", op, err)
	}
	defer func() {
		if _, err := mutex.Unlock(); err != nil {
			r.logger.Warn("fail to release auction lock",
				slog.String("auctionID", auctionID.String()),
				slog.Any("error", err))
		}
	}()

	a, err := r.repo.GetAuction(lockCtx, auctionID)
	if err != nil {
		return repoErr(op, err)
	}
	if a == nil {
		return ErrAuctionNotActive
	}
	// 已終止的拍賣直接視為無操作，重複的 tick 不會造成二次結算
	if a.Phase.Terminal() {
		return nil
	}

	winner, err := r.repo.HighestRevealedBid(lockCtx, auctionID)
	if err != nil {
		return repoErr(op, err)
	}
	// 最高的揭示也沒達到底價時視同流標，密封拍賣不可能低於底價成交
	if winner != nil && winner.EffectiveAmount.Valid && winner.EffectiveAmount.Decimal.LessThan(a.ReservePrice) {
		winner = nil
	}

	now := time.Now()
	if winner == nil || !winner.Amount.Valid {
		// 沒有任何有效出價: 標的與所有出價一併標記為 EXPIRED
		if err := r.repo.ExpireWithoutWinner(lockCtx, auctionID); err != nil {
			if errors.Is(err, ErrAlreadyResolved) {
				return nil
			}
			return repoErr(op, err)
		}
		r.logger.Info("auction expired without winner", slog.String("auctionID", auctionID.String()))
		r.publish(auctionID, Event{
			AuctionID: auctionID,
			Type:      EventAuctionExpired,
			Phase:     models.AuctionPhaseExpired,
			BidCount:  a.BidCount,
			Timestamp: now,
		})
		return nil
	}

	// 結算金額永遠是原始出價，持有者加成只影響排序
	raw := winner.Amount.Decimal
	fee := raw.Mul(r.feeRate).Round(2)
	record, err := r.repo.SettleWithWinner(lockCtx, SettleInput{
		AuctionID:    auctionID,
		WinningBidID: winner.ID,
		WinnerID:     winner.BidderID,
		RawAmount:    raw,
		PlatformFee:  fee,
		SoldAt:       now,
	})
	if err != nil {
		if errors.Is(err, ErrAlreadyResolved) {
			return nil
		}
		return repoErr(op, err)
	}

	// 稽核事件: 結算結果以結構化紀錄留存
	winnerID := winner.BidderID
	r.logger.Info("auction resolved",
		slog.String("auctionID", auctionID.String()),
		slog.String("winner", winnerID.String()),
		slog.String("amount", raw.String()),
		slog.String("fee", fee.String()),
		slog.String("transactionID", record.ID.String()))
	r.publish(auctionID, Event{
		AuctionID:     auctionID,
		Type:          EventAuctionResolved,
		Phase:         models.AuctionPhaseResolved,
		BidCount:      a.BidCount,
		WinnerID:      &winnerID,
		WinningAmount: raw.String(),
		Timestamp:     now,
	})

	// 外部結算為 best-effort: 排入失敗只記錄，交易停在 PENDING 等待重派
	if r.queue != nil {
		job := SettlementJob{
			TransactionID: record.ID,
			AuctionID:     auctionID,
			WinnerID:      winner.BidderID,
			Wallet:        winner.Bidder.Wallet,
			Amount:        raw.String(),
		}
		if err := r.queue.Enqueue(job); err != nil {
			r.logger.Error("fail to enqueue settlement job",
				slog.String("transactionID", record.ID.String()),
				slog.Any("error", err))
		}
	}
	return nil
}

// DispatchSettlement 呼叫外部結算能力並推進交易狀態
// 外部結算失敗時交易標記為 FAILED，呼叫端可將訊息移往 dead-letter
func (r *Resolver) DispatchSettlement(ctx context.Context, job SettlementJob) error {
	const op = "Resolver.DispatchSettlement"
	amount, err := decimal.NewFromString(job.Amount)
	if err != nil {
		return fmt.Errorf("[%s] invalid settlement amount %q, err=%w", op, job.Amount, err)
	}

	reference, err := r.settler.Settle(ctx, job.WinnerID, job.Wallet, amount)
	if err != nil {
		if updateErr := r.repo.UpdateTransaction(ctx, job.TransactionID, models.TransactionStatusFailed, nil); updateErr != nil {
			r.logger.Error("fail to mark transaction as failed",
				slog.String("transactionID", job.TransactionID.String()),
				slog.Any("error", updateErr))
		}
		return fmt.Errorf("[%s] external settlement failed, err=%w", op, err)
	}

	if err := r.repo.UpdateTransaction(ctx, job.TransactionID, models.TransactionStatusCompleted, &reference); err != nil {
		return repoErr(op, err)
	}
	r.logger.Info("settlement completed",
		slog.String("transactionID", job.TransactionID.String()),
		slog.String("reference", reference))
	return nil
}

func (r *Resolver) publish(auctionID uuid.UUID, event Event) {
	if r.broadcaster == nil {
		return
	}
	if err := r.broadcaster.Broadcast(auctionID, event); err != nil {
		r.logger.Error("fail to broadcast event",
			slog.String("auctionID", auctionID.String()),
			slog.String("event", string(event.Type)),
			slog.Any("error", err))
	}
}
