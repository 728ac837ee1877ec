package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/samber/lo"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	internalS3 "leadex/adapters/s3"
	"leadex/auction"
	"leadex/models"
)

// abortWithDomainError 把拍賣引擎的錯誤分類轉成對應的HTTP回應
func abortWithDomainError(c *gin.Context, op string, err error) {
	var denied *auction.ComplianceDeniedError
	switch {
	case errors.Is(err, auction.ErrAuthenticationRequired):
		c.AbortWithStatus(http.StatusUnauthorized)
	case errors.Is(err, auction.ErrRoleForbidden):
		c.AbortWithStatus(http.StatusForbidden)
	case errors.As(err, &denied):
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"message": denied.Reason})
	case errors.Is(err, auction.ErrRateLimited):
		c.AbortWithStatus(http.StatusTooManyRequests)
	case errors.Is(err, auction.ErrAuctionNotActive):
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"message": "Auction not active"})
	case errors.Is(err, auction.ErrPrePingHoldersOnly):
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"message": "Pre-ping window is restricted to holders"})
	case errors.Is(err, auction.ErrBidTooLow):
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"message": "Bid too low"})
	case errors.Is(err, auction.ErrInvalidReveal):
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"message": "Reveal does not match commitment"})
	case errors.Is(err, auction.ErrCancelWithBids):
		c.AbortWithStatusJSON(http.StatusConflict, gin.H{"message": "Auction has bids and cannot be cancelled"})
	default:
		slog.Error("Unhandled error", slog.String("op", op), slog.Any("error", err))
		c.AbortWithStatus(http.StatusInternalServerError)
	}
}

// slugify 將標題轉成URL友善的slug，尾端附上亂數避免撞名
func slugify(title string) (string, error) {
	var b strings.Builder
	lastHyphen := true
	for _, r := range strings.ToLower(title) {
		switch {
		case r >= 'a' && r <= 'z' || r >= '0' && r <= '9':
			b.WriteRune(r)
			lastHyphen = false
		case !lastHyphen:
			b.WriteRune('-')
			lastHyphen = true
		}
	}
	suffix, err := generateID("lead")
	if err != nil {
		return "", err
	}
	slug := strings.Trim(b.String(), "-")
	if slug == "" {
		return suffix, nil
	}
	// 亂數取前8碼就足夠避免撞名
	return slug + "-" + suffix[len("lead_"):len("lead_")+8], nil
}

// Create a lead listing
// (POST /leads)
func (impl *ServerImpl) PostLeads(c *gin.Context) {
	const op = "PostLeads"
	identity, err := impl.authenticate(c)
	if err != nil {
		abortWithDomainError(c, op, err)
		return
	}
	if identity.Role != models.UserRoleSeller && identity.Role != models.UserRoleAdmin {
		c.AbortWithStatus(http.StatusForbidden)
		return
	}

	var body struct {
		Title        string `json:"title" binding:"required"`
		Description  string `json:"description"`
		ReservePrice string `json:"reservePrice" binding:"required"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"message": err.Error()})
		return
	}
	reservePrice, err := decimal.NewFromString(body.ReservePrice)
	if err != nil || reservePrice.IsNegative() {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"message": "Invalid reserve price"})
		return
	}

	slug, err := slugify(body.Title)
	if err != nil {
		slog.Error("Fail to mint slug", slog.String("op", op), slog.Any("error", err))
		c.AbortWithStatus(http.StatusInternalServerError)
		return
	}
	lead := models.Lead{
		SellerID:     identity.UserID,
		Slug:         slug,
		Title:        body.Title,
		Description:  impl.htmlChecker.Sanitize(body.Description),
		ReservePrice: reservePrice,
		Status:       models.LeadStatusOpen,
	}
	if err := impl.repo.CreateLead(c.Request.Context(), &lead); err != nil {
		slog.Error("Fail to create lead", slog.String("op", op), slog.Any("error", err))
		c.AbortWithStatus(http.StatusInternalServerError)
		return
	}
	c.Header("Location", lead.ID.String())
	c.JSON(http.StatusCreated, gin.H{
		"id":   lead.ID,
		"slug": lead.Slug,
	})
}

// Upload a dossier document for a lead
// (POST /leads/{leadID}/documents)
func (impl *ServerImpl) PostLeadDocuments(c *gin.Context) {
	const op = "PostLeadDocuments"
	identity, err := impl.authenticate(c)
	if err != nil {
		abortWithDomainError(c, op, err)
		return
	}
	leadID, err := uuid.Parse(c.Param("leadID"))
	if err != nil {
		c.AbortWithStatus(http.StatusBadRequest)
		return
	}

	// 只有標的的賣家和管理員可以補充佐證文件
	lead, err := impl.repo.GetLead(c.Request.Context(), leadID)
	if err != nil {
		slog.Error("Fail to find lead", slog.String("op", op), slog.Any("error", err))
		c.AbortWithStatus(http.StatusInternalServerError)
		return
	}
	if lead == nil {
		c.AbortWithStatus(http.StatusNotFound)
		return
	}
	if identity.Role != models.UserRoleAdmin && lead.SellerID != identity.UserID {
		c.AbortWithStatus(http.StatusForbidden)
		return
	}

	// 檢查是否達到上傳限制
	var uploadedCount int64
	if result := impl.db.Model(&models.Document{}).
		Where("uploader_id = ? AND created_at > ?", identity.UserID, time.Now().Add(-1*time.Hour)).
		Count(&uploadedCount); result.Error != nil {
		slog.Error("Fail to count uploaded documents", slog.String("op", op), slog.Any("error", result.Error))
		c.AbortWithStatus(http.StatusInternalServerError)
		return
	}
	if impl.config.S3.RateLimitPerHour > 0 && uploadedCount >= impl.config.S3.RateLimitPerHour {
		c.AbortWithStatus(http.StatusTooManyRequests)
		return
	}

	// 限制文件
	// 	1. 小於5MB
	// 	2. MIME類型為不包含腳本的文件檔案
	body := internalS3.NewDocumentSizeReader(c.Request.Body, 5<<20)
	file, err := io.ReadAll(body)
	if errors.As(err, &internalS3.ErrDocumentTooLargeType) {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"message": err.Error()})
		return
	}
	if err != nil {
		slog.Error("Fail to read document", slog.String("op", op), slog.Any("error", err))
		c.AbortWithStatus(http.StatusInternalServerError)
		return
	}
	mimeType := http.DetectContentType(file)
	secure, ext := internalS3.CheckSecureDocumentAndGetExtension(mimeType)
	if !secure {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"message": fmt.Sprintf("Invalid document type: %s", mimeType)})
		return
	}

	// 透過S3 API儲存文件
	url, err := impl.s3Operator.UploadFileToS3(c.Request.Context(), uuid.New().String()+"."+ext, mimeType, file)
	if err != nil {
		slog.Error("Fail to upload document", slog.String("op", op), slog.Any("error", err))
		c.AbortWithStatus(http.StatusInternalServerError)
		return
	}
	// 在DB紀錄文件的上傳紀錄
	document := models.Document{
		LeadID:     leadID,
		UploaderID: identity.UserID,
		Url:        url,
	}
	if result := impl.db.Create(&document); result.Error != nil {
		slog.Error("Fail to create document", slog.String("op", op), slog.Any("error", result.Error))
		c.AbortWithStatus(http.StatusInternalServerError)
		return
	}
	c.Header("Location", url)
	c.Status(http.StatusCreated)
}

// Open an auction for a lead
// (POST /auctions)
func (impl *ServerImpl) PostAuctions(c *gin.Context) {
	const op = "PostAuctions"
	identity, err := impl.authenticate(c)
	if err != nil {
		abortWithDomainError(c, op, err)
		return
	}

	var body struct {
		LeadID        uuid.UUID `json:"leadId" binding:"required"`
		Sealed        bool      `json:"sealed"`
		BiddingEndsAt time.Time `json:"biddingEndsAt" binding:"required"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"message": err.Error()})
		return
	}

	a, err := impl.service.Create(c.Request.Context(), identity, auction.CreateInput{
		LeadID:        body.LeadID,
		Sealed:        body.Sealed,
		BiddingEndsAt: body.BiddingEndsAt,
	})
	if err != nil {
		abortWithDomainError(c, op, err)
		return
	}
	c.Header("Location", a.ID.String())
	c.JSON(http.StatusCreated, gin.H{
		"id":            a.ID,
		"phase":         a.Phase,
		"sealed":        a.Sealed,
		"biddingEndsAt": a.BiddingEndsAt,
		"prePingEndsAt": a.PrePingEndsAt,
	})
}

// List auctions
// (GET /auctions)
func (impl *ServerImpl) GetAuctions(c *gin.Context) {
	const op = "GetAuctions"
	now := time.Now()
	// 建立查詢
	query := impl.db.Joins("Lead").Model(&models.Auction{})
	//  - title
	if title := c.Query("title"); title != "" {
		query = query.Where(`"Lead".title LIKE ?`, "%"+title+"%")
	}
	//  - phase
	if phase := c.Query("phase"); phase != "" {
		query = query.Where("phase = ?", models.AuctionPhase(phase))
	}
	//  - sort: 截止時間近的優先，id作為tie-breaker讓cursor分頁穩定
	query = query.Order(clause.OrderBy{Columns: []clause.OrderByColumn{
		{Column: clause.Column{Name: "bidding_ends_at"}, Desc: false},
		{Column: clause.Column{Name: "id"}, Desc: false},
	}})
	//  - cursor
	if lastID := c.Query("lastAuctionId"); lastID != "" {
		var cursor time.Time
		if result := impl.db.Model(&models.Auction{}).Select("bidding_ends_at").Where("id = ?", lastID).First(&cursor); result.Error != nil {
			if errors.Is(result.Error, gorm.ErrRecordNotFound) {
				c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"message": "Last auction not found"})
				return
			}
			slog.Error("Fail to find last auction", slog.String("op", op), slog.Any("error", result.Error))
			c.AbortWithStatus(http.StatusInternalServerError)
			return
		}
		query = query.Where("bidding_ends_at > ?", cursor).
			Or("bidding_ends_at = ? AND auctions.id > ?", cursor, lastID)
	}
	//  - size
	size := 20
	if s := c.Query("size"); s != "" {
		if _, err := fmt.Sscanf(s, "%d", &size); err != nil || size <= 0 || size > 100 {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"message": "Invalid size"})
			return
		}
	}
	query = query.Limit(size)

	// 查詢拍賣
	var auctions []models.Auction
	if result := query.Find(&auctions); result.Error != nil {
		slog.Error("Fail to list auctions", slog.String("op", op), slog.Any("error", result.Error))
		c.AbortWithStatus(http.StatusInternalServerError)
		return
	}
	if len(auctions) == 0 {
		c.AbortWithStatus(http.StatusNotFound)
		return
	}

	items := lo.Map(auctions, func(a models.Auction, _ int) gin.H {
		item := gin.H{
			"id":            a.ID,
			"leadId":        a.LeadID,
			"title":         a.Lead.Title,
			"phase":         a.Phase,
			"sealed":        a.Sealed,
			"reservePrice":  a.ReservePrice,
			"bidCount":      a.BidCount,
			"biddingEndsAt": a.BiddingEndsAt,
			"isEnded":       a.Phase.Terminal(),
		}
		// 密封拍賣在揭示前不洩漏任何金額
		if !a.Sealed && a.HighBid.Valid {
			item["highBid"] = a.HighBid.Decimal
		}
		return item
	})
	c.JSON(http.StatusOK, gin.H{
		"count": len(items),
		"items": items,
		"time":  now,
	})
}

// Get auction state snapshot
// (GET /auctions/{auctionID})
func (impl *ServerImpl) GetAuction(c *gin.Context) {
	const op = "GetAuction"
	auctionID, err := uuid.Parse(c.Param("auctionID"))
	if err != nil {
		c.AbortWithStatus(http.StatusBadRequest)
		return
	}
	snap, err := impl.service.GetState(c.Request.Context(), auctionID)
	if err != nil {
		abortWithDomainError(c, op, err)
		return
	}
	c.JSON(http.StatusOK, snap)
}

// Place a bid on an auction
// (POST /auctions/{auctionID}/bids)
func (impl *ServerImpl) PostAuctionBids(c *gin.Context) {
	const op = "PostAuctionBids"
	identity, err := impl.authenticate(c)
	if err != nil {
		abortWithDomainError(c, op, err)
		return
	}
	auctionID, err := uuid.Parse(c.Param("auctionID"))
	if err != nil {
		c.AbortWithStatus(http.StatusBadRequest)
		return
	}

	var body struct {
		Commitment string `json:"commitment"`
		Amount     string `json:"amount"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"message": err.Error()})
		return
	}
	input := auction.BidInput{Commitment: body.Commitment}
	if body.Amount != "" {
		amount, err := decimal.NewFromString(body.Amount)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"message": "Invalid amount"})
			return
		}
		input.Amount = lo.ToPtr(amount)
	}

	receipt, err := impl.service.SubmitBid(c.Request.Context(), identity, auctionID, input)
	if err != nil {
		abortWithDomainError(c, op, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"bidId":    receipt.BidID,
		"status":   receipt.Status,
		"extended": receipt.Extended,
		"state":    receipt.State,
	})
}

// Reveal a sealed bid
// (POST /auctions/{auctionID}/reveal)
func (impl *ServerImpl) PostAuctionReveal(c *gin.Context) {
	const op = "PostAuctionReveal"
	identity, err := impl.authenticate(c)
	if err != nil {
		abortWithDomainError(c, op, err)
		return
	}
	auctionID, err := uuid.Parse(c.Param("auctionID"))
	if err != nil {
		c.AbortWithStatus(http.StatusBadRequest)
		return
	}

	var body struct {
		Amount string `json:"amount" binding:"required"`
		Salt   string `json:"salt" binding:"required"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"message": err.Error()})
		return
	}
	amount, err := decimal.NewFromString(body.Amount)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"message": "Invalid amount"})
		return
	}

	receipt, err := impl.service.RevealBid(c.Request.Context(), identity, auctionID, amount, body.Salt)
	if err != nil {
		abortWithDomainError(c, op, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"bidId":  receipt.BidID,
		"status": receipt.Status,
		"state":  receipt.State,
	})
}

// Cancel an auction without bids
// (DELETE /auctions/{auctionID})
func (impl *ServerImpl) DeleteAuction(c *gin.Context) {
	const op = "DeleteAuction"
	identity, err := impl.authenticate(c)
	if err != nil {
		abortWithDomainError(c, op, err)
		return
	}
	auctionID, err := uuid.Parse(c.Param("auctionID"))
	if err != nil {
		c.AbortWithStatus(http.StatusBadRequest)
		return
	}
	if err := impl.service.Cancel(c.Request.Context(), identity, auctionID); err != nil {
		abortWithDomainError(c, op, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// Track auction events
// (GET /auctions/{auctionID}/events)
func (impl *ServerImpl) GetAuctionEvents(c *gin.Context) {
	const op = "GetAuctionEvents"
	identity, err := impl.authenticate(c)
	if err != nil {
		abortWithDomainError(c, op, err)
		return
	}
	auctionID, err := uuid.Parse(c.Param("auctionID"))
	if err != nil {
		c.AbortWithStatus(http.StatusBadRequest)
		return
	}

	// 先訂閱再加入，加入與訂閱之間廣播的事件才不會漏掉
	ch, err := impl.sseManager.Subscribe(auctionID.String())
	if err != nil {
		slog.Error("Fail to subscribe to auction events", slog.String("op", op), slog.Any("error", err))
		c.AbortWithStatus(http.StatusInternalServerError)
		return
	}
	defer impl.sseManager.Unsubscribe(auctionID.String(), ch)

	snap, err := impl.service.Join(c.Request.Context(), identity, auctionID)
	if err != nil {
		abortWithDomainError(c, op, err)
		return
	}

	// SSE請求合法，開始初始化串流
	w := c.Writer
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("Transfer-Encoding", "chunked")

	// 新訂閱者先收到一份狀態快照，不必等下一個事件
	c.SSEvent(string(auction.EventAuctionState), snap)
	w.Flush()

	for {
		select {
		case <-w.CloseNotify():
			return
		case event := <-ch:
			c.SSEvent(string(event.Type), event)
			w.Flush()
		// 30秒沒有事件就發送一個空行，確保瀏覽器和Cloudflare不會斷開連線
		case <-time.After(30 * time.Second):
			w.WriteString("\n\n")
			w.Flush()
		}
	}
}

// Toggle watchlist membership for a lead
// (PUT /watchlist/{leadID})
func (impl *ServerImpl) PutWatchlist(c *gin.Context) {
	const op = "PutWatchlist"
	identity, err := impl.authenticate(c)
	if err != nil {
		abortWithDomainError(c, op, err)
		return
	}
	leadID, err := uuid.Parse(c.Param("leadID"))
	if err != nil {
		c.AbortWithStatus(http.StatusBadRequest)
		return
	}

	var body struct {
		Watching *bool `json:"watching" binding:"required"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"message": err.Error()})
		return
	}

	key := impl.config.Redis.KeyPrefix + "watchlist:" + identity.UserID.String()
	execute := func(desired bool) {
		// 去抖動的延後執行可能在請求結束後才觸發，不能沿用請求的context
		ctx := context.Background()
		var err error
		if desired {
			err = impl.redisClient.SAdd(ctx, key, leadID.String()).Err()
		} else {
			err = impl.redisClient.SRem(ctx, key, leadID.String()).Err()
		}
		if err != nil {
			slog.Error("Fail to update watchlist", slog.String("op", op), slog.Any("error", err))
		}
	}
	debounced := impl.watchNotifier.Handle(identity.UserID, *body.Watching,
		func() {
			c.JSON(http.StatusAccepted, gin.H{"status": "pending"})
		},
		execute,
	)
	if !debounced {
		c.JSON(http.StatusOK, gin.H{"status": "applied"})
	}
}
