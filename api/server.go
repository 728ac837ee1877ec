package api

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	awsCfg "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/microcosm-cc/bluemonday"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/schema"

	redisAdapter "leadex/adapters/redis"
	internalS3 "leadex/adapters/s3"
	"leadex/adapters/sse"
	"leadex/auction"
	"leadex/notify"
	"leadex/perks"
	"leadex/ratelimit"
	"leadex/storage"
)

// eventBroadcaster 把拍賣事件送上節點間共用的stream
// 頻道名稱即拍賣ID，事件繞過stream回來後才分發給本地的SSE訂閱者
type eventBroadcaster struct {
	manager sse.IConnectionManager[auction.Event]
}

func (b *eventBroadcaster) Broadcast(auctionID uuid.UUID, event auction.Event) error {
	return b.manager.Publish(auctionID.String(), event)
}

// settlementQueue 把結算工作排入專用的stream，由group consumer派送
type settlementQueue struct {
	producer *redisAdapter.Producer[auction.SettlementJob]
}

func (q *settlementQueue) Enqueue(job auction.SettlementJob) error {
	return q.producer.Publish(job)
}

type ServerImpl struct {
	sseManager         sse.IConnectionManager[auction.Event]
	s3Operator         *internalS3.S3Operator
	htmlChecker        *bluemonday.Policy
	redisClient        *redis.Client
	sessionStore       redisAdapter.IStore
	settlementProducer *redisAdapter.Producer[auction.SettlementJob]
	groupConsumer      redisAdapter.IGroupConsumer[auction.SettlementJob]
	db                 *gorm.DB
	repo               *storage.Repository
	service            *auction.Service
	resolver           *auction.Resolver
	monitor            *auction.Monitor
	limiter            *ratelimit.Limiter
	watchNotifier      *notify.Coordinator
	wg                 sync.WaitGroup
	cancelFunc         context.CancelFunc

	config ServerConfig
}

func NewServer(config ServerConfig) (*ServerImpl, error) {
	const op = "NewServer"

	// 初始化S3客戶端
	s3Cfg, err := awsCfg.LoadDefaultConfig(
		context.Background(),
		awsCfg.WithBaseEndpoint(config.S3.Endpoint),
		awsCfg.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(config.S3.AccessKeyID, config.S3.SecretAccessKey, "")),
		awsCfg.WithRegion("auto"),
	)
	if err != nil {
		return nil, fmt.Errorf("[%s] Fail to load AWS config, err=%w", op, err)
	}
	s3Operator, err := internalS3.NewS3Operator(s3.NewFromConfig(s3Cfg), config.S3.Bucket, config.S3.PublicBaseURL)
	if err != nil {
		return nil, fmt.Errorf("[%s] Fail to create S3 operator, err=%w", op, err)
	}

	// 初始化資料庫連線
	dsn := fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=disable&search_path=%s", config.DB.User, config.DB.Password, config.DB.Host, config.DB.Port, config.DB.Database, config.DB.Schema)
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		TranslateError: true,
		NamingStrategy: schema.NamingStrategy{
			TablePrefix: config.DB.Schema + ".",
		},
	})
	if err != nil {
		return nil, fmt.Errorf("[%s] Fail to connect to database, err=%w", op, err)
	}
	repo, err := storage.NewRepository(db)
	if err != nil {
		return nil, fmt.Errorf("[%s] Fail to create repository, err=%w", op, err)
	}

	// 初始化Redis連線
	redisClient := redis.NewClient(&redis.Options{
		Addr:     config.Redis.Addr,
		Password: config.Redis.Password,
		DB:       config.Redis.DB,
	})
	sessionStore := redisAdapter.NewStore(redisClient, redisAdapter.WithStorePrefix(config.Redis.KeyPrefix+"session:"))

	// 初始化SSE管理器，拍賣事件經由共用stream在節點間廣播
	sseManager, err := sse.NewConnectionManager[auction.Event](
		redisClient,
		config.Redis.StreamKeys.Events,
		sse.WithConnectionManagerLogger(slog.Default()),
	)
	if err != nil {
		return nil, fmt.Errorf("[%s] Fail to create sse connection manager, err=%w", op, err)
	}
	broadcaster := &eventBroadcaster{manager: sseManager}

	// 初始化結算stream的producer與group consumer
	settlementProducer, err := redisAdapter.NewProducer[auction.SettlementJob](
		redisClient,
		config.Redis.StreamKeys.Settlements,
		redisAdapter.WithProducerLogger[auction.SettlementJob](slog.Default()),
	)
	if err != nil {
		return nil, fmt.Errorf("[%s] Fail to create settlement producer, err=%w", op, err)
	}
	groupConsumer, err := redisAdapter.NewGroupConsumer[auction.SettlementJob](
		redisClient,
		config.Redis.StreamKeys.Settlements,
		config.Redis.ConsumerGroup,
		config.ID,
		redisAdapter.WithGroupConsumerLogger[auction.SettlementJob](slog.Default()),
	)
	if err != nil {
		return nil, fmt.Errorf("[%s] Fail to create group consumer, err=%w", op, err)
	}

	// 分散式鎖工廠: 出價序列化與監視器的叢集互斥共用同一把鎖的實作
	lockFactory := auction.LockFactory(func(key string) auction.Mutex {
		return redisAdapter.NewAutoRenewMutex(redisClient, config.Redis.KeyPrefix+key)
	})

	// 初始化頻率限制器
	limiterOpts := []ratelimit.LimiterOption{
		ratelimit.WithKeyPrefix(config.Redis.KeyPrefix + "ratelimit:"),
	}
	if config.Auction.RateLimitBase > 0 {
		limiterOpts = append(limiterOpts, ratelimit.WithBaseLimit(config.Auction.RateLimitBase))
	}
	limiter, err := ratelimit.NewLimiter(redisClient, repo, limiterOpts...)
	if err != nil {
		return nil, fmt.Errorf("[%s] Fail to create rate limiter, err=%w", op, err)
	}

	// 平台手續費率
	feeRate := decimal.Decimal{}
	if config.Auction.FeeRate != "" {
		feeRate, err = decimal.NewFromString(config.Auction.FeeRate)
		if err != nil {
			return nil, fmt.Errorf("[%s] Invalid fee rate %q, err=%w", op, config.Auction.FeeRate, err)
		}
	}

	// 組裝拍賣引擎
	evaluator := perks.NewEvaluator(repo)
	compliance := NewComplianceClient(config.External.ComplianceURL, config.External.Timeout)
	settler := NewSettlerClient(config.External.SettlementURL, config.External.Timeout, slog.Default())
	service := auction.NewService(repo, evaluator, compliance, limiter, lockFactory, broadcaster, slog.Default(), auction.Config{
		ExtendIncrement: config.Auction.ExtendIncrement,
		MaxExtensions:   config.Auction.MaxExtensions,
	})
	resolver := auction.NewResolver(repo, broadcaster, &settlementQueue{producer: settlementProducer}, settler, lockFactory, slog.Default(), feeRate)
	monitorOpts := []auction.MonitorOption{}
	if config.Auction.MonitorInterval > 0 {
		monitorOpts = append(monitorOpts, auction.WithMonitorInterval(config.Auction.MonitorInterval))
	}
	if config.Auction.RevealWindow > 0 {
		monitorOpts = append(monitorOpts, auction.WithMonitorRevealWindow(config.Auction.RevealWindow))
	}
	monitor := auction.NewMonitor(repo, resolver, broadcaster, lockFactory, slog.Default(), monitorOpts...)

	return &ServerImpl{
		sseManager:         sseManager,
		s3Operator:         s3Operator,
		htmlChecker:        bluemonday.UGCPolicy(),
		redisClient:        redisClient,
		sessionStore:       sessionStore,
		settlementProducer: settlementProducer,
		groupConsumer:      groupConsumer,
		db:                 db,
		repo:               repo,
		service:            service,
		resolver:           resolver,
		monitor:            monitor,
		limiter:            limiter,
		watchNotifier:      notify.NewCoordinator(),
		config:             config,
	}, nil
}

func (impl *ServerImpl) Start() error {
	const op = "ServerImpl.Start"
	// 啟動sse connection manager
	impl.sseManager.Start()
	// 啟動結算producer
	impl.settlementProducer.Start()
	// 啟動group consumer
	if err := impl.groupConsumer.Start(); err != nil {
		return fmt.Errorf("[%s] Fail to start group consumer, err=%w", op, err)
	}
	// 啟動一個worker用於派送結算工作到外部結算系統
	ctx, cancel := context.WithCancel(context.Background())
	impl.cancelFunc = cancel
	slog.Info("Start settlement dispatch worker")
	impl.wg.Add(1)
	go func() {
		logger := slog.Default().With(slog.String("caller", "SettlementDispatch"))
		defer impl.wg.Done()
		defer slog.Info("Settlement dispatch worker stopped")
		ch := impl.groupConsumer.Subscribe()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				logger.Debug("Receive settlement job", slog.String("transactionID", msg.Data.TransactionID.String()))
				if handleErr := impl.resolver.DispatchSettlement(ctx, msg.Data); handleErr != nil {
					logger.Error("Fail to dispatch settlement", slog.Any("error", handleErr))
					if err := msg.Fail(ctx, handleErr); err != nil {
						logger.Error("Fail to fail message", slog.Any("error", err))
					}
					continue
				}
				if err := msg.Done(ctx); err != nil {
					logger.Error("Dispatch success but fail to done message", slog.Any("error", err))
					if err := msg.Fail(ctx, err); err != nil {
						logger.Error("Dispatch success but fail to fail message", slog.Any("error", err))
					}
					continue
				}
				logger.Debug("Dispatch success")
			}
		}
	}()
	// 啟動階段監視器
	impl.monitor.Start()
	return nil
}

func (impl *ServerImpl) Close() {
	// 停止階段監視器，等待進行中的tick結束
	impl.monitor.Close()
	// 關閉group consumer，worker的channel會隨之關閉
	impl.groupConsumer.Close()
	// 關閉worker
	if impl.cancelFunc != nil {
		impl.cancelFunc()
	}
	impl.wg.Wait()
	// 關閉結算producer
	impl.settlementProducer.Close()
	// 關閉sse connection manager
	impl.sseManager.Close()
	// 丟棄排程中的去抖動執行
	impl.watchNotifier.CancelAll()
}

// RegisterRoutes 註冊所有HTTP端點
func (impl *ServerImpl) RegisterRoutes(router *gin.Engine) {
	router.POST("/leads", impl.PostLeads)
	router.POST("/leads/:leadID/documents", impl.PostLeadDocuments)
	router.POST("/auctions", impl.PostAuctions)
	router.GET("/auctions", impl.GetAuctions)
	router.GET("/auctions/:auctionID", impl.GetAuction)
	router.POST("/auctions/:auctionID/bids", impl.PostAuctionBids)
	router.POST("/auctions/:auctionID/reveal", impl.PostAuctionReveal)
	router.DELETE("/auctions/:auctionID", impl.DeleteAuction)
	router.GET("/auctions/:auctionID/events", impl.GetAuctionEvents)
	router.PUT("/watchlist/:leadID", impl.PutWatchlist)
	router.GET("/auth/logout", impl.GetAuthLogout)
}
