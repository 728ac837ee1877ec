package sse

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	goredis "github.com/redis/go-redis/v9"

	"leadex/adapters/redis"
)

type connectionManagerOptions struct {
	logger           *slog.Logger
	subscriberBuffer int
}

type ConnectionManagerOption func(*connectionManagerOptions)

// WithConnectionManagerLogger 設置日誌記錄器
func WithConnectionManagerLogger(logger *slog.Logger) ConnectionManagerOption {
	return func(o *connectionManagerOptions) {
		o.logger = logger
	}
}

// WithConnectionManagerSubscriberBuffer 設置每位訂閱者的緩衝大小
func WithConnectionManagerSubscriberBuffer(size int) ConnectionManagerOption {
	return func(o *connectionManagerOptions) {
		o.subscriberBuffer = size
	}
}

// connectionManager 管理多個 SSE 頻道的訂閱與發布
// 事件經由 Redis Stream 在節點間廣播，每個節點的 consumer 追讀同一條
// stream，再分發給本地的訂閱者，多個服務實例因此能協同運作
type connectionManager[T any] struct {
	logger *slog.Logger

	mu      sync.RWMutex   // 保護 active 和 channels 的讀寫
	wg      sync.WaitGroup // 用於等待分發 goroutine 完成
	active  bool
	started bool

	producer *redis.Producer[PublishRequest[T]]
	consumer *redis.Consumer[PublishRequest[T]]
	channels map[string]IChannel[T]
	options  connectionManagerOptions
}

// NewConnectionManager 建立一個新的連線管理器
// streamKey 是節點間廣播事件用的 Redis Stream 鍵值
func NewConnectionManager[T any](client *goredis.Client, streamKey string, opts ...ConnectionManagerOption) (IConnectionManager[T], error) {
	const op = "NewConnectionManager"

	// 默認選項
	options := connectionManagerOptions{
		logger:           slog.Default(),
		subscriberBuffer: 16,
	}

	// 應用自定義選項
	for _, opt := range opts {
		opt(&options)
	}

	producer, err := redis.NewProducer[PublishRequest[T]](client, streamKey, redis.WithProducerLogger[PublishRequest[T]](options.logger))
	if err != nil {
		return nil, err
	}
	consumer, err := redis.NewConsumer[PublishRequest[T]](client, streamKey, redis.WithConsumerLogger[PublishRequest[T]](options.logger))
	if err != nil {
		return nil, err
	}

	return &connectionManager[T]{
		logger:   options.logger.With(slog.String("caller", "ConnectionManager"), slog.String("stream", streamKey)),
		channels: make(map[string]IChannel[T]),
		producer: producer,
		consumer: consumer,
		active:   true,
		options:  options,
	}, nil
}

// Start 啟動連線管理器，開始處理訊息的接收與廣播
func (cm *connectionManager[T]) Start() {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	if cm.started || !cm.active {
		return
	}
	cm.started = true

	cm.producer.Start()
	cm.consumer.Start()

	cm.wg.Add(1)
	go func() {
		defer cm.wg.Done()
		for msg := range cm.consumer.Subscribe() {
			cm.mu.RLock()
			channel, ok := cm.channels[msg.Channel]
			cm.mu.RUnlock()
			if !ok {
				continue
			}
			if dropped := channel.Broadcast(msg.Message); dropped > 0 {
				cm.logger.Warn("dropped event for slow subscribers",
					slog.String("channel", msg.Channel),
					slog.Int("dropped", dropped))
			}
		}
	}()
}

// Close 停止連線管理器並關閉所有訂閱者的通道
func (cm *connectionManager[T]) Close() {
	cm.mu.Lock()
	if !cm.active {
		cm.mu.Unlock()
		return
	}
	cm.active = false
	cm.mu.Unlock()

	cm.producer.Close()
	cm.consumer.Close()
	cm.wg.Wait()

	cm.mu.Lock()
	defer cm.mu.Unlock()
	for _, channel := range cm.channels {
		channel.UnsubscribeAll()
	}
	clear(cm.channels)
}

// Subscribe 訂閱指定的頻道，返回用於接收訊息的唯讀通道
func (cm *connectionManager[T]) Subscribe(channelName string) (<-chan T, error) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if !cm.active {
		return nil, context.Canceled
	}

	c, ok := cm.channels[channelName]
	if !ok {
		c = NewChannel[T](cm.options.subscriberBuffer)
		cm.channels[channelName] = c
	}
	return c.Subscribe(), nil
}

// Publish 發布訊息到指定的頻道
// 訊息會先進入 Redis Stream，繞一圈回來後才廣播給本地訂閱者，
// 確保所有節點看到同一份順序
func (cm *connectionManager[T]) Publish(channelName string, data T) error {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	if !cm.active {
		return context.Canceled
	}

	err := cm.producer.Publish(PublishRequest[T]{
		Channel: channelName,
		Message: data,
	})
	if errors.Is(err, redis.ErrProducerClosed) {
		return context.Canceled
	}
	return err
}

// Unsubscribe 取消訂閱指定的頻道，頻道閒置時一併回收
func (cm *connectionManager[T]) Unsubscribe(channelName string, ch <-chan T) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	c, ok := cm.channels[channelName]
	if !ok {
		return
	}

	c.Unsubscribe(ch)
	if c.IsIdle() {
		delete(cm.channels, channelName)
	}
}
