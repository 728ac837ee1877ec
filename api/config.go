package api

import (
	"crypto/ed25519"
	"time"
)

type ServerConfig struct {
	// ID 為節點識別，同時作為 consumer group 中的 consumer 名稱
	ID string

	S3       S3Config
	DB       DBConfig
	Redis    RedisConfig
	Auth     AuthConfig
	External ExternalConfig
	Auction  AuctionConfig
}

type S3Config struct {
	AccessKeyID     string
	SecretAccessKey string
	Endpoint        string
	Bucket          string
	PublicBaseURL   string
	// RateLimitPerHour 為單一使用者每小時可上傳的文件數，0表示不限制
	RateLimitPerHour int64
}

type DBConfig struct {
	User     string
	Password string
	Host     string
	Port     int
	Database string
	Schema   string
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	// KeyPrefix 為所有鍵(鎖、計數器、連線階段)的共用前綴
	KeyPrefix string
	// ConsumerGroup 為結算stream的consumer group名稱
	ConsumerGroup string

	StreamKeys RedisStreamKeys
}

type RedisStreamKeys struct {
	// Events 為節點間廣播拍賣事件用的stream
	Events string
	// Settlements 為結算工作派送用的stream
	Settlements string
}

type AuthConfig struct {
	// PrivateKey 只用其公鑰部分驗證存取憑證，簽發由外部系統負責
	PrivateKey ed25519.PrivateKey
	Issuer     string
	Audience   string
}

type ExternalConfig struct {
	// ComplianceURL 為外部合規檢查服務的端點，未設置時一律放行
	ComplianceURL string
	// SettlementURL 為外部結算服務的端點，未設置時以本地參考號完成
	SettlementURL string
	Timeout       time.Duration
}

type AuctionConfig struct {
	ExtendIncrement time.Duration
	MaxExtensions   int
	// FeeRate 為平台手續費率的十進位字串，例如 "0.025"
	FeeRate         string
	RevealWindow    time.Duration
	MonitorInterval time.Duration
	// RateLimitBase 為DEFAULT層級每分鐘的基礎請求上限
	RateLimitBase int
}
