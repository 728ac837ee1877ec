package main

import (
	"crypto/ed25519"
	"encoding/base64"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"leadex/api"
)

func ParseArgs() Args {
	// server config
	pflag.String("server-url", "0.0.0.0:8080", "")
	pflag.String("node-id", "leadex-0", "")

	// auth config
	pflag.String("auth-private-key", "", "base64 encoded Ed25519 seed or private key")
	pflag.String("auth-issuer", "leadex", "")
	pflag.String("auth-audience", "leadex", "")

	// s3 config
	pflag.String("s3-endpoint", "", "")
	pflag.String("s3-bucket", "", "")
	pflag.String("s3-public-base-url", "", "")
	pflag.String("s3-access-key-id", "", "")
	pflag.String("s3-secret-access-key", "", "")
	pflag.Int64("s3-rate-limit-per-hour", 30, "")

	// db config
	pflag.String("db-user", "", "")
	pflag.String("db-password", "", "")
	pflag.String("db-host", "", "")
	pflag.Int("db-port", 5432, "")
	pflag.String("db-database", "", "")
	pflag.String("db-schema", "", "")

	// redis config
	pflag.String("redis-addr", "", "")
	pflag.String("redis-password", "", "")
	pflag.Int("redis-db", 15, "")
	pflag.String("redis-key-prefix", "leadex:", "")
	pflag.String("redis-consumer-group", "leadex-settlement", "")

	// redis stream keys
	pflag.String("redis-stream-key-for-events", "leadex-shared-event-stream", "")
	pflag.String("redis-stream-key-for-settlements", "leadex-settlement-stream", "")

	// external services
	pflag.String("compliance-url", "", "")
	pflag.String("settlement-url", "", "")
	pflag.Duration("external-timeout", 10*time.Second, "")

	// auction engine
	pflag.Duration("auction-extend-increment", 2*time.Minute, "")
	pflag.Int("auction-max-extensions", 5, "")
	pflag.String("auction-fee-rate", "0.025", "")
	pflag.Duration("auction-reveal-window", 10*time.Minute, "")
	pflag.Duration("auction-monitor-interval", 5*time.Second, "")
	pflag.Int("auction-rate-limit-base", 10, "")

	// bind pflag to viper
	pflag.Parse()
	viper.BindPFlags(pflag.CommandLine)
	viper.AutomaticEnv()
	viper.SetEnvPrefix("LEADEX")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))

	// initial arguments
	return Args{
		ServerURL: viper.GetString("server-url"),
		ServerConfig: api.ServerConfig{
			ID: viper.GetString("node-id"),
			S3: api.S3Config{
				Endpoint:         viper.GetString("s3-endpoint"),
				Bucket:           viper.GetString("s3-bucket"),
				PublicBaseURL:    viper.GetString("s3-public-base-url"),
				AccessKeyID:      viper.GetString("s3-access-key-id"),
				SecretAccessKey:  viper.GetString("s3-secret-access-key"),
				RateLimitPerHour: viper.GetInt64("s3-rate-limit-per-hour"),
			},
			DB: api.DBConfig{
				User:     viper.GetString("db-user"),
				Password: viper.GetString("db-password"),
				Host:     viper.GetString("db-host"),
				Port:     viper.GetInt("db-port"),
				Database: viper.GetString("db-database"),
				Schema:   viper.GetString("db-schema"),
			},
			Redis: api.RedisConfig{
				Addr:          viper.GetString("redis-addr"),
				Password:      viper.GetString("redis-password"),
				DB:            viper.GetInt("redis-db"),
				KeyPrefix:     viper.GetString("redis-key-prefix"),
				ConsumerGroup: viper.GetString("redis-consumer-group"),
				StreamKeys: api.RedisStreamKeys{
					Events:      viper.GetString("redis-stream-key-for-events"),
					Settlements: viper.GetString("redis-stream-key-for-settlements"),
				},
			},
			Auth: api.AuthConfig{
				PrivateKey: parsePrivateKey(viper.GetString("auth-private-key")),
				Issuer:     viper.GetString("auth-issuer"),
				Audience:   viper.GetString("auth-audience"),
			},
			External: api.ExternalConfig{
				ComplianceURL: viper.GetString("compliance-url"),
				SettlementURL: viper.GetString("settlement-url"),
				Timeout:       viper.GetDuration("external-timeout"),
			},
			Auction: api.AuctionConfig{
				ExtendIncrement: viper.GetDuration("auction-extend-increment"),
				MaxExtensions:   viper.GetInt("auction-max-extensions"),
				FeeRate:         viper.GetString("auction-fee-rate"),
				RevealWindow:    viper.GetDuration("auction-reveal-window"),
				MonitorInterval: viper.GetDuration("auction-monitor-interval"),
				RateLimitBase:   viper.GetInt("auction-rate-limit-base"),
			},
		},
	}
}

// parsePrivateKey 解析base64編碼的Ed25519私鑰，接受seed或完整私鑰兩種長度
func parsePrivateKey(encoded string) ed25519.PrivateKey {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil
	}
	switch len(raw) {
	case ed25519.SeedSize:
		return ed25519.NewKeyFromSeed(raw)
	case ed25519.PrivateKeySize:
		return ed25519.PrivateKey(raw)
	default:
		return nil
	}
}

type Args struct {
	ServerURL    string
	ServerConfig api.ServerConfig
}

func (args Args) Validate() bool {
	return args.ServerURL != "" &&
		args.ServerConfig.ID != "" &&
		args.ServerConfig.Auth.PrivateKey != nil &&
		args.ServerConfig.DB.Host != "" &&
		args.ServerConfig.Redis.Addr != ""
}
