// Package config は各サービスとCLIの設定を読み込む。
//
// 設定値はサービスごとのデフォルト、YAML設定ファイル（環境変数 CLUBHUB_CONFIG で指定）、
// 環境変数の順に上書きされる。
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"
)

// configFileEnv は設定ファイルのパスを指定する環境変数名。
const configFileEnv = "CLUBHUB_CONFIG"

// Config はサービス共通の設定値。
type Config struct {
	// Service は設定を読み込んだサービス名。
	Service string `mapstructure:"-"`
	// Port はHTTPサーバーのリッスンポート。
	Port string `mapstructure:"port"`
	// DatabasePath はSQLiteデータベースファイルのパス。
	DatabasePath string `mapstructure:"database_path"`
	// JWTSecret はJWT署名用の秘密鍵。
	JWTSecret string `mapstructure:"jwt_secret"`
	// EventStoreURL はEvent StoreサービスのベースURL。
	EventStoreURL string `mapstructure:"eventstore_url"`
	// NotificationURL は通知サービスのベースURL。
	NotificationURL string `mapstructure:"notification_url"`
	// GatewayURL はGatewayサービスのベースURL。
	GatewayURL string `mapstructure:"gateway_url"`
	// FrontendURL はCORSで許可するフロントエンドのオリジン。
	FrontendURL string `mapstructure:"frontend_url"`
	// PollInterval はEvent Storeのポーリング間隔。
	PollInterval time.Duration `mapstructure:"poll_interval"`
	// FeedWindow は通知フィードで通知を表示し続ける時間。
	FeedWindow time.Duration `mapstructure:"feed_window"`
}

// serviceDefaults はサービスごとに異なるデフォルト値。
type serviceDefaults struct {
	port         string
	databasePath string
}

// defaults は既知のサービスのデフォルト値。
var defaults = map[string]serviceDefaults{
	"gateway":      {port: "8080", databasePath: "/data/gateway.db"},
	"eventstore":   {port: "8084", databasePath: "/data/eventstore.db"},
	"notification": {port: "8086", databasePath: "/data/notification.db"},
	"feedwatch":    {port: "", databasePath: ""},
}

// envBindings は設定キーと環境変数名の対応。
var envBindings = map[string]string{
	"port":             "PORT",
	"database_path":    "DATABASE_PATH",
	"jwt_secret":       "JWT_SECRET",
	"eventstore_url":   "EVENTSTORE_URL",
	"notification_url": "NOTIFICATION_URL",
	"gateway_url":      "GATEWAY_URL",
	"frontend_url":     "FRONTEND_URL",
	"poll_interval":    "POLL_INTERVAL",
	"feed_window":      "FEED_WINDOW",
}

// ErrUnknownService は未知のサービス名が指定された場合のエラー。
var ErrUnknownService = errors.New("未知のサービスです")

// Load は指定サービスの設定を読み込む。
func Load(service string) (Config, error) {
	d, ok := defaults[service]
	if !ok {
		return Config{}, fmt.Errorf("%w: %s", ErrUnknownService, service)
	}

	v := viper.New()
	v.SetDefault("port", d.port)
	v.SetDefault("database_path", d.databasePath)
	v.SetDefault("jwt_secret", "dev-secret-key")
	v.SetDefault("eventstore_url", "http://localhost:8084")
	v.SetDefault("notification_url", "http://localhost:8086")
	v.SetDefault("gateway_url", "http://localhost:8080")
	v.SetDefault("frontend_url", "http://localhost:3000")
	v.SetDefault("poll_interval", 2*time.Second)
	v.SetDefault("feed_window", 5*time.Second)

	for key, env := range envBindings {
		if err := v.BindEnv(key, env); err != nil {
			return Config{}, fmt.Errorf("環境変数 %s のバインドに失敗: %w", env, err)
		}
	}

	if path := os.Getenv(configFileEnv); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("設定ファイル %s の読み込みに失敗: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("設定のデコードに失敗: %w", err)
	}
	cfg.Service = service

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// validate は設定値の整合性を検証する。
func (c Config) validate() error {
	if c.PollInterval <= 0 {
		return fmt.Errorf("poll_interval は正の値である必要があります: %s", c.PollInterval)
	}
	if c.FeedWindow <= 0 {
		return fmt.Errorf("feed_window は正の値である必要があります: %s", c.FeedWindow)
	}
	if c.JWTSecret == "" {
		return errors.New("jwt_secret が設定されていません")
	}
	return nil
}

// Addr はHTTPサーバーのリッスンアドレスを返す。
func (c Config) Addr() string {
	return ":" + c.Port
}
