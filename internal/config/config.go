package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// Configはアプリ全体の設定
type Config struct {
	Port     string // サーバーポート（8080）
	GoEnv    string // development / production
	LogLevel string // debug / info / warn / error

	DatabaseURL      string // あればPOSTGRES_*より優先
	PostgresUser     string
	PostgresPassword string
	PostgresDB       string
	PostgresHost     string
	PostgresPort     int
	PostgresSSLMode  string

	DBMaxOpenConns    int
	DBMaxIdleConns    int
	DBConnMaxLifetime time.Duration

	JWTSecret string // JWT署名シークレット

	RedisURL         string // 空ならメモリキャッシュ
	CategoryCacheTTL time.Duration

	Currency        string        // 注文の通貨（小文字3桁）
	ProviderTimeout time.Duration // 決済プロバイダ呼び出しのタイムアウト

	Card   CardConfig
	Wallet WalletConfig
}

// カード決済（payment intent API）
type CardConfig struct {
	BaseURL            string
	SecretKey          string
	WebhookSecret      string
	SignatureTolerance time.Duration
}

// ウォレット決済（tokenized checkout API）
type WalletConfig struct {
	BaseURL     string
	AppKey      string
	AppSecret   string
	Username    string
	Password    string
	CallbackURL string
}

// Loadは環境変数から読む
func Load() (Config, error) {
	var err error
	cfg := Config{
		Port:     getenv("PORT", "8080"),
		GoEnv:    getenv("GO_ENV", "development"),
		LogLevel: getenv("LOG_LEVEL", "info"),

		DatabaseURL:      os.Getenv("DATABASE_URL"),
		PostgresUser:     getenv("POSTGRES_USER", "postgres"),
		PostgresPassword: getenv("POSTGRES_PASSWORD", "postgres"),
		PostgresDB:       getenv("POSTGRES_DB", "storefront"),
		PostgresHost:     getenv("POSTGRES_HOST", "localhost"),
		PostgresSSLMode:  getenv("POSTGRES_SSLMODE", "disable"),

		JWTSecret: os.Getenv("JWT_SECRET"),
		RedisURL:  os.Getenv("REDIS_URL"),
		Currency:  strings.ToLower(getenv("CURRENCY", "usd")),

		Card: CardConfig{
			BaseURL:       getenv("CARD_API_BASE_URL", "https://api.stripe.com"),
			SecretKey:     os.Getenv("CARD_SECRET_KEY"),
			WebhookSecret: os.Getenv("CARD_WEBHOOK_SECRET"),
		},
		Wallet: WalletConfig{
			BaseURL:     getenv("WALLET_API_BASE_URL", "https://tokenized.sandbox.bka.sh/v1.2.0-beta"),
			AppKey:      os.Getenv("WALLET_APP_KEY"),
			AppSecret:   os.Getenv("WALLET_APP_SECRET"),
			Username:    os.Getenv("WALLET_USERNAME"),
			Password:    os.Getenv("WALLET_PASSWORD"),
			CallbackURL: os.Getenv("WALLET_CALLBACK_URL"),
		},
	}

	if cfg.PostgresPort, err = atoiDefault("POSTGRES_PORT", 5432); err != nil {
		return Config{}, err
	}
	if cfg.DBMaxOpenConns, err = atoiDefault("DB_MAX_OPEN_CONNS", 25); err != nil {
		return Config{}, err
	}
	if cfg.DBMaxIdleConns, err = atoiDefault("DB_MAX_IDLE_CONNS", 5); err != nil {
		return Config{}, err
	}
	if cfg.DBConnMaxLifetime, err = durationDefault("DB_CONN_MAX_LIFETIME", 5*time.Minute); err != nil {
		return Config{}, err
	}
	if cfg.CategoryCacheTTL, err = durationDefault("CATEGORY_CACHE_TTL", time.Hour); err != nil {
		return Config{}, err
	}
	if cfg.ProviderTimeout, err = durationDefault("PROVIDER_TIMEOUT", 10*time.Second); err != nil {
		return Config{}, err
	}
	if cfg.Card.SignatureTolerance, err = durationDefault("CARD_SIGNATURE_TOLERANCE", 5*time.Minute); err != nil {
		return Config{}, err
	}

	//必須チェック
	if cfg.JWTSecret == "" {
		return Config{}, fmt.Errorf("JWT_SECRET is required")
	}
	if len(cfg.Currency) != 3 {
		return Config{}, fmt.Errorf("CURRENCY must be a 3-letter code")
	}
	if cfg.CategoryCacheTTL <= 0 {
		return Config{}, fmt.Errorf("CATEGORY_CACHE_TTL must be > 0")
	}

	return cfg, nil
}

func (c Config) IsProduction() bool {
	return c.GoEnv == "production" || c.GoEnv == "prod"
}

// gorm用のDSN
func (c Config) DSN() string {
	if c.DatabaseURL != "" {
		return c.DatabaseURL
	}
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.PostgresHost, c.PostgresPort, c.PostgresUser, c.PostgresPassword, c.PostgresDB, c.PostgresSSLMode,
	)
}

// ログ出力用（パスワードを隠す）
func (c Config) RedactedDSN() string {
	if c.DatabaseURL != "" {
		u, err := url.Parse(c.DatabaseURL)
		if err != nil {
			return "invalid DATABASE_URL"
		}
		return u.Redacted()
	}
	return fmt.Sprintf("host=%s port=%d dbname=%s", c.PostgresHost, c.PostgresPort, c.PostgresDB)
}

func getenv(key string, def string) string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	return v
}

func atoiDefault(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s must be number: %w", key, err)
	}
	return i, nil
}

func durationDefault(key string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s must be duration: %w", key, err)
	}
	return d, nil
}
