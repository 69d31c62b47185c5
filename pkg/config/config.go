package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	App          AppConfig
	Service      ServiceConfig
	DB           DBConfig
	Redis        RedisConfig
	JWT          JWTConfig
	FeatureFlags FeatureFlagsConfig
	Checkout     CheckoutConfig
	Points       PointsConfig
	Payment      PaymentConfig
	Cron         CronConfig
	Idempotency  IdempotencyConfig
	Kafka        KafkaConfig
	Outbox       OutboxConfig
	Tracing      TracingConfig
	RateLimit    RateLimitConfig
}

func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	cfg.DB.applyFlags(cfg.FeatureFlags)
	if err := cfg.DB.ensureDSN(); err != nil {
		return nil, err
	}
	if err := cfg.Checkout.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

type AppConfig struct {
	Env          string   `envconfig:"CARDKEY_APP_ENV" required:"true"`
	Port         string   `envconfig:"CARDKEY_APP_PORT" required:"true"`
	MetricsPort  string   `envconfig:"CARDKEY_METRICS_PORT" default:"9102"`
	LogLevel     string   `envconfig:"CARDKEY_LOG_LEVEL" default:"info"`
	LogWarnStack bool     `envconfig:"CARDKEY_LOG_WARN_STACK" default:"false"`
	CORSOrigins  []string `envconfig:"CARDKEY_CORS_ORIGINS"`
}

func (a AppConfig) IsDev() bool {
	return strings.EqualFold(a.Env, AppEnvDev)
}

func (a AppConfig) IsProd() bool {
	return strings.EqualFold(a.Env, AppEnvProd) || strings.EqualFold(a.Env, "production")
}

type ServiceConfig struct {
	Kind string `envconfig:"CARDKEY_SERVICE_KIND" default:"api"`
}

type DBConfig struct {
	DSN    string `envconfig:"CARDKEY_DB_DSN"`
	Driver string `envconfig:"CARDKEY_DB_DRIVER" default:"postgres"`

	LegacyHost     string `envconfig:"CARDKEY_DB_HOST"`
	LegacyPort     int    `envconfig:"CARDKEY_DB_PORT" default:"5432"`
	LegacyUser     string `envconfig:"CARDKEY_DB_USER"`
	LegacyPassword string `envconfig:"CARDKEY_DB_PASSWORD"`
	LegacyName     string `envconfig:"CARDKEY_DB_NAME"`
	LegacySSLMode  string `envconfig:"CARDKEY_DB_SSLMODE" default:"disable"`

	MaxOpenConns    int           `envconfig:"CARDKEY_DB_MAX_OPEN_CONNS" default:"20"`
	MaxIdleConns    int           `envconfig:"CARDKEY_DB_MAX_IDLE_CONNS" default:"10"`
	ConnMaxLifetime time.Duration `envconfig:"CARDKEY_DB_CONN_MAX_LIFETIME" default:"1h"`
	ConnMaxIdleTime time.Duration `envconfig:"CARDKEY_DB_CONN_MAX_IDLE_TIME" default:"10m"`

	SlowQueryThreshold time.Duration `envconfig:"CARDKEY_DB_SLOW_QUERY" default:"200ms"`
}

func (db *DBConfig) applyFlags(flags FeatureFlagsConfig) {
	if flags.UseSQLite {
		db.Driver = DriverSQLite
	}
}

type RedisConfig struct {
	URL          string        `envconfig:"CARDKEY_REDIS_URL" required:"true"`
	Address      string        `envconfig:"CARDKEY_REDIS_ADDR"`
	Password     string        `envconfig:"CARDKEY_REDIS_PASSWORD"`
	DB           int           `envconfig:"CARDKEY_REDIS_DB" default:"0"`
	PoolSize     int           `envconfig:"CARDKEY_REDIS_POOL_SIZE" default:"10"`
	MinIdleConns int           `envconfig:"CARDKEY_REDIS_MIN_IDLE_CONNS" default:"2"`
	DialTimeout  time.Duration `envconfig:"CARDKEY_REDIS_DIAL_TIMEOUT" default:"5s"`
	ReadTimeout  time.Duration `envconfig:"CARDKEY_REDIS_READ_TIMEOUT" default:"5s"`
	WriteTimeout time.Duration `envconfig:"CARDKEY_REDIS_WRITE_TIMEOUT" default:"5s"`
	// KeyPrefix lets several deployments share one redis database.
	KeyPrefix string `envconfig:"CARDKEY_REDIS_KEY_PREFIX" default:"ck"`
}

// JWTConfig verifies bearer tokens minted by the storefront session service.
type JWTConfig struct {
	Secret            string `envconfig:"CARDKEY_JWT_SECRET" required:"true"`
	Issuer            string `envconfig:"CARDKEY_JWT_ISSUER" required:"true"`
	ExpirationMinutes int    `envconfig:"CARDKEY_JWT_EXPIRATION_MINUTES" default:"60"`
	// Audience is checked only when set.
	Audience string        `envconfig:"CARDKEY_JWT_AUDIENCE"`
	Leeway   time.Duration `envconfig:"CARDKEY_JWT_LEEWAY" default:"30s"`
}

type FeatureFlagsConfig struct {
	UseSQLite   bool `envconfig:"CARDKEY_USE_SQLITE" default:"false"`
	AutoMigrate bool `envconfig:"CARDKEY_AUTO_MIGRATE" default:"true"`
}

// CheckoutConfig holds the reservation and fulfillment windows.
// ReservationTTL, FulfillmentGrace and OrderExpiry are configured separately.
type CheckoutConfig struct {
	ReservationTTL        time.Duration `envconfig:"CARDKEY_CHECKOUT_RESERVATION_TTL" default:"5m"`
	FulfillmentGrace      time.Duration `envconfig:"CARDKEY_CHECKOUT_FULFILLMENT_GRACE" default:"1m"`
	OrderExpiry           time.Duration `envconfig:"CARDKEY_CHECKOUT_ORDER_EXPIRY" default:"10m"`
	SweepThrottle         time.Duration `envconfig:"CARDKEY_CHECKOUT_SWEEP_THROTTLE" default:"30s"`
	ReserveMaxAttempts    int           `envconfig:"CARDKEY_CHECKOUT_RESERVE_MAX_ATTEMPTS" default:"3"`
	ReserveBackoff        time.Duration `envconfig:"CARDKEY_CHECKOUT_RESERVE_BACKOFF" default:"20ms"`
	ArbiterTimeout        time.Duration `envconfig:"CARDKEY_CHECKOUT_ARBITER_TIMEOUT" default:"3s"`
	StatusPollMaxAttempts int           `envconfig:"CARDKEY_CHECKOUT_STATUS_POLL_MAX_ATTEMPTS" default:"3"`
	StatusPollBackoff     time.Duration `envconfig:"CARDKEY_CHECKOUT_STATUS_POLL_BACKOFF" default:"500ms"`
}

func (c CheckoutConfig) validate() error {
	if c.ReservationTTL <= 0 || c.FulfillmentGrace <= 0 || c.OrderExpiry <= 0 {
		return fmt.Errorf("checkout windows must be positive")
	}
	if c.FulfillmentGrace > c.ReservationTTL {
		return fmt.Errorf("%s must not exceed %s", EnvFulfillmentGrace, EnvReservationTTL)
	}
	if c.ReserveMaxAttempts <= 0 || c.StatusPollMaxAttempts <= 0 {
		return fmt.Errorf("retry attempts must be positive")
	}
	return nil
}

// PointsConfig sets the daily check-in reward. Check-in is off when disabled
// or when the reward is not positive.
type PointsConfig struct {
	CheckinEnabled bool `envconfig:"CARDKEY_CHECKIN_ENABLED" default:"true"`
	CheckinReward  int  `envconfig:"CARDKEY_CHECKIN_REWARD" default:"10"`
}

// PaymentConfig configures the EPay-compatible payment provider.
type PaymentConfig struct {
	MerchantID  string        `envconfig:"CARDKEY_MERCHANT_ID" required:"true"`
	MerchantKey string        `envconfig:"CARDKEY_MERCHANT_KEY" required:"true"`
	PayURL      string        `envconfig:"CARDKEY_PAY_URL" default:"https://credit.linux.do/epay/pay/submit.php"`
	APIURL      string        `envconfig:"CARDKEY_PAY_API_URL"`
	SiteURL     string        `envconfig:"CARDKEY_SITE_URL" required:"true"`
	Timeout     time.Duration `envconfig:"CARDKEY_PAY_TIMEOUT" default:"10s"`
}

// ResolvedAPIURL derives the order query endpoint from the hosted pay URL when unset.
func (p PaymentConfig) ResolvedAPIURL() string {
	if strings.TrimSpace(p.APIURL) != "" {
		return p.APIURL
	}
	return strings.Replace(p.PayURL, "/pay/submit.php", "/api.php", 1)
}

type CronConfig struct {
	Interval        time.Duration `envconfig:"CARDKEY_CRON_INTERVAL" default:"1m"`
	LockTTL         time.Duration `envconfig:"CARDKEY_CRON_LOCK_TTL" default:"2m"`
	CleanupToken    string        `envconfig:"CARDKEY_CRON_CLEANUP_TOKEN"`
	CleanupThrottle time.Duration `envconfig:"CARDKEY_CRON_CLEANUP_THROTTLE" default:"60s"`
}

type IdempotencyConfig struct {
	TTL        time.Duration `envconfig:"CARDKEY_IDEMPOTENCY_TTL" default:"24h"`
	WebhookTTL time.Duration `envconfig:"CARDKEY_WEBHOOK_IDEMPOTENCY_TTL" default:"720h"`
}

type KafkaConfig struct {
	Brokers      []string      `envconfig:"CARDKEY_KAFKA_BROKERS" default:"localhost:9092"`
	OrdersTopic  string        `envconfig:"CARDKEY_KAFKA_ORDERS_TOPIC" default:"cardkey-order-events"`
	WriteTimeout time.Duration `envconfig:"CARDKEY_KAFKA_WRITE_TIMEOUT" default:"10s"`
}

type OutboxConfig struct {
	BatchSize      int `envconfig:"CARDKEY_OUTBOX_PUBLISH_BATCH_SIZE" default:"50"`
	PollIntervalMS int `envconfig:"CARDKEY_OUTBOX_PUBLISH_POLL_MS" default:"500"`
	MaxAttempts    int `envconfig:"CARDKEY_OUTBOX_MAX_ATTEMPTS" default:"10"`
	// A failed row waits RetryBase, doubling per attempt up to RetryMax.
	RetryBase time.Duration `envconfig:"CARDKEY_OUTBOX_RETRY_BASE" default:"5s"`
	RetryMax  time.Duration `envconfig:"CARDKEY_OUTBOX_RETRY_MAX" default:"10m"`
}

// RateLimitConfig throttles checkout creation per client. Zero disables a limit.
type RateLimitConfig struct {
	CheckoutWindow     time.Duration `envconfig:"CARDKEY_RATE_LIMIT_CHECKOUT_WINDOW" default:"1m"`
	CheckoutIPLimit    int           `envconfig:"CARDKEY_RATE_LIMIT_CHECKOUT_IP" default:"30"`
	CheckoutEmailLimit int           `envconfig:"CARDKEY_RATE_LIMIT_CHECKOUT_EMAIL" default:"10"`
}

type TracingConfig struct {
	Enabled        bool    `envconfig:"CARDKEY_TRACING_ENABLED" default:"false"`
	JaegerEndpoint string  `envconfig:"CARDKEY_JAEGER_ENDPOINT" default:"http://localhost:14268/api/traces"`
	SampleRatio    float64 `envconfig:"CARDKEY_TRACING_SAMPLE_RATIO" default:"1"`
}

func (db *DBConfig) ensureDSN() error {
	if db.DSN != "" {
		return nil
	}
	if db.Driver == DriverSQLite {
		db.DSN = DefaultSQLiteDSN
		return nil
	}

	missing := []string{}
	legacyValues := map[string]string{
		EnvDBHost: db.LegacyHost,
		EnvDBUser: db.LegacyUser,
		EnvDBName: db.LegacyName,
	}
	for _, env := range legacyDBEnvVars {
		if legacyValues[env] == "" {
			missing = append(missing, env)
		}
	}

	if len(missing) > 0 {
		return fmt.Errorf("either %s or %s are required", EnvDBDSN, strings.Join(missing, ", "))
	}

	userInfo := url.User(db.LegacyUser)
	if db.LegacyPassword != "" {
		userInfo = url.UserPassword(db.LegacyUser, db.LegacyPassword)
	}

	u := &url.URL{
		Scheme: "postgres",
		User:   userInfo,
		Host:   fmt.Sprintf("%s:%d", db.LegacyHost, db.LegacyPort),
		Path:   db.LegacyName,
	}

	if db.LegacySSLMode != "" {
		q := u.Query()
		q.Set("sslmode", db.LegacySSLMode)
		u.RawQuery = q.Encode()
	}

	db.DSN = u.String()
	return nil
}
