package config

const (
	EnvPrefix = "CARDKEY"

	AppEnvDev  = "dev"
	AppEnvProd = "prod"

	EnvAppEnv = "CARDKEY_APP_ENV"
	EnvPort   = "CARDKEY_APP_PORT"

	DriverPostgres   = "postgres"
	DriverSQLite     = "sqlite"
	DefaultSQLiteDSN = "file:cardkey.db?_foreign_keys=on"

	EnvDBDSN  = "CARDKEY_DB_DSN"
	EnvDBHost = "CARDKEY_DB_HOST"
	EnvDBUser = "CARDKEY_DB_USER"
	EnvDBName = "CARDKEY_DB_NAME"

	EnvRedisURL = "CARDKEY_REDIS_URL"

	EnvJWTSecret = "CARDKEY_JWT_SECRET"
	EnvJWTIssuer = "CARDKEY_JWT_ISSUER"

	EnvMerchantID  = "CARDKEY_MERCHANT_ID"
	EnvMerchantKey = "CARDKEY_MERCHANT_KEY"
	EnvSiteURL     = "CARDKEY_SITE_URL"
	EnvPayURL      = "CARDKEY_PAY_URL"

	EnvReservationTTL   = "CARDKEY_CHECKOUT_RESERVATION_TTL"
	EnvFulfillmentGrace = "CARDKEY_CHECKOUT_FULFILLMENT_GRACE"
	EnvOrderExpiry      = "CARDKEY_CHECKOUT_ORDER_EXPIRY"
	EnvReserveAttempts  = "CARDKEY_CHECKOUT_RESERVE_MAX_ATTEMPTS"

	EnvKafkaBrokers = "CARDKEY_KAFKA_BROKERS"
	EnvUseSQLite    = "CARDKEY_USE_SQLITE"
)

var legacyDBEnvVars = []string{EnvDBHost, EnvDBUser, EnvDBName}
