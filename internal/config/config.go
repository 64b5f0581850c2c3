package config

import (
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// CarrierConfig holds the Twilio settings. None of them are required at load
// time: a missing credential must fail each submission with a configuration
// error instead of keeping the service from starting.
type CarrierConfig struct {
	AccountSID  string        `envconfig:"TWILIO_ACCOUNT_SID"`
	AuthToken   string        `envconfig:"TWILIO_AUTH_TOKEN"`
	FromNumber  string        `envconfig:"TWILIO_PHONE_NUMBER"`
	BaseURL     string        `envconfig:"TWILIO_BASE_URL" default:"https://api.twilio.com"`
	SendTimeout time.Duration `envconfig:"TWILIO_SEND_TIMEOUT" default:"10s"`

	// PublicBaseURL is where the carrier reaches us. When set, outbound sends
	// carry a status callback URL and webhook signatures are checked against it.
	PublicBaseURL string `envconfig:"APP_BASE_URL"`
}

type APIConfig struct {
	DBDSN     string `envconfig:"DB_DSN" required:"true"`
	Port      string `envconfig:"PORT" default:"8080"`
	LogFormat string `envconfig:"LOG_FORMAT" default:"json"`
	LogLevel  string `envconfig:"LOG_LEVEL" default:"info"`
	AppEnv    string `envconfig:"APP_ENV" default:"production"`

	DBPoolMaxConns          int32  `envconfig:"DB_POOL_MAX_CONNS" default:"0"`
	DBPoolMinConns          int32  `envconfig:"DB_POOL_MIN_CONNS" default:"0"`
	DBPoolMaxConnLifetime   string `envconfig:"DB_POOL_MAX_CONN_LIFETIME"`
	DBPoolMaxConnIdleTime   string `envconfig:"DB_POOL_MAX_CONN_IDLE_TIME"`
	DBPoolHealthCheckPeriod string `envconfig:"DB_POOL_HEALTH_CHECK_PERIOD"`

	// Sessions
	JWTSecret string        `envconfig:"JWT_SECRET" required:"true"`
	JWTTTL    time.Duration `envconfig:"JWT_TTL" default:"24h"`

	// Token denylist; Postgres is used when no redis address is set.
	RedisAddr     string `envconfig:"REDIS_ADDR"`
	RedisPassword string `envconfig:"REDIS_PASSWORD"`
	RedisDB       int    `envconfig:"REDIS_DB" default:"0"`

	// Delivery event feed (disabled without a queue URL)
	AWSRegion              string `envconfig:"AWS_REGION" default:"us-east-1"`
	DeliveryEventsQueueURL string `envconfig:"DELIVERY_EVENTS_QUEUE_URL"`
	LocalstackEndpoint     string `envconfig:"LOCALSTACK_ENDPOINT"`

	CarrierConfig
}

// SignatureCheckDisabled reports whether webhook signature verification is
// skipped. Only local and test environments skip it.
func (c APIConfig) SignatureCheckDisabled() bool {
	return IsLocalEnv(c.AppEnv)
}

func IsLocalEnv(env string) bool {
	switch strings.ToLower(strings.TrimSpace(env)) {
	case "development", "test":
		return true
	default:
		return false
	}
}

type MockCarrierConfig struct {
	AccountSID string `envconfig:"TWILIO_ACCOUNT_SID" default:"mock_sid"`
	AuthToken  string `envconfig:"TWILIO_AUTH_TOKEN" default:"mock_token"`
	Port       string `envconfig:"PORT" default:"8081"`
	LogFormat  string `envconfig:"LOG_FORMAT" default:"json"`

	// Comma separated outcomes cycled round robin: ok, undelivered, failed, or
	// a carrier error code such as 21211.
	Outcomes          string        `envconfig:"MOCK_OUTCOMES" default:"ok"`
	CallbackDelay     time.Duration `envconfig:"MOCK_CALLBACK_DELAY" default:"300ms"`
	DefaultWebhookURL string        `envconfig:"MOCK_WEBHOOK_URL"`
}

func LoadAPI() APIConfig {
	var cfg APIConfig
	if err := envconfig.Process("", &cfg); err != nil {
		panic(err)
	}
	return cfg
}

func LoadMockCarrier() MockCarrierConfig {
	var cfg MockCarrierConfig
	if err := envconfig.Process("", &cfg); err != nil {
		panic(err)
	}
	return cfg
}
