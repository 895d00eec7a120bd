package config

import (
	"time"

	"github.com/kelseyhightower/envconfig"
)

type ChatConfig struct {
	Port        string `envconfig:"PORT" default:"8080"`
	MetricsPort string `envconfig:"METRICS_PORT" default:"9090"`
	LogFormat   string `envconfig:"LOG_FORMAT" default:"json"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`

	// Storage: "memory" or "postgres"
	StoreBackend string `envconfig:"STORE_BACKEND" default:"memory"`
	DBDSN        string `envconfig:"DB_DSN"`

	DBPoolMaxConns          int32         `envconfig:"DB_POOL_MAX_CONNS" default:"10"`
	DBPoolMinConns          int32         `envconfig:"DB_POOL_MIN_CONNS" default:"0"`
	DBPoolMaxConnLifetime   time.Duration `envconfig:"DB_POOL_MAX_CONN_LIFETIME" default:"1h"`
	DBPoolMaxConnIdleTime   time.Duration `envconfig:"DB_POOL_MAX_CONN_IDLE_TIME" default:"30m"`
	DBPoolHealthCheckPeriod time.Duration `envconfig:"DB_POOL_HEALTH_CHECK_PERIOD" default:"1m"`

	// WhatsApp Cloud API
	WhatsAppAPIURL        string `envconfig:"WHATSAPP_API_URL" default:"https://graph.facebook.com/v18.0"`
	WhatsAppAccessToken   string `envconfig:"WHATSAPP_ACCESS_TOKEN" required:"true"`
	WhatsAppPhoneNumberID string `envconfig:"WHATSAPP_PHONE_NUMBER_ID" required:"true"`
	WhatsAppAppSecret     string `envconfig:"WHATSAPP_APP_SECRET"` // empty disables signature checks
	WebhookVerifyToken    string `envconfig:"WEBHOOK_VERIFY_TOKEN" required:"true"`
	BusinessNumber        string `envconfig:"WHATSAPP_BUSINESS_NUMBER"`

	ProviderTimeout time.Duration `envconfig:"PROVIDER_TIMEOUT" default:"30s"`
	ProviderRPS     float64       `envconfig:"PROVIDER_RPS" default:"20"`
	ProviderBurst   int           `envconfig:"PROVIDER_BURST" default:"40"`

	// Inline ingest bound when no queue is configured.
	IngestTimeout time.Duration `envconfig:"INGEST_TIMEOUT" default:"10s"`

	// AWS / SQS, optional. Setting the queue URL moves webhook ingest onto SQS.
	AWSRegion             string `envconfig:"AWS_REGION" default:"us-east-1"`
	WebhookEventsQueueURL string `envconfig:"WEBHOOK_EVENTS_QUEUE_URL"`
	LocalstackEndpoint    string `envconfig:"LOCALSTACK_ENDPOINT"`
	SQSWaitTime           int32  `envconfig:"SQS_WAIT_TIME" default:"20"`
	SQSMaxMsgs            int32  `envconfig:"SQS_MAX_MSGS" default:"10"`
	SQSVizTimeout         int32  `envconfig:"SQS_VISIBILITY_TIMEOUT" default:"60"`
	SQSGroupBuckets       int    `envconfig:"SQS_GROUP_BUCKETS" default:"1024"`
	ProcessorConcurrency  int    `envconfig:"PROCESSOR_CONCURRENCY" default:"8"`

	// Realtime
	WSAllowedOrigins []string      `envconfig:"WS_ALLOWED_ORIGINS"`
	WSSendQueue      int           `envconfig:"WS_SEND_QUEUE" default:"64"`
	WSHeartbeat      time.Duration `envconfig:"WS_HEARTBEAT" default:"25s"`

	AutoReplyEnabled    bool `envconfig:"AUTO_REPLY_ENABLED" default:"false"`
	ReadReceiptsEnabled bool `envconfig:"READ_RECEIPTS_ENABLED" default:"false"`
}

type MockProviderConfig struct {
	Port      string `envconfig:"PORT" default:"8090"`
	LogFormat string `envconfig:"LOG_FORMAT" default:"json"`
	LogLevel  string `envconfig:"LOG_LEVEL" default:"info"`

	AccessToken   string `envconfig:"WHATSAPP_ACCESS_TOKEN" default:"mock_token"`
	DisplayNumber string `envconfig:"MOCK_DISPLAY_NUMBER" default:"15550000000"`

	// Where simulated status webhooks are posted. Empty disables callbacks.
	WebhookURL string `envconfig:"MOCK_WEBHOOK_URL"`
	AppSecret  string `envconfig:"WHATSAPP_APP_SECRET"`

	// Outcome per send, picked at random: a share of sends is rejected
	// synchronously, another share is accepted and later reported failed.
	RejectPercent int           `envconfig:"MOCK_REJECT_PERCENT" default:"0"`
	FailPercent   int           `envconfig:"MOCK_FAIL_PERCENT" default:"0"`
	Latency       time.Duration `envconfig:"MOCK_LATENCY" default:"50ms"`
	StatusDelay   time.Duration `envconfig:"MOCK_STATUS_DELAY" default:"500ms"`

	WebhookMaxRetries int           `envconfig:"MOCK_WEBHOOK_MAX_RETRIES" default:"5"`
	WebhookRetryBase  time.Duration `envconfig:"MOCK_WEBHOOK_RETRY_BASE" default:"250ms"`
	WebhookRetryMax   time.Duration `envconfig:"MOCK_WEBHOOK_RETRY_MAX" default:"10s"`
}

func LoadChat() ChatConfig {
	var cfg ChatConfig
	if err := envconfig.Process("", &cfg); err != nil {
		panic(err)
	}
	if cfg.StoreBackend == "postgres" && cfg.DBDSN == "" {
		panic("DB_DSN is required when STORE_BACKEND=postgres")
	}
	return cfg
}

func LoadMockProvider() MockProviderConfig {
	var cfg MockProviderConfig
	if err := envconfig.Process("", &cfg); err != nil {
		panic(err)
	}
	return cfg
}
