package config

import (
	"errors"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const minSigningSecretLen = 32

type Config struct {
	// Server configuration
	Environment    string
	RequestTimeout time.Duration

	// Storage
	StoreBackend     string // pocketbase, postgres, memory
	InventoryBackend string // store, redis
	PostgresDSN      string

	// Redis configuration
	RedisURL string

	// Ticket signing and codes
	TicketSigningSecret string
	TicketValidity      time.Duration
	QRSize              int

	// Issuance
	ClaimLease        time.Duration
	ClaimPollInterval time.Duration
	MaxTicketsPerLine int

	// Delivery
	DeliveryRetryInterval time.Duration
	DeliveryMaxAttempts   int

	// Ingress and gate auth
	WebhookSecret string
	GateAPIKeys   []string
	ScanRateLimit int

	// PubNub configuration
	PubNubPublishKey   string
	PubNubSubscribeKey string
	PubNubSecretKey    string
	PubNubUserID       string
	PaymentChannel     string

	// Kafka
	KafkaBrokers []string
	KafkaTopic   string
	KafkaGroup   string

	// Monitoring
	EnableMetrics bool
	OTelEnabled   bool
	OTelEndpoint  string
}

func LoadConfig() *Config {
	v := viper.New()
	v.AutomaticEnv()
	setDefaults(v)

	return &Config{
		// Server
		Environment:    v.GetString("ENVIRONMENT"),
		RequestTimeout: v.GetDuration("REQUEST_TIMEOUT"),

		// Storage
		StoreBackend:     strings.ToLower(v.GetString("STORE_BACKEND")),
		InventoryBackend: strings.ToLower(v.GetString("INVENTORY_BACKEND")),
		PostgresDSN:      v.GetString("POSTGRES_DSN"),

		// Redis
		RedisURL: v.GetString("REDIS_URL"),

		// Tickets
		TicketSigningSecret: v.GetString("TICKET_SIGNING_SECRET"),
		TicketValidity:      v.GetDuration("TICKET_VALIDITY"),
		QRSize:              v.GetInt("QR_SIZE"),

		// Issuance
		ClaimLease:        v.GetDuration("CLAIM_LEASE"),
		ClaimPollInterval: v.GetDuration("CLAIM_POLL_INTERVAL"),
		MaxTicketsPerLine: v.GetInt("MAX_TICKETS_PER_LINE"),

		// Delivery
		DeliveryRetryInterval: v.GetDuration("DELIVERY_RETRY_INTERVAL"),
		DeliveryMaxAttempts:   v.GetInt("DELIVERY_MAX_ATTEMPTS"),

		// Ingress
		WebhookSecret: v.GetString("WEBHOOK_SECRET"),
		GateAPIKeys:   splitList(v.GetString("GATE_API_KEYS")),
		ScanRateLimit: v.GetInt("SCAN_RATE_LIMIT"),

		// PubNub
		PubNubPublishKey:   v.GetString("PUBNUB_PUBLISH_KEY"),
		PubNubSubscribeKey: v.GetString("PUBNUB_SUBSCRIBE_KEY"),
		PubNubSecretKey:    v.GetString("PUBNUB_SECRET_KEY"),
		PubNubUserID:       v.GetString("PUBNUB_USER_ID"),
		PaymentChannel:     v.GetString("PUBNUB_PAYMENT_CHANNEL"),

		// Kafka
		KafkaBrokers: splitList(v.GetString("KAFKA_BROKERS")),
		KafkaTopic:   v.GetString("KAFKA_TOPIC"),
		KafkaGroup:   v.GetString("KAFKA_GROUP"),

		// Monitoring
		EnableMetrics: v.GetBool("ENABLE_METRICS"),
		OTelEnabled:   v.GetBool("OTEL_ENABLED"),
		OTelEndpoint:  v.GetString("OTEL_ENDPOINT"),
	}
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("ENVIRONMENT", "development")
	v.SetDefault("REQUEST_TIMEOUT", "15s")

	v.SetDefault("STORE_BACKEND", "pocketbase")
	v.SetDefault("INVENTORY_BACKEND", "store")
	v.SetDefault("POSTGRES_DSN", "")

	v.SetDefault("REDIS_URL", "localhost:6379")

	v.SetDefault("TICKET_SIGNING_SECRET", "")
	v.SetDefault("TICKET_VALIDITY", "24h")
	v.SetDefault("QR_SIZE", -8)

	v.SetDefault("CLAIM_LEASE", "30s")
	v.SetDefault("CLAIM_POLL_INTERVAL", "100ms")
	v.SetDefault("MAX_TICKETS_PER_LINE", 10)

	v.SetDefault("DELIVERY_RETRY_INTERVAL", "1m")
	v.SetDefault("DELIVERY_MAX_ATTEMPTS", 5)

	v.SetDefault("WEBHOOK_SECRET", "")
	v.SetDefault("GATE_API_KEYS", "")
	v.SetDefault("SCAN_RATE_LIMIT", 30)

	v.SetDefault("PUBNUB_PUBLISH_KEY", "")
	v.SetDefault("PUBNUB_SUBSCRIBE_KEY", "")
	v.SetDefault("PUBNUB_SECRET_KEY", "")
	v.SetDefault("PUBNUB_USER_ID", "ticket-issuance")
	v.SetDefault("PUBNUB_PAYMENT_CHANNEL", "payment-completed")

	v.SetDefault("KAFKA_BROKERS", "")
	v.SetDefault("KAFKA_TOPIC", "payments.completed")
	v.SetDefault("KAFKA_GROUP", "ticket-issuance")

	v.SetDefault("ENABLE_METRICS", true)
	v.SetDefault("OTEL_ENABLED", false)
	v.SetDefault("OTEL_ENDPOINT", "localhost:4317")
}

// Validate checks the settings the service cannot start without.
func (c *Config) Validate() error {
	if len(c.TicketSigningSecret) < minSigningSecretLen {
		return errors.New("config: TICKET_SIGNING_SECRET must be at least 32 bytes")
	}
	if c.TicketValidity <= 0 {
		return errors.New("config: TICKET_VALIDITY must be positive")
	}
	switch c.StoreBackend {
	case "pocketbase", "memory":
	case "postgres":
		if c.PostgresDSN == "" {
			return errors.New("config: POSTGRES_DSN is required for the postgres store")
		}
	default:
		return errors.New("config: unknown STORE_BACKEND " + c.StoreBackend)
	}
	switch c.InventoryBackend {
	case "store", "redis":
	default:
		return errors.New("config: unknown INVENTORY_BACKEND " + c.InventoryBackend)
	}
	if c.MaxTicketsPerLine <= 0 {
		return errors.New("config: MAX_TICKETS_PER_LINE must be positive")
	}
	return nil
}

func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
