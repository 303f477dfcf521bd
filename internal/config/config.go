package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config captures all runtime configuration for the email dispatch worker.
// Values are read from the environment (optionally seeded from a .env file),
// prefixed per concern.
type Config struct {
	App        AppConfig
	Rabbit     RabbitConfig
	Postgres   PostgresConfig
	SMTP       SMTPConfig
	Prometheus PrometheusConfig
	Delivery   DeliveryConfig
}

// AppConfig contains generic application level settings.
type AppConfig struct {
	Env                  string
	LogLevel             string
	TimeoutForRepeatRead int
	TemplatesDir         string
	StaleAfterSeconds    int
}

// IdleInterval is the pause between read cycles of the service loop.
func (a AppConfig) IdleInterval() time.Duration {
	return time.Duration(a.TimeoutForRepeatRead) * time.Second
}

// StaleAfter is the age past which a record stuck in processing is released
// back to retry. Zero disables the sweep.
func (a AppConfig) StaleAfter() time.Duration {
	return time.Duration(a.StaleAfterSeconds) * time.Second
}

// RabbitConfig defines the broker connection, topology and batch-read tuning.
type RabbitConfig struct {
	Host        string
	Port        int
	Username    string
	Password    string
	VirtualHost string

	UseSSL   bool
	CACerts  string
	CertFile string
	KeyFile  string

	QueueName            string
	QueueDurable         bool
	MessageTTLMs         int
	DeadLetterExchange   string
	DeadLetterRoutingKey string

	ExchangeName    string
	ExchangeType    string
	ExchangeDurable bool
	RoutingKeys     []string

	PrefetchCount     int
	BatchSize         int
	TimeoutSeconds    float64
	MaxRetries        int
	RetryDelaySeconds int
}

// URL renders the AMQP connection string for the configured broker.
func (r RabbitConfig) URL() string {
	scheme := "amqp"
	if r.UseSSL {
		scheme = "amqps"
	}
	vhost := r.VirtualHost
	if vhost == "/" {
		vhost = ""
	}
	return fmt.Sprintf("%s://%s:%s@%s:%d/%s",
		scheme,
		url.QueryEscape(r.Username),
		url.QueryEscape(r.Password),
		r.Host,
		r.Port,
		url.PathEscape(vhost),
	)
}

// ReadBudget is the wall-clock budget for draining one batch.
func (r RabbitConfig) ReadBudget() time.Duration {
	return time.Duration(r.TimeoutSeconds * float64(time.Second))
}

// RetryDelay is the base delay of the batch-read backoff.
func (r RabbitConfig) RetryDelay() time.Duration {
	return time.Duration(r.RetryDelaySeconds) * time.Second
}

// PostgresConfig defines database connectivity and pool sizing.
type PostgresConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
	Schema   string

	PoolMaxConns int
	PoolMinConns int
}

// DSN renders a keyword/value connection string understood by pgx.
func (p PostgresConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s",
		p.Host, p.Port, p.User, p.Password, p.DBName)
}

// SMTPConfig stores SMTP credentials for email delivery.
type SMTPConfig struct {
	Host string
	Port int
	User string
	Pass string
	From string
}

// PrometheusConfig controls the metrics scrape endpoint.
type PrometheusConfig struct {
	Port     int
	Endpoint string
}

// DeliveryConfig controls the per-record retry behaviour of the delivery
// engine. MaxRetries counts retries after the first attempt, so the total
// number of SMTP attempts is MaxRetries+1.
type DeliveryConfig struct {
	MaxRetries        int
	RetryDelaySeconds int
	Concurrency       int
}

// RetryDelay is the base delay of the per-record backoff.
func (d DeliveryConfig) RetryDelay() time.Duration {
	return time.Duration(d.RetryDelaySeconds) * time.Second
}

// Load reads environment variables, applies defaults, validates required
// values and returns a populated Config instance.
func Load() (*Config, error) {
	_ = godotenv.Load()

	ldr := &envLoader{}

	cfg := &Config{}
	cfg.App.Env = ldr.getString("APP_ENV", "development", false)
	cfg.App.LogLevel = ldr.getString("LOG_LEVEL", "info", false)
	cfg.App.TimeoutForRepeatRead = ldr.getInt("TIMEOUT_FOR_REPEAT_READ", 30, false)
	cfg.App.TemplatesDir = ldr.getOptionalString("TEMPLATES_DIR", "templates")
	cfg.App.StaleAfterSeconds = ldr.getInt("STALE_PROCESSING_AFTER_SECONDS", 900, false)

	cfg.Rabbit.Host = ldr.getString("EMAIL_SERVICE_RABBIT_HOST", "localhost", false)
	cfg.Rabbit.Port = ldr.getInt("EMAIL_SERVICE_RABBIT_PORT", 5672, false)
	cfg.Rabbit.Username = ldr.getString("EMAIL_SERVICE_RABBIT_USERNAME", "guest", false)
	cfg.Rabbit.Password = ldr.getString("EMAIL_SERVICE_RABBIT_PASSWORD", "guest", false)
	cfg.Rabbit.VirtualHost = ldr.getString("EMAIL_SERVICE_RABBIT_VIRTUAL_HOST", "/", false)
	cfg.Rabbit.UseSSL = ldr.getBool("EMAIL_SERVICE_RABBIT_USE_SSL", false, false)
	cfg.Rabbit.CACerts = ldr.getString("EMAIL_SERVICE_RABBIT_CA_CERTS", "", false)
	cfg.Rabbit.CertFile = ldr.getString("EMAIL_SERVICE_RABBIT_CERTFILE", "", false)
	cfg.Rabbit.KeyFile = ldr.getString("EMAIL_SERVICE_RABBIT_KEYFILE", "", false)
	cfg.Rabbit.QueueName = ldr.getString("EMAIL_SERVICE_RABBIT_QUEUE", "email_service", false)
	cfg.Rabbit.QueueDurable = ldr.getBool("EMAIL_SERVICE_RABBIT_QUEUE_DURABLE", true, false)
	cfg.Rabbit.MessageTTLMs = ldr.getInt("EMAIL_SERVICE_RABBIT_MESSAGE_TTL_MS", 86400000, false)
	cfg.Rabbit.DeadLetterExchange = ldr.getString("EMAIL_SERVICE_RABBIT_DEAD_LETTER_EXCHANGE", "email_service.dlx", false)
	cfg.Rabbit.DeadLetterRoutingKey = ldr.getString("EMAIL_SERVICE_RABBIT_DEAD_LETTER_ROUTING_KEY", "email_service.dead", false)
	cfg.Rabbit.ExchangeName = ldr.getString("EMAIL_SERVICE_RABBIT_EXCHANGE", "email_exchange", false)
	cfg.Rabbit.ExchangeType = ldr.getString("EMAIL_SERVICE_RABBIT_EXCHANGE_TYPE", "topic", false)
	cfg.Rabbit.ExchangeDurable = ldr.getBool("EMAIL_SERVICE_RABBIT_EXCHANGE_DURABLE", true, false)
	cfg.Rabbit.RoutingKeys = ldr.getStringSlice("EMAIL_SERVICE_RABBIT_ROUTING_KEYS", false)
	cfg.Rabbit.PrefetchCount = ldr.getInt("EMAIL_SERVICE_RABBIT_PREFETCH_COUNT", 50, false)
	cfg.Rabbit.BatchSize = ldr.getInt("EMAIL_SERVICE_RABBIT_BATCH_SIZE", 50, false)
	cfg.Rabbit.TimeoutSeconds = ldr.getFloat("EMAIL_SERVICE_RABBIT_TIMEOUT_SECONDS", 5, false)
	cfg.Rabbit.MaxRetries = ldr.getInt("EMAIL_SERVICE_RABBIT_MAX_RETRIES", 3, false)
	cfg.Rabbit.RetryDelaySeconds = ldr.getInt("EMAIL_SERVICE_RABBIT_RETRY_DELAY_SECONDS", 5, false)
	if len(cfg.Rabbit.RoutingKeys) == 0 {
		cfg.Rabbit.RoutingKeys = []string{"email.*"}
	}

	cfg.Postgres.Host = ldr.getString("EMAIL_SERVICE_POSTGRES_HOST", "localhost", false)
	cfg.Postgres.Port = ldr.getInt("EMAIL_SERVICE_POSTGRES_PORT", 5432, false)
	cfg.Postgres.User = ldr.getString("EMAIL_SERVICE_POSTGRES_USER", "postgres", false)
	cfg.Postgres.Password = ldr.getString("EMAIL_SERVICE_POSTGRES_PASSWORD", "", true)
	cfg.Postgres.DBName = ldr.getString("EMAIL_SERVICE_POSTGRES_DBNAME", "emails", false)
	cfg.Postgres.Schema = ldr.getString("EMAIL_SERVICE_POSTGRES_SCHEMA", "emails", false)
	cfg.Postgres.PoolMaxConns = ldr.getInt("EMAIL_SERVICE_POSTGRES_POOL_MAX_CONNS", 10, false)
	cfg.Postgres.PoolMinConns = ldr.getInt("EMAIL_SERVICE_POSTGRES_POOL_MIN_CONNS", 0, false)

	cfg.SMTP.Host = ldr.getString("SMTP_HOST", "", true)
	cfg.SMTP.Port = ldr.getInt("SMTP_PORT", 587, false)
	cfg.SMTP.User = ldr.getString("SMTP_USER", "", true)
	cfg.SMTP.Pass = ldr.getString("SMTP_PASSWORD", "", true)
	cfg.SMTP.From = ldr.getString("EMAIL_FROM", "", true)

	cfg.Prometheus.Port = ldr.getInt("EMAIL_SERVICE_PROMETHEUS_PORT", 9105, false)
	cfg.Prometheus.Endpoint = ldr.getString("EMAIL_SERVICE_PROMETHEUS_ENDPOINT", "/metrics", false)

	cfg.Delivery.MaxRetries = ldr.getInt("DELIVERY_MAX_RETRIES", 3, false)
	cfg.Delivery.RetryDelaySeconds = ldr.getInt("DELIVERY_RETRY_DELAY_SECONDS", 5, false)
	cfg.Delivery.Concurrency = ldr.getInt("DELIVERY_CONCURRENCY", 10, false)

	if err := ldr.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

type envLoader struct {
	errs []string
}

func (l *envLoader) validate() error {
	if len(l.errs) == 0 {
		return nil
	}
	return fmt.Errorf("config validation failed: %s", strings.Join(l.errs, "; "))
}

func (l *envLoader) getString(key, def string, required bool) string {
	if val, ok := os.LookupEnv(key); ok {
		val = strings.TrimSpace(val)
		if val == "" {
			if required {
				l.addError(fmt.Sprintf("%s is required", key))
			}
			return def
		}
		return val
	}
	if required {
		l.addError(fmt.Sprintf("%s is required", key))
	}
	return def
}

// getOptionalString falls back to the default only when the key is unset.
// Setting the key to an empty value keeps the empty string, letting
// operators switch the feature behind it off.
func (l *envLoader) getOptionalString(key, def string) string {
	if val, ok := os.LookupEnv(key); ok {
		return strings.TrimSpace(val)
	}
	return def
}

func (l *envLoader) getInt(key string, def int, required bool) int {
	raw := l.getString(key, "", required)
	if raw == "" {
		return def
	}
	i, err := strconv.Atoi(raw)
	if err != nil {
		l.addError(fmt.Sprintf("%s must be a valid integer", key))
		return def
	}
	return i
}

func (l *envLoader) getFloat(key string, def float64, required bool) float64 {
	raw := l.getString(key, "", required)
	if raw == "" {
		return def
	}
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		l.addError(fmt.Sprintf("%s must be a valid number", key))
		return def
	}
	return f
}

func (l *envLoader) getBool(key string, def bool, required bool) bool {
	raw := l.getString(key, "", required)
	if raw == "" {
		return def
	}
	parsed, err := strconv.ParseBool(raw)
	if err != nil {
		l.addError(fmt.Sprintf("%s must be a valid boolean", key))
		return def
	}
	return parsed
}

func (l *envLoader) getStringSlice(key string, required bool) []string {
	raw := l.getString(key, "", required)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	var out []string
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	if required && len(out) == 0 {
		l.addError(fmt.Sprintf("%s must contain at least one entry", key))
	}
	return out
}

func (l *envLoader) addError(err string) {
	l.errs = append(l.errs, err)
}
