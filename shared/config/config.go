package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Problem struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

type Config struct {
	Env              string
	ServiceName      string
	Version          string
	HTTPPort         int
	LogLevel         string
	ConfigPath       string
	RequestTimeoutMS int
	RequestTimeout   time.Duration
	APIPrefix        string

	DatabaseURL      string
	DBMaxConns       int
	DBMinConns       int
	DBConnMaxIdleSec int
	DBConnMaxLifeSec int
	DBAutoMigrate    bool

	SecretKey          string
	TokenIssuer        string
	AccessTokenMinutes int
	AccessTokenTTL     time.Duration

	MetricsWindowDays  int
	CORSAllowedOrigins []string
	RateLimitRPS       float64
	RateLimitBurst     int
	AuditEnabled       bool

	RedisAddr       string
	RedisPassword   string
	RedisDB         int
	CacheTTLSeconds int

	KafkaBrokers  []string
	KafkaClientID string
	KafkaRetryMax int
	KafkaWriteMS  int

	AsynqRedisAddr   string
	AsynqRedisPass   string
	AsynqRedisDB     int
	AsynqQueue       string
	AsynqConcurrency int
	SnapshotInterval int

	OutboxEnabled     bool
	OutboxScanSec     int
	OutboxBatchSize   int
	OutboxMaxAttempts int

	InfluxURL       string
	InfluxToken     string
	InfluxOrg       string
	InfluxBucket    string
	InfluxTimeoutMS int

	OtelEnabled     bool
	OtelEndpoint    string
	OtelInsecure    bool
	OtelSampleRatio float64
}

const devSecretKey = "kaapeh-copiloto-dev-secret-change-me"

func Defaults(serviceName string, httpPort int) Config {
	return Config{
		ServiceName:        serviceName,
		Version:            "1.0.0",
		HTTPPort:           httpPort,
		LogLevel:           "info",
		RequestTimeoutMS:   30000,
		APIPrefix:          "/api/v1",
		DBMaxConns:         10,
		DBMinConns:         1,
		DBConnMaxIdleSec:   300,
		DBConnMaxLifeSec:   1800,
		DBAutoMigrate:      true,
		TokenIssuer:        "kaapeh-copiloto",
		AccessTokenMinutes: 60 * 24 * 7,
		MetricsWindowDays:  7,
		RateLimitRPS:       20,
		RateLimitBurst:     40,
		CacheTTLSeconds:    30,
		KafkaRetryMax:      5,
		KafkaWriteMS:       5000,
		AsynqQueue:         "default",
		AsynqConcurrency:   5,
		SnapshotInterval:   3600,
		OutboxScanSec:      5,
		OutboxBatchSize:    50,
		OutboxMaxAttempts:  20,
		InfluxTimeoutMS:    5000,
		OtelInsecure:       true,
		OtelSampleRatio:    1.0,
	}
}

// Load resolves configuration from defaults, an optional JSON or YAML file
// and the environment, in that order. Problems are reported, never fatal.
func Load(serviceNameDefault string, httpPortDefault int) (Config, []Problem) {
	envRaw := strings.TrimSpace(os.Getenv("ENV"))
	cfg := Defaults(serviceNameDefault, httpPortDefault)
	cfg.Env = envRaw
	cfg.ConfigPath = strings.TrimSpace(os.Getenv("CONFIG_PATH"))

	problems := make([]Problem, 0, 4)
	envProvided := envRaw != ""

	if repoRoot, ok := findRepoRoot(); ok && cfg.Env != "" && cfg.ConfigPath == "" {
		cfg.ConfigPath = filepath.Join(repoRoot, "configs", cfg.Env+".json")
	}

	fileData, fileProblems, ok := loadConfigFile(cfg.ConfigPath, strings.TrimSpace(os.Getenv("CONFIG_PATH")) != "")
	problems = append(problems, fileProblems...)
	if ok {
		if fileEnv, ok := readStringKey(fileData, "ENV"); ok && strings.TrimSpace(fileEnv) != "" {
			envProvided = true
		}
		apply(&cfg, mapSource(fileData), &problems)
	}

	apply(&cfg, envSource{}, &problems)
	if envRaw != "" {
		cfg.Env = envRaw
	}

	if cfg.Env == "" {
		cfg.Env = "dev"
	}
	if !envProvided {
		problems = append(problems, Problem{Field: "ENV", Message: "ENV is required"})
	}
	validate(&cfg, httpPortDefault, &problems)
	return cfg, problems
}

func validate(cfg *Config, httpPortDefault int, problems *[]Problem) {
	add := func(field string, msg string) {
		*problems = append(*problems, Problem{Field: field, Message: msg})
	}

	if cfg.HTTPPort <= 0 || cfg.HTTPPort > 65535 {
		add("HTTP_PORT", "HTTP_PORT must be 1-65535")
		cfg.HTTPPort = httpPortDefault
	}
	if cfg.RequestTimeoutMS <= 0 {
		add("REQUEST_TIMEOUT_MS", "REQUEST_TIMEOUT_MS must be > 0")
		cfg.RequestTimeoutMS = 30000
	}
	cfg.RequestTimeout = time.Duration(cfg.RequestTimeoutMS) * time.Millisecond

	// The root is reserved for /healthz, /readyz and the Prometheus /metrics.
	cfg.APIPrefix = "/" + strings.Trim(strings.TrimSpace(cfg.APIPrefix), "/")
	if cfg.APIPrefix == "/" {
		add("API_PREFIX", "API_PREFIX must not be empty")
		cfg.APIPrefix = "/api/v1"
	}

	if cfg.DBMaxConns <= 0 {
		add("DB_MAX_CONNS", "DB_MAX_CONNS must be > 0")
		cfg.DBMaxConns = 10
	}
	if cfg.DBMinConns < 0 {
		add("DB_MIN_CONNS", "DB_MIN_CONNS must be >= 0")
		cfg.DBMinConns = 1
	}
	if cfg.DBMinConns > cfg.DBMaxConns {
		add("DB_MIN_CONNS", "DB_MIN_CONNS must be <= DB_MAX_CONNS")
		cfg.DBMinConns = cfg.DBMaxConns
	}
	if cfg.DBConnMaxIdleSec <= 0 {
		add("DB_CONN_MAX_IDLE_SECONDS", "DB_CONN_MAX_IDLE_SECONDS must be > 0")
		cfg.DBConnMaxIdleSec = 300
	}
	if cfg.DBConnMaxLifeSec <= 0 {
		add("DB_CONN_MAX_LIFETIME_SECONDS", "DB_CONN_MAX_LIFETIME_SECONDS must be > 0")
		cfg.DBConnMaxLifeSec = 1800
	}

	if strings.TrimSpace(cfg.SecretKey) == "" {
		if strings.EqualFold(cfg.Env, "prod") {
			add("SECRET_KEY", "SECRET_KEY is required in prod")
		}
		cfg.SecretKey = devSecretKey
	}
	if cfg.AccessTokenMinutes <= 0 {
		add("ACCESS_TOKEN_EXPIRE_MINUTES", "ACCESS_TOKEN_EXPIRE_MINUTES must be > 0")
		cfg.AccessTokenMinutes = 60 * 24 * 7
	}
	cfg.AccessTokenTTL = time.Duration(cfg.AccessTokenMinutes) * time.Minute

	if cfg.MetricsWindowDays <= 0 || cfg.MetricsWindowDays > 365 {
		add("METRICS_WINDOW_DAYS", "METRICS_WINDOW_DAYS must be 1-365")
		cfg.MetricsWindowDays = 7
	}
	if cfg.RateLimitRPS < 0 {
		add("RATE_LIMIT_RPS", "RATE_LIMIT_RPS must be >= 0")
		cfg.RateLimitRPS = 0
	}
	if cfg.RateLimitBurst < 0 {
		add("RATE_LIMIT_BURST", "RATE_LIMIT_BURST must be >= 0")
		cfg.RateLimitBurst = 0
	}
	if cfg.RedisDB < 0 {
		add("REDIS_DB", "REDIS_DB must be >= 0")
		cfg.RedisDB = 0
	}
	if cfg.CacheTTLSeconds < 0 {
		add("CACHE_TTL_SECONDS", "CACHE_TTL_SECONDS must be >= 0")
		cfg.CacheTTLSeconds = 30
	}
	if cfg.KafkaRetryMax < 0 {
		add("KAFKA_RETRY_MAX", "KAFKA_RETRY_MAX must be >= 0")
		cfg.KafkaRetryMax = 5
	}
	if cfg.KafkaWriteMS <= 0 {
		add("KAFKA_WRITE_TIMEOUT_MS", "KAFKA_WRITE_TIMEOUT_MS must be > 0")
		cfg.KafkaWriteMS = 5000
	}
	if cfg.AsynqRedisDB < 0 {
		add("ASYNQ_REDIS_DB", "ASYNQ_REDIS_DB must be >= 0")
		cfg.AsynqRedisDB = 0
	}
	if cfg.AsynqConcurrency <= 0 {
		add("ASYNQ_CONCURRENCY", "ASYNQ_CONCURRENCY must be > 0")
		cfg.AsynqConcurrency = 5
	}
	if cfg.SnapshotInterval <= 0 {
		add("SNAPSHOT_INTERVAL_SECONDS", "SNAPSHOT_INTERVAL_SECONDS must be > 0")
		cfg.SnapshotInterval = 3600
	}
	if cfg.OutboxScanSec <= 0 {
		add("OUTBOX_SCAN_INTERVAL_SECONDS", "OUTBOX_SCAN_INTERVAL_SECONDS must be > 0")
		cfg.OutboxScanSec = 5
	}
	if cfg.OutboxBatchSize <= 0 {
		add("OUTBOX_BATCH_SIZE", "OUTBOX_BATCH_SIZE must be > 0")
		cfg.OutboxBatchSize = 50
	}
	if cfg.OutboxMaxAttempts <= 0 {
		add("OUTBOX_MAX_ATTEMPTS", "OUTBOX_MAX_ATTEMPTS must be > 0")
		cfg.OutboxMaxAttempts = 20
	}
	if cfg.InfluxTimeoutMS <= 0 {
		add("INFLUX_TIMEOUT_MS", "INFLUX_TIMEOUT_MS must be > 0")
		cfg.InfluxTimeoutMS = 5000
	}
	if cfg.OtelSampleRatio < 0 || cfg.OtelSampleRatio > 1 {
		add("OTEL_SAMPLE_RATIO", "OTEL_SAMPLE_RATIO must be 0-1")
		cfg.OtelSampleRatio = 1.0
	}
}

// InfluxEnabled reports whether every Influx setting is present.
func (c Config) InfluxEnabled() bool {
	return c.InfluxURL != "" && c.InfluxToken != "" && c.InfluxOrg != "" && c.InfluxBucket != ""
}

func (c Config) CacheTTL() time.Duration {
	return time.Duration(c.CacheTTLSeconds) * time.Second
}

// source abstracts the environment and a decoded config file so both run
// through the same key table.
type source interface {
	lookup(key string) (any, bool)
}

type envSource struct{}

func (envSource) lookup(key string) (any, bool) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return nil, false
	}
	return v, true
}

type mapSource map[string]any

func (m mapSource) lookup(key string) (any, bool) {
	for k, v := range m {
		if strings.EqualFold(strings.TrimSpace(k), key) {
			return v, true
		}
	}
	return nil, false
}

func apply(cfg *Config, src source, problems *[]Problem) {
	str := func(key string, dst *string) {
		if v, ok := src.lookup(key); ok {
			if s, ok := v.(string); ok {
				*dst = strings.TrimSpace(s)
			}
		}
	}
	secret := func(key string, dst *string) {
		if v, ok := src.lookup(key); ok {
			if s, ok := v.(string); ok {
				*dst = s
			}
		}
	}
	integer := func(key string, dst *int) {
		if v, ok := src.lookup(key); ok {
			n, ok := asInt(v)
			if !ok {
				*problems = append(*problems, Problem{Field: key, Message: key + " must be an integer"})
				return
			}
			*dst = n
		}
	}
	float := func(key string, dst *float64) {
		if v, ok := src.lookup(key); ok {
			f, ok := asFloat(v)
			if !ok {
				*problems = append(*problems, Problem{Field: key, Message: key + " must be a number"})
				return
			}
			*dst = f
		}
	}
	boolean := func(key string, dst *bool) {
		if v, ok := src.lookup(key); ok {
			b, ok := asBool(v)
			if !ok {
				*problems = append(*problems, Problem{Field: key, Message: key + " must be a boolean"})
				return
			}
			*dst = b
		}
	}
	list := func(key string, dst *[]string) {
		if v, ok := src.lookup(key); ok {
			switch t := v.(type) {
			case string:
				*dst = parseCSV(t)
			case []any:
				*dst = parseAnyCSV(t)
			}
		}
	}

	if _, isFile := src.(mapSource); isFile {
		str("ENV", &cfg.Env)
	}
	if v, ok := src.lookup("SERVICE_NAME"); ok {
		if s, ok := v.(string); ok && strings.TrimSpace(s) != "" {
			cfg.ServiceName = strings.TrimSpace(s)
		}
	}
	str("VERSION", &cfg.Version)

	portKey := "HTTP_PORT"
	if _, ok := src.lookup(portKey); !ok {
		if _, ok := src.lookup("PORT"); ok {
			portKey = "PORT"
		}
	}
	if v, ok := src.lookup(portKey); ok {
		if p, ok := asInt(v); !ok || p <= 0 || p > 65535 {
			*problems = append(*problems, Problem{Field: "HTTP_PORT", Message: "HTTP_PORT must be 1-65535"})
		} else {
			cfg.HTTPPort = p
		}
	}

	str("LOG_LEVEL", &cfg.LogLevel)
	integer("REQUEST_TIMEOUT_MS", &cfg.RequestTimeoutMS)
	str("API_PREFIX", &cfg.APIPrefix)

	str("DATABASE_URL", &cfg.DatabaseURL)
	integer("DB_MAX_CONNS", &cfg.DBMaxConns)
	integer("DB_MIN_CONNS", &cfg.DBMinConns)
	integer("DB_CONN_MAX_IDLE_SECONDS", &cfg.DBConnMaxIdleSec)
	integer("DB_CONN_MAX_LIFETIME_SECONDS", &cfg.DBConnMaxLifeSec)
	boolean("DB_AUTO_MIGRATE", &cfg.DBAutoMigrate)

	secret("SECRET_KEY", &cfg.SecretKey)
	str("TOKEN_ISSUER", &cfg.TokenIssuer)
	integer("ACCESS_TOKEN_EXPIRE_MINUTES", &cfg.AccessTokenMinutes)

	integer("METRICS_WINDOW_DAYS", &cfg.MetricsWindowDays)
	list("CORS_ALLOWED_ORIGINS", &cfg.CORSAllowedOrigins)
	float("RATE_LIMIT_RPS", &cfg.RateLimitRPS)
	integer("RATE_LIMIT_BURST", &cfg.RateLimitBurst)
	boolean("AUDIT_ENABLED", &cfg.AuditEnabled)

	str("REDIS_ADDR", &cfg.RedisAddr)
	secret("REDIS_PASSWORD", &cfg.RedisPassword)
	integer("REDIS_DB", &cfg.RedisDB)
	integer("CACHE_TTL_SECONDS", &cfg.CacheTTLSeconds)

	list("KAFKA_BROKERS", &cfg.KafkaBrokers)
	str("KAFKA_CLIENT_ID", &cfg.KafkaClientID)
	integer("KAFKA_RETRY_MAX", &cfg.KafkaRetryMax)
	integer("KAFKA_WRITE_TIMEOUT_MS", &cfg.KafkaWriteMS)

	str("ASYNQ_REDIS_ADDR", &cfg.AsynqRedisAddr)
	secret("ASYNQ_REDIS_PASSWORD", &cfg.AsynqRedisPass)
	integer("ASYNQ_REDIS_DB", &cfg.AsynqRedisDB)
	str("ASYNQ_QUEUE", &cfg.AsynqQueue)
	integer("ASYNQ_CONCURRENCY", &cfg.AsynqConcurrency)
	integer("SNAPSHOT_INTERVAL_SECONDS", &cfg.SnapshotInterval)

	boolean("OUTBOX_ENABLED", &cfg.OutboxEnabled)
	integer("OUTBOX_SCAN_INTERVAL_SECONDS", &cfg.OutboxScanSec)
	integer("OUTBOX_BATCH_SIZE", &cfg.OutboxBatchSize)
	integer("OUTBOX_MAX_ATTEMPTS", &cfg.OutboxMaxAttempts)

	str("INFLUX_URL", &cfg.InfluxURL)
	secret("INFLUX_TOKEN", &cfg.InfluxToken)
	str("INFLUX_ORG", &cfg.InfluxOrg)
	str("INFLUX_BUCKET", &cfg.InfluxBucket)
	integer("INFLUX_TIMEOUT_MS", &cfg.InfluxTimeoutMS)

	boolean("OTEL_ENABLED", &cfg.OtelEnabled)
	str("OTEL_EXPORTER_OTLP_ENDPOINT", &cfg.OtelEndpoint)
	boolean("OTEL_EXPORTER_OTLP_INSECURE", &cfg.OtelInsecure)
	float("OTEL_SAMPLE_RATIO", &cfg.OtelSampleRatio)
}

func findRepoRoot() (string, bool) {
	dir, err := os.Getwd()
	if err != nil {
		return "", false
	}
	for i := 0; i < 8; i++ {
		candidate := filepath.Join(dir, "configs")
		if fi, err := os.Stat(candidate); err == nil && fi.IsDir() {
			return dir, true
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	return "", false
}

func loadConfigFile(path string, explicit bool) (map[string]any, []Problem, bool) {
	if strings.TrimSpace(path) == "" {
		return nil, nil, false
	}

	b, err := os.ReadFile(path)
	if err != nil {
		if explicit && errors.Is(err, os.ErrNotExist) {
			return nil, []Problem{{Field: "CONFIG_PATH", Message: "config file not found"}}, false
		}
		if explicit {
			return nil, []Problem{{Field: "CONFIG_PATH", Message: fmt.Sprintf("failed to read config file: %v", err)}}, false
		}
		return nil, nil, false
	}

	raw, err := decodeConfig(path, b)
	if err != nil {
		return nil, []Problem{{Field: "CONFIG_PATH", Message: err.Error()}}, false
	}
	return raw, nil, true
}

func decodeConfig(path string, b []byte) (map[string]any, error) {
	var raw map[string]any
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(b, &raw); err != nil {
			return nil, fmt.Errorf("invalid yaml: %w", err)
		}
	default:
		dec := json.NewDecoder(bytes.NewReader(b))
		dec.UseNumber()
		if err := dec.Decode(&raw); err != nil {
			return nil, fmt.Errorf("invalid json: %w", err)
		}
	}
	return raw, nil
}

func readStringKey(raw map[string]any, key string) (string, bool) {
	v, ok := mapSource(raw).lookup(key)
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

func asInt(v any) (int, bool) {
	switch t := v.(type) {
	case int:
		return t, true
	case int64:
		return int(t), true
	case float64:
		return int(t), true
	case json.Number:
		i, err := t.Int64()
		return int(i), err == nil
	case string:
		i, err := strconv.Atoi(strings.TrimSpace(t))
		return i, err == nil
	default:
		return 0, false
	}
}

func asBool(v any) (bool, bool) {
	switch t := v.(type) {
	case bool:
		return t, true
	case string:
		switch strings.ToLower(strings.TrimSpace(t)) {
		case "true", "1", "yes", "y":
			return true, true
		case "false", "0", "no", "n":
			return false, true
		}
	}
	return false, false
}

func asFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	case json.Number:
		f, err := t.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		return f, err == nil
	default:
		return 0, false
	}
}

func parseCSV(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

func parseAnyCSV(raw []any) []string {
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		if s, ok := item.(string); ok {
			s = strings.TrimSpace(s)
			if s != "" {
				out = append(out, s)
			}
		}
	}
	return out
}
