package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"waitless-queue/common/config"
)

// Config 排队服务配置
type Config struct {
	Database config.DatabaseConfig
	Redis    config.RedisConfig
	MQTT     config.MQTTConfig

	HTTP struct {
		Addr string // 监听地址，默认 ":8090"
	}

	Registry struct {
		Backend      string // postgres | memory
		EnsureSchema bool   // 启动时执行内嵌 DDL
		SeedServices bool   // 内存模式下写入演示服务台
	}

	Coordinator struct {
		Mode         string // lane | optimistic
		MaxRetries   int    // contention_max_retries
		BackoffMS    int    // contention_backoff_ms（初始值，逐次翻倍）
		BackoffMaxMS int
		AutoAdvance  bool // complete 时同事务叫下一位
	}

	Estimator struct {
		Alpha    float64 // ewma_alpha
		ClampMin int     // avg_wait_clamp_seconds 下限
		ClampMax int     // avg_wait_clamp_seconds 上限
	}

	Dispatch struct {
		Mode            string // live | test
		LiveSink        string // http | mqtt
		Retries         int    // dispatch_retries
		QueueDepth      int    // dispatch_queue_depth（每个接收人）
		Workers         int
		BackoffMS       int
		HTTPURL         string
		HTTPToken       string
		MQTTTopicPrefix string
	}

	Events struct {
		StreamEnabled bool
		Stream        string
		StreamMaxLen  int64
		QueueDepth    int // 待写入 Stream 的事件上限，满了丢最旧的
		BackoffMS     int // XADD 失败后的初始重试间隔
		BackoffMaxMS  int
		WSEnabled     bool
	}

	Expiry struct {
		SweepInterval time.Duration // 0 关闭
		SlackSeconds  int
	}

	Log struct {
		Level  string
		Format string
	}
}

// Load 从环境变量加载配置；数值格式错误会返回错误而不是静默使用默认值
func Load() (*Config, error) {
	cfg := &Config{}
	p := &parser{}

	cfg.Database = config.DefaultDatabaseConfig()
	cfg.Database.Password = getEnv("DB_PASSWORD", "postgres")
	cfg.Database.LoadFromEnv("DB")

	cfg.Redis.Addr = getEnv("REDIS_ADDR", "localhost:6379")
	cfg.Redis.LoadFromEnv("REDIS")

	cfg.MQTT.Broker = getEnv("MQTT_BROKER", "tcp://localhost:1883")
	cfg.MQTT.ClientID = getEnv("MQTT_CLIENT_ID", "waitless-queue")
	cfg.MQTT.QoS = 1
	cfg.MQTT.LoadFromEnv("MQTT")

	cfg.HTTP.Addr = getEnv("HTTP_ADDR", ":8090")

	cfg.Registry.Backend = strings.ToLower(getEnv("REGISTRY_BACKEND", "postgres"))
	cfg.Registry.EnsureSchema = p.boolVal("REGISTRY_ENSURE_SCHEMA", true)
	cfg.Registry.SeedServices = p.boolVal("SEED_SERVICES", true)

	cfg.Coordinator.Mode = strings.ToLower(getEnv("COORDINATOR_MODE", "lane"))
	cfg.Coordinator.MaxRetries = p.intVal("CONTENTION_MAX_RETRIES", 5)
	cfg.Coordinator.BackoffMS = p.intVal("CONTENTION_BACKOFF_MS", 5)
	cfg.Coordinator.BackoffMaxMS = p.intVal("CONTENTION_BACKOFF_MAX_MS", 50)
	cfg.Coordinator.AutoAdvance = p.boolVal("COORDINATOR_AUTO_ADVANCE", false)

	cfg.Estimator.Alpha = p.floatVal("EWMA_ALPHA", 0.2)
	cfg.Estimator.ClampMin, cfg.Estimator.ClampMax = p.clamp("AVG_WAIT_CLAMP_SECONDS", 60, 7200)

	cfg.Dispatch.Mode = strings.ToLower(getEnv("DISPATCH_MODE", "test"))
	cfg.Dispatch.LiveSink = strings.ToLower(getEnv("DISPATCH_LIVE_SINK", "http"))
	cfg.Dispatch.Retries = p.intVal("DISPATCH_RETRIES", 3)
	cfg.Dispatch.QueueDepth = p.intVal("DISPATCH_QUEUE_DEPTH", 16)
	cfg.Dispatch.Workers = p.intVal("DISPATCH_WORKERS", 4)
	cfg.Dispatch.BackoffMS = p.intVal("DISPATCH_BACKOFF_MS", 200)
	cfg.Dispatch.HTTPURL = getEnv("NOTIFY_HTTP_URL", "")
	cfg.Dispatch.HTTPToken = getEnv("NOTIFY_HTTP_TOKEN", "")
	cfg.Dispatch.MQTTTopicPrefix = getEnv("NOTIFY_MQTT_TOPIC_PREFIX", "waitless/notify/")

	cfg.Events.StreamEnabled = p.boolVal("QUEUE_EVENT_STREAM_ENABLED", true)
	cfg.Events.Stream = getEnv("QUEUE_EVENT_STREAM", "queue:events")
	cfg.Events.StreamMaxLen = int64(p.intVal("QUEUE_EVENT_STREAM_MAXLEN", 10000))
	cfg.Events.QueueDepth = p.intVal("QUEUE_EVENT_QUEUE_DEPTH", 4096)
	cfg.Events.BackoffMS = p.intVal("QUEUE_EVENT_BACKOFF_MS", 100)
	cfg.Events.BackoffMaxMS = p.intVal("QUEUE_EVENT_BACKOFF_MAX_MS", 5000)
	cfg.Events.WSEnabled = p.boolVal("EVENTS_WS_ENABLED", true)

	cfg.Expiry.SweepInterval = p.durationVal("EXPIRE_SWEEP_INTERVAL", time.Minute)
	cfg.Expiry.SlackSeconds = p.intVal("EXPIRE_SLACK_SECONDS", 0)

	cfg.Log.Level = getEnv("LOG_LEVEL", "info")
	cfg.Log.Format = getEnv("LOG_FORMAT", "json")

	if err := errors.Join(p.errs...); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate 校验取值范围
func (c *Config) Validate() error {
	var errs []error
	switch c.Registry.Backend {
	case "postgres", "memory":
	default:
		errs = append(errs, fmt.Errorf("REGISTRY_BACKEND must be postgres or memory, got %q", c.Registry.Backend))
	}
	switch c.Coordinator.Mode {
	case "lane", "optimistic":
	default:
		errs = append(errs, fmt.Errorf("COORDINATOR_MODE must be lane or optimistic, got %q", c.Coordinator.Mode))
	}
	if c.Coordinator.MaxRetries < 1 {
		errs = append(errs, fmt.Errorf("CONTENTION_MAX_RETRIES must be >= 1"))
	}
	if c.Coordinator.BackoffMS < 0 || c.Coordinator.BackoffMaxMS < c.Coordinator.BackoffMS {
		errs = append(errs, fmt.Errorf("contention backoff must satisfy 0 <= CONTENTION_BACKOFF_MS <= CONTENTION_BACKOFF_MAX_MS"))
	}
	if c.Estimator.Alpha <= 0 || c.Estimator.Alpha > 1 {
		errs = append(errs, fmt.Errorf("EWMA_ALPHA must be in (0, 1], got %v", c.Estimator.Alpha))
	}
	if c.Estimator.ClampMin < 0 || c.Estimator.ClampMax < c.Estimator.ClampMin {
		errs = append(errs, fmt.Errorf("AVG_WAIT_CLAMP_SECONDS must be min,max with 0 <= min <= max"))
	}
	switch c.Dispatch.Mode {
	case "live", "test":
	default:
		errs = append(errs, fmt.Errorf("DISPATCH_MODE must be live or test, got %q", c.Dispatch.Mode))
	}
	if c.Dispatch.Mode == "live" {
		switch c.Dispatch.LiveSink {
		case "http":
			if c.Dispatch.HTTPURL == "" {
				errs = append(errs, fmt.Errorf("NOTIFY_HTTP_URL is required for the http live sink"))
			}
		case "mqtt":
		default:
			errs = append(errs, fmt.Errorf("DISPATCH_LIVE_SINK must be http or mqtt, got %q", c.Dispatch.LiveSink))
		}
	}
	if c.Dispatch.Retries < 1 || c.Dispatch.QueueDepth < 1 || c.Dispatch.Workers < 1 {
		errs = append(errs, fmt.Errorf("DISPATCH_RETRIES, DISPATCH_QUEUE_DEPTH and DISPATCH_WORKERS must be >= 1"))
	}
	if c.Events.QueueDepth < 1 || c.Events.BackoffMS < 1 || c.Events.BackoffMaxMS < c.Events.BackoffMS {
		errs = append(errs, fmt.Errorf("QUEUE_EVENT_QUEUE_DEPTH and QUEUE_EVENT_BACKOFF_MS must be >= 1 and QUEUE_EVENT_BACKOFF_MAX_MS >= QUEUE_EVENT_BACKOFF_MS"))
	}
	if c.Expiry.SlackSeconds < 0 {
		errs = append(errs, fmt.Errorf("EXPIRE_SLACK_SECONDS must be >= 0"))
	}
	return errors.Join(errs...)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// parser 收集所有格式错误，一次性返回
type parser struct {
	errs []error
}

func (p *parser) intVal(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s: invalid integer %q", key, v))
		return def
	}
	return n
}

func (p *parser) floatVal(key string, def float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s: invalid number %q", key, v))
		return def
	}
	return f
}

func (p *parser) boolVal(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(strings.TrimSpace(v))
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s: invalid boolean %q", key, v))
		return def
	}
	return b
}

func (p *parser) durationVal(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(strings.TrimSpace(v))
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s: invalid duration %q", key, v))
		return def
	}
	return d
}

// clamp parses "min,max".
func (p *parser) clamp(key string, defMin, defMax int) (int, int) {
	v := os.Getenv(key)
	if v == "" {
		return defMin, defMax
	}
	parts := strings.Split(v, ",")
	if len(parts) != 2 {
		p.errs = append(p.errs, fmt.Errorf("%s: expected \"min,max\", got %q", key, v))
		return defMin, defMax
	}
	lo, err1 := strconv.Atoi(strings.TrimSpace(parts[0]))
	hi, err2 := strconv.Atoi(strings.TrimSpace(parts[1]))
	if err1 != nil || err2 != nil {
		p.errs = append(p.errs, fmt.Errorf("%s: expected \"min,max\", got %q", key, v))
		return defMin, defMax
	}
	return lo, hi
}
