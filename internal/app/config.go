package app

import "time"

// Config contains all runtime configuration loaded from environment variables.
type Config struct {
	HTTPAddr  string
	LogLevel  string
	LogFormat string

	ReadHeaderTimeout time.Duration
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
	MaxHeaderBytes    int

	DatabaseURL string
	DBSchema    string
	DBMaxConns  int32
	DBMinConns  int32

	// If true, /readyz returns 503 unless DB is configured and reachable.
	ReadinessRequireDB bool

	// Websocket gateway knobs.
	WSOriginPatterns  []string
	WSDevInsecure     bool
	WSSendQueueSize   int
	WSWriteTimeout    time.Duration
	WSReadIdleTimeout time.Duration
	WSHelloWindow     time.Duration
	WSHeartbeatEvery  time.Duration
	WSHeartbeatGrace  time.Duration
	WSRateEvents      int
	WSRateWindow      time.Duration

	MetricsEnabled bool
}

// LoadConfig loads Config from environment variables with defaults.
// Websocket read/write timeouts intentionally exceed the HTTP ones: a chat
// session idles far longer than a REST exchange.
func LoadConfig() Config {
	return Config{
		HTTPAddr:  EnvString("SUPPORTLINE_HTTP_ADDR", "0.0.0.0:8080"),
		LogLevel:  EnvString("SUPPORTLINE_LOG_LEVEL", "info"),
		LogFormat: EnvString("SUPPORTLINE_LOG_FORMAT", "json"),

		ReadHeaderTimeout: EnvDuration("SUPPORTLINE_HTTP_READ_HEADER_TIMEOUT", 5*time.Second),
		ReadTimeout:       EnvDuration("SUPPORTLINE_HTTP_READ_TIMEOUT", 15*time.Second),
		WriteTimeout:      EnvDuration("SUPPORTLINE_HTTP_WRITE_TIMEOUT", 15*time.Second),
		IdleTimeout:       EnvDuration("SUPPORTLINE_HTTP_IDLE_TIMEOUT", 60*time.Second),
		MaxHeaderBytes:    EnvInt("SUPPORTLINE_HTTP_MAX_HEADER_BYTES", 1<<20),

		DatabaseURL: EnvString("SUPPORTLINE_DATABASE_URL", ""),
		DBSchema:    EnvString("SUPPORTLINE_DB_SCHEMA", "supportline"),
		DBMaxConns:  EnvInt32("SUPPORTLINE_DB_MAX_CONNS", 10),
		DBMinConns:  EnvInt32("SUPPORTLINE_DB_MIN_CONNS", 0),

		ReadinessRequireDB: EnvBool("SUPPORTLINE_READINESS_REQUIRE_DB", false),

		WSOriginPatterns:  EnvStringSlice("SUPPORTLINE_WS_ORIGIN_PATTERNS", nil),
		WSDevInsecure:     EnvBool("SUPPORTLINE_WS_DEV_INSECURE", false),
		WSSendQueueSize:   EnvInt("SUPPORTLINE_WS_SEND_QUEUE", 256),
		WSWriteTimeout:    EnvDuration("SUPPORTLINE_WS_WRITE_TIMEOUT", 5*time.Second),
		WSReadIdleTimeout: EnvDuration("SUPPORTLINE_WS_READ_IDLE_TIMEOUT", 2*time.Minute),
		WSHelloWindow:     EnvDuration("SUPPORTLINE_WS_HELLO_WINDOW", 10*time.Second),
		WSHeartbeatEvery:  EnvDuration("SUPPORTLINE_WS_HEARTBEAT_INTERVAL", 25*time.Second),
		WSHeartbeatGrace:  EnvDuration("SUPPORTLINE_WS_HEARTBEAT_TIMEOUT", 5*time.Second),
		WSRateEvents:      EnvInt("SUPPORTLINE_WS_RATE_EVENTS", 120),
		WSRateWindow:      EnvDuration("SUPPORTLINE_WS_RATE_WINDOW", 10*time.Second),

		MetricsEnabled: EnvBool("SUPPORTLINE_METRICS_ENABLED", true),
	}
}
