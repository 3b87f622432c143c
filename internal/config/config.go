package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

type Config struct {
	Service   ServiceConfig   `koanf:"service"`
	DB        DBConfig        `koanf:"db"`
	Collector CollectorConfig `koanf:"collector"`
	Detector  DetectorConfig  `koanf:"detector"`
	ML        MLConfig        `koanf:"ml"`
	RPKI      RPKIConfig      `koanf:"rpki"`
	Kafka     KafkaConfig     `koanf:"kafka"`
}

type ServiceConfig struct {
	// HTTPListen enables the health/metrics endpoint when non-empty.
	// Left empty by default so several workers can share a host.
	HTTPListen             string `koanf:"http_listen"`
	LogLevel               string `koanf:"log_level"`
	ShutdownTimeoutSeconds int    `koanf:"shutdown_timeout_seconds"`
}

type DBConfig struct {
	Host     string `koanf:"host"`
	Port     int    `koanf:"port"`
	Name     string `koanf:"name"`
	User     string `koanf:"user"`
	Password string `koanf:"password"`
	MaxConns int32  `koanf:"max_conns"`
	MinConns int32  `koanf:"min_conns"`
}

// DSN renders the keyword/value connection string pgx expects.
func (d DBConfig) DSN() string {
	parts := []string{
		fmt.Sprintf("host=%s", d.Host),
		fmt.Sprintf("port=%d", d.Port),
		fmt.Sprintf("dbname=%s", d.Name),
		fmt.Sprintf("user=%s", d.User),
	}
	if d.Password != "" {
		parts = append(parts, fmt.Sprintf("password=%s", d.Password))
	}
	return strings.Join(parts, " ")
}

type CollectorConfig struct {
	RISURL                string `koanf:"ris_url"`
	ReconnectDelaySeconds int    `koanf:"reconnect_delay_seconds"`
	StoreRawFrames        bool   `koanf:"store_raw_frames"`
}

type DetectorConfig struct {
	PollIntervalSeconds int `koanf:"poll_interval_seconds"`
}

type MLConfig struct {
	ModelDir         string  `koanf:"model_dir"`
	AnomalyThreshold float64 `koanf:"anomaly_threshold"`
	EnsembleMethod   string  `koanf:"ensemble_method"`
	SequenceLength   int     `koanf:"sequence_length"`
}

type RPKIConfig struct {
	ValidatorURL string `koanf:"validator_url"`
}

type KafkaConfig struct {
	// Brokers enables the incident feed when non-empty.
	Brokers       []string `koanf:"brokers"`
	IncidentTopic string   `koanf:"incident_topic"`
}

// envKeys maps the flat environment surface onto config paths. Unlisted
// variables are ignored so unrelated environment noise cannot leak in.
var envKeys = map[string]string{
	"DB_HOST":              "db.host",
	"DB_PORT":              "db.port",
	"DB_NAME":              "db.name",
	"DB_USER":              "db.user",
	"DB_PASSWORD":          "db.password",
	"DB_MAX_CONNS":         "db.max_conns",
	"DB_MIN_CONNS":         "db.min_conns",
	"POLL_INTERVAL":        "detector.poll_interval_seconds",
	"ANOMALY_THRESHOLD":    "ml.anomaly_threshold",
	"ENSEMBLE_METHOD":      "ml.ensemble_method",
	"LSTM_SEQUENCE_LENGTH": "ml.sequence_length",
	"MODEL_DIR":            "ml.model_dir",
	"RPKI_VALIDATOR_URL":   "rpki.validator_url",
	"RIS_URL":              "collector.ris_url",
	"STORE_RAW_FRAMES":     "collector.store_raw_frames",
	"HTTP_LISTEN":          "service.http_listen",
	"LOG_LEVEL":            "service.log_level",
	"KAFKA_BROKERS":        "kafka.brokers",
	"KAFKA_INCIDENT_TOPIC": "kafka.incident_topic",
}

// Load builds the configuration from defaults, an optional YAML file named
// by BGP_SENTRY_CONFIG, and the environment (environment wins).
func Load() (*Config, error) {
	k := koanf.New(".")

	if path := os.Getenv("BGP_SENTRY_CONFIG"); path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("loading config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider("", ".", func(s string) string {
		return envKeys[s]
	}), nil); err != nil {
		return nil, fmt.Errorf("loading env config: %w", err)
	}

	cfg := Defaults()

	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	// Comma-separated env value for the broker list.
	if len(cfg.Kafka.Brokers) == 1 && strings.Contains(cfg.Kafka.Brokers[0], ",") {
		cfg.Kafka.Brokers = strings.Split(cfg.Kafka.Brokers[0], ",")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Defaults returns a config populated with every default value.
func Defaults() *Config {
	return &Config{
		Service: ServiceConfig{
			LogLevel:               "info",
			ShutdownTimeoutSeconds: 30,
		},
		DB: DBConfig{
			Host:     "localhost",
			Port:     5432,
			Name:     "bgp_ensemble_db",
			User:     "postgres",
			MaxConns: 10,
			MinConns: 1,
		},
		Collector: CollectorConfig{
			RISURL:                "wss://ris-live.ripe.net/v1/ws/?client=bgp-sentry",
			ReconnectDelaySeconds: 5,
		},
		Detector: DetectorConfig{
			PollIntervalSeconds: 20,
		},
		ML: MLConfig{
			ModelDir:         "models",
			AnomalyThreshold: 3.0,
			EnsembleMethod:   "avg",
			SequenceLength:   10,
		},
		RPKI: RPKIConfig{
			ValidatorURL: "http://localhost:8323",
		},
		Kafka: KafkaConfig{
			IncidentTopic: "bgp-sentry.incidents",
		},
	}
}

func (c *Config) Validate() error {
	if c.DB.Host == "" {
		return fmt.Errorf("config: db.host is required")
	}
	if c.DB.Port <= 0 || c.DB.Port > 65535 {
		return fmt.Errorf("config: db.port is invalid (got %d)", c.DB.Port)
	}
	if c.DB.Name == "" {
		return fmt.Errorf("config: db.name is required")
	}
	if c.DB.User == "" {
		return fmt.Errorf("config: db.user is required")
	}
	if c.DB.MaxConns <= 0 {
		return fmt.Errorf("config: db.max_conns must be > 0 (got %d)", c.DB.MaxConns)
	}
	if c.DB.MinConns < 0 {
		return fmt.Errorf("config: db.min_conns must be >= 0 (got %d)", c.DB.MinConns)
	}
	if c.Detector.PollIntervalSeconds <= 0 {
		return fmt.Errorf("config: detector.poll_interval_seconds must be > 0 (got %d)", c.Detector.PollIntervalSeconds)
	}
	if c.Collector.ReconnectDelaySeconds <= 0 {
		return fmt.Errorf("config: collector.reconnect_delay_seconds must be > 0 (got %d)", c.Collector.ReconnectDelaySeconds)
	}
	if c.Collector.RISURL == "" {
		return fmt.Errorf("config: collector.ris_url is required")
	}
	if c.ML.EnsembleMethod != "avg" && c.ML.EnsembleMethod != "max" {
		return fmt.Errorf("config: ml.ensemble_method must be avg or max (got %q)", c.ML.EnsembleMethod)
	}
	if c.ML.SequenceLength <= 0 {
		return fmt.Errorf("config: ml.sequence_length must be > 0 (got %d)", c.ML.SequenceLength)
	}
	if c.ML.AnomalyThreshold <= 0 {
		return fmt.Errorf("config: ml.anomaly_threshold must be > 0 (got %g)", c.ML.AnomalyThreshold)
	}
	if c.RPKI.ValidatorURL == "" {
		return fmt.Errorf("config: rpki.validator_url is required")
	}
	if len(c.Kafka.Brokers) > 0 && c.Kafka.IncidentTopic == "" {
		return fmt.Errorf("config: kafka.incident_topic is required when brokers are set")
	}
	if c.Service.ShutdownTimeoutSeconds <= 0 {
		return fmt.Errorf("config: service.shutdown_timeout_seconds must be > 0 (got %d)", c.Service.ShutdownTimeoutSeconds)
	}
	return nil
}
