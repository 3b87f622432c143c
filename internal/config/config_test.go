package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestValidate_Defaults(t *testing.T) {
	cfg := Defaults()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected valid defaults, got error: %v", err)
	}
}

func TestValidate_NoDBHost(t *testing.T) {
	cfg := Defaults()
	cfg.DB.Host = ""
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for empty db host")
	}
}

func TestValidate_BadDBPort(t *testing.T) {
	cfg := Defaults()
	cfg.DB.Port = 70000
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for out-of-range db port")
	}
}

func TestValidate_MaxConnsZero(t *testing.T) {
	cfg := Defaults()
	cfg.DB.MaxConns = 0
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for max_conns = 0")
	}
}

func TestValidate_PollIntervalZero(t *testing.T) {
	cfg := Defaults()
	cfg.Detector.PollIntervalSeconds = 0
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for poll_interval_seconds = 0")
	}
}

func TestValidate_NoRISURL(t *testing.T) {
	cfg := Defaults()
	cfg.Collector.RISURL = ""
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for empty ris_url")
	}
}

func TestValidate_BadEnsembleMethod(t *testing.T) {
	cfg := Defaults()
	cfg.ML.EnsembleMethod = "median"
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for unknown ensemble method")
	}
}

func TestValidate_AnomalyThresholdZero(t *testing.T) {
	cfg := Defaults()
	cfg.ML.AnomalyThreshold = 0
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for anomaly_threshold = 0")
	}
}

func TestValidate_NoValidatorURL(t *testing.T) {
	cfg := Defaults()
	cfg.RPKI.ValidatorURL = ""
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for empty validator_url")
	}
}

func TestValidate_BrokersWithoutTopic(t *testing.T) {
	cfg := Defaults()
	cfg.Kafka.Brokers = []string{"localhost:9092"}
	cfg.Kafka.IncidentTopic = ""
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for brokers without incident topic")
	}
}

func TestValidate_ShutdownTimeoutZero(t *testing.T) {
	cfg := Defaults()
	cfg.Service.ShutdownTimeoutSeconds = 0
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for shutdown_timeout_seconds = 0")
	}
}

func TestDSN_WithPassword(t *testing.T) {
	d := DBConfig{Host: "db1", Port: 5433, Name: "bgp", User: "sentry", Password: "secret"}
	dsn := d.DSN()
	for _, want := range []string{"host=db1", "port=5433", "dbname=bgp", "user=sentry", "password=secret"} {
		if !strings.Contains(dsn, want) {
			t.Errorf("DSN %q missing %q", dsn, want)
		}
	}
}

func TestDSN_NoPassword(t *testing.T) {
	d := DBConfig{Host: "db1", Port: 5432, Name: "bgp", User: "sentry"}
	if strings.Contains(d.DSN(), "password=") {
		t.Errorf("DSN %q should omit empty password", d.DSN())
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("BGP_SENTRY_CONFIG", "")
	t.Setenv("DB_HOST", "envhost")
	t.Setenv("POLL_INTERVAL", "45")
	t.Setenv("ENSEMBLE_METHOD", "max")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.DB.Host != "envhost" {
		t.Errorf("expected db host from env, got %q", cfg.DB.Host)
	}
	if cfg.Detector.PollIntervalSeconds != 45 {
		t.Errorf("expected poll interval 45, got %d", cfg.Detector.PollIntervalSeconds)
	}
	if cfg.ML.EnsembleMethod != "max" {
		t.Errorf("expected ensemble method 'max', got %q", cfg.ML.EnsembleMethod)
	}
}

func TestLoad_KafkaBrokersCommaSplit(t *testing.T) {
	t.Setenv("BGP_SENTRY_CONFIG", "")
	t.Setenv("KAFKA_BROKERS", "k1:9092,k2:9092,k3:9092")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(cfg.Kafka.Brokers) != 3 || cfg.Kafka.Brokers[1] != "k2:9092" {
		t.Errorf("expected 3 brokers, got %v", cfg.Kafka.Brokers)
	}
}

func TestLoad_FileThenEnvWins(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "config.yaml")
	data := `
db:
  host: filehost
  name: filedb
service:
  log_level: warn
`
	if err := os.WriteFile(p, []byte(data), 0644); err != nil {
		t.Fatal(err)
	}

	t.Setenv("BGP_SENTRY_CONFIG", p)
	t.Setenv("DB_HOST", "envhost")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.DB.Host != "envhost" {
		t.Errorf("env should override file, got host %q", cfg.DB.Host)
	}
	if cfg.DB.Name != "filedb" {
		t.Errorf("expected db name from file, got %q", cfg.DB.Name)
	}
	if cfg.Service.LogLevel != "warn" {
		t.Errorf("expected log level from file, got %q", cfg.Service.LogLevel)
	}
}

func TestLoad_BadEnvValueFailsValidation(t *testing.T) {
	t.Setenv("BGP_SENTRY_CONFIG", "")
	t.Setenv("ENSEMBLE_METHOD", "median")

	if _, err := Load(); err == nil {
		t.Fatal("expected validation error for bad ensemble method via env")
	}
}
