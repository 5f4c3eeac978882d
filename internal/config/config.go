package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	LogLevel  string          `json:"log_level" yaml:"log_level"`
	LogFormat string          `json:"log_format" yaml:"log_format"`
	HTTP      HTTPConfig      `json:"http" yaml:"http"`
	Queue     QueueConfig     `json:"queue" yaml:"queue"`
	Database  DatabaseConfig  `json:"database" yaml:"database"`
	Worker    WorkerConfig    `json:"worker" yaml:"worker"`
	MQTT      MQTTConfig      `json:"mqtt" yaml:"mqtt"`
	TCPStream TCPStreamConfig `json:"tcp_stream" yaml:"tcp_stream"`
	Metrics   MetricsConfig   `json:"metrics" yaml:"metrics"`
	Rejects   RejectsConfig   `json:"rejects" yaml:"rejects"`
}

type HTTPConfig struct {
	Addr            string        `json:"addr" yaml:"addr"`
	MaxBodyBytes    int64         `json:"max_body_bytes" yaml:"max_body_bytes"`
	ReadTimeout     time.Duration `json:"read_timeout" yaml:"read_timeout"`
	WriteTimeout    time.Duration `json:"write_timeout" yaml:"write_timeout"`
	ShutdownTimeout time.Duration `json:"shutdown_timeout" yaml:"shutdown_timeout"`
}

type QueueConfig struct {
	Driver       string        `json:"driver" yaml:"driver"`
	Host         string        `json:"host" yaml:"host"`
	Port         int           `json:"port" yaml:"port"`
	Brokers      []string      `json:"brokers" yaml:"brokers"`
	Subject      string        `json:"subject" yaml:"subject"`
	GroupID      string        `json:"group_id" yaml:"group_id"`
	MaxRetries   int           `json:"max_retries" yaml:"max_retries"`
	RetryDelay   time.Duration `json:"retry_delay" yaml:"retry_delay"`
	WriteTimeout time.Duration `json:"write_timeout" yaml:"write_timeout"`
	Redis        RedisConfig   `json:"redis" yaml:"redis"`
}

type RedisConfig struct {
	Addr     string `json:"addr" yaml:"addr"`
	Password string `json:"password" yaml:"password"`
	DB       int    `json:"db" yaml:"db"`
}

type DatabaseConfig struct {
	Driver   string `json:"driver" yaml:"driver"`
	DSN      string `json:"dsn" yaml:"dsn"`
	Host     string `json:"host" yaml:"host"`
	Port     int    `json:"port" yaml:"port"`
	User     string `json:"user" yaml:"user"`
	Password string `json:"password" yaml:"password"`
	Name     string `json:"name" yaml:"name"`
	SSLMode  string `json:"sslmode" yaml:"sslmode"`
	MaxConns int    `json:"max_conns" yaml:"max_conns"`
	MaxIdle  int    `json:"max_idle" yaml:"max_idle"`
}

type WorkerConfig struct {
	Enabled     bool          `json:"enabled" yaml:"enabled"`
	Concurrency int           `json:"concurrency" yaml:"concurrency"`
	RetryDelay  time.Duration `json:"retry_delay" yaml:"retry_delay"`
	MaxBackoff  time.Duration `json:"max_backoff" yaml:"max_backoff"`
	WarnEvery   time.Duration `json:"warn_every" yaml:"warn_every"`
}

type MQTTConfig struct {
	Enabled  bool   `json:"enabled" yaml:"enabled"`
	Broker   string `json:"broker" yaml:"broker"`
	ClientID string `json:"client_id" yaml:"client_id"`
	Username string `json:"username" yaml:"username"`
	Password string `json:"password" yaml:"password"`
	Topic    string `json:"topic" yaml:"topic"`
	QoS      byte   `json:"qos" yaml:"qos"`
}

type TCPStreamConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Addr    string `json:"addr" yaml:"addr"`
}

type MetricsConfig struct {
	RateWindow time.Duration `json:"rate_window" yaml:"rate_window"`
}

type RejectsConfig struct {
	StoreLimit int `json:"store_limit" yaml:"store_limit"`
}

func DefaultConfig() *Config {
	return &Config{
		LogLevel:  "info",
		LogFormat: "json",
		HTTP: HTTPConfig{
			Addr:            ":8001",
			MaxBodyBytes:    2 << 20,
			ReadTimeout:     10 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 5 * time.Second,
		},
		Queue: QueueConfig{
			Driver:       "kafka",
			Host:         "localhost",
			Port:         9092,
			Subject:      "ingress.events",
			GroupID:      "ingest-worker",
			MaxRetries:   10,
			RetryDelay:   2 * time.Second,
			WriteTimeout: 10 * time.Second,
			Redis:        RedisConfig{Addr: "localhost:6379"},
		},
		Database: DatabaseConfig{
			Driver:   "postgres",
			Host:     "localhost",
			Port:     5432,
			User:     "postgres",
			Password: "postgres",
			Name:     "nsready",
			SSLMode:  "disable",
			MaxConns: 10,
			MaxIdle:  5,
		},
		Worker: WorkerConfig{
			Enabled:     true,
			Concurrency: 4,
			RetryDelay:  time.Second,
			MaxBackoff:  30 * time.Second,
			WarnEvery:   30 * time.Second,
		},
		MQTT:      MQTTConfig{Enabled: false, Broker: "tcp://localhost:1883", ClientID: "nsready-collector", Topic: "nsready/+/events", QoS: 1},
		TCPStream: TCPStreamConfig{Enabled: false, Addr: ":9100"},
		Metrics:   MetricsConfig{RateWindow: 10 * time.Second},
		Rejects:   RejectsConfig{StoreLimit: 1000},
	}
}

// FromEnv builds a config from defaults and environment variables only.
func FromEnv() (*Config, error) {
	cfg := DefaultConfig()
	if err := ApplyEnv(cfg, os.Getenv); err != nil {
		return nil, err
	}
	applyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	content, err := io.ReadAll(f)
	if err != nil {
		return nil, err
	}
	cfg := DefaultConfig()

	trimmed := strings.TrimSpace(string(content))
	if len(trimmed) == 0 {
		return nil, errors.New("config file is empty")
	}
	var decodeErr error
	if looksLikeJSON(trimmed) {
		decodeErr = json.Unmarshal([]byte(trimmed), cfg)
	} else {
		decodeErr = yaml.Unmarshal([]byte(trimmed), cfg)
	}
	if decodeErr != nil {
		return nil, decodeErr
	}
	if err := ApplyEnv(cfg, os.Getenv); err != nil {
		return nil, err
	}
	applyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func looksLikeJSON(s string) bool {
	for _, ch := range s {
		if ch == '{' || ch == '[' {
			return true
		}
		if ch > ' ' {
			return false
		}
	}
	return false
}

// ApplyEnv overrides cfg with the collector's environment variables. The
// NATS_* names are still honoured for deployments that predate the queue
// driver switch.
func ApplyEnv(cfg *Config, getenv func(string) string) error {
	str := func(dst *string, keys ...string) {
		for _, k := range keys {
			if v := strings.TrimSpace(getenv(k)); v != "" {
				*dst = v
				return
			}
		}
	}
	num := func(dst *int, keys ...string) error {
		for _, k := range keys {
			v := strings.TrimSpace(getenv(k))
			if v == "" {
				continue
			}
			n, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("%s: %w", k, err)
			}
			*dst = n
			return nil
		}
		return nil
	}

	str(&cfg.LogLevel, "LOG_LEVEL")
	str(&cfg.LogFormat, "LOG_FORMAT")
	str(&cfg.HTTP.Addr, "HTTP_ADDR")

	str(&cfg.Queue.Driver, "QUEUE_DRIVER")
	str(&cfg.Queue.Host, "QUEUE_HOST", "NATS_HOST")
	if err := num(&cfg.Queue.Port, "QUEUE_PORT", "NATS_PORT"); err != nil {
		return err
	}
	if v := strings.TrimSpace(getenv("QUEUE_BROKERS")); v != "" {
		cfg.Queue.Brokers = splitList(v)
	}
	str(&cfg.Queue.Subject, "QUEUE_SUBJECT")
	str(&cfg.Queue.GroupID, "QUEUE_GROUP")
	str(&cfg.Queue.Redis.Addr, "REDIS_ADDR")
	str(&cfg.Queue.Redis.Password, "REDIS_PASSWORD")
	if err := num(&cfg.Queue.MaxRetries, "MAX_CONNECT_RETRIES"); err != nil {
		return err
	}
	if v := strings.TrimSpace(getenv("RETRY_DELAY")); v != "" {
		d, err := parseDelay(v)
		if err != nil {
			return fmt.Errorf("RETRY_DELAY: %w", err)
		}
		cfg.Queue.RetryDelay = d
	}

	str(&cfg.Database.Driver, "DB_DRIVER")
	str(&cfg.Database.DSN, "DATABASE_URL")
	str(&cfg.Database.Host, "DB_HOST")
	if err := num(&cfg.Database.Port, "DB_PORT"); err != nil {
		return err
	}
	str(&cfg.Database.User, "POSTGRES_USER")
	str(&cfg.Database.Password, "POSTGRES_PASSWORD")
	str(&cfg.Database.Name, "POSTGRES_DB")

	if v := strings.TrimSpace(getenv("MQTT_BROKER")); v != "" {
		cfg.MQTT.Broker = v
		cfg.MQTT.Enabled = true
	}
	return nil
}

// parseDelay accepts Go durations ("500ms") and bare seconds ("2").
func parseDelay(v string) (time.Duration, error) {
	if n, err := strconv.ParseFloat(v, 64); err == nil {
		return time.Duration(n * float64(time.Second)), nil
	}
	return time.ParseDuration(v)
}

func splitList(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func applyDefaults(cfg *Config) {
	def := DefaultConfig()
	if cfg.LogFormat == "" {
		cfg.LogFormat = def.LogFormat
	}
	if cfg.HTTP.MaxBodyBytes <= 0 {
		cfg.HTTP.MaxBodyBytes = def.HTTP.MaxBodyBytes
	}
	if cfg.HTTP.ShutdownTimeout <= 0 {
		cfg.HTTP.ShutdownTimeout = def.HTTP.ShutdownTimeout
	}
	if cfg.Queue.Driver == "" {
		cfg.Queue.Driver = def.Queue.Driver
	}
	if cfg.Queue.GroupID == "" {
		cfg.Queue.GroupID = def.Queue.GroupID
	}
	if cfg.Queue.MaxRetries <= 0 {
		cfg.Queue.MaxRetries = 1
	}
	if cfg.Queue.WriteTimeout <= 0 {
		cfg.Queue.WriteTimeout = def.Queue.WriteTimeout
	}
	if cfg.Worker.Concurrency <= 0 {
		cfg.Worker.Concurrency = 1
	}
	if cfg.Worker.RetryDelay <= 0 {
		cfg.Worker.RetryDelay = def.Worker.RetryDelay
	}
	if cfg.Worker.MaxBackoff < cfg.Worker.RetryDelay {
		cfg.Worker.MaxBackoff = cfg.Worker.RetryDelay
	}
	if cfg.Metrics.RateWindow <= 0 {
		cfg.Metrics.RateWindow = def.Metrics.RateWindow
	}
	if cfg.Rejects.StoreLimit <= 0 {
		cfg.Rejects.StoreLimit = def.Rejects.StoreLimit
	}
	if cfg.MQTT.ClientID == "" {
		cfg.MQTT.ClientID = def.MQTT.ClientID
	}
}

func Validate(cfg *Config) error {
	if cfg.HTTP.Addr == "" {
		return errors.New("http.addr required")
	}
	switch strings.ToLower(cfg.Queue.Driver) {
	case "kafka":
		if len(cfg.Queue.KafkaBrokers()) == 0 {
			return errors.New("queue.brokers or queue.host required for kafka driver")
		}
	case "redis":
		if cfg.Queue.Redis.Addr == "" {
			return errors.New("queue.redis.addr required for redis driver")
		}
	default:
		return fmt.Errorf("unsupported queue driver: %q", cfg.Queue.Driver)
	}
	if cfg.Queue.Subject == "" {
		return errors.New("queue.subject required")
	}
	if cfg.Queue.RetryDelay < 0 {
		return fmt.Errorf("queue.retry_delay must not be negative: %s", cfg.Queue.RetryDelay)
	}
	switch strings.ToLower(cfg.Database.Driver) {
	case "postgres", "postgresql", "sqlite":
	default:
		return fmt.Errorf("unsupported database driver: %q", cfg.Database.Driver)
	}
	if cfg.MQTT.Enabled && (cfg.MQTT.Broker == "" || cfg.MQTT.Topic == "") {
		return errors.New("mqtt requires broker and topic when enabled")
	}
	if cfg.MQTT.QoS > 2 {
		return fmt.Errorf("mqtt.qos must be 0, 1 or 2: %d", cfg.MQTT.QoS)
	}
	if cfg.TCPStream.Enabled && cfg.TCPStream.Addr == "" {
		return errors.New("tcp_stream.addr required when tcp_stream.enabled is true")
	}
	return nil
}

// KafkaBrokers returns the explicit broker list, or host:port when none is set.
func (q QueueConfig) KafkaBrokers() []string {
	if len(q.Brokers) > 0 {
		return q.Brokers
	}
	if q.Host == "" {
		return nil
	}
	port := q.Port
	if port <= 0 {
		port = 9092
	}
	return []string{net.JoinHostPort(q.Host, strconv.Itoa(port))}
}

// ConnString returns the driver-specific data source name.
func (d DatabaseConfig) ConnString() string {
	if d.DSN != "" {
		return d.DSN
	}
	switch strings.ToLower(d.Driver) {
	case "sqlite":
		name := d.Name
		if name == "" {
			name = "nsready.db"
		}
		return "file:" + name + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"
	default:
		u := url.URL{
			Scheme: "postgres",
			User:   url.UserPassword(d.User, d.Password),
			Host:   net.JoinHostPort(d.Host, strconv.Itoa(d.Port)),
			Path:   "/" + d.Name,
		}
		if d.SSLMode != "" {
			u.RawQuery = "sslmode=" + url.QueryEscape(d.SSLMode)
		}
		return u.String()
	}
}

type Manager struct {
	path    string
	cfg     atomic.Value
	modTime time.Time
}

func NewManager(path string) (*Manager, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	m := &Manager{path: path}
	m.cfg.Store(cfg)
	info, err := os.Stat(path)
	if err == nil {
		m.modTime = info.ModTime()
	}
	return m, nil
}

// NewStaticManager wraps a config that has no backing file.
func NewStaticManager(cfg *Config) *Manager {
	m := &Manager{}
	m.cfg.Store(cfg)
	return m
}

func (m *Manager) Get() *Config {
	if v := m.cfg.Load(); v != nil {
		return v.(*Config)
	}
	return DefaultConfig()
}

func (m *Manager) Path() string {
	return m.path
}

func (m *Manager) Reload() (*Config, error) {
	if m.path == "" {
		return m.Get(), nil
	}
	cfg, err := Load(m.path)
	if err != nil {
		return nil, err
	}
	m.cfg.Store(cfg)
	if info, err := os.Stat(m.path); err == nil {
		m.modTime = info.ModTime()
	}
	return cfg, nil
}

func (m *Manager) NeedsReload() (bool, error) {
	if m.path == "" {
		return false, nil
	}
	info, err := os.Stat(m.path)
	if err != nil {
		return false, err
	}
	return info.ModTime().After(m.modTime), nil
}

// Watch polls the config file and calls onReload after each successful
// reload. Only settings read through Get at use time (such as the log
// level) take effect without a restart.
func (m *Manager) Watch(interval time.Duration, onReload func(*Config), onError func(error), stop <-chan struct{}) {
	if m.path == "" {
		return
	}
	if interval <= 0 {
		interval = 3 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			needs, err := m.NeedsReload()
			if err != nil {
				if onError != nil {
					onError(err)
				}
				continue
			}
			if !needs {
				continue
			}
			cfg, err := m.Reload()
			if err != nil {
				if onError != nil {
					onError(err)
				}
				continue
			}
			if onReload != nil {
				onReload(cfg)
			}
		case <-stop:
			return
		}
	}
}

func ResolvePath(path string) string {
	if path == "" {
		return path
	}
	if filepath.IsAbs(path) {
		return path
	}
	cwd, err := os.Getwd()
	if err != nil {
		return path
	}
	return filepath.Join(cwd, path)
}
