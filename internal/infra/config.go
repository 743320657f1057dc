package infra

import (
	"fmt"
	"os"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds every application setting. Static sections are read once
// at startup; the Tuning section is held behind a mutex so operational
// retuning takes effect on running components without a restart.
type Config struct {
	App struct {
		Name    string `yaml:"name"`
		Version string `yaml:"version"`
	} `yaml:"app"`

	API struct {
		Broker struct {
			RestURL           string   `yaml:"rest_url"`
			WSURL             string   `yaml:"ws_url"`
			AccessKey         string   `yaml:"access_key"`
			SecretKey         string   `yaml:"secret_key"`
			StreamInstruments []string `yaml:"stream_instruments"`
		} `yaml:"broker"`
	} `yaml:"api"`

	Server struct {
		Addr string `yaml:"addr"`
	} `yaml:"server"`

	Storage struct {
		Path string `yaml:"path"` // Empty picks the OS config dir default
	} `yaml:"storage"`

	Logging struct {
		Level string `yaml:"level"`
	} `yaml:"logging"`

	TuningValues TuningValues `yaml:"tuning"`

	tuning *Tuning
}

// TuningValues are the operational knobs of the market-data core
type TuningValues struct {
	BatchWindowMS           int `yaml:"batch_window_ms"`
	MaxBatchSize            int `yaml:"max_batch_size"`
	RequestTimeoutMS        int `yaml:"request_timeout_ms"`
	CacheTTLMS              int `yaml:"cache_ttl_ms"`
	BreakerFailureThreshold int `yaml:"breaker_failure_threshold"`
	BreakerCooldownMS       int `yaml:"breaker_cooldown_ms"`
	HeartbeatIntervalSec    int `yaml:"heartbeat_interval_sec"`
	MaxRequestsPerMinute    int `yaml:"max_requests_per_minute"`
	MinDispatchIntervalMS   int `yaml:"min_dispatch_interval_ms"`
}

// requestTimeoutFloor is the minimum per-caller quote timeout regardless
// of configuration.
const requestTimeoutFloor = 200 * time.Millisecond

// DefaultTuningValues returns the tuning used when the config file omits a value
func DefaultTuningValues() TuningValues {
	return TuningValues{
		BatchWindowMS:           100,
		MaxBatchSize:            50,
		RequestTimeoutMS:        2500,
		CacheTTLMS:              1000,
		BreakerFailureThreshold: 5,
		BreakerCooldownMS:       30000,
		HeartbeatIntervalSec:    25,
		MaxRequestsPerMinute:    30,
		MinDispatchIntervalMS:   1000,
	}
}

// Tuning is the live view of TuningValues shared by the core components.
// Every getter takes the lock so a component always observes the latest
// applied values.
type Tuning struct {
	mu  sync.RWMutex
	cur TuningValues
}

// NewTuning creates a live tuning holder from initial values
func NewTuning(v TuningValues) *Tuning {
	return &Tuning{cur: v}
}

// Apply replaces the current tuning. Zero/negative fields keep their
// previous value so partial updates are safe.
func (t *Tuning) Apply(v TuningValues) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if v.BatchWindowMS > 0 {
		t.cur.BatchWindowMS = v.BatchWindowMS
	}
	if v.MaxBatchSize > 0 {
		t.cur.MaxBatchSize = v.MaxBatchSize
	}
	if v.RequestTimeoutMS > 0 {
		t.cur.RequestTimeoutMS = v.RequestTimeoutMS
	}
	if v.CacheTTLMS > 0 {
		t.cur.CacheTTLMS = v.CacheTTLMS
	}
	if v.BreakerFailureThreshold > 0 {
		t.cur.BreakerFailureThreshold = v.BreakerFailureThreshold
	}
	if v.BreakerCooldownMS > 0 {
		t.cur.BreakerCooldownMS = v.BreakerCooldownMS
	}
	if v.HeartbeatIntervalSec != 0 {
		t.cur.HeartbeatIntervalSec = v.HeartbeatIntervalSec
	}
	if v.MaxRequestsPerMinute > 0 {
		t.cur.MaxRequestsPerMinute = v.MaxRequestsPerMinute
	}
	if v.MinDispatchIntervalMS > 0 {
		t.cur.MinDispatchIntervalMS = v.MinDispatchIntervalMS
	}
}

// Snapshot returns a copy of the current values
func (t *Tuning) Snapshot() TuningValues {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.cur
}

// BatchWindow is the accumulation period before a quote batch flushes
func (t *Tuning) BatchWindow() time.Duration {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return time.Duration(t.cur.BatchWindowMS) * time.Millisecond
}

// MaxBatchSize caps the unique instruments per upstream call
func (t *Tuning) MaxBatchSize() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.cur.MaxBatchSize
}

// RequestTimeout is the per-caller safety timeout, floored at 200ms
func (t *Tuning) RequestTimeout() time.Duration {
	t.mu.RLock()
	defer t.mu.RUnlock()
	d := time.Duration(t.cur.RequestTimeoutMS) * time.Millisecond
	if d < requestTimeoutFloor {
		return requestTimeoutFloor
	}
	return d
}

// CacheTTL is the micro-cache entry lifetime
func (t *Tuning) CacheTTL() time.Duration {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return time.Duration(t.cur.CacheTTLMS) * time.Millisecond
}

// BreakerFailureThreshold is the consecutive failures before the circuit opens
func (t *Tuning) BreakerFailureThreshold() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.cur.BreakerFailureThreshold
}

// BreakerCooldown is how long an open circuit rejects work
func (t *Tuning) BreakerCooldown() time.Duration {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return time.Duration(t.cur.BreakerCooldownMS) * time.Millisecond
}

// HeartbeatInterval is the keep-alive cadence; zero or negative disables
// the heartbeat loop (test and batch-job contexts).
func (t *Tuning) HeartbeatInterval() time.Duration {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return time.Duration(t.cur.HeartbeatIntervalSec) * time.Second
}

// MaxRequestsPerMinute caps upstream dispatches per rolling 60s window
func (t *Tuning) MaxRequestsPerMinute() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.cur.MaxRequestsPerMinute
}

// MinDispatchInterval is the minimum spacing between two upstream dispatches
func (t *Tuning) MinDispatchInterval() time.Duration {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return time.Duration(t.cur.MinDispatchIntervalMS) * time.Millisecond
}

// LoadConfig reads and parses the configuration file
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := Config{TuningValues: DefaultTuningValues()}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	overrideWithEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	cfg.tuning = NewTuning(cfg.TuningValues)
	return &cfg, nil
}

// Tuning returns the live tuning handle shared by all core components
func (c *Config) Tuning() *Tuning {
	if c.tuning == nil {
		c.tuning = NewTuning(c.TuningValues)
	}
	return c.tuning
}

// ApplyTuning pushes new tuning values to every running component
func (c *Config) ApplyTuning(v TuningValues) {
	c.Tuning().Apply(v)
}

// Validate checks configuration validity
func (c *Config) Validate() error {
	if c.API.Broker.RestURL == "" || (!hasPrefix(c.API.Broker.RestURL, "http://") && !hasPrefix(c.API.Broker.RestURL, "https://")) {
		return fmt.Errorf("invalid broker REST URL: %s", c.API.Broker.RestURL)
	}
	if c.API.Broker.WSURL != "" && !hasPrefix(c.API.Broker.WSURL, "ws://") && !hasPrefix(c.API.Broker.WSURL, "wss://") {
		return fmt.Errorf("invalid broker WS URL: %s", c.API.Broker.WSURL)
	}

	if c.Server.Addr == "" {
		c.Server.Addr = ":8080"
	}

	t := c.TuningValues
	if t.BatchWindowMS <= 0 {
		return fmt.Errorf("tuning.batch_window_ms must be positive")
	}
	if t.MaxBatchSize <= 0 {
		return fmt.Errorf("tuning.max_batch_size must be positive")
	}
	if t.MaxRequestsPerMinute <= 0 {
		return fmt.Errorf("tuning.max_requests_per_minute must be positive")
	}

	return nil
}

func hasPrefix(s, prefix string) bool {
	return len(s) >= len(prefix) && s[0:len(prefix)] == prefix
}

// overrideWithEnv는 환경 변수가 존재할 경우 설정 값을 덮어씁니다.
func overrideWithEnv(cfg *Config) {
	if key := os.Getenv("TRADE_BROKER_KEY"); key != "" {
		cfg.API.Broker.AccessKey = key
	}
	if secret := os.Getenv("TRADE_BROKER_SECRET"); secret != "" {
		cfg.API.Broker.SecretKey = secret
	}
}
