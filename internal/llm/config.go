package llm

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
)

const (
	DefaultBaseURL = "https://api.deepseek.com"
	DefaultModel   = "deepseek-chat"
)

type Config struct {
	BaseURL string // default: https://api.deepseek.com
	// APIKey may be empty; Complete then fails with KindConfig.
	APIKey string
	Model  string // default: deepseek-chat

	MaxTokenCeiling int // hard cap on max_tokens (default: 2000)
	HistoryTurns    int // most recent history messages sent upstream (default: 4)

	MaxAttempts int             // attempts for small budgets (default: 3)
	Backoff     []time.Duration // delay before retry n is Backoff[n-1] (default: 1s, 2s, 4s)
	MaxBackoff  time.Duration   // ceiling for any single delay (default: 8s)
	TokenDecay  float64         // max_tokens multiplier per retry, 1 disables (default: 0.75)
	MinTokens   int             // floor for decayed budgets (default: 50)

	TimeoutFloor    time.Duration // per-attempt deadline floor (default: 5s)
	TimeoutPerToken time.Duration // deadline growth per budget token (default: 10ms)
	TimeoutCeiling  time.Duration // per-attempt deadline ceiling (default: 20s)

	// Optional connection pool settings
	MaxIdleConns        int // default: 100
	MaxIdleConnsPerHost int // default: 100

	// Custom HTTP client (for testing or special configs)
	HTTPClient *http.Client
	// Clock drives backoff waits. Default: real clock.
	Clock clockwork.Clock
	// OnRetry is called before each backoff wait.
	OnRetry func(attempt int, err error, delay time.Duration)
}

// Validate checks fields that cannot be defaulted.
func (c *Config) Validate() error {
	u, err := url.Parse(c.BaseURL)
	if err != nil {
		return fmt.Errorf("BaseURL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return errors.New("BaseURL must be http or https")
	}
	if c.TokenDecay <= 0 || c.TokenDecay > 1 {
		return errors.New("TokenDecay must be in (0, 1]")
	}
	if c.TimeoutFloor > c.TimeoutCeiling {
		return errors.New("TimeoutFloor must not exceed TimeoutCeiling")
	}
	return nil
}

// WithDefaults returns a copy of Config with sane defaults applied.
func (c *Config) WithDefaults() Config {
	cfg := *c

	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")

	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.MaxTokenCeiling <= 0 {
		cfg.MaxTokenCeiling = 2000
	}
	if cfg.HistoryTurns <= 0 {
		cfg.HistoryTurns = 4
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if len(cfg.Backoff) == 0 {
		cfg.Backoff = []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 8 * time.Second
	}
	if cfg.TokenDecay == 0 {
		cfg.TokenDecay = 0.75
	}
	if cfg.MinTokens <= 0 {
		cfg.MinTokens = 50
	}
	if cfg.TimeoutFloor <= 0 {
		cfg.TimeoutFloor = 5 * time.Second
	}
	if cfg.TimeoutPerToken <= 0 {
		cfg.TimeoutPerToken = 10 * time.Millisecond
	}
	if cfg.TimeoutCeiling <= 0 {
		cfg.TimeoutCeiling = 20 * time.Second
	}
	if cfg.MaxIdleConns <= 0 {
		cfg.MaxIdleConns = 100
	}
	if cfg.MaxIdleConnsPerHost <= 0 {
		cfg.MaxIdleConnsPerHost = 100
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}

	return cfg
}

// ClampTokens bounds a requested budget to [1, MaxTokenCeiling].
func (c *Config) ClampTokens(budget int) int {
	if budget < 1 {
		return 1
	}
	if budget > c.MaxTokenCeiling {
		return c.MaxTokenCeiling
	}
	return budget
}

type client struct {
	cfg        Config
	httpClient *http.Client
	logger     *zap.Logger
}

// NewClient creates a DeepSeek chat client. A missing API key is not an
// error here; it is reported by the first Complete call.
func NewClient(cfg Config, logger *zap.Logger) (Client, error) {
	cfg = cfg.WithDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	if logger == nil {
		logger = zap.NewNop()
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{
			Transport: defaultTransport(cfg),
		}
	}

	return &client{
		cfg:        cfg,
		httpClient: httpClient,
		logger:     logger.Named("llmclient"),
	}, nil
}

// defaultTransport creates a pooled HTTP transport.
func defaultTransport(cfg Config) *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:        cfg.MaxIdleConns,
		MaxIdleConnsPerHost: cfg.MaxIdleConnsPerHost,
		IdleConnTimeout:     90 * time.Second,

		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
}

// Close releases resources held by the client.
func (c *client) Close() error {
	c.httpClient.CloseIdleConnections()
	return nil
}
