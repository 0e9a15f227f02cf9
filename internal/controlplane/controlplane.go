// Package controlplane is the appliance's only outbound connection to the
// fleet control plane: a pull-only mTLS client that checks in for orders
// and rule/credential updates, proxies L2 planning requests to the hosted
// model, uploads sealed evidence bundles, and reports execution telemetry.
// The appliance never opens a listening socket; everything here is a
// client call the appliance itself initiates.
package controlplane

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/osiriscare/appliance/internal/clock"
	"github.com/osiriscare/appliance/internal/crypto"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

const (
	defaultCheckinTimeout = 10 * time.Second
	defaultUploadTimeout  = 10 * time.Second
	defaultPlanTimeout    = 30 * time.Second
	defaultPollInterval   = 60 * time.Second
	defaultJitterPct      = 0.10
)

// Config wires a Client's transport, identity, and timing.
type Config struct {
	// BaseURL is the control plane's API origin, e.g. https://control.example.com.
	BaseURL string
	SiteID  string
	HostID  string

	// ClientCertFile/ClientKeyFile are the mTLS client identity presented
	// on every request. CAFile, if set, pins the control plane's CA
	// instead of trusting the system root pool.
	ClientCertFile string
	ClientKeyFile  string
	CAFile         string

	// APIKey is the bearer token carried alongside the client cert; the
	// control plane requires both.
	APIKey string

	PollInterval   time.Duration
	CheckinTimeout time.Duration
	UploadTimeout  time.Duration
	PlanTimeout    time.Duration

	Clock clock.Clock
	Log   *zap.Logger
}

// Client is the appliance's control-plane connection. Every RPC is wrapped
// in its own circuit breaker so a control plane having a bad day degrades
// the fleet to L1/L3 instead of each appliance hammering it in lockstep.
type Client struct {
	cfg    Config
	http   *http.Client
	clock  clock.Clock
	log    *zap.Logger
	verify *crypto.OrderVerifier

	checkinBreaker   *gobreaker.CircuitBreaker
	planBreaker      *gobreaker.CircuitBreaker
	uploadBreaker    *gobreaker.CircuitBreaker
	executionBreaker *gobreaker.CircuitBreaker

	applianceID string
	nonces      nonceTracker
}

// New builds a Client from a loaded client certificate and an order
// verifier that starts unkeyed — the control plane's public key arrives on
// the first successful check-in, per orders.Processor's pattern of
// deferring verification until then.
func New(cfg Config, verifier *crypto.OrderVerifier) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("controlplane: BaseURL is required")
	}
	if cfg.ClientCertFile == "" || cfg.ClientKeyFile == "" {
		return nil, fmt.Errorf("controlplane: client certificate and key are required")
	}

	cert, err := tls.LoadX509KeyPair(cfg.ClientCertFile, cfg.ClientKeyFile)
	if err != nil {
		return nil, fmt.Errorf("controlplane: load client cert: %w", err)
	}

	tlsCfg := &tls.Config{
		MinVersion:   tls.VersionTLS12,
		Certificates: []tls.Certificate{cert},
	}
	if cfg.CAFile != "" {
		caPEM, err := os.ReadFile(cfg.CAFile)
		if err != nil {
			return nil, fmt.Errorf("controlplane: read CA file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caPEM) {
			return nil, fmt.Errorf("controlplane: no certificates parsed from CA file")
		}
		tlsCfg.RootCAs = pool
	}

	if cfg.PollInterval == 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.CheckinTimeout == 0 {
		cfg.CheckinTimeout = defaultCheckinTimeout
	}
	if cfg.UploadTimeout == 0 {
		cfg.UploadTimeout = defaultUploadTimeout
	}
	if cfg.PlanTimeout == 0 {
		cfg.PlanTimeout = defaultPlanTimeout
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.NewSystem()
	}
	log := cfg.Log
	if log == nil {
		log = zap.NewNop()
	}

	c := &Client{
		cfg: cfg,
		http: &http.Client{
			Transport: &http.Transport{
				TLSClientConfig:     tlsCfg,
				MaxIdleConns:        5,
				IdleConnTimeout:     90 * time.Second,
				TLSHandshakeTimeout: 10 * time.Second,
			},
		},
		clock:  cfg.Clock,
		log:    log,
		verify: verifier,
	}

	c.checkinBreaker = newBreaker("checkin")
	c.planBreaker = newBreaker("plan")
	c.uploadBreaker = newBreaker("upload_evidence")
	c.executionBreaker = newBreaker("report_execution")

	return c, nil
}

// newBreaker builds a gobreaker.CircuitBreaker that trips after five
// consecutive failures and allows one trial request after 30s open.
func newBreaker(name string) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Interval:    0,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})
}

func (c *Client) url(path string) string {
	return strings.TrimRight(c.cfg.BaseURL, "/") + path
}

func (c *Client) authHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	req.Header.Set("User-Agent", "appliance-daemon/1.0")
}

// PollInterval is the configured check-in cadence, before jitter.
func (c *Client) PollInterval() time.Duration {
	return c.cfg.PollInterval
}

// NextCheckinDelay returns the configured poll interval jittered by
// +/-10%, so a fleet of appliances doesn't check in on the same tick.
func (c *Client) NextCheckinDelay() time.Duration {
	return c.clock.Jitter(c.cfg.PollInterval, defaultJitterPct)
}
