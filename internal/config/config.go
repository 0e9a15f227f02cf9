// Package config resolves the appliance daemon's settings from, in
// increasing precedence, built-in defaults, an optional YAML file,
// environment variables, and command-line flags.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

// Config holds everything the appliance daemon needs to start.
type Config struct {
	SiteID         string `yaml:"site_id"`
	HostID         string `yaml:"host_id"`
	MCPURL         string `yaml:"mcp_url"`
	MCPAPIKey      string `yaml:"-"`
	DeploymentMode string `yaml:"deployment_mode"`

	StateDir string `yaml:"state_dir"`
	RulesDir string `yaml:"rules_dir"`

	ClientCertFile string `yaml:"client_cert"`
	ClientKeyFile  string `yaml:"client_key"`
	SigningKeyFile string `yaml:"signing_key"`

	PollIntervalSeconds int    `yaml:"poll_interval"`
	LogLevel            string `yaml:"log_level"`
	DryRun              bool   `yaml:"dry_run"`
	OneShot             bool   `yaml:"one_shot"`

	WORMMode          string `yaml:"worm_mode"`
	WORMS3Bucket      string `yaml:"worm_s3_bucket"`
	WORMS3Region      string `yaml:"worm_s3_region"`
	WORMRetentionDays int    `yaml:"worm_retention_days"`
	WORMAutoUpload    bool   `yaml:"worm_auto_upload"`

	// Escalation channels are env-var only: they carry bot tokens and
	// routing secrets that don't belong in a YAML file or a flag an
	// operator might paste into a support ticket.
	SlackBotToken    string `yaml:"-"`
	SlackChannelID   string `yaml:"-"`
	PagerWebhookURL  string `yaml:"-"`
	PagerRoutingKey  string `yaml:"-"`
	SMTPRelayAddr    string `yaml:"-"`
	SMTPFrom         string `yaml:"-"`
	SMTPTo           string `yaml:"-"`
	SMTPUsername     string `yaml:"-"`
	SMTPPassword     string `yaml:"-"`
}

// DeploymentMode values. A direct deployment talks straight to the
// control plane; a reseller deployment is fronted by a partner's own
// endpoint, changing nothing about the wire protocol but recorded for
// audit trails.
const (
	ModeDirect   = "direct"
	ModeReseller = "reseller"
)

func defaults() Config {
	return Config{
		DeploymentMode:      ModeDirect,
		StateDir:            "/var/lib/appliance",
		PollIntervalSeconds: 60,
		LogLevel:            "info",
		WORMMode:            "proxy",
		WORMRetentionDays:   90,
		WORMAutoUpload:      true,
	}
}

func (c *Config) applyDerivedPaths() {
	if c.RulesDir == "" {
		c.RulesDir = filepath.Join(c.StateDir, "rules")
	}
	if c.ClientCertFile == "" {
		c.ClientCertFile = filepath.Join(c.StateDir, "tls", "client.crt")
	}
	if c.ClientKeyFile == "" {
		c.ClientKeyFile = filepath.Join(c.StateDir, "tls", "client.key")
	}
	if c.SigningKeyFile == "" {
		c.SigningKeyFile = filepath.Join(c.StateDir, "keys", "signing.key")
	}
}

// QueueDBPath is the incident store's SQLite file, derived from StateDir.
func (c *Config) QueueDBPath() string {
	return filepath.Join(c.StateDir, "incidents.db")
}

// Load resolves a Config from a config file (if one is named by
// --config or the APPLIANCE_CONFIG_FILE env var), environment variables,
// and the given CLI args, in that precedence order (later wins).
func Load(args []string) (*Config, error) {
	cfg := defaults()

	// A config file is optional and, if present, is read before env vars
	// and flags so both can still override it. --config is scanned by
	// hand rather than through the full flag set below, since that set
	// isn't built until after we know whether a file needs loading first.
	configPath := os.Getenv("APPLIANCE_CONFIG_FILE")
	if v := scanFlagValue(args, "config"); v != "" {
		configPath = v
	}

	if configPath != "" {
		if err := cfg.loadFile(configPath); err != nil {
			return nil, fmt.Errorf("config: %w", err)
		}
	}

	cfg.applyEnv()

	if err := cfg.applyFlags(args); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	cfg.applyDerivedPaths()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	return &cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config file: %w", err)
	}
	return nil
}

func (c *Config) applyEnv() {
	str := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	str("SITE_ID", &c.SiteID)
	str("HOST_ID", &c.HostID)
	str("MCP_URL", &c.MCPURL)
	str("MCP_API_KEY", &c.MCPAPIKey)
	str("STATE_DIR", &c.StateDir)
	str("RULES_DIR", &c.RulesDir)
	str("SIGNING_KEY_FILE", &c.SigningKeyFile)
	str("CLIENT_CERT_FILE", &c.ClientCertFile)
	str("CLIENT_KEY_FILE", &c.ClientKeyFile)
	str("LOG_LEVEL", &c.LogLevel)
	str("WORM_MODE", &c.WORMMode)
	str("WORM_S3_BUCKET", &c.WORMS3Bucket)
	str("WORM_S3_REGION", &c.WORMS3Region)
	str("SLACK_BOT_TOKEN", &c.SlackBotToken)
	str("SLACK_CHANNEL_ID", &c.SlackChannelID)
	str("PAGER_WEBHOOK_URL", &c.PagerWebhookURL)
	str("PAGER_ROUTING_KEY", &c.PagerRoutingKey)
	str("SMTP_RELAY_ADDR", &c.SMTPRelayAddr)
	str("SMTP_FROM", &c.SMTPFrom)
	str("SMTP_TO", &c.SMTPTo)
	str("SMTP_USERNAME", &c.SMTPUsername)
	str("SMTP_PASSWORD", &c.SMTPPassword)

	if v := os.Getenv("POLL_INTERVAL"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.PollIntervalSeconds = n
		}
	}
	if v := os.Getenv("WORM_RETENTION_DAYS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.WORMRetentionDays = n
		}
	}
	if v := os.Getenv("WORM_AUTO_UPLOAD"); v != "" {
		c.WORMAutoUpload = !isFalsy(v)
	}
}

func (c *Config) applyFlags(args []string) error {
	fs := pflag.NewFlagSet("appliance-daemon", pflag.ContinueOnError)
	fs.String("config", "", "path to a YAML config file")

	siteID := fs.String("site-id", c.SiteID, "site identifier")
	hostID := fs.String("host-id", c.HostID, "host identifier")
	mcpURL := fs.String("mcp-url", c.MCPURL, "control plane base URL")
	deploymentMode := fs.String("deployment-mode", c.DeploymentMode, "direct or reseller")
	stateDir := fs.String("state-dir", c.StateDir, "local state directory")
	rulesDir := fs.String("rules-dir", c.RulesDir, "L1 rules directory")
	clientCert := fs.String("client-cert", c.ClientCertFile, "mTLS client certificate file")
	clientKey := fs.String("client-key", c.ClientKeyFile, "mTLS client key file")
	signingKey := fs.String("signing-key", c.SigningKeyFile, "Ed25519 signing key file")
	pollInterval := fs.Int("poll-interval", c.PollIntervalSeconds, "check-in interval in seconds")
	logLevel := fs.String("log-level", c.LogLevel, "log level")
	dryRun := fs.Bool("dry-run", c.DryRun, "plan and log actions without executing them")
	oneShot := fs.Bool("one-shot", c.OneShot, "run a single cycle and exit")

	if err := fs.Parse(args); err != nil {
		return err
	}

	changed := func(name string) bool { return fs.Changed(name) }

	if changed("site-id") {
		c.SiteID = *siteID
	}
	if changed("host-id") {
		c.HostID = *hostID
	}
	if changed("mcp-url") {
		c.MCPURL = *mcpURL
	}
	if changed("deployment-mode") {
		c.DeploymentMode = *deploymentMode
	}
	if changed("state-dir") {
		c.StateDir = *stateDir
	}
	if changed("rules-dir") {
		c.RulesDir = *rulesDir
	}
	if changed("client-cert") {
		c.ClientCertFile = *clientCert
	}
	if changed("client-key") {
		c.ClientKeyFile = *clientKey
	}
	if changed("signing-key") {
		c.SigningKeyFile = *signingKey
	}
	if changed("poll-interval") {
		c.PollIntervalSeconds = *pollInterval
	}
	if changed("log-level") {
		c.LogLevel = *logLevel
	}
	if changed("dry-run") {
		c.DryRun = *dryRun
	}
	if changed("one-shot") {
		c.OneShot = *oneShot
	}

	return nil
}

func (c *Config) validate() error {
	var missing []string
	if c.SiteID == "" {
		missing = append(missing, "site-id")
	}
	if c.HostID == "" {
		missing = append(missing, "host-id")
	}
	if c.MCPURL == "" {
		missing = append(missing, "mcp-url")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required settings: %s", strings.Join(missing, ", "))
	}

	if c.DeploymentMode != ModeDirect && c.DeploymentMode != ModeReseller {
		return fmt.Errorf("deployment-mode must be %q or %q, got %q", ModeDirect, ModeReseller, c.DeploymentMode)
	}

	if c.PollIntervalSeconds < 10 {
		c.PollIntervalSeconds = 10
	}
	if c.PollIntervalSeconds > 3600 {
		c.PollIntervalSeconds = 3600
	}

	return nil
}

func isFalsy(v string) bool {
	v = strings.ToLower(strings.TrimSpace(v))
	return v == "false" || v == "0" || v == "no"
}

// scanFlagValue looks for --name=value or --name value in args without
// requiring a full flag set to be defined yet.
func scanFlagValue(args []string, name string) string {
	prefix := "--" + name
	for i, a := range args {
		if strings.HasPrefix(a, prefix+"=") {
			return strings.TrimPrefix(a, prefix+"=")
		}
		if a == prefix && i+1 < len(args) {
			return args[i+1]
		}
	}
	return ""
}
