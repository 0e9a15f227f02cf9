// Package sshexec runs remediation scripts on Linux targets over SSH.
// Handles key/password auth, sudo, session caching, distro detection, TOFU
// host key verification, and retry with linear backoff.
package sshexec

import (
	"bufio"
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"
)

// Target describes a Linux machine to execute scripts on.
type Target struct {
	Hostname       string  `json:"hostname"`
	Port           int     `json:"port"`
	Username       string  `json:"username"`
	Password       *string `json:"password,omitempty"`
	PrivateKey     *string `json:"private_key,omitempty"`
	PrivateKeyPath *string `json:"private_key_path,omitempty"`
	SudoPassword   *string `json:"sudo_password,omitempty"`
	Distro         string  `json:"distro,omitempty"`
	ConnectTimeout int     `json:"connect_timeout"`
}

// Result is the outcome of one script execution.
type Result struct {
	Success      bool                   `json:"success"`
	ActionID     string                 `json:"action_id"`
	Target       string                 `json:"target"`
	Phase        string                 `json:"phase"`
	Output       map[string]interface{} `json:"output"`
	DurationSecs float64                `json:"duration_seconds"`
	Error        string                 `json:"error,omitempty"`
	Timestamp    string                 `json:"timestamp"`
	OutputHash   string                 `json:"output_hash"`
	RetryCount   int                    `json:"retry_count"`
	Truncated    bool                   `json:"truncated"`
	Distro       string                 `json:"distro"`
	ExitCode     int                    `json:"exit_code"`
}

// maxOutputBytes bounds captured stdout/stderr so one runaway script can't
// blow out an evidence bundle.
const maxOutputBytes = 1 << 20 // 1 MiB

type cachedConn struct {
	client    *ssh.Client
	createdAt time.Time
}

type distroCacheEntry struct {
	distro   string
	cachedAt time.Time
}

const (
	connMaxAge     = 300 * time.Second
	defaultTimeout = 60
	maxCachedConns = 50
	distroTTL      = 24 * time.Hour
)

// Executor manages SSH connections and script execution.
type Executor struct {
	log         *zap.Logger
	knownHosts  string
	conns       map[string]*cachedConn
	connOrder   []string
	distroCache map[string]*distroCacheEntry
	hostKeys    map[string]ssh.PublicKey
	mu          sync.Mutex
}

// NewExecutor creates an SSH executor, loading any persisted TOFU host keys
// from knownHostsPath.
func NewExecutor(log *zap.Logger, knownHostsPath string) *Executor {
	if log == nil {
		log = zap.NewNop()
	}
	e := &Executor{
		log:         log,
		knownHosts:  knownHostsPath,
		conns:       make(map[string]*cachedConn),
		distroCache: make(map[string]*distroCacheEntry),
		hostKeys:    make(map[string]ssh.PublicKey),
	}
	e.loadKnownHosts()
	return e
}

// Execute runs a bash script on a Linux target with retry support.
func (e *Executor) Execute(ctx context.Context, target *Target, script, actionID, phase string, timeout, retries int, retryDelay float64, useSudo bool) *Result {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	if retryDelay <= 0 {
		retryDelay = 5.0
	}

	start := time.Now().UTC()
	var lastErr string
	retryCount := 0

	for attempt := 0; attempt <= retries; attempt++ {
		if attempt > 0 {
			delay := time.Duration(retryDelay*float64(attempt)) * time.Second
			e.log.Info("retrying ssh execution", zap.String("host", target.Hostname), zap.Int("attempt", attempt), zap.Duration("delay", delay))
			select {
			case <-ctx.Done():
				return failResult(actionID, target.Hostname, phase, "context cancelled", start, retryCount, target.Distro)
			case <-time.After(delay):
			}
			retryCount++
		}

		output, exitCode, truncated, err := e.executeOnce(ctx, target, script, timeout, useSudo)
		if err != nil {
			lastErr = err.Error()
			e.log.Warn("ssh execution failed", zap.String("host", target.Hostname), zap.Error(err))
			if isAuthError(err) {
				e.InvalidateConnection(target.Hostname)
				break
			}
			e.InvalidateConnection(target.Hostname)
			continue
		}

		elapsed := time.Since(start).Seconds()
		return &Result{
			Success:      exitCode == 0,
			ActionID:     actionID,
			Target:       target.Hostname,
			Phase:        phase,
			Output:       output,
			DurationSecs: elapsed,
			Timestamp:    start.Format(time.RFC3339),
			OutputHash:   hashOutput(output),
			RetryCount:   retryCount,
			Truncated:    truncated,
			Distro:       target.Distro,
			ExitCode:     exitCode,
		}
	}

	return failResult(actionID, target.Hostname, phase, lastErr, start, retryCount, target.Distro)
}

func (e *Executor) executeOnce(ctx context.Context, target *Target, script string, timeout int, useSudo bool) (map[string]interface{}, int, bool, error) {
	client, err := e.getConnection(target)
	if err != nil {
		return nil, -1, false, fmt.Errorf("get connection: %w", err)
	}

	session, err := client.NewSession()
	if err != nil {
		return nil, -1, false, fmt.Errorf("new session: %w", err)
	}
	defer session.Close()

	encoded := base64.StdEncoding.EncodeToString([]byte(script))

	var cmd string
	if useSudo && target.Username != "root" {
		if target.SudoPassword != nil && *target.SudoPassword != "" {
			cmd = fmt.Sprintf(`echo '%s' | sudo -S bash -c "$(echo %s | base64 -d)"`, *target.SudoPassword, encoded)
		} else {
			cmd = fmt.Sprintf(`sudo bash -c "$(echo %s | base64 -d)"`, encoded)
		}
	} else {
		cmd = fmt.Sprintf(`bash -c "$(echo %s | base64 -d)"`, encoded)
	}

	var stdout, stderr strings.Builder
	session.Stdout = &stdout
	session.Stderr = &stderr

	done := make(chan error, 1)
	go func() { done <- session.Run(cmd) }()

	timeoutDur := time.Duration(timeout) * time.Second
	select {
	case <-ctx.Done():
		return nil, -1, false, fmt.Errorf("context cancelled")
	case <-time.After(timeoutDur):
		return nil, -1, false, fmt.Errorf("execution timed out after %ds", timeout)
	case err := <-done:
		exitCode := 0
		if err != nil {
			if exitErr, ok := err.(*ssh.ExitError); ok {
				exitCode = exitErr.ExitStatus()
			} else {
				return nil, -1, false, fmt.Errorf("run: %w", err)
			}
		}

		outStr, outTrunc := truncate(stdout.String())
		errStr, errTrunc := truncate(stderr.String())

		output := map[string]interface{}{
			"stdout":    strings.TrimSpace(outStr),
			"stderr":    strings.TrimSpace(errStr),
			"exit_code": exitCode,
			"success":   exitCode == 0,
		}

		if trimmed := strings.TrimSpace(outStr); trimmed != "" {
			var parsed interface{}
			if json.Unmarshal([]byte(trimmed), &parsed) == nil {
				output["parsed"] = parsed
			}
		}

		return output, exitCode, outTrunc || errTrunc, nil
	}
}

// truncate caps s at maxOutputBytes, keeping the tail (the most recent, and
// usually most diagnostic, output).
func truncate(s string) (string, bool) {
	if len(s) <= maxOutputBytes {
		return s, false
	}
	return s[len(s)-maxOutputBytes:], true
}

// DetectDistro detects the Linux distribution on a target, caching the
// result for distroTTL.
func (e *Executor) DetectDistro(ctx context.Context, target *Target) (string, error) {
	e.mu.Lock()
	if entry, ok := e.distroCache[target.Hostname]; ok && time.Since(entry.cachedAt) < distroTTL {
		e.mu.Unlock()
		return entry.distro, nil
	}
	e.mu.Unlock()

	script := `if [ -f /etc/os-release ]; then . /etc/os-release; echo "$ID"; elif [ -f /etc/redhat-release ]; then echo "rhel"; elif [ -f /etc/debian_version ]; then echo "debian"; else echo "unknown"; fi`

	output, exitCode, _, err := e.executeOnce(ctx, target, script, 10, false)
	if err != nil || exitCode != 0 {
		return "unknown", err
	}

	distro, _ := output["stdout"].(string)
	distro = strings.TrimSpace(distro)
	if distro == "" {
		distro = "unknown"
	}

	e.mu.Lock()
	e.distroCache[target.Hostname] = &distroCacheEntry{distro: distro, cachedAt: time.Now()}
	e.mu.Unlock()

	return distro, nil
}

func (e *Executor) getConnection(target *Target) (*ssh.Client, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if cached, ok := e.conns[target.Hostname]; ok {
		if time.Since(cached.createdAt) < connMaxAge {
			if _, err := cached.client.NewSession(); err == nil {
				e.lruTouch(target.Hostname)
				return cached.client, nil
			}
			e.log.Info("stale ssh connection, reconnecting", zap.String("host", target.Hostname))
		}
		cached.client.Close()
		delete(e.conns, target.Hostname)
		e.lruRemove(target.Hostname)
	}

	config, err := e.buildSSHConfig(target)
	if err != nil {
		return nil, err
	}

	port := target.Port
	if port == 0 {
		port = 22
	}

	connectTimeout := time.Duration(target.ConnectTimeout) * time.Second
	if connectTimeout == 0 {
		connectTimeout = 30 * time.Second
	}

	addr := net.JoinHostPort(target.Hostname, fmt.Sprintf("%d", port))
	conn, err := net.DialTimeout("tcp", addr, connectTimeout)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}

	sshConn, chans, reqs, err := ssh.NewClientConn(conn, addr, config)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("SSH handshake %s: %w", addr, err)
	}

	client := ssh.NewClient(sshConn, chans, reqs)

	if len(e.conns) >= maxCachedConns && len(e.connOrder) > 0 {
		evictHost := e.connOrder[0]
		e.connOrder = e.connOrder[1:]
		if old, ok := e.conns[evictHost]; ok {
			old.client.Close()
			delete(e.conns, evictHost)
			e.log.Info("evicted ssh connection", zap.String("host", evictHost))
		}
	}

	e.conns[target.Hostname] = &cachedConn{client: client, createdAt: time.Now()}
	e.lruTouch(target.Hostname)

	e.log.Info("new ssh connection", zap.String("host", target.Hostname), zap.Int("port", port))
	return client, nil
}

func (e *Executor) lruTouch(hostname string) {
	e.lruRemove(hostname)
	e.connOrder = append(e.connOrder, hostname)
}

func (e *Executor) lruRemove(hostname string) {
	for i, h := range e.connOrder {
		if h == hostname {
			e.connOrder = append(e.connOrder[:i], e.connOrder[i+1:]...)
			return
		}
	}
}

// InvalidateConnection drops a cached connection for a host.
func (e *Executor) InvalidateConnection(hostname string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if cached, ok := e.conns[hostname]; ok {
		cached.client.Close()
		delete(e.conns, hostname)
		e.lruRemove(hostname)
	}
}

// ConnectionCount returns the number of cached connections.
func (e *Executor) ConnectionCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.conns)
}

// CloseAll closes every cached connection.
func (e *Executor) CloseAll() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for host, cached := range e.conns {
		cached.client.Close()
		delete(e.conns, host)
	}
	e.connOrder = nil
}

func (e *Executor) buildSSHConfig(target *Target) (*ssh.ClientConfig, error) {
	username := target.Username
	if username == "" {
		username = "root"
	}

	config := &ssh.ClientConfig{
		User:            username,
		HostKeyCallback: e.tofuHostKeyCallback,
		Timeout:         30 * time.Second,
	}

	if target.PrivateKey != nil && *target.PrivateKey != "" {
		signer, err := ssh.ParsePrivateKey([]byte(*target.PrivateKey))
		if err != nil {
			return nil, fmt.Errorf("parse private key: %w", err)
		}
		config.Auth = []ssh.AuthMethod{ssh.PublicKeys(signer)}
	} else if target.Password != nil && *target.Password != "" {
		config.Auth = []ssh.AuthMethod{ssh.Password(*target.Password)}
	} else {
		return nil, fmt.Errorf("no auth method for %s (need key or password)", target.Hostname)
	}

	return config, nil
}

// tofuHostKeyCallback trusts a host's key on first contact and persists it;
// a later mismatch is rejected as a likely MITM rather than silently accepted.
func (e *Executor) tofuHostKeyCallback(hostname string, remote net.Addr, key ssh.PublicKey) error {
	host, _, err := net.SplitHostPort(hostname)
	if err != nil {
		host = hostname
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	existing, known := e.hostKeys[host]
	if !known {
		e.hostKeys[host] = key
		e.log.Info("tofu: trusted new host key", zap.String("host", host), zap.String("key_type", key.Type()))
		e.saveKnownHosts()
		return nil
	}

	if string(existing.Marshal()) == string(key.Marshal()) {
		return nil
	}

	e.log.Error("tofu: host key changed, possible MITM", zap.String("host", host))
	return fmt.Errorf("host key mismatch for %s: expected %s, got %s",
		host, ssh.FingerprintSHA256(existing), ssh.FingerprintSHA256(key))
}

func (e *Executor) loadKnownHosts() {
	if e.knownHosts == "" {
		return
	}
	f, err := os.Open(e.knownHosts)
	if err != nil {
		return
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		parts := strings.SplitN(line, " ", 3)
		if len(parts) != 3 {
			continue
		}
		keyBytes, err := base64.StdEncoding.DecodeString(parts[2])
		if err != nil {
			continue
		}
		pubKey, err := ssh.ParsePublicKey(keyBytes)
		if err != nil {
			continue
		}
		e.hostKeys[parts[0]] = pubKey
	}
}

func (e *Executor) saveKnownHosts() {
	if e.knownHosts == "" {
		return
	}
	dir := filepath.Dir(e.knownHosts)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		e.log.Warn("cannot create known_hosts dir", zap.Error(err))
		return
	}

	var buf strings.Builder
	buf.WriteString("# SSH known hosts (TOFU — managed by appliance)\n")
	for host, key := range e.hostKeys {
		buf.WriteString(fmt.Sprintf("%s %s %s\n", host, key.Type(), base64.StdEncoding.EncodeToString(key.Marshal())))
	}

	if err := os.WriteFile(e.knownHosts, []byte(buf.String()), 0o600); err != nil {
		e.log.Warn("failed to persist known_hosts", zap.Error(err))
	}
}

func isAuthError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "unable to authenticate") ||
		strings.Contains(msg, "permission denied") ||
		strings.Contains(msg, "no supported methods remain")
}

func hashOutput(output map[string]interface{}) string {
	data, _ := json.Marshal(output)
	hash := sha256.Sum256(data)
	return fmt.Sprintf("%x", hash)[:16]
}

func failResult(actionID, hostname, phase, errMsg string, start time.Time, retryCount int, distro string) *Result {
	return &Result{
		Success:      false,
		ActionID:     actionID,
		Target:       hostname,
		Phase:        phase,
		Output:       map[string]interface{}{"success": false, "stdout": "", "stderr": errMsg, "exit_code": -1},
		DurationSecs: time.Since(start).Seconds(),
		Error:        errMsg,
		Timestamp:    start.Format(time.RFC3339),
		RetryCount:   retryCount,
		Distro:       distro,
		ExitCode:     -1,
	}
}
