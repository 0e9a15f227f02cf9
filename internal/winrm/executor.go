// Package winrm runs remediation PowerShell scripts on Windows targets. It
// handles session caching, the cmd.exe 8191-character limit via temp-file
// chunking, NTLM auth, and retry with linear backoff.
package winrm

import (
	"bytes"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	gowinrm "github.com/masterzen/winrm"
	"go.uber.org/zap"
)

// Target describes a Windows machine to execute scripts on.
type Target struct {
	Hostname  string `json:"hostname"`
	Port      int    `json:"port"`
	Username  string `json:"username"`
	Password  string `json:"password"`
	UseSSL    bool   `json:"use_ssl"`
	VerifySSL bool   `json:"verify_ssl"`
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
}

type cachedSession struct {
	client    *gowinrm.Client
	createdAt time.Time
}

const (
	sessionMaxAge     = 300 * time.Second
	inlineScriptLimit = 2000
	chunkSize         = 6000
	defaultTimeout    = 300
	maxOutputBytes    = 1 << 20 // 1 MiB, matches the SSH executor's cap
)

// Executor manages WinRM sessions and script execution.
type Executor struct {
	log      *zap.Logger
	sessions map[string]*cachedSession
	mu       sync.Mutex
}

// NewExecutor creates a WinRM executor.
func NewExecutor(log *zap.Logger) *Executor {
	if log == nil {
		log = zap.NewNop()
	}
	return &Executor{log: log, sessions: make(map[string]*cachedSession)}
}

// Execute runs a PowerShell script on a Windows target with retry support.
func (e *Executor) Execute(target *Target, script, actionID, phase string, timeout, retries int, retryDelay float64) *Result {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	if retryDelay <= 0 {
		retryDelay = 30.0
	}

	start := time.Now().UTC()
	var lastErr string
	retryCount := 0

	for attempt := 0; attempt <= retries; attempt++ {
		if attempt > 0 {
			delay := time.Duration(retryDelay*float64(attempt)) * time.Second
			e.log.Info("retrying winrm execution", zap.String("host", target.Hostname), zap.Int("attempt", attempt))
			time.Sleep(delay)
			retryCount++
		}

		output, truncated, err := e.executeOnce(target, script, timeout)
		if err != nil {
			lastErr = err.Error()
			e.log.Warn("winrm execution failed", zap.String("host", target.Hostname), zap.Error(err))
			e.InvalidateSession(target.Hostname)
			continue
		}

		elapsed := time.Since(start).Seconds()
		success, _ := output["success"].(bool)
		return &Result{
			Success:      success,
			ActionID:     actionID,
			Target:       target.Hostname,
			Phase:        phase,
			Output:       output,
			DurationSecs: elapsed,
			Timestamp:    start.Format(time.RFC3339),
			OutputHash:   hashOutput(output),
			RetryCount:   retryCount,
			Truncated:    truncated,
		}
	}

	elapsed := time.Since(start).Seconds()
	return &Result{
		Success:      false,
		ActionID:     actionID,
		Target:       target.Hostname,
		Phase:        phase,
		Output:       map[string]interface{}{"success": false, "std_out": "", "std_err": lastErr},
		DurationSecs: elapsed,
		Error:        lastErr,
		Timestamp:    start.Format(time.RFC3339),
		RetryCount:   retryCount,
	}
}

func (e *Executor) executeOnce(target *Target, script string, timeout int) (map[string]interface{}, bool, error) {
	client, err := e.getSession(target)
	if err != nil {
		return nil, false, fmt.Errorf("get session: %w", err)
	}

	var stdout, stderr string
	var exitCode int

	if len(script) > inlineScriptLimit {
		stdout, stderr, exitCode, err = e.executeViaTempFile(client, script)
	} else {
		stdout, stderr, exitCode, err = e.executeInline(client, script)
	}
	if err != nil {
		return nil, false, err
	}

	outStr, outTrunc := truncate(stdout)
	errStr, errTrunc := truncate(stderr)

	output := map[string]interface{}{
		"status_code": exitCode,
		"std_out":     outStr,
		"std_err":     errStr,
		"success":     exitCode == 0,
	}

	if outStr != "" {
		var parsed interface{}
		if json.Unmarshal([]byte(outStr), &parsed) == nil {
			output["parsed"] = parsed
		}
	}

	return output, outTrunc || errTrunc, nil
}

func truncate(s string) (string, bool) {
	if len(s) <= maxOutputBytes {
		return s, false
	}
	return s[len(s)-maxOutputBytes:], true
}

func (e *Executor) executeInline(client *gowinrm.Client, script string) (string, string, int, error) {
	shell, err := client.CreateShell()
	if err != nil {
		return "", "", -1, fmt.Errorf("create shell: %w", err)
	}
	defer shell.Close()

	encoded := encodePowerShell(script)
	cmd, err := shell.Execute("powershell.exe", "-NoProfile", "-NonInteractive", "-EncodedCommand", encoded)
	if err != nil {
		return "", "", -1, fmt.Errorf("execute: %w", err)
	}
	defer cmd.Close()

	var stdoutBuf, stderrBuf bytes.Buffer
	go io.Copy(&stdoutBuf, cmd.Stdout)
	go io.Copy(&stderrBuf, cmd.Stderr)
	cmd.Wait()

	return strings.TrimSpace(stdoutBuf.String()), strings.TrimSpace(stderrBuf.String()), cmd.ExitCode(), nil
}

// executeViaTempFile handles the cmd.exe 8191-character limit by writing
// the script to a temp file via chunked base64 echo commands.
func (e *Executor) executeViaTempFile(client *gowinrm.Client, script string) (string, string, int, error) {
	scriptHash := fmt.Sprintf("%x", sha256.Sum256([]byte(script)))[:8]
	tempB64 := fmt.Sprintf(`C:\Windows\Temp\appliance_%s.b64`, scriptHash)
	tempPS1 := fmt.Sprintf(`C:\Windows\Temp\appliance_%s.ps1`, scriptHash)

	encoded := base64.StdEncoding.EncodeToString([]byte(script))
	chunks := splitString(encoded, chunkSize)

	shell, err := client.CreateShell()
	if err != nil {
		return "", "", -1, fmt.Errorf("create shell: %w", err)
	}
	defer shell.Close()

	for i, chunk := range chunks {
		op := ">"
		if i > 0 {
			op = ">>"
		}
		cmdStr := fmt.Sprintf(`echo %s%s"%s"`, chunk, op, tempB64)
		cmd, err := shell.Execute("cmd.exe", "/c", cmdStr)
		if err != nil {
			return "", "", -1, fmt.Errorf("write chunk %d: %w", i, err)
		}
		cmd.Wait()
		cmd.Close()
		if cmd.ExitCode() != 0 {
			return "", "", -1, fmt.Errorf("write chunk %d failed: exit %d", i, cmd.ExitCode())
		}
	}

	decodeAndRun := fmt.Sprintf(
		`$r=(Get-Content '%s' -Raw) -replace '\s',''; `+
			`$b=[Convert]::FromBase64String($r); `+
			`[IO.File]::WriteAllText('%s',[Text.Encoding]::UTF8.GetString($b)); `+
			`Remove-Item '%s' -Force -EA SilentlyContinue; `+
			`try { & '%s' } finally { Remove-Item '%s' -Force -EA SilentlyContinue }`,
		tempB64, tempPS1, tempB64, tempPS1, tempPS1,
	)

	encodedCmd := encodePowerShell(decodeAndRun)
	cmd, err := shell.Execute("powershell.exe", "-NoProfile", "-NonInteractive", "-EncodedCommand", encodedCmd)
	if err != nil {
		return "", "", -1, fmt.Errorf("execute temp file: %w", err)
	}
	defer cmd.Close()

	var stdoutBuf, stderrBuf bytes.Buffer
	go io.Copy(&stdoutBuf, cmd.Stdout)
	go io.Copy(&stderrBuf, cmd.Stderr)
	cmd.Wait()

	return strings.TrimSpace(stdoutBuf.String()), strings.TrimSpace(stderrBuf.String()), cmd.ExitCode(), nil
}

func (e *Executor) getSession(target *Target) (*gowinrm.Client, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if cached, ok := e.sessions[target.Hostname]; ok {
		if time.Since(cached.createdAt) < sessionMaxAge {
			return cached.client, nil
		}
		e.log.Info("winrm session expired, refreshing", zap.String("host", target.Hostname))
	}

	port := target.Port
	if port == 0 {
		if target.UseSSL {
			port = 5986
		} else {
			port = 5985
		}
	}

	endpoint := gowinrm.NewEndpoint(target.Hostname, port, target.UseSSL, !target.VerifySSL, nil, nil, nil, 120*time.Second)

	params := gowinrm.NewParameters("PT120S", "en-US", 153600)
	params.TransportDecorator = func() gowinrm.Transporter { return &gowinrm.ClientNTLM{} }

	client, err := gowinrm.NewClientWithParameters(endpoint, target.Username, target.Password, params)
	if err != nil {
		return nil, fmt.Errorf("create WinRM client for %s: %w", target.Hostname, err)
	}

	e.sessions[target.Hostname] = &cachedSession{client: client, createdAt: time.Now()}
	e.log.Info("new winrm session", zap.String("host", target.Hostname), zap.Int("port", port))
	return client, nil
}

// InvalidateSession drops a cached session for a host.
func (e *Executor) InvalidateSession(hostname string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.sessions, hostname)
}

// SessionCount returns the number of cached sessions.
func (e *Executor) SessionCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.sessions)
}

func encodePowerShell(script string) string {
	utf16 := make([]byte, len(script)*2)
	for i, c := range []byte(script) {
		utf16[i*2] = c
		utf16[i*2+1] = 0
	}
	return base64.StdEncoding.EncodeToString(utf16)
}

func splitString(s string, size int) []string {
	var chunks []string
	for len(s) > 0 {
		end := size
		if end > len(s) {
			end = len(s)
		}
		chunks = append(chunks, s[:end])
		s = s[end:]
	}
	return chunks
}

func hashOutput(output map[string]interface{}) string {
	data, _ := json.Marshal(output)
	hash := sha256.Sum256(data)
	return fmt.Sprintf("%x", hash)[:16]
}
