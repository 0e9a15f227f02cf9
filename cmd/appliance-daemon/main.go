// Command appliance-daemon is the fleet-deployed compliance agent: it
// scans managed hosts for drift, heals what it safely can (L1 rules, then
// an L2 planner proxied through the control plane), escalates what it
// can't, and seals every action into a signed, hash-chained evidence
// trail. See cmd/appliance-daemon and internal/supervisor for the worker
// topology; everything below is wiring.
package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/smtp"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/osiriscare/appliance/internal/apperr"
	"github.com/osiriscare/appliance/internal/clock"
	"github.com/osiriscare/appliance/internal/collector"
	"github.com/osiriscare/appliance/internal/config"
	"github.com/osiriscare/appliance/internal/controlplane"
	"github.com/osiriscare/appliance/internal/crypto"
	"github.com/osiriscare/appliance/internal/drift"
	"github.com/osiriscare/appliance/internal/escalate"
	"github.com/osiriscare/appliance/internal/evidence"
	"github.com/osiriscare/appliance/internal/executor"
	"github.com/osiriscare/appliance/internal/guardrails"
	"github.com/osiriscare/appliance/internal/hostinventory"
	"github.com/osiriscare/appliance/internal/learning"
	"github.com/osiriscare/appliance/internal/logging"
	"github.com/osiriscare/appliance/internal/orchestrator"
	"github.com/osiriscare/appliance/internal/phi"
	"github.com/osiriscare/appliance/internal/planner"
	"github.com/osiriscare/appliance/internal/queue"
	"github.com/osiriscare/appliance/internal/rules"
	"github.com/osiriscare/appliance/internal/runbook"
	"github.com/osiriscare/appliance/internal/sdnotify"
	"github.com/osiriscare/appliance/internal/sshexec"
	"github.com/osiriscare/appliance/internal/store"
	"github.com/osiriscare/appliance/internal/supervisor"
	"github.com/osiriscare/appliance/internal/winrm"
	"github.com/osiriscare/appliance/internal/worm"
	"go.uber.org/zap"
)

const daemonVersion = "0.1.0"

func main() {
	os.Exit(run(os.Args[1:]))
}

// run builds the daemon and blocks until it exits, returning the process
// exit code rather than calling os.Exit directly so it stays testable.
func run(args []string) int {
	for _, a := range args {
		if a == "--version" || a == "-version" {
			fmt.Println("appliance-daemon", daemonVersion)
			return 0
		}
	}

	cfg, err := config.Load(args)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return apperr.ExitCode(apperr.New("main.config", apperr.Configuration, err))
	}

	log, err := logging.New(cfg.LogLevel)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return apperr.ExitCode(apperr.New("main.logging", apperr.Configuration, err))
	}
	defer log.Sync()

	err = runDaemon(cfg, log)
	if err == nil {
		return 0
	}
	if errors.Is(err, errCycleHadFailures) {
		log.Warn("one-shot cycle completed with failures", zap.Error(err))
		return 10
	}
	log.Error("fatal startup failure", zap.Error(err))
	return apperr.ExitCode(err)
}

// errCycleHadFailures marks a one-shot cycle that ran to completion but
// left at least one incident unresolved; it's not a startup failure, so
// it's checked before falling back to apperr's fatal exit-code mapping.
var errCycleHadFailures = errors.New("one-shot cycle completed with failures")

func runDaemon(cfg *config.Config, log *zap.Logger) error {
	sysClock := clock.NewSystem()

	signer, err := crypto.LoadOrCreateSigner(cfg.SigningKeyFile)
	if err != nil {
		return apperr.New("main.signer", apperr.CryptoUnavailable, err)
	}
	verifier := crypto.NewOrderVerifier("")

	st, err := store.Open(cfg.QueueDBPath())
	if err != nil {
		return apperr.New("main.store", apperr.StoreCorruption, err)
	}
	defer st.Close()

	telemetryQueue, err := queue.Open(filepath.Join(cfg.StateDir, "telemetry.db"))
	if err != nil {
		return apperr.New("main.queue", apperr.Configuration, err)
	}
	defer telemetryQueue.Close()

	evidenceDir := filepath.Join(cfg.StateDir, "evidence")
	evStore, err := evidence.OpenStore(evidenceDir, sysClock)
	if err != nil {
		return apperr.New("main.evidence_store", apperr.Configuration, err)
	}
	chain, err := evidence.OpenChain(filepath.Join(evidenceDir, "chain.jsonl"), sysClock)
	if err != nil {
		return apperr.New("main.evidence_chain", apperr.Configuration, err)
	}

	inv, err := hostinventory.Load(filepath.Join(cfg.StateDir, "hosts.yaml"))
	if err != nil {
		return apperr.New("main.hostinventory", apperr.Configuration, err)
	}

	// sup is assigned once the supervisor is built below; the entitlement
	// and target-resolution closures only fire later, during healing and
	// scanning, by which point it's non-nil. This breaks the construction
	// cycle where Guardrails (needed by Orchestrator) would otherwise have
	// to exist before Supervisor does.
	var sup *supervisor.Supervisor
	entitled := func(siteID string) bool {
		if sup == nil {
			return true
		}
		return sup.Entitled(siteID)
	}
	targets := func(hostID string) (executor.HostTarget, error) {
		var creds []controlplane.Credential
		if sup != nil {
			creds = sup.LatestCredentials()
		}
		cred, ok := hostinventory.CredentialFor(hostID, creds)
		if !ok {
			return executor.HostTarget{}, fmt.Errorf("no check-in credential for host %q", hostID)
		}
		return inv.Target(hostID, cred)
	}

	allowlist := guardrails.NewAllowlist(nil)
	limiter := guardrails.NewRateLimiter(sysClock, guardrails.DefaultCooldown)
	gr := guardrails.New(allowlist, limiter, guardrails.WithEntitlement(entitled))

	rulesEngine := rules.NewEngine(sysClock, log, allowlist.IsAllowed, crypto.NewOrderVerifier(signer.PublicKeyHex()))
	if err := rulesEngine.LoadBuiltin(); err != nil {
		return apperr.New("main.rules", apperr.Configuration, err)
	}
	customRules := filepath.Join(cfg.RulesDir, "custom.yaml")
	if _, err := os.Stat(customRules); err == nil {
		if err := rulesEngine.LoadCustomFile(customRules); err != nil {
			log.Warn("custom rules file present but invalid, continuing without it", zap.Error(err))
		} else if _, err := rulesEngine.WatchCustomFile(customRules); err != nil {
			log.Warn("failed to watch custom rules file for live reload", zap.Error(err))
		}
	}

	sshExec := sshexec.NewExecutor(log, filepath.Join(cfg.StateDir, "known_hosts"))
	winrmExec := winrm.NewExecutor(log)
	exec := executor.New(sshExec, winrmExec, log)

	runbooks, err := runbook.Load()
	if err != nil {
		return apperr.New("main.runbook", apperr.Configuration, err)
	}

	coll := collector.New(sshExec, winrmExec, targets, log)
	scanner := drift.New(drift.Config{}, coll, st, phi.New(), sysClock, log)

	cpClient, err := controlplane.New(controlplane.Config{
		BaseURL:        cfg.MCPURL,
		SiteID:         cfg.SiteID,
		HostID:         cfg.HostID,
		ClientCertFile: cfg.ClientCertFile,
		ClientKeyFile:  cfg.ClientKeyFile,
		APIKey:         cfg.MCPAPIKey,
		PollInterval:   time.Duration(cfg.PollIntervalSeconds) * time.Second,
		Clock:          sysClock,
		Log:            log,
	}, verifier)
	if err != nil {
		return apperr.New("main.controlplane", apperr.Configuration, err)
	}

	budget := guardrails.NewBudgetTracker(sysClock, guardrails.DefaultBudgetConfig())
	l2 := planner.New(cpClient, budget, planner.Config{Budget: guardrails.DefaultBudgetConfig()}, log)

	escalator := escalate.New(buildNotifiers(cfg), log)

	var bundleMu sync.Mutex
	bundleSeq := 0
	bundleNext := func() *evidence.Bundle {
		bundleMu.Lock()
		defer bundleMu.Unlock()
		bundleSeq++
		return &evidence.Bundle{
			BundleID:  evidence.NewBundleID(sysClock, bundleSeq),
			Timestamp: sysClock.Now().UTC().Format(time.RFC3339),
		}
	}

	var orchExecutor orchestrator.Executor = exec
	if cfg.DryRun {
		orchExecutor = dryRunExecutor{log: log}
	}

	orch := orchestrator.New(orchestrator.Config{
		Rules:      rulesEngine,
		Planner:    l2,
		Escalator:  escalator,
		Guardrails: gr,
		Store:      st,
		Executor:   orchExecutor,
		Runbooks:   runbooks.Resolve,
		Targets:    targets,
		BundleNext: bundleNext,
		Chain:      chain,
		Signer:     signer,
		Clock:      sysClock,
		Log:        log,
	})

	uploader, err := worm.New(worm.Config{
		Mode:            worm.Mode(cfg.WORMMode),
		ProxyUploadFunc: cpClient.ProxyUploadFunc,
		S3Bucket:        cfg.WORMS3Bucket,
		S3Region:        cfg.WORMS3Region,
		RetentionDays:   cfg.WORMRetentionDays,
	})
	if err != nil {
		return apperr.New("main.worm", apperr.Configuration, err)
	}

	learner := learning.New(learning.Config{
		Store:                st,
		Rules:                rulesEngine,
		Signer:               signer,
		Clock:                sysClock,
		RunbookHIPAAControls: runbooks.HIPAAControls,
		Log:                  log,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.OneShot {
		return runOneShot(ctx, cfg, inv, scanner, orch, log)
	}

	sup, err = supervisor.New(supervisor.Config{
		SiteID:         cfg.SiteID,
		HostIDs:        inv.HostIDs,
		PlatformOf:     inv.PlatformOf,
		Scanner:        scanner,
		Orchestrator:   orch,
		ControlPlane:   cpClient,
		Version:        daemonVersion,
		EvidenceStore:  evStore,
		Chain:          chain,
		Uploader:       uploader,
		Learner:        learner,
		TelemetryQueue: telemetryQueue,
		OnFatal: func(err error) {
			log.Error("orchestrator reported a fatal healing failure", zap.Error(err))
		},
		Clock: sysClock,
		Log:   log,
	})
	if err != nil {
		return apperr.New("main.supervisor", apperr.Configuration, err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Info("shutdown signal received")
		sdnotify.Stopping()
		cancel()
	}()

	log.Info("appliance-daemon starting", zap.String("version", daemonVersion), zap.String("site_id", cfg.SiteID))
	if err := sdnotify.Ready(); err != nil {
		log.Warn("sdnotify Ready failed, continuing without systemd integration", zap.Error(err))
	}
	go watchdogLoop(ctx, log)
	return sup.Run(ctx)
}

// watchdogLoop pets systemd's watchdog on a fixed cadence so a hung
// daemon gets restarted rather than silently stalling; a no-op off
// systemd since sdnotify.Watchdog returns nil when NOTIFY_SOCKET is unset.
func watchdogLoop(ctx context.Context, log *zap.Logger) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := sdnotify.Watchdog(); err != nil {
				log.Warn("sdnotify Watchdog failed", zap.Error(err))
			}
		}
	}
}

// runOneShot runs a single drift-scan-and-heal cycle and returns, instead
// of starting the long-running worker pools. Exit code 10 on the process
// boundary signals "cycle completed with at least one failed resolution",
// distinct from the fatal startup codes 1-3.
func runOneShot(ctx context.Context, cfg *config.Config, inv *hostinventory.Inventory, scanner *drift.Scanner, orch *orchestrator.Orchestrator, log *zap.Logger) error {
	hostIDs := inv.HostIDs()
	incidents := scanner.ScanHosts(ctx, cfg.SiteID, hostIDs, inv.PlatformOf)
	log.Info("one-shot cycle scanned hosts", zap.Int("host_count", len(hostIDs)), zap.Int("incident_count", len(incidents)))

	failures := 0
	for _, inc := range incidents {
		res, err := orch.Heal(ctx, inc)
		if err != nil {
			log.Error("heal failed", zap.String("incident_id", inc.ID), zap.Error(err))
			failures++
			continue
		}
		if res.Outcome != store.OutcomeSuccess {
			failures++
		}
	}

	if failures > 0 {
		return fmt.Errorf("%w: %d of %d incidents did not resolve successfully", errCycleHadFailures, failures, len(incidents))
	}
	return nil
}

func buildNotifiers(cfg *config.Config) map[string]escalate.Notifier {
	notifiers := map[string]escalate.Notifier{}

	if cfg.SlackBotToken != "" && cfg.SlackChannelID != "" {
		notifiers["chat"] = escalate.NewChatNotifier(cfg.SlackBotToken, cfg.SlackChannelID)
	}
	if cfg.PagerWebhookURL != "" && cfg.PagerRoutingKey != "" {
		notifiers["pager"] = escalate.NewPagerNotifier(cfg.PagerWebhookURL, cfg.PagerRoutingKey)
	}
	if cfg.SMTPRelayAddr != "" && cfg.SMTPFrom != "" && cfg.SMTPTo != "" {
		var auth smtp.Auth
		if cfg.SMTPUsername != "" {
			auth = smtp.PlainAuth("", cfg.SMTPUsername, cfg.SMTPPassword, smtpHost(cfg.SMTPRelayAddr))
		}
		to := strings.Split(cfg.SMTPTo, ",")
		for i := range to {
			to[i] = strings.TrimSpace(to[i])
		}
		notifiers["email"] = escalate.NewEmailNotifier(cfg.SMTPRelayAddr, cfg.SMTPFrom, to, auth)
	}

	return notifiers
}

func smtpHost(addr string) string {
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return host
	}
	return addr
}

// dryRunExecutor logs what would have run instead of dispatching to a live
// SSH/WinRM transport, backing Config.DryRun.
type dryRunExecutor struct {
	log *zap.Logger
}

func (d dryRunExecutor) Run(ctx context.Context, rb executor.Runbook, target executor.HostTarget, actionID string) executor.Outcome {
	d.log.Info("dry-run: would execute runbook",
		zap.String("runbook_id", rb.ID), zap.String("action_id", actionID))
	return executor.Outcome{Success: true}
}
