// Command twinops runs the Safety Kernel process: it constructs every
// collaborator once at startup (policy store, shadow twin, twin client,
// approval store, audit log, kernel, orchestrator) into a single app
// value, then blocks until it receives a shutdown signal. Framing
// operator requests onto the orchestrator — over HTTP, a CLI, or
// anything else — is an external front-end's job, not this process's.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/hadijannat/TwinOps/pkg/approval"
	"github.com/hadijannat/TwinOps/pkg/audit"
	"github.com/hadijannat/TwinOps/pkg/config"
	"github.com/hadijannat/TwinOps/pkg/contracts"
	"github.com/hadijannat/TwinOps/pkg/crypto"
	"github.com/hadijannat/TwinOps/pkg/interlock"
	"github.com/hadijannat/TwinOps/pkg/kernel"
	"github.com/hadijannat/TwinOps/pkg/observability"
	"github.com/hadijannat/TwinOps/pkg/orchestrator"
	"github.com/hadijannat/TwinOps/pkg/policystore"
	"github.com/hadijannat/TwinOps/pkg/shadow"
	"github.com/hadijannat/TwinOps/pkg/toolcatalog"
	"github.com/hadijannat/TwinOps/pkg/twinclient"
)

func main() {
	os.Exit(run(os.Args, os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		return runKernel(stdout, stderr)
	}

	switch args[1] {
	case "run":
		return runKernel(stdout, stderr)
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	default:
		fmt.Fprintf(stderr, "Unknown command: %s\n", args[1])
		printUsage(stderr)
		return 2
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "TwinOps Safety Kernel")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "USAGE:")
	fmt.Fprintln(w, "  twinops <command>")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "COMMANDS:")
	fmt.Fprintln(w, "  run    Construct every collaborator and block until shutdown (default)")
	fmt.Fprintln(w, "  help   Show this help")
}

// app is every long-lived collaborator the kernel process needs, built
// once at startup. A front-end process embeds this app and calls
// orchestrator.Process directly; nothing in this package frames requests
// onto it.
type app struct {
	orchestrator *orchestrator.Orchestrator
	approvals    *approval.Store
	auditLog     *audit.Log
	mqttSub      *shadow.Subscriber
}

func runKernel(stdout, stderr io.Writer) int {
	ctx := context.Background()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(stderr, "config: %v\n", err)
		return 2
	}

	logger := slog.New(slog.NewJSONHandler(stdout, &slog.HandlerOptions{Level: logLevel(cfg.LogLevel)}))
	slog.SetDefault(logger)
	logger.Info("twinops starting", "twin_base_url", cfg.TwinBaseURL, "aas_id", cfg.AASID)

	obs, err := observability.New(ctx, observability.DefaultConfig())
	if err != nil {
		logger.Error("observability init failed", "error", err)
		return 2
	}
	defer obs.Shutdown(ctx)

	a, err := buildApp(ctx, cfg, logger)
	if err != nil {
		logger.Error("startup failed", "error", err)
		return 2
	}
	defer a.auditLog.Close()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info("twinops shutting down")
	a.mqttSub.Disconnect()
	return 0
}

// buildApp wires every collaborator the Safety Kernel needs: Twin Client,
// Shadow Twin, Policy Store, Audit Log, Approval Store, interlocks, tool
// catalog, Kernel, and finally the Orchestrator that fronts all of it.
func buildApp(ctx context.Context, cfg config.Config, logger *slog.Logger) (*app, error) {
	var signer *twinclient.HMACSigner
	if cfg.OpServiceHMACKeyID != "" {
		secret, err := crypto.DeriveHMACSecret([]byte(cfg.OpServiceHMACSecret), cfg.OpServiceHMACKeyID, 32)
		if err != nil {
			return nil, fmt.Errorf("deriving opservice hmac secret: %w", err)
		}
		signer = &twinclient.HMACSigner{KeyID: cfg.OpServiceHMACKeyID, Secret: secret}
	}
	twin := twinclient.New(twinclient.Config{
		BaseURL:            cfg.TwinBaseURL,
		HTTPTimeout:        10 * time.Second,
		FailureThreshold:   uint32(cfg.TwinClientFailureThreshold),
		RecoveryTimeout:    time.Duration(cfg.TwinClientRecoveryTimeoutSeconds) * time.Second,
		HalfOpenMaxCalls:   uint32(cfg.TwinClientHalfOpenMaxCalls),
		RetryMaxAttempts:   3,
		RetryBaseDelay:     100 * time.Millisecond,
		RetryMaxDelay:      2 * time.Second,
		RetryJitter:        50 * time.Millisecond,
		JobPollMaxInterval: 2 * time.Second,
		JobPollJitter:      100 * time.Millisecond,
		IdempotencyTTL:     24 * time.Hour,
		Signer:             signer,
		PolicySubmodel:     cfg.PolicySubmodel,
		PolicyPath:         cfg.PolicyPath,
		MaxConcurrency:     cfg.TwinClientMaxConcurrency,
	}, twinclient.NewMemoryIdempotency())

	// Shadow Twin: in-memory projection seeded by HTTP snapshot, kept live
	// over MQTT.
	shadowTwin := shadow.New(twin)
	mqttSub := shadow.NewSubscriber(mqttBrokerURL(cfg), cfg.RepoID, cfg.AASID, cfg.MQTTClientID, shadowTwin, logger)

	// Policy Store: CovenantTwin signed-policy loader.
	policy, err := policystore.New(twin, crypto.Ed25519Verifier{}, policystore.Config{
		PublicKeyHex: cfg.PolicyPublicKeyHex,
		CacheTTL:     time.Duration(cfg.PolicyCacheTTLSeconds) * time.Second,
		MaxAge:       time.Duration(cfg.PolicyMaxAgeSeconds) * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("policy store init: %w", err)
	}

	if seedSubmodels := initialInterlockSubmodels(ctx, policy, logger); len(seedSubmodels) > 0 {
		if err := mqttSub.Connect(ctx, seedSubmodels); err != nil {
			logger.Warn("mqtt connect failed, shadow twin falls back to HTTP-only reads", "error", err)
		}
	} else if err := mqttSub.Connect(ctx, nil); err != nil {
		logger.Warn("mqtt connect failed, shadow twin falls back to HTTP-only reads", "error", err)
	}

	// Audit Log: append-only, hash-chained JSONL, optionally rotating
	// closed segments to S3 cold storage.
	var segmentArchiver audit.SegmentArchiver
	if cfg.AuditArchiveBucket != "" {
		archiver, err := audit.NewArchiver(ctx, audit.ArchiverConfig{
			Bucket:   cfg.AuditArchiveBucket,
			Region:   cfg.AuditArchiveRegion,
			Endpoint: cfg.AuditArchiveEndpoint,
			Prefix:   cfg.AuditArchivePrefix,
		})
		if err != nil {
			return nil, fmt.Errorf("audit archiver init: %w", err)
		}
		segmentArchiver = archiver
	}
	auditLog, err := audit.Open(audit.Config{
		Path:               cfg.AuditLogPath,
		Archiver:           segmentArchiver,
		RotateAfterEntries: cfg.AuditRotateAfterEntries,
		Logger:             logger,
	})
	if err != nil {
		return nil, fmt.Errorf("audit log open: %w", err)
	}

	// Approval Store: pending/approved/rejected/expired state machine for
	// CRITICAL-risk calls. Its Resubmitter closes the cycle back into the
	// kernel without the kernel holding a reference to the store itself.
	var theKernel *kernel.Kernel
	approvals := approval.New(approval.Config{
		Policy: policy,
		TTL:    time.Duration(cfg.ApprovalTTLSeconds) * time.Second,
		Audit:  auditLog,
		Resubmitter: func(ctx context.Context, taskID string, call contracts.ToolCall, actor string, roles []string) (contracts.Decision, error) {
			return theKernel.Resubmit(ctx, taskID, call, actor, roles)
		},
	})

	interlocks := interlock.New(shadowTwin)

	toolRefs, catalog := seedToolCatalog(cfg)
	executor := twinclient.NewExecutor(twin, toolRefs)

	theKernel = kernel.New(kernel.Config{
		Policy:     policy,
		Interlocks: interlocks,
		Executor:   executor,
		Approvals:  approvals,
		Audit:      auditLog,
	})

	orch := orchestrator.New(orchestrator.Config{
		LLM:                 localKeywordAdapter{catalog: catalog},
		Validator:           catalog,
		Kernel:              theKernel,
		ConcurrencyLimit:    cfg.ToolConcurrencyLimit,
		LLMConcurrencyLimit: cfg.LLMConcurrencyLimit,
	})

	return &app{orchestrator: orch, approvals: approvals, auditLog: auditLog, mqttSub: mqttSub}, nil
}

func mqttBrokerURL(cfg config.Config) string {
	return "tcp://" + cfg.MQTTBrokerHost + ":" + strconv.Itoa(cfg.MQTTBrokerPort)
}

// initialInterlockSubmodels fetches the policy once at startup to learn
// which submodels the Shadow Twin should seed and subscribe to. A failed
// fetch here is not fatal: the kernel fails closed with policy_unverified
// on every call until a policy loads, and the Shadow Twin simply starts
// with nothing seeded.
func initialInterlockSubmodels(ctx context.Context, policy *policystore.Store, logger *slog.Logger) []string {
	p, err := policy.Current(ctx)
	if err != nil {
		logger.Warn("initial policy fetch failed, starting deny-by-default", "error", err)
		return nil
	}
	seen := make(map[string]bool)
	var submodels []string
	for _, il := range p.Interlocks {
		if !seen[il.Submodel] {
			seen[il.Submodel] = true
			submodels = append(submodels, il.Submodel)
		}
	}
	return submodels
}

func logLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// seedToolCatalog registers the fixed set of AAS operations this
// deployment exposes. Catalog assembly from live AAS discovery is out of
// scope; a real deployment would replace this with a loader reading the
// AAS's own submodel-element tree.
func seedToolCatalog(cfg config.Config) (map[string]twinclient.OperationRef, *toolcatalog.Catalog) {
	base := cfg.TwinBaseURL
	aas := cfg.AASID

	refs := map[string]twinclient.OperationRef{
		"ReadTemperature": {Name: "ReadTemperature", InvokeURL: base + "/aas/" + aas + "/submodels/Sensors/submodel-elements/Temperature/invoke"},
		"SetSpeed":        {Name: "SetSpeed", InvokeURL: base + "/aas/" + aas + "/submodels/Actuators/submodel-elements/SetSpeed/invoke"},
		"StartPump":       {Name: "StartPump", InvokeURL: base + "/aas/" + aas + "/submodels/Actuators/submodel-elements/StartPump/invoke"},
		"EmergencyStop":   {Name: "EmergencyStop", InvokeURL: base + "/aas/" + aas + "/submodels/Actuators/submodel-elements/EmergencyStop/invoke"},
	}

	catalog := toolcatalog.New()
	_ = catalog.Register(toolcatalog.Entry{
		Name:        "ReadTemperature",
		Description: "Read the current temperature sensor value",
		RiskHint:    contracts.RiskLow,
	})
	_ = catalog.Register(toolcatalog.Entry{
		Name:        "SetSpeed",
		Description: "Set the motor speed in RPM",
		Schema:      `{"type":"object","properties":{"rpm":{"type":"number","minimum":0}},"required":["rpm"]}`,
		RiskHint:    contracts.RiskHigh,
	})
	_ = catalog.Register(toolcatalog.Entry{
		Name:        "StartPump",
		Description: "Start the coolant pump",
		RiskHint:    contracts.RiskMedium,
	})
	_ = catalog.Register(toolcatalog.Entry{
		Name:        "EmergencyStop",
		Description: "Trigger an immediate emergency stop",
		RiskHint:    contracts.RiskCritical,
	})

	return refs, catalog
}

// localKeywordAdapter is the LLM_PROVIDER=local stand-in: a trivial
// keyword-matching tool selector. Concrete LLM provider integrations are
// out of scope; this exists only so the process has something satisfying
// orchestrator.LLMAdapter to run against.
type localKeywordAdapter struct {
	catalog *toolcatalog.Catalog
}

func (a localKeywordAdapter) SelectTools(ctx context.Context, message string, requesterRoles []string) ([]contracts.ToolCall, error) {
	lower := strings.ToLower(message)
	candidates := a.catalog.Search(ctx, "")
	for _, entry := range candidates {
		if strings.Contains(lower, strings.ToLower(entry.Name)) {
			return []contracts.ToolCall{{Name: entry.Name, Arguments: map[string]any{}, Risk: entry.RiskHint}}, nil
		}
	}
	return nil, nil
}
