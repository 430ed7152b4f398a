// Menagerie orchestrator — supervises creature containers, proxies their
// LLM traffic with budget enforcement, and serves the dashboard API.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/menagerie-sh/menagerie/pkg/api"
	"github.com/menagerie-sh/menagerie/pkg/config"
	"github.com/menagerie-sh/menagerie/pkg/container"
	"github.com/menagerie-sh/menagerie/pkg/cost"
	"github.com/menagerie-sh/menagerie/pkg/creator"
	"github.com/menagerie-sh/menagerie/pkg/events"
	"github.com/menagerie-sh/menagerie/pkg/fleet"
	"github.com/menagerie-sh/menagerie/pkg/health"
	"github.com/menagerie-sh/menagerie/pkg/janee"
	"github.com/menagerie-sh/menagerie/pkg/llm"
	"github.com/menagerie-sh/menagerie/pkg/llmproxy"
	"github.com/menagerie-sh/menagerie/pkg/models"
	"github.com/menagerie-sh/menagerie/pkg/narrator"
	"github.com/menagerie-sh/menagerie/pkg/version"
)

func main() {
	// Load .env from the working directory; absence is fine.
	if err := godotenv.Load(); err != nil {
		slog.Debug("No .env file, continuing with existing environment")
	}

	// 1. Configuration
	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}
	slog.Info("Starting menagerie",
		"version", version.Full(),
		"home", cfg.Home,
		"creatures_dir", cfg.CreaturesDir,
		"http_port", cfg.HTTPPort)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	// 2. Pricing table (cache-first; network failure degrades, never fatal)
	prices := pricingLoader(ctx, cfg)

	// 3. Cost tracker
	tracker := cost.NewTracker(filepath.Join(cfg.Home, "usage.json"), prices)
	defer tracker.Close()

	// 4. Event store + bus
	store := events.NewStore(cfg.CreaturesDir, filepath.Join(cfg.Home, "narrator"))

	// 5. Credential-proxy side-car
	jn := janee.New(cfg.JaneeHome, cfg.JaneePort, cfg.RunnerKey)
	if err := jn.Start(ctx); err != nil {
		slog.Error("Failed to start credential proxy", "error", err)
		// Degraded but not fatal: creatures lose brokered credentials only.
	}
	defer jn.StopJanee()

	// 6. Container runtime + health monitor
	runtime := container.NewCLIRuntime()
	monitor := health.NewMonitor()
	monitor.Register("docker", func(ctx context.Context) (string, error) {
		return "", runtime.Available(ctx)
	})
	if jn.Enabled() {
		monitor.Register("janee", func(ctx context.Context) (string, error) {
			return "", jn.CheckHealth(ctx)
		})
	}
	monitor.Register("pricing", func(ctx context.Context) (string, error) {
		if prices.Status() == models.DepDown {
			return "", errPricingDown
		}
		return "", nil
	})
	monitor.PublishTransitions(store.Bus().Publish)
	monitor.Start(ctx)
	defer monitor.Stop()

	// 7. Fleet: discover creatures and start supervisors
	fl := fleet.NewManager(cfg, runtime, store, tracker, jn)
	if err := fl.Discover(); err != nil {
		slog.Error("Creature discovery failed", "error", err)
		os.Exit(1)
	}
	fl.StartAll(ctx)
	defer fl.Shutdown()

	// 8. LLM plumbing: the translating proxy for creatures, a direct
	// client for the orchestrator's own agents.
	proxy := llmproxy.New(llmproxy.Config{
		AnthropicBaseURL: cfg.AnthropicBaseURL,
		AnthropicKey:     cfg.AnthropicKey,
		OpenAIBaseURL:    cfg.OpenAIBaseURL,
		OpenAIKey:        cfg.OpenAIKey,
		Cost:             tracker,
		CheckBudget:      fl.CheckBudget,
		OnBudgetExceeded: fl.OnBudgetExceeded,
		OnModelSeen:      fl.OnModelSeen,
	})
	caller := llm.NewClient(cfg.AnthropicBaseURL, cfg.AnthropicKey)

	// 9. Narrator + creator
	narr := narrator.New(cfg.Narrator, caller, store, tracker, fl,
		cfg.CreaturesDir, filepath.Join(cfg.Home, "narration.jsonl"))
	narr.Start()
	defer narr.Stop()

	cr := creator.New(caller, store, tracker, fl, cfg.CreaturesDir, cfg.DefaultModel)
	cr.Start()
	defer cr.Stop()

	// 10. HTTP server (blocks until shutdown signal)
	server := api.NewServer(api.Deps{
		Fleet:    fl,
		Store:    store,
		Cost:     tracker,
		Health:   monitor,
		Narrator: narr,
		Creator:  cr,
		Proxy:    proxy,
		Version:  version.Full(),
	})
	if err := server.Run(ctx, cfg.HTTPPort); err != nil {
		slog.Error("HTTP server error", "error", err)
		os.Exit(1)
	}
	slog.Info("Menagerie stopped")
}
