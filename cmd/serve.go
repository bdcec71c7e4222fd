package cmd

import (
	"context"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/tryloop/demobroker/internal/config"
	"github.com/tryloop/demobroker/internal/creds"
	"github.com/tryloop/demobroker/internal/gateway"
	"github.com/tryloop/demobroker/internal/handlers"
	"github.com/tryloop/demobroker/internal/invite"
	"github.com/tryloop/demobroker/internal/janitor"
	"github.com/tryloop/demobroker/internal/kv"
	"github.com/tryloop/demobroker/internal/ledger"
	"github.com/tryloop/demobroker/internal/logging"
	"github.com/tryloop/demobroker/internal/queue"
	"github.com/tryloop/demobroker/internal/ratelimit"
	"github.com/tryloop/demobroker/internal/sandbox"
	"github.com/tryloop/demobroker/internal/secrets"
	"github.com/tryloop/demobroker/internal/session"
)

// runServe starts the broker daemon and blocks until SIGINT/SIGTERM.
func runServe() error {
	logging.Init()
	cfg := &config.Cfg

	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	ctx := context.Background()
	store, err := kv.Open(ctx, cfg.KVURL)
	if err != nil {
		log.Fatalf("KV store init: %v", err)
	}
	defer store.Close()

	db, err := ledger.Open(cfg.LedgerPath)
	if err != nil {
		log.Fatalf("Ledger init: %v", err)
	}
	led := ledger.New(db, cfg.AuditRetentionDays)

	codec := secrets.NewCodec(cfg.SessionSecret)

	connLimiter := ratelimit.New("connections",
		cfg.ConnLimitPerWindow, time.Duration(cfg.ConnWindowSeconds)*time.Second)
	failLimiter := ratelimit.New("invite_failures",
		cfg.InviteFailureLimit, time.Duration(cfg.InviteFailureWindowMinutes)*time.Minute)
	cookieLimiter := ratelimit.New("cookies",
		cfg.CookieLimitPerWindow, time.Duration(cfg.CookieWindowSeconds)*time.Second)

	retention := time.Duration(cfg.AuditRetentionDays) * 24 * time.Hour
	invites := invite.NewStore(store, retention, failLimiter)
	hints := session.NewHintStore(store, codec)

	tpl, err := config.LoadSandboxTemplate(cfg.SandboxConfig)
	if err != nil {
		log.Fatalf("Sandbox template: %v", err)
	}
	launcher := sandbox.NewLauncher(tpl)

	runtime, err := sandbox.NewRuntime(ctx, "")
	if err != nil {
		log.Printf("WARNING: Docker daemon unreachable, stray-container reaping disabled: %v", err)
		runtime = nil
	}

	hub := gateway.NewHub()
	q := queue.NewManager(cfg.MaxQueueSize, cfg.AvgSessionMinutes, hub)

	supCfg := session.Config{
		Directory: hub,
		Queue:     q,
		Invites:   invites,
		Hints:     hints,
		Ledger:    led,
		Codec:     codec,
		Spawn: func(p session.SpawnParams) (session.Process, error) {
			return launcher.Launch(sandbox.LaunchParams{
				SessionID:             p.SessionID,
				CredentialFile:        p.CredentialFile,
				SessionTimeoutMinutes: cfg.SessionTimeoutMinutes,
				Debug:                 cfg.DevMode,
			})
		},
		WriteCreds: func(sessionID string) (string, func() error, error) {
			return creds.WriteFile(cfg.CredentialsDir, sessionID, creds.Set{
				JiraURL:         cfg.JiraURL,
				JiraEmail:       cfg.JiraEmail,
				JiraAPIToken:    cfg.JiraAPIToken,
				AgentOAuthToken: cfg.AgentOAuthToken,
			})
		},
		PurgeCreds: func() (int, error) {
			return creds.Purge(cfg.CredentialsDir)
		},
		TerminalURL:     cfg.TerminalURL,
		SessionTimeout:  cfg.SessionTimeout(),
		WarningLead:     cfg.WarningLead(),
		HardKillGrace:   cfg.HardKillGrace(),
		DisconnectGrace: cfg.DisconnectGrace(),
	}
	if cfg.ResetHook != "" {
		supCfg.ResetHook = func(ctx context.Context, sessionID string) session.ResetOutcome {
			code, err := sandbox.RunReset(ctx, cfg.ResetHook, sandbox.ResetParams{
				SessionID: sessionID,
				JiraURL:   cfg.JiraURL,
				JiraEmail: cfg.JiraEmail,
			})
			return session.ResetOutcome{ExitCode: code, Err: err}
		}
	}
	if runtime != nil {
		supCfg.Reap = runtime.RemoveContainer
	}
	sup := session.NewSupervisor(supCfg)

	gw := gateway.New(hub, q, sup, invites, connLimiter, cfg.RequireInvite)

	handlers.Supervisor = sup
	handlers.Invites = invites
	handlers.KV = store
	handlers.Queue = q
	handlers.Runtime = runtime
	handlers.Ledger = led
	handlers.CookieLimiter = cookieLimiter
	handlers.CookieSecure = cfg.CookieSecure
	handlers.CookieMaxAge = cfg.SessionTimeout() + cfg.HardKillGrace()

	recoverStartupState(ctx, led, runtime, cfg.CredentialsDir)
	if runtime != nil {
		go func() {
			pullCtx, cancel := context.WithTimeout(ctx, 10*time.Minute)
			defer cancel()
			if err := runtime.EnsureImage(pullCtx, tpl.Image); err != nil {
				log.Printf("WARNING: sandbox image pre-pull: %v", err)
			}
		}()
	}

	jan := janitor.New(invites, led, connLimiter, failLimiter, cookieLimiter)
	if err := jan.Start(); err != nil {
		log.Fatalf("Janitor init: %v", err)
	}

	r := chi.NewRouter()
	r.Use(chimw.Logger)
	r.Use(chimw.Recoverer)
	r.Use(chimw.RealIP)

	r.Get("/health", handlers.HealthCheck)
	r.Get("/ws", gw.HandleWS)
	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/session/validate", handlers.ValidateSession)
		r.Post("/session/cookie", handlers.SetCookie)
		r.Get("/invite/validate", handlers.ValidateInvite)
	})

	srv := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: r,
	}

	sigCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		log.Printf("Broker listening on %s", cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	<-sigCtx.Done()
	log.Println("Shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	sup.Shutdown(shutdownCtx)
	jan.Stop()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server shutdown: %v", err)
	}
	log.Println("Broker stopped")
	return nil
}

// recoverStartupState cleans up after a previous broker that died with a
// session running: its container is force-removed, its ledger row
// closed, and any credential file it left behind deleted.
func recoverStartupState(ctx context.Context, led *ledger.Ledger, runtime *sandbox.Runtime, credsDir string) {
	if n, err := creds.Purge(credsDir); err != nil {
		log.Printf("WARNING: purge leftover credentials: %v", err)
	} else if n > 0 {
		log.Printf("Removed %d leftover credential file(s) from a previous run", n)
	}

	if runtime != nil {
		if n, err := runtime.ReapStrays(ctx); err != nil {
			log.Printf("WARNING: reap stray sandbox containers: %v", err)
		} else if n > 0 {
			log.Printf("Removed %d stray sandbox container(s) from a previous run", n)
		}
	}

	rows, err := led.Unfinished()
	if err != nil {
		log.Printf("WARNING: query unfinished sessions: %v", err)
		return
	}
	for _, row := range rows {
		log.Printf("Closing ledger row for session %s left running by a previous broker", row.SessionID)
		if err := led.RecordEnd(row.SessionID, time.Now(), "shutdown", "broker restarted mid-session"); err != nil {
			log.Printf("WARNING: close ledger row for %s: %v", row.SessionID, err)
		}
	}
}
