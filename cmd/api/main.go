package main

import (
	"context"
	"database/sql"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"denticore.org/internal/access"
	"denticore.org/internal/audit"
	"denticore.org/internal/config"
	"denticore.org/internal/httpapi"
	"denticore.org/internal/ids"
	"denticore.org/internal/notify"
	"denticore.org/internal/obs"
	"denticore.org/internal/store"
	"denticore.org/internal/store/memstore"
	"denticore.org/internal/store/pg"
	"denticore.org/internal/throttle"
	"denticore.org/internal/token"
	"denticore.org/internal/vault"
	"denticore.org/internal/ws"
)

var (
	version = "0.3.1"
	commit  = "dev"
)

func main() {
	obs.Init()
	obs.InitBuildInfo(version, commit)

	cfg, err := config.FromEnv()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	var (
		st            store.Store
		throttleStore throttle.Store
		db            *sql.DB
	)
	if cfg.PGDSN != "" {
		pgStore, err := pg.Open(cfg.PGDSN)
		if err != nil {
			log.Fatalf("open db: %v", err)
		}
		st = pgStore
		throttleStore = pgStore
		db = pgStore.DB()
	} else {
		log.Println("DENTICORE_PG_DSN not set; using in-memory storage")
		st = memstore.New()
		throttleStore = throttle.NewMemoryStore()
	}

	trail := audit.NewTrail(st)
	issuer := token.NewIssuer(cfg.AuthSecret,
		token.WithAccessTTL(cfg.AccessTTL),
		token.WithRefreshTTL(cfg.RefreshTTL),
	)
	limiter := throttle.NewLimiter(throttleStore, trail, cfg.LoginMaxFailures, cfg.LoginWindow)
	gate := access.NewGate(trail, st)

	registry := ws.NewRegistry()
	senders := map[notify.Channel]notify.Sender{
		notify.ChannelEmail: notify.LoggingSender{Channel: notify.ChannelEmail},
		notify.ChannelSMS:   notify.LoggingSender{Channel: notify.ChannelSMS},
		notify.ChannelPush:  notify.LoggingSender{Channel: notify.ChannelPush},
	}
	engine := notify.NewEngine(st, trail, senders, registry,
		notify.WithChannelTimeout(cfg.ChannelTimeout))

	wsHandler := ws.NewHandler(registry, issuer, gate, engine, cfg.WSAllowedOrigins)

	api := httpapi.New(httpapi.Options{
		Store:   st,
		Tokens:  issuer,
		Limiter: limiter,
		Gate:    gate,
		Trail:   trail,
		Engine:  engine,
		Policy: vault.Policy{
			MinLength:        cfg.PasswordMinLength,
			RequireMixedCase: cfg.RequireMixedCase,
			RequireDigit:     cfg.RequireDigit,
			RequireSymbol:    cfg.RequireSymbol,
		},
		WSHandler:  wsHandler,
		ReadyProbe: httpapi.ReadyProbe{DB: db},
		Version:    version,
	})

	rootCtx, stopBackground := context.WithCancel(context.Background())
	bootstrapAdmin(rootCtx, st)

	// Re-arm notifications that were scheduled before the last shutdown.
	if n, err := engine.RecoverScheduled(rootCtx); err != nil {
		log.Printf("recover scheduled: %v", err)
	} else if n > 0 {
		log.Printf("re-armed %d scheduled notifications", n)
	}

	go reminderLoop(rootCtx, engine)
	go sweepLoop(rootCtx, limiter)

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	log.Printf("Starting denticore-api %s on %s", version, srv.Addr)
	obs.SetReady(true)

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	<-stop
	log.Println("Shutting down...")
	obs.SetReady(false)
	stopBackground()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_ = srv.Shutdown(ctx)
	_ = st.Close()
	log.Println("Stopped")
}

// reminderLoop fires appointment reminders once an hour. The window slack in
// the engine tolerates the coarse tick.
func reminderLoop(ctx context.Context, engine *notify.Engine) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, tf := range []notify.Timeframe{notify.Timeframe24h, notify.Timeframe48h, notify.Timeframe1Week} {
				if _, err := engine.AppointmentReminders(ctx, tf); err != nil {
					obs.LogError("reminder_run_failed", map[string]any{
						"timeframe": string(tf),
						"error":     err.Error(),
					})
				}
			}
		}
	}
}

// sweepLoop drops expired lockout windows so the throttle table stays small.
func sweepLoop(ctx context.Context, limiter *throttle.Limiter) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := limiter.Sweep(ctx); err != nil {
				obs.LogError("throttle_sweep_failed", map[string]any{"error": err.Error()})
			}
		}
	}
}

// bootstrapAdmin creates the first admin account from env on an empty
// install, so a fresh deployment can log in.
func bootstrapAdmin(ctx context.Context, st store.Store) {
	email := os.Getenv("DENTICORE_BOOTSTRAP_EMAIL")
	password := os.Getenv("DENTICORE_BOOTSTRAP_PASSWORD")
	if email == "" || password == "" {
		return
	}
	if _, err := st.UserByEmail(ctx, email); err == nil {
		return
	}
	credential, err := vault.Hash(password)
	if err != nil {
		log.Printf("bootstrap admin: %v", err)
		return
	}
	u := store.User{
		ID:          ids.New(),
		Email:       email,
		Credential:  credential,
		Role:        access.RoleAdmin,
		DisplayName: "Administrator",
	}
	if err := st.CreateUser(ctx, u); err != nil {
		log.Printf("bootstrap admin: %v", err)
		return
	}
	log.Printf("bootstrap admin %s created", email)
}
