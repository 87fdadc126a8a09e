package app

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"signalhub/internal/api"
	"signalhub/internal/archive"
	"signalhub/internal/auth"
	"signalhub/internal/bus"
	"signalhub/internal/config"
	"signalhub/internal/gateway"
	"signalhub/internal/history"
	"signalhub/internal/ratelimit"
	"signalhub/internal/registry"
	"signalhub/internal/room"
	"signalhub/internal/sse"
	"signalhub/pkg/types"
)

// Application assembles the components in dependency order:
// Bus → Registry → History → Archive → Rooms → Limiter → Gateway → SSE → API.
type Application struct {
	cfg        *config.Config
	bus        *bus.Bus
	registry   *registry.Registry
	history    *history.Store
	archive    *archive.Archive
	rooms      *room.Manager
	limiter    *ratelimit.Limiter
	gateway    *gateway.Gateway
	bridge     *sse.Bridge
	apiServer  *api.Server
	httpServer *http.Server

	stopMaintenance chan struct{}
	wg              sync.WaitGroup
}

// New builds an application from configuration.
func New(cfg *config.Config) (*Application, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	b := bus.New()
	reg := registry.New()
	hist := history.NewStore(cfg.History.Capacity)

	var arc *archive.Archive
	if cfg.Archive.Enabled {
		var err error
		arc, err = archive.Open(cfg.Archive.Path)
		if err != nil {
			return nil, fmt.Errorf("failed to open archive: %w", err)
		}
	}

	rooms := room.NewManager(reg, hist, b)

	limiter := ratelimit.NewLimiter(ratelimit.Limits{
		Connection: cfg.Limits.ConnectionPerMinute,
		Message:    cfg.Limits.MessagePerMinute,
		Event:      cfg.Limits.EventPerMinute,
		Window:     cfg.Limits.Window.Duration,
	})

	tokens := make(map[string]types.Principal, len(cfg.Auth.Tokens))
	for _, entry := range cfg.Auth.Tokens {
		tokens[entry.Token] = types.Principal{UserID: entry.UserID, Role: entry.Role}
	}
	validator := auth.NewStaticValidator(tokens)

	gw := gateway.New(reg, rooms, hist, arc, limiter, b, validator, cfg.Gateway)
	bridge := sse.NewBridge(b, cfg.SSE)
	apiServer := api.NewServer(rooms, reg, hist, arc, limiter, b, bridge)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws", gw.HandleWebSocket)
	bridge.Routes(mux)
	apiServer.Routes(mux)

	// No server-wide write deadline: SSE streams and WebSocket upgrades are
	// long-lived by design, heartbeats handle liveness.
	httpServer := &http.Server{
		Addr:        cfg.ListenAddr(),
		Handler:     mux,
		ReadTimeout: cfg.HTTP.ReadTimeout.Duration,
	}

	return &Application{
		cfg:             cfg,
		bus:             b,
		registry:        reg,
		history:         hist,
		archive:         arc,
		rooms:           rooms,
		limiter:         limiter,
		gateway:         gw,
		bridge:          bridge,
		apiServer:       apiServer,
		httpServer:      httpServer,
		stopMaintenance: make(chan struct{}),
	}, nil
}

// Start begins serving and launches the maintenance loop. Blocks until the
// HTTP server stops.
func (a *Application) Start() error {
	a.wg.Add(1)
	go a.maintenanceLoop()

	log.Printf("signalhub listening on %s", a.cfg.ListenAddr())
	if err := a.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("http server failed: %w", err)
	}
	return nil
}

// maintenanceLoop runs the periodic sweeps: expired rate-limit windows,
// stale SSE state, and archive age purges.
func (a *Application) maintenanceLoop() {
	defer a.wg.Done()

	limiterTicker := time.NewTicker(a.cfg.Limits.CleanupInterval.Duration)
	sseTicker := time.NewTicker(a.cfg.SSE.SweepInterval.Duration)
	archiveTicker := time.NewTicker(24 * time.Hour)
	defer limiterTicker.Stop()
	defer sseTicker.Stop()
	defer archiveTicker.Stop()

	for {
		select {
		case <-limiterTicker.C:
			if n := a.limiter.Cleanup(); n > 0 {
				log.Printf("Rate limiter cleanup removed %d windows", n)
			}
		case <-sseTicker.C:
			streams, events := a.bridge.Sweep(a.cfg.SSE.MaxAge.Duration)
			if streams > 0 || events > 0 {
				log.Printf("SSE sweep removed %d streams, %d history events", streams, events)
			}
		case <-archiveTicker.C:
			if a.archive != nil {
				cutoff := time.Now().Add(-a.cfg.Archive.Retention.Duration)
				if n, err := a.archive.PurgeOlderThan(context.Background(), cutoff); err != nil {
					log.Printf("Archive purge failed: %v", err)
				} else if n > 0 {
					log.Printf("Archive purge removed %d messages", n)
				}
			}
		case <-a.stopMaintenance:
			return
		}
	}
}

// Shutdown stops components in reverse startup order: HTTP drain, gateway
// sockets, SSE streams, maintenance loop, archive flush.
func (a *Application) Shutdown(ctx context.Context) error {
	log.Println("Shutting down signalhub...")

	if err := a.httpServer.Shutdown(ctx); err != nil {
		log.Printf("HTTP shutdown: %v", err)
	}

	a.gateway.Shutdown()
	a.bridge.Shutdown()

	close(a.stopMaintenance)
	a.wg.Wait()

	if a.archive != nil {
		if err := a.archive.Close(); err != nil {
			return fmt.Errorf("failed to close archive: %w", err)
		}
	}
	log.Println("Shutdown complete")
	return nil
}
