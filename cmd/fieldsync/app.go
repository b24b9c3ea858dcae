package main

import (
	"context"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/fieldops/fieldsync/cmd/fieldsync/handlers"
	"github.com/fieldops/fieldsync/internal/cache"
	"github.com/fieldops/fieldsync/internal/capture"
	"github.com/fieldops/fieldsync/internal/config"
	"github.com/fieldops/fieldsync/internal/crypto"
	"github.com/fieldops/fieldsync/internal/db"
	"github.com/fieldops/fieldsync/internal/errors"
	"github.com/fieldops/fieldsync/internal/export"
	"github.com/fieldops/fieldsync/internal/logging"
	"github.com/fieldops/fieldsync/internal/media"
	"github.com/fieldops/fieldsync/internal/models"
	"github.com/fieldops/fieldsync/internal/network"
	syncpkg "github.com/fieldops/fieldsync/internal/sync"
	"github.com/fieldops/fieldsync/internal/sync/coordinator"
	"github.com/fieldops/fieldsync/internal/sync/queue"
	"github.com/fieldops/fieldsync/internal/sync/remote"
	"github.com/fieldops/fieldsync/internal/sync/storage"
)

const shutdownTimeout = 10 * time.Second

// app holds the wired engine.
type app struct {
	cfg       *config.Config
	db        *db.DB
	store     *db.Store
	queue     *queue.Queue
	monitor   *network.Monitor
	evidence  *storage.EvidenceStore
	thumbs    *media.Queue
	cache     *cache.Cache
	processor *syncpkg.Processor
	coord     *coordinator.Coordinator
	capture   *capture.Service
	export    *export.Service
}

// newApp opens the store, repairs state left by an earlier crash and wires
// every component.
func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	logging.Init(os.Stderr, logging.ParseLevel(cfg.Log.Level))

	database, err := db.Open(cfg.DataDir)
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, db: database, store: db.NewStore(database)}

	if err := a.wire(); err != nil {
		database.Close()
		return nil, err
	}
	if err := a.repair(ctx); err != nil {
		database.Close()
		return nil, err
	}
	return a, nil
}

func (a *app) wire() error {
	remoteCfg := a.cfg.RemoteConfig()
	if remoteCfg.Token == "" {
		token, err := crypto.NewVault(a.cfg.DataDir).Get(crypto.AccountAPIToken)
		switch {
		case err == nil:
			remoteCfg.Token = token
		case !errors.Is(err, errors.ErrNotFound):
			return err
		}
	}
	client, err := remote.NewClient(remoteCfg)
	if err != nil {
		return err
	}

	var probe network.Probe
	if a.cfg.Network.ProbeURL != "" {
		probe = network.NewHTTPProbe(a.cfg.Network.ProbeURL, a.cfg.Network.ProbeTimeout)
	}
	a.monitor = network.NewMonitor(probe, network.WithProbeTimeout(a.cfg.Network.ProbeTimeout))

	a.evidence = storage.NewEvidenceStore(a.cfg.EvidenceDir())
	a.thumbs = media.NewQueue(a.evidence, filepath.Join(a.cfg.DataDir, "thumbnails"))
	if a.cache, err = cache.New(a.store, a.cfg.Cache.Size); err != nil {
		return err
	}

	a.queue = queue.New(a.store)
	a.processor = syncpkg.NewProcessor(a.store, a.queue, client,
		syncpkg.WithRetryPolicy(a.cfg.RetryPolicy()),
		syncpkg.WithEvidence(a.evidence),
	)
	a.coord = coordinator.New(a.processor, a.queue, a.store, a.monitor, a.cfg.CoordinatorConfig(),
		coordinator.WithCache(a.cache),
	)
	a.capture = capture.New(a.store, a.queue,
		capture.WithNotifier(a.coord),
		capture.WithEvidence(a.evidence),
		capture.WithThumbnails(a.thumbs),
	)
	a.export = export.New(a.store, export.WithEvidence(a.evidence))
	return nil
}

// repair drops operations whose record vanished and returns operations
// left syncing by a killed pass to pending.
func (a *app) repair(ctx context.Context) error {
	orphans, err := a.store.RecoverOrphans(ctx)
	if err != nil {
		return err
	}
	interrupted, err := a.queue.RecoverInterrupted(ctx)
	if err != nil {
		return err
	}
	if orphans > 0 || interrupted > 0 {
		logging.Info("Recovered offline store", map[string]interface{}{
			"orphaned_operations":    orphans,
			"interrupted_operations": interrupted,
		})
	}
	if _, err := a.coord.Refresh(ctx); err != nil {
		return err
	}
	return nil
}

func (a *app) Close() error {
	return a.db.Close()
}

// routes builds the local API.
func (a *app) routes(hub *WSHub) http.Handler {
	mux := http.NewServeMux()
	handlers.NewHealthHandler(a.store).Register(mux)
	handlers.NewSyncHandler(a.coord, a.queue, a.monitor).Register(mux)
	handlers.NewRecordHandler(a.capture, a.store).WithThumbnails(a.thumbs).Register(mux)
	handlers.NewCacheHandler(a.cache).Register(mux)
	mux.Handle("GET /ws", HandleWebSocket(hub))
	return mux
}

// serve runs the coordinator and the local API until ctx is cancelled.
func (a *app) serve(ctx context.Context, assumeOnline bool) error {
	hub := NewWSHub()
	defer hub.Close()

	events, unsubscribe := a.coord.Subscribe()
	defer unsubscribe()
	go hub.Forward(ctx, events)

	a.coord.Start(ctx)
	defer a.coord.Stop()
	a.thumbs.Start(ctx)
	defer a.thumbs.Stop()

	if assumeOnline {
		a.monitor.SetPlatformOnline(ctx, true)
	}

	srv := &http.Server{
		Addr:              a.cfg.Server.Addr,
		Handler:           a.routes(hub),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logging.Info("Local API listening", map[string]interface{}{"addr": srv.Addr})
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return errors.Wrap(errors.ErrInternal, "serve "+srv.Addr, err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return errors.Wrap(errors.ErrInternal, "shutdown", err)
	}
	return nil
}

// syncOnce brings the monitor online, probes the server and runs a single
// pass.
func (a *app) syncOnce(ctx context.Context) (*models.SyncReport, error) {
	a.monitor.SetPlatformOnline(ctx, true)
	if !a.monitor.IsStable() {
		return nil, errors.New(errors.ErrNetwork, "sync server is unreachable")
	}
	return a.coord.SyncNow(ctx)
}
