// Package main runs the data gateway: one HTTP service answering DAP
// (griddap, tabledap), WMS, WCS and SOS requests for the datasets of a
// YAML catalog.
//
// Architecture:
//
//	┌──────────────────────────────────────────────┐
//	│                  Gateway                     │
//	├──────────────────────────────────────────────┤
//	│  Router ({base}/...)                         │
//	│    griddap, tabledap  - dap.Handler          │
//	│    wms                - wms.Handler          │
//	│    wcs, sos           - when enabled         │
//	│    listings, info, categorize, status.json   │
//	├──────────────────────────────────────────────┤
//	│  Registry       - published snapshots        │
//	│  Reload         - catalog -> snapshots       │
//	│  Render cache   - disk or memory             │
//	│  Access policy  - header user + roles        │
//	└──────────────────────────────────────────────┘
//
// Configuration is read from GATEWAY_* environment variables; see
// internal/config for the full list. The most common ones:
//   - GATEWAY_ADDR: listen address (default ":8080")
//   - GATEWAY_BASE_PATH: URL prefix (default "/erddap")
//   - GATEWAY_CATALOG: path of datasets.yaml (default "datasets.yaml")
//   - GATEWAY_CACHE_DIR: render cache directory (default: in memory)
//   - GATEWAY_FLAG_DIR: directory of reload flag files
//   - GATEWAY_REDIS_ADDR: redis server holding the reload queue
//   - GATEWAY_ROLES_DB: sqlite database of user roles
//
// Example usage:
//
//	GATEWAY_CATALOG=/etc/gateway/datasets.yaml \
//	GATEWAY_CACHE_DIR=/var/cache/gateway \
//	./gateway
//
//	curl 'localhost:8080/erddap/griddap/sst.csv?temp[last][0:10][0:10]'
//
//	# ask for a reload without waiting for the next cycle
//	touch /var/gateway/flag/sst
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/BobSimons/erddap-sub000/internal/access"
	"github.com/BobSimons/erddap-sub000/internal/catalog"
	"github.com/BobSimons/erddap-sub000/internal/config"
	"github.com/BobSimons/erddap-sub000/internal/dap"
	"github.com/BobSimons/erddap-sub000/internal/dataset"
	"github.com/BobSimons/erddap-sub000/internal/dispatch"
	"github.com/BobSimons/erddap-sub000/internal/logging"
	"github.com/BobSimons/erddap-sub000/internal/registry"
	"github.com/BobSimons/erddap-sub000/internal/reload"
	"github.com/BobSimons/erddap-sub000/internal/render"
	"github.com/BobSimons/erddap-sub000/internal/rendercache"
	"github.com/BobSimons/erddap-sub000/internal/router"
	"github.com/BobSimons/erddap-sub000/internal/sos"
	"github.com/BobSimons/erddap-sub000/internal/wcs"
	"github.com/BobSimons/erddap-sub000/internal/wms"
)

// logFatal is a variable so tests can intercept fatal errors.
var logFatal = func(format string, args ...any) {
	log := logging.Logger()
	log.Fatal().Msgf(format, args...)
}

func main() {
	cfg, err := config.FromEnv()
	if err != nil {
		logFatal("config: %v", err)
		return
	}
	logging.SetLevel(cfg.LogLevel)
	log := logging.With("main")

	g, err := newGateway(cfg, os.DirFS(filepath.Dir(cfg.Catalog)), filepath.Base(cfg.Catalog))
	if err != nil {
		logFatal("setup: %v", err)
		return
	}
	defer g.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := g.reload.Start(ctx); err != nil {
		logFatal("initial catalog load: %v", err)
		return
	}
	defer g.reload.Stop()

	httpSrv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           g.handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		log.Info().Str("addr", cfg.Addr).Str("base_path", cfg.BasePath).Msg("gateway listening")
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logFatal("listen: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("shutdown")
	}
	log.Info().Msg("gateway stopped")
}

// gateway is the wired process: the HTTP handler plus the components
// that outlive single requests.
type gateway struct {
	handler  http.Handler
	registry *registry.Registry
	reload   *reload.Coordinator
	cache    rendercache.Store
	closers  []io.Closer
}

// newGateway wires every component for cfg. The catalog is file within
// fsys. The reload coordinator is returned unstarted.
func newGateway(cfg config.Config, fsys fs.FS, file string) (*gateway, error) {
	g := &gateway{registry: registry.New(cfg.CategoryAttributes)}

	if cfg.CacheDir != "" {
		store, err := rendercache.NewDiskStore(cfg.CacheDir)
		if err != nil {
			return nil, fmt.Errorf("render cache: %w", err)
		}
		g.cache = store
	} else {
		g.cache = rendercache.NewMemoryStore()
	}

	var roles access.RoleSource
	if cfg.RolesDB != "" {
		db, err := access.OpenSQLiteRoles(cfg.RolesDB)
		if err != nil {
			return nil, fmt.Errorf("roles: %w", err)
		}
		g.closers = append(g.closers, db)
		roles = db
	}
	policy := access.NewPolicy(access.Config{
		UserHeader:  cfg.UserHeader,
		LoginURL:    cfg.LoginURL,
		ListPrivate: cfg.ListPrivate,
	}, roles)

	var signals []reload.SignalSource
	if cfg.FlagDir != "" {
		signals = append(signals, reload.FlagDir{Dir: cfg.FlagDir})
	}
	if cfg.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		g.closers = append(g.closers, client)
		signals = append(signals, reload.NewRedisQueue(client, cfg.RedisKey))
	}
	g.reload = reload.New(g.registry, catalog.NewLoader(fsys, file), g.cache, reload.Options{
		LoadInterval: cfg.LoadInterval,
		FlagInterval: cfg.FlagInterval,
		CacheMaxAge:  cfg.CacheMaxAge,
		Parallelism:  cfg.ReloadParallelism,
	}, signals...)

	disp := &dispatch.Dispatcher{
		Registry: g.registry,
		Policy:   policy,
		Retrier:  dispatch.NewRetrier(cfg.ReloadWaitTicks, cfg.ReloadWaitTick, g.reload),
	}
	wmsHandler, err := wms.New(wms.Config{
		BasePath:  cfg.BasePath,
		MaxWidth:  cfg.WMSMaxWidth,
		MaxHeight: cfg.WMSMaxHeight,
		MaxLayers: cfg.WMSMaxLayers,
	}, disp, render.NewRenderer(g.cache))
	if err != nil {
		g.Close()
		return nil, fmt.Errorf("wms: %w", err)
	}

	protocols := map[string]router.ProtocolHandler{
		router.Griddap:  dap.New(dataset.Grid, disp, cfg.BasePath),
		router.Tabledap: dap.New(dataset.Table, disp, cfg.BasePath),
		router.WMS:      wmsHandler,
	}
	if cfg.WCSActive {
		protocols[router.WCS] = wcs.New(wcs.Config{BasePath: cfg.BasePath}, disp)
	}
	if cfg.SOSActive {
		protocols[router.SOS] = sos.New(sos.Config{BasePath: cfg.BasePath}, disp)
	}
	g.handler = router.New(router.Config{BasePath: cfg.BasePath, Cache: g.cache}, g.registry, policy, protocols)
	return g, nil
}

// Close releases the role database and redis client.
func (g *gateway) Close() {
	log := logging.With("main")
	for _, c := range g.closers {
		if err := c.Close(); err != nil {
			log.Warn().Err(err).Msg("close")
		}
	}
	g.closers = nil
}
