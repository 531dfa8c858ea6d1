package serve

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	"github.com/charmbracelet/log"
	"github.com/gin-gonic/gin"
	"github.com/voxline/calldata-service/internal/config"
	cachenoop "github.com/voxline/calldata-service/internal/plugin/cache/noop"
	conversationroute "github.com/voxline/calldata-service/internal/plugin/route/conversation"
	metadataroute "github.com/voxline/calldata-service/internal/plugin/route/metadata"
	"github.com/voxline/calldata-service/internal/plugin/route/system"
	storelimits "github.com/voxline/calldata-service/internal/plugin/store/limits"
	storemetrics "github.com/voxline/calldata-service/internal/plugin/store/metrics"
	registrycache "github.com/voxline/calldata-service/internal/registry/cache"
	registryroute "github.com/voxline/calldata-service/internal/registry/route"
	registrystore "github.com/voxline/calldata-service/internal/registry/store"
	"github.com/voxline/calldata-service/internal/security"
	"github.com/voxline/calldata-service/internal/timeband"
)

// Server bundles the running HTTP server with the resources it owns.
type Server struct {
	Config *config.Config
	Store  registrystore.CallStore
	Router *gin.Engine
	Port   int

	http *http.Server
}

// StartServer wires the store, cache and routes and begins serving. It
// returns once the listener is accepting connections.
func StartServer(ctx context.Context, cfg *config.Config) (*Server, error) {
	labels, err := security.ParseMetricsLabels(cfg.MetricsLabels)
	if err != nil {
		return nil, fmt.Errorf("invalid metrics labels: %w", err)
	}
	security.InitMetrics(labels)

	zone, err := timeband.LoadZone(cfg.Timezone)
	if err != nil {
		return nil, fmt.Errorf("invalid timezone %q: %w", cfg.Timezone, err)
	}

	ctx = config.WithContext(ctx, cfg)

	cache := loadCache(ctx, cfg)
	ctx = registrycache.WithContext(ctx, cache)

	storeLoader, err := registrystore.Select("mongo")
	if err != nil {
		return nil, err
	}
	store, err := storeLoader(ctx)
	if err != nil {
		return nil, fmt.Errorf("store init: %w", err)
	}
	store = storemetrics.Wrap(storelimits.Wrap(store, cfg.StoreMaxConcurrent))

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(security.RequestIDMiddleware())
	if cfg.AccessLog {
		r.Use(security.AccessLogMiddleware("/health", "/ready", "/metrics"))
	}
	r.Use(security.MetricsMiddleware())
	r.Use(maxBodySizeMiddleware(cfg.MaxBodySize))

	for _, loader := range registryroute.ManagementRouteLoaders() {
		if err := loader(r); err != nil {
			_ = store.Close(ctx)
			return nil, err
		}
	}
	for _, loader := range registryroute.MainRouteLoaders() {
		if err := loader(r); err != nil {
			_ = store.Close(ctx)
			return nil, err
		}
	}
	metadataroute.MountRoutes(r, store, zone)
	conversationroute.MountRoutes(r, store, zone)

	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.Port))
	if err != nil {
		_ = store.Close(ctx)
		return nil, err
	}
	port := ln.Addr().(*net.TCPAddr).Port

	srv := &Server{
		Config: cfg,
		Store:  store,
		Router: r,
		Port:   port,
		http: &http.Server{
			Handler:           r,
			ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		},
	}

	go func() {
		if err := srv.http.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("HTTP server error", "err", err)
		}
	}()

	system.MarkReady()
	log.Info("Server listening", "port", port, "db", cfg.DBName, "cache", cfg.CacheType)
	return srv, nil
}

// Shutdown drains in-flight requests and releases the store.
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.http.Shutdown(ctx)
	if cerr := s.Store.Close(ctx); cerr != nil && err == nil {
		err = cerr
	}
	return err
}

func loadCache(ctx context.Context, cfg *config.Config) registrycache.LatestCallCache {
	loader, err := registrycache.Select(cfg.CacheType)
	if err != nil {
		log.Warn("Unknown cache backend, latest-call caching disabled", "cache", cfg.CacheType, "err", err)
		return cachenoop.New()
	}
	cache, err := loader(ctx)
	if err != nil {
		log.Warn("Cache init failed, latest-call caching disabled", "cache", cfg.CacheType, "err", err)
		return cachenoop.New()
	}
	return cache
}
