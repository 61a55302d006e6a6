// Command zoned is the zone management host daemon. It serves two IPC
// endpoints (agents connecting from inside zones, operators via zonectl),
// supervises the zone inventory, and optionally announces itself to etcd
// and exports Prometheus metrics.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-faster/errors"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"zoned/config"
	"zoned/ipc"
	"zoned/logging"
	"zoned/metrics"
	"zoned/middleware"
	"zoned/registry"
	"zoned/wire"
	"zoned/zones"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "zoned:", err)
		os.Exit(1)
	}
	log, err := logging.New(logging.Config{
		Level:       cfg.Logging.Level,
		Development: cfg.Logging.Development,
		OutputPaths: []string{"stderr"},
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, "zoned:", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	if err := run(cfg, log); err != nil {
		log.Fatal("daemon failed", zap.Error(err))
	}
}

func run(cfg *config.Config, log *zap.Logger) error {
	bootID := uuid.NewString()
	log.Info("zoned starting", zap.String("boot_id", bootID))

	promReg := prometheus.NewRegistry()
	met := metrics.New(promReg)

	manifests, err := loadManifests(cfg.Zones.ManifestPath, log)
	if err != nil {
		return err
	}
	manager := zones.NewManager(manifests, log, met,
		zones.WithPersist(func(m *config.Manifests) error {
			return m.Save(cfg.Zones.ManifestPath)
		}))

	agentCodec, err := wire.CodecByName(cfg.Agent.Codec)
	if err != nil {
		return err
	}
	controlCodec, err := wire.CodecByName(cfg.Control.Codec)
	if err != nil {
		return err
	}

	mws := []middleware.Middleware{
		middleware.Logging(log, zones.MethodName),
		middleware.Metrics(met, zones.MethodName),
	}
	if cfg.RateLimit.Enabled {
		mws = append(mws, middleware.RateLimit(cfg.RateLimit.RequestsPerSecond, cfg.RateLimit.Burst))
	}
	mws = append(mws, middleware.Recovery(log))

	agentSvc := ipc.NewService(cfg.Agent.Network, cfg.Agent.Address,
		ipc.WithLogger(log.Named("agents")),
		ipc.WithCodec(agentCodec),
		ipc.WithQueueSize(cfg.Agent.QueueSize),
		ipc.WithCallTimeout(cfg.Agent.CallTimeout),
		ipc.WithMiddleware(mws...))
	controlSvc := ipc.NewService(cfg.Control.Network, cfg.Control.Address,
		ipc.WithLogger(log.Named("control")),
		ipc.WithCodec(controlCodec),
		ipc.WithCallTimeout(cfg.Control.CallTimeout),
		ipc.WithMiddleware(mws...))

	manager.Attach(agentSvc, controlSvc)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var etcdReg *registry.EtcdRegistry
	if cfg.Registry.Enabled {
		etcdReg, err = startAnnouncer(ctx, cfg, log, manager, bootID)
		if err != nil {
			return err
		}
		defer func() { _ = etcdReg.Close() }()
	}

	var metricsSrv *http.Server
	if cfg.Metrics.Enabled {
		metricsSrv = serveMetrics(cfg.Metrics.Address, promReg, log)
	}

	if err := agentSvc.Start(); err != nil {
		return errors.Wrap(err, "start agent endpoint")
	}
	if err := controlSvc.Start(); err != nil {
		agentSvc.Stop()
		return errors.Wrap(err, "start control endpoint")
	}
	if cfg.Zones.StartAll {
		if err := manager.StartAll(); err != nil {
			log.Warn("initial zone start incomplete", zap.Error(err))
		}
	}
	log.Info("zoned ready",
		zap.String("agent_address", cfg.Agent.Address),
		zap.String("control_address", cfg.Control.Address),
		zap.Strings("zones", manager.GetZoneIDs()))

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	sig := <-sigChan
	log.Info("shutting down", zap.String("signal", sig.String()))

	if etcdReg != nil {
		wctx, wcancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := etcdReg.Withdraw(wctx, hostName(cfg)); err != nil {
			log.Warn("registry withdraw failed", zap.Error(err))
		}
		wcancel()
	}
	manager.StopAll()
	controlSvc.Stop()
	agentSvc.Stop()
	if metricsSrv != nil {
		sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = metricsSrv.Shutdown(sctx)
		scancel()
	}
	log.Info("zoned stopped")
	return nil
}

// loadManifests reads the zone inventory. A missing file is a first boot,
// not an error.
func loadManifests(path string, log *zap.Logger) (*config.Manifests, error) {
	manifests, err := config.LoadManifests(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			log.Info("no zone manifests, starting empty", zap.String("path", path))
			return &config.Manifests{}, nil
		}
		return nil, err
	}
	return manifests, nil
}

func hostName(cfg *config.Config) string {
	if cfg.Registry.HostName != "" {
		return cfg.Registry.HostName
	}
	name, err := os.Hostname()
	if err != nil {
		return "zoned-host"
	}
	return name
}

// startAnnouncer connects to etcd and keeps the host entry current. Zone
// state hooks only nudge a buffered channel, so transitions never block on
// etcd I/O.
func startAnnouncer(ctx context.Context, cfg *config.Config, log *zap.Logger, manager *zones.Manager, bootID string) (*registry.EtcdRegistry, error) {
	etcdReg, err := registry.NewEtcd(cfg.Registry.Endpoints, cfg.Registry.TTL, log)
	if err != nil {
		return nil, err
	}
	name := hostName(cfg)

	nudge := make(chan struct{}, 1)
	kick := func() {
		select {
		case nudge <- struct{}{}:
		default:
		}
	}
	manager.SetStateHook(kick)

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-nudge:
				info := registry.HostInfo{
					Name:       name,
					Network:    cfg.Control.Network,
					Address:    cfg.Control.Address,
					BootID:     bootID,
					ActiveZone: manager.ActiveZoneID(),
					Zones:      manager.GetZoneIDs(),
				}
				actx, acancel := context.WithTimeout(ctx, 5*time.Second)
				if err := etcdReg.Announce(actx, info); err != nil {
					log.Warn("announce failed", zap.Error(err))
				}
				acancel()
			}
		}
	}()
	kick()
	return etcdReg, nil
}

func serveMetrics(address string, reg *prometheus.Registry, log *zap.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler(reg))
	srv := &http.Server{Addr: address, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("metrics server failed", zap.Error(err))
		}
	}()
	log.Info("metrics listening", zap.String("address", address))
	return srv
}
