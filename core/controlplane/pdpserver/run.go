package pdpserver

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"

	"github.com/cordum/pdpsync/core/infra/buildinfo"
	"github.com/cordum/pdpsync/core/infra/bus"
	"github.com/cordum/pdpsync/core/infra/config"
	"github.com/cordum/pdpsync/core/infra/logging"
	"github.com/cordum/pdpsync/core/infra/metrics"
	"github.com/cordum/pdpsync/core/pdp/configuration"
	"github.com/cordum/pdpsync/core/pdp/remote"
	"github.com/cordum/pdpsync/core/pdp/statusstore"
	"github.com/cordum/pdpsync/core/pdp/voter"
)

// ServiceName identifies the daemon in logs, health output and status events.
const ServiceName = "cordum-pdp"

// daemon holds everything Run starts, in shutdown order.
type daemon struct {
	instanceID string
	source     *voter.Source
	server     *Server
	remote     *remote.Source
	closers    []func()
}

func (rt *daemon) close() {
	if rt.remote != nil {
		rt.remote.Dispose()
		rt.remote.Wait()
	}
	for i := len(rt.closers) - 1; i >= 0; i-- {
		rt.closers[i]()
	}
}

// Run wires the voter source, its listeners and a configuration source from
// cfg, then serves until ctx is cancelled.
func Run(ctx context.Context, cfg *config.Config) error {
	rt, err := setup(ctx, cfg)
	if err != nil {
		return err
	}
	defer rt.close()
	if cfg.LocalConfigDir != "" {
		go reloadOnHangup(ctx, rt.source, cfg)
	}
	return rt.server.Run(ctx, cfg.HTTPAddr, cfg.GRPCAddr)
}

func setup(ctx context.Context, cfg *config.Config) (*daemon, error) {
	rt := &daemon{instanceID: uuid.NewString()}
	prom := metrics.NewProm(cfg.MetricsNamespace)
	rt.source = voter.NewSource(nil, metrics.NewStatusRecorder(prom))

	if cfg.RedisURL != "" {
		store, err := statusstore.New(ctx, cfg.RedisURL, rt.instanceID)
		if err != nil {
			rt.close()
			return nil, err
		}
		rt.source.AddListener(store)
		rt.closers = append(rt.closers, func() { _ = store.Close() })
	}
	if cfg.NatsURL != "" {
		nb, err := bus.NewNatsBus(cfg.NatsURL)
		if err != nil {
			rt.close()
			return nil, fmt.Errorf("connect nats: %w", err)
		}
		rt.source.AddListener(bus.NewStatusPublisher(nb, rt.instanceID))
		rt.closers = append(rt.closers, nb.Close)
	}

	rt.server = New(rt.source, Options{
		Build:   buildinfo.For(ServiceName),
		APIKeys: cfg.APIKeys,
	})

	if cfg.LocalConfigDir != "" {
		if err := loadDirectory(ctx, rt.source, cfg); err != nil {
			rt.close()
			return nil, err
		}
		logging.Info(ServiceName, "serving directory configuration", "dir", cfg.LocalConfigDir, "pdp_id", cfg.LocalPdpID, "instance_id", rt.instanceID)
		return rt, nil
	}

	opts, err := config.LoadSourceFile(cfg.SourceConfigPath)
	if err != nil {
		rt.close()
		return nil, err
	}
	sourceCfg, err := remote.NewSourceConfig(opts)
	if err != nil {
		rt.close()
		return nil, err
	}
	rs, err := remote.NewSource(sourceCfg, rt.source, remote.WithMetrics(prom))
	if err != nil {
		rt.close()
		return nil, err
	}
	rt.remote = rs
	rt.source.AddListener(refetchOnRemove{src: rs})
	logging.Info(ServiceName, "serving remote bundles", "base_url", sourceCfg.BaseURL(), "mode", sourceCfg.Mode(), "pdp_ids", len(sourceCfg.PdpIDs()), "instance_id", rt.instanceID)
	return rt, nil
}

func loadDirectory(ctx context.Context, src *voter.Source, cfg *config.Config) error {
	pdpCfg, err := configuration.LoadFromDirectory(cfg.LocalConfigDir, cfg.LocalPdpID)
	if err != nil {
		return fmt.Errorf("load configuration directory: %w", err)
	}
	src.LoadConfiguration(ctx, pdpCfg, true)
	return nil
}

// reloadOnHangup re-reads the configuration directory on SIGHUP. A failed
// reload keeps the previous configuration.
func reloadOnHangup(ctx context.Context, src *voter.Source, cfg *config.Config) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			reloadDirectory(ctx, src, cfg)
		}
	}
}

// reloadDirectory reports an unreadable directory to the voter as a failed
// load, so status consumers see the error alongside the retained configuration.
func reloadDirectory(ctx context.Context, src *voter.Source, cfg *config.Config) {
	if err := loadDirectory(ctx, src, cfg); err != nil {
		logging.Error(ServiceName, "directory reload failed", "dir", cfg.LocalConfigDir, "error", err)
		src.RecordFailure(cfg.LocalPdpID, err, true)
	}
}

// refetchOnRemove makes a removed tenant's loop fetch unconditionally, so the
// bundle comes back without waiting for the server to publish a new ETag.
type refetchOnRemove struct {
	src *remote.Source
}

func (refetchOnRemove) OnStatus(voter.Status) {}

func (r refetchOnRemove) OnRemoved(pdpID string) { r.src.Refetch(pdpID) }
