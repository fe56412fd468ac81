// Command surfaced runs a simulated canvas under an adaptive visual-load governor
// and serves the inspector for it over HTTP and gRPC.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/xiaonanln/canvasgov/cmd/surfaced/surfacedconfig"
	"github.com/xiaonanln/canvasgov/config"
	"github.com/xiaonanln/canvasgov/governor"
	"github.com/xiaonanln/canvasgov/inspector"
	"github.com/xiaonanln/canvasgov/remoteconfig"
	"github.com/xiaonanln/canvasgov/sampler"
	"github.com/xiaonanln/canvasgov/util/logger"
	"github.com/xiaonanln/canvasgov/util/postgres"
)

func main() {
	loader := surfacedconfig.NewLoader(nil)
	cfg, err := loader.Load(os.Args[1:])
	if err != nil {
		log.Fatalf("Failed to load surfaced config: %v", err)
	}
	logger.SetDefaultLevel(cfg.LogLevel())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		log.Fatalf("surfaced failed: %v", err)
	}
	log.Println("surfaced stopped")
}

// nodeSpecs returns the nodes listed in cfg, or the demo canvas when it lists none
func nodeSpecs(cfg *config.Config) ([]governor.NodeSpec, error) {
	if len(cfg.Surface.Nodes) == 0 {
		return demoNodes(), nil
	}
	specs := make([]governor.NodeSpec, 0, len(cfg.Surface.Nodes))
	for _, n := range cfg.Surface.Nodes {
		spec, err := n.Spec()
		if err != nil {
			return nil, err
		}
		specs = append(specs, spec)
	}
	return specs, nil
}

func postgresConfig(pc config.PostgresConfig) *postgres.Config {
	return &postgres.Config{
		Host:     pc.Host,
		Port:     pc.Port,
		User:     pc.User,
		Password: pc.Password,
		Database: pc.Database,
		SSLMode:  pc.SSLMode,
	}
}

// run blocks until ctx is done or a component fails
func run(ctx context.Context, cfg *config.Config) error {
	l := logger.NewLogger("surfaced")

	specs, err := nodeSpecs(cfg)
	if err != nil {
		return err
	}

	smp := sampler.New(cfg.SamplerConfig())
	gov, err := governor.New(cfg.GovernorConfig(),
		governor.WithName(cfg.Surface.Name),
		governor.WithSampler(smp),
		governor.WithTickInterval(cfg.Surface.TickInterval),
	)
	if err != nil {
		return err
	}

	if cfg.Journal.Enabled {
		db, err := postgres.NewDB(postgresConfig(cfg.Journal.Postgres))
		if err != nil {
			return fmt.Errorf("journal: %w", err)
		}
		defer db.Close()
		if err := db.InitSchema(ctx); err != nil {
			return fmt.Errorf("journal: %w", err)
		}
		journal := postgres.NewJournal(db, gov.Name(), cfg.Journal.BufferSize)
		defer journal.Close()
		gov.AddObserver(journal)
		defer gov.RemoveObserver(journal)
		l.Infof("Transition journal enabled (%s@%s/%s)", cfg.Journal.Postgres.User, cfg.Journal.Postgres.Host, cfg.Journal.Postgres.Database)
	}

	if cfg.RemoteConfigEnabled() {
		watcher := remoteconfig.NewWatcher(cfg.Etcd.Endpoints, cfg.Etcd.Prefix, gov)
		if err := watcher.Connect(); err != nil {
			return fmt.Errorf("remote config: %w", err)
		}
		defer watcher.Close()
		if err := watcher.Start(ctx); err != nil {
			return fmt.Errorf("remote config: %w", err)
		}
	}

	gov.Start()
	defer gov.Stop()

	srv := inspector.New(gov, inspector.Config{
		HTTPAddr: cfg.Inspector.HTTPAddr,
		GRPCAddr: cfg.Inspector.GRPCAddr,
	})
	defer srv.Shutdown()

	h := newHost(gov, specs, defaultBaseCost)

	eg, ctx := errgroup.WithContext(ctx)
	if cfg.Inspector.HTTPAddr != "" {
		eg.Go(func() error { return srv.ServeHTTP(ctx) })
	}
	if cfg.Inspector.GRPCAddr != "" {
		eg.Go(func() error { return srv.ServeGRPC(ctx) })
	}
	eg.Go(func() error { return h.mountAll(ctx) })
	eg.Go(func() error { return h.runFrames(ctx) })

	l.Infof("Surface %s running with %d nodes", gov.Name(), len(specs))
	return eg.Wait()
}
