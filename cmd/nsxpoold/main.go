package main

import (
	"context"
	"io"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	metrics "github.com/docker/go-metrics"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	bolt "go.etcd.io/bbolt"
	clientv3 "go.etcd.io/etcd/client/v3"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/aaronorosen/vmware-nsx/config"
	"github.com/aaronorosen/vmware-nsx/edge"
	"github.com/aaronorosen/vmware-nsx/locking"
	"github.com/aaronorosen/vmware-nsx/log"
	"github.com/aaronorosen/vmware-nsx/state/store"
	"github.com/aaronorosen/vmware-nsx/vcns"
	"github.com/aaronorosen/vmware-nsx/version"
)

func main() {
	if err := mainCmd.Execute(); err != nil {
		log.L.Fatal(err)
	}
}

var mainCmd = &cobra.Command{
	Use:          os.Args[0],
	Short:        "Run the NSXv edge appliance pool manager",
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, _ []string) {
		logrus.SetOutput(os.Stderr)
		flag, err := cmd.Flags().GetString("log-level")
		if err != nil {
			log.L.Fatal(err)
		}
		level, err := logrus.ParseLevel(flag)
		if err != nil {
			log.L.Fatal(err)
		}
		logrus.SetLevel(level)

		logFile, err := cmd.Flags().GetString("log-file")
		if err != nil {
			log.L.Fatal(err)
		}
		if logFile != "" {
			logrus.SetOutput(io.MultiWriter(os.Stderr, &lumberjack.Logger{
				Filename:   logFile,
				MaxSize:    100, // MB
				MaxBackups: 5,
			}))
		}
	},
	RunE: func(cmd *cobra.Command, _ []string) error {
		configPath, err := cmd.Flags().GetString("config")
		if err != nil {
			return err
		}
		cfg, err := config.ReadFrom(configPath)
		if err != nil {
			return err
		}
		return runDaemon(cfg)
	},
}

func init() {
	mainCmd.PersistentFlags().StringP("log-level", "l", "info", "Log level (options \"debug\", \"info\", \"warn\", \"error\", \"fatal\", \"panic\")")
	mainCmd.PersistentFlags().String("log-file", "", "Also write logs to this file, with rotation")
	mainCmd.Flags().StringP("config", "c", "/etc/nsxpoold/config.yml", "Configuration file")

	mainCmd.AddCommand(version.Cmd)
}

func runDaemon(cfg *config.Config) error {
	ctx := log.WithModule(context.Background(), "nsxpoold")
	log.G(ctx).Infof("starting %s version %s", version.Package, version.Version)

	db, err := bolt.Open(cfg.State.Path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return err
	}
	defer db.Close()
	if err := store.InitDB(db); err != nil {
		return err
	}
	s := store.NewMemoryStore(store.NewBoltPersister(db))
	defer s.Close()
	if err := store.RestoreFromBolt(db, s); err != nil {
		return err
	}

	backend, err := vcns.NewClient(vcns.Config{
		URL:              cfg.Manager.URI,
		Username:         cfg.Manager.User,
		Password:         cfg.Manager.Password,
		CAFile:           cfg.Manager.CAFile,
		Insecure:         cfg.Manager.Insecure,
		Retries:          cfg.Manager.Retries,
		RateLimit:        cfg.Manager.RateLimit,
		TaskPollInterval: cfg.Manager.TaskStatusCheckInterval.Std(),
	})
	if err != nil {
		return err
	}

	locks, closeLocks, err := buildLocks(cfg)
	if err != nil {
		return err
	}
	defer closeLocks()

	m := edge.New(edge.Config{
		Store:      s,
		Backend:    backend,
		Locks:      locks,
		Targets:    cfg.Pool.Targets,
		MaxTunnels: cfg.Pool.MaxTunnels(),
	})
	sink := edge.NewCallbackHandler(ctx, s, backend, m.MaxTunnels())
	backend.Tasks().AddSink(sink)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := m.Run(runCtx); err != nil && err != context.Canceled {
			log.G(ctx).WithError(err).Errorf("pool manager stopped")
		}
	}()

	if err := m.ReconcileAll(ctx); err != nil {
		log.G(ctx).WithError(err).Errorf("startup pool reconcile failed")
	}

	if every := cfg.Pool.SyncEvery(); every > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ticker := time.NewTicker(every)
			defer ticker.Stop()
			for {
				select {
				case <-ticker.C:
					m.TriggerRefill()
				case <-runCtx.Done():
					return
				}
			}
		}()
	}

	metricsSrv := serveMetrics(ctx, cfg.Metrics.Addr)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	received := <-sig
	log.G(ctx).Infof("received %s, shutting down", received)

	cancel()
	m.Stop()
	if err := metricsSrv.Shutdown(context.Background()); err != nil {
		log.G(ctx).WithError(err).Warnf("stopping metrics listener")
	}
	if err := backend.Close(); err != nil {
		log.G(ctx).WithError(err).Warnf("closing backend client")
	}
	wg.Wait()
	return nil
}

// buildLocks selects the named-lock service. The memory backend is only
// safe while a single daemon owns the pool.
func buildLocks(cfg *config.Config) (locking.NamedLockService, func(), error) {
	if cfg.Locks.Backend == config.LockBackendEtcd {
		cli, err := clientv3.New(clientv3.Config{
			Endpoints:   cfg.Locks.EtcdEndpoints,
			DialTimeout: 5 * time.Second,
		})
		if err != nil {
			return nil, nil, err
		}
		return locking.NewEtcdLocks(cli, "", 0), func() { _ = cli.Close() }, nil
	}
	return locking.NewMemoryLocks(), func() {}, nil
}

func serveMetrics(ctx context.Context, addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		log.G(ctx).Infof("serving metrics on %s", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.G(ctx).WithError(err).Errorf("metrics listener failed")
		}
	}()
	return srv
}
