package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"callhome/internal/auth"
	"callhome/internal/config"
	"callhome/internal/datastore"
	"callhome/internal/events"
	"callhome/internal/keystore"
	"callhome/internal/logger"
	"callhome/internal/metrics"
	"callhome/internal/mount"
	"callhome/internal/netconf"
	"callhome/internal/status"
	"callhome/internal/store"
	"callhome/internal/transport"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		bootLog := logger.WithComponent("boot")
		bootLog.Fatal().Err(err).Str("path", *configPath).Msg("failed to load config")
	}
	if err := logger.Init(cfg.Log); err != nil {
		bootLog := logger.WithComponent("boot")
		bootLog.Fatal().Err(err).Msg("failed to initialise logging")
	}
	log := logger.WithComponent("boot")

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfg); err != nil {
		log.Fatal().Err(err).Msg("call-home service failed")
	}
	log.Info().Msg("call-home service stopped cleanly")
}

func run(ctx context.Context, cfg *config.Config) error {
	log := logger.WithComponent("boot")
	m := metrics.New()
	sinks := []status.Sink{m}

	var db *store.PostgresStore
	if cfg.Store.DSN != "" {
		var err error
		db, err = store.New(ctx, cfg.Store.DSN)
		if err != nil {
			return err
		}
		defer db.Close()
		sinks = append(sinks, db)
		log.Info().Msg("persisting device status to postgres")
	}

	if cfg.Events.NatsURL != "" {
		pub, err := events.Connect(cfg.Events.NatsURL, cfg.Events.Subject)
		if err != nil {
			return err
		}
		defer pub.Close()
		sinks = append(sinks, pub)
		log.Info().Str("subject", cfg.Events.Subject).Msg("publishing device status to nats")
	}

	data := datastore.NewStore()
	devices := datastore.NewFileSource(cfg.CallHome.DevicesFile, data, logger.WithComponent("datastore"))
	if err := devices.Load(); err != nil {
		return err
	}

	ks := keystore.New()
	keys := keystore.NewDirSource(cfg.CallHome.KeystoreDir, ks, logger.WithComponent("keystore"))
	if err := keys.Load(); err != nil {
		return err
	}

	reporter := status.NewReporter(data, logger.WithComponent("status"), sinks...)
	if db != nil {
		if err := restore(ctx, db, reporter); err != nil {
			return err
		}
	}

	sshAuth := auth.NewSSHProvider(data, reporter, logger.WithComponent("auth"))
	defer sshAuth.Close()
	tlsAuth := auth.NewTLSProvider(data, ks, logger.WithComponent("auth"))
	defer tlsAuth.Close()

	supersede, err := mount.ParseSupersedePolicy(cfg.CallHome.SupersedePolicy)
	if err != nil {
		return err
	}
	svc := mount.New(mount.Config{Node: cfg.Node, Supersede: supersede, TraceDir: cfg.CallHome.TraceDir}, data, reporter,
		logger.WithComponent("mount"), mount.WithMetrics(m))
	defer svc.Close()

	negotiator := netconf.NewNegotiator(cfg.CallHome.Capabilities, cfg.Server.HelloTimeout)

	sshSrv := transport.NewSSHServer(
		transport.Config{Addr: cfg.Server.SSHAddr(), Limits: cfg.Limits, HandshakeTimeout: cfg.Server.HandshakeTimeout},
		sshAuth, svc.SSHContextManager(), reporter, negotiator, m, logger.WithComponent("ssh"))
	tlsSrv := transport.NewTLSServer(
		transport.Config{Addr: cfg.Server.TLSAddr(), Limits: cfg.Limits, HandshakeTimeout: cfg.Server.HandshakeTimeout},
		tlsAuth, svc.TLSContextManager(tlsAuth), reporter, negotiator, m, logger.WithComponent("tls"))

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return devices.Run(ctx) })
	g.Go(func() error { return keys.Run(ctx) })
	g.Go(func() error { return sshSrv.Start(ctx) })
	g.Go(func() error { return tlsSrv.Start(ctx) })
	if cfg.Metrics.Addr != "" {
		g.Go(func() error { return serveMetrics(ctx, cfg.Metrics.Addr, m, logger.WithComponent("metrics")) })
	}

	log.Info().
		Str("ssh", cfg.Server.SSHAddr()).
		Str("tls", cfg.Server.TLSAddr()).
		Str("devices", cfg.CallHome.DevicesFile).
		Str("keystore", cfg.CallHome.KeystoreDir).
		Msg("call-home service starting")

	return g.Wait()
}

// restore seeds the operational view from persisted status so that known
// unlisted devices are not reported again after a restart.
func restore(ctx context.Context, db store.DeviceStore, r *status.Reporter) error {
	records, err := db.List(ctx)
	if err != nil {
		return err
	}
	r.Restore(store.States(records))
	return nil
}

func serveMetrics(ctx context.Context, addr string, m *metrics.Metrics, log zerolog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx) //nolint:errcheck
	}()

	log.Info().Str("addr", addr).Msg("serving metrics")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
