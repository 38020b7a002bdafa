package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/maxpert/tpc/admin"
	"github.com/maxpert/tpc/cfg"
	"github.com/maxpert/tpc/driver"
	"github.com/maxpert/tpc/notify"
	"github.com/maxpert/tpc/participant"
	"github.com/maxpert/tpc/publisher"
	_ "github.com/maxpert/tpc/publisher/sink"
	_ "github.com/maxpert/tpc/publisher/transformer"
	"github.com/maxpert/tpc/telemetry"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var probeFlag = flag.Bool("probe", false, "Run one begin/prepare/commit round against the backend and exit")

const (
	shutdownTimeout  = 30 * time.Second
	metricsInterval  = 15 * time.Second
	probeStepTimeout = 10 * time.Second
)

// stats feeds the metrics collector
type stats struct {
	*participant.Registry
	*participant.Scanner
}

func main() {
	flag.Parse()

	// Load configuration
	err := cfg.Load(*cfg.ConfigPathFlag)
	if err != nil {
		panic(err)
	}

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		panic(fmt.Sprintf("Invalid configuration: %v", err))
	}

	setupLogging()

	log.Info().Str("driver", cfg.Config.Backend.Driver).Msg("tpc - two-phase commit participant")
	log.Debug().Msg("Initializing telemetry")
	telemetry.InitializeTelemetry()

	d, err := driver.Open(cfg.Config.Backend.Driver, driver.Options{
		DSN:             cfg.Config.Backend.DSN,
		MaxOpenConns:    cfg.Config.Backend.MaxOpenConns,
		MaxIdleConns:    cfg.Config.Backend.MaxIdleConns,
		ConnMaxLifetime: cfg.Config.Backend.ConnMaxLifetime(),
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open backend")
		return
	}
	defer d.Close()

	p := participant.NewParticipant(cfg.Config.ParticipantID, d)
	scanner := participant.NewScanner(p)

	if *probeFlag {
		if err := probe(p, scanner); err != nil {
			log.Error().Err(err).Str("disposition", participant.Classify(err).String()).Msg("Probe failed")
			os.Exit(1)
		}
		log.Info().Msg("Probe succeeded - backend supports prepared transactions")
		return
	}

	if err := run(p, scanner); err != nil {
		log.Fatal().Err(err).Msg("tpc exited with error")
	}
}

func setupLogging() {
	var writer io.Writer = zerolog.NewConsoleWriter()
	if cfg.Config.Logging.Format == "json" {
		writer = os.Stdout
	}
	gLog := zerolog.New(writer).
		With().
		Timestamp().
		Str("participant_id", cfg.Config.ParticipantID).
		Logger()

	if cfg.Config.Logging.Verbose {
		log.Logger = gLog.Level(zerolog.DebugLevel)
	} else {
		log.Logger = gLog.Level(zerolog.InfoLevel)
	}
}

func run(p *participant.Participant, scanner *participant.Scanner) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	hub := notify.NewHub()
	defer hub.Close()
	p.SetNotifier(hub)

	registry := participant.NewRegistry(p)

	if cfg.Config.Publisher.Enabled && len(cfg.Config.Publisher.Sinks) > 0 {
		pub, err := publisher.NewRegistry(publisher.RegistryConfig{
			Hub:         hub,
			SinkConfigs: cfg.Config.Publisher.Sinks,
		})
		if err != nil {
			return fmt.Errorf("failed to initialize event publisher: %w", err)
		}
		if err := pub.Start(); err != nil {
			return err
		}
		defer pub.Stop()
	}

	if pending, err := scanner.ListPrepared(ctx); err != nil {
		log.Warn().Err(err).Msg("Failed to scan prepared transactions at startup")
	} else if len(pending) > 0 {
		log.Warn().Int("count", len(pending)).Time("oldest", pending[0].PreparedAt).Msg("Found in-doubt prepared transactions awaiting resolution")
	}

	if cfg.Config.Recovery.JanitorEnabled {
		janitor := participant.NewJanitor(scanner, participant.JanitorConfig{
			Interval: cfg.Config.Recovery.Interval(),
			MaxAge:   cfg.Config.Recovery.MaxAge(),
			Pattern:  cfg.Config.Recovery.XIDPattern,
		})
		janitor.Start()
		defer janitor.Stop()
	}

	collector := telemetry.NewMetricsCollector(stats{registry, scanner}, metricsInterval)
	collector.Start()
	defer collector.Stop()

	if cfg.Config.Admin.Enabled {
		addr := fmt.Sprintf("%s:%d", cfg.Config.Admin.BindAddress, cfg.Config.Admin.Port)
		srv := admin.NewServer(addr, admin.NewAdminHandlers(registry, scanner), telemetry.GetMetricsHandler())
		if err := srv.Start(); err != nil {
			return err
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := srv.Stop(shutdownCtx); err != nil {
				log.Warn().Err(err).Msg("Admin server shutdown failed")
			}
		}()
	}

	log.Info().
		Str("resource", p.Resource()).
		Str("driver", p.Driver().Name()).
		Bool("janitor", cfg.Config.Recovery.JanitorEnabled).
		Msg("Participant is operational")

	<-ctx.Done()
	log.Info().Msg("Shutting down")

	closeCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := registry.Close(closeCtx); err != nil {
		log.Warn().Err(err).Msg("Some sessions did not close cleanly")
	}
	return nil
}

// probe drives one transaction through every protocol verb
func probe(p *participant.Participant, scanner *participant.Scanner) error {
	ctx, cancel := context.WithTimeout(context.Background(), 4*probeStepTimeout)
	defer cancel()

	xid := participant.NewXID("probe")
	log.Info().Str("xid", xid).Msg("Probing backend")

	s, err := p.Begin(ctx, xid)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	if err := p.Prepare(ctx, s); err != nil {
		return fmt.Errorf("prepare: %w", err)
	}

	if _, found, err := scanner.FindPrepared(ctx, xid); err != nil {
		_ = p.Rollback(ctx, s)
		return fmt.Errorf("find prepared: %w", err)
	} else if !found {
		_ = p.Rollback(ctx, s)
		return fmt.Errorf("prepared transaction %q missing from catalog", xid)
	}

	if err := p.Commit(ctx, s); err != nil {
		return fmt.Errorf("commit prepared: %w", err)
	}
	return nil
}
