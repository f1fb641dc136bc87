package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	mmate "github.com/glimte/mmate-amqp"
	"github.com/glimte/mmate-amqp/health"
	"github.com/glimte/mmate-amqp/internal/config"
	"github.com/glimte/mmate-amqp/internal/journal"
	"github.com/glimte/mmate-amqp/metrics"
)

const (
	healthTimeout   = 5 * time.Second
	shutdownTimeout = 10 * time.Second
)

func newWatchCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Connect, declare the topology and report failures until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := flags.load()
			if err != nil {
				return err
			}
			logger, err := newLogger(os.Stderr, cfg.Logging, flags.debug)
			if err != nil {
				return err
			}
			return runWatch(cmd.Context(), cfg, logger)
		},
	}
}

// monitor ties a connection to its metrics, health checks and HTTP surface.
type monitor struct {
	cfg      *config.Config
	logger   *slog.Logger
	conn     *mmate.Connection
	registry *prometheus.Registry
	health   *health.Registry
	events   *journal.Journal
	server   *http.Server
}

func newMonitor(cfg *config.Config, logger *slog.Logger, opts ...mmate.Option) (*monitor, error) {
	settings, err := mmate.ParseURL(cfg.Broker.URL)
	if err != nil {
		return nil, err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())

	events := journal.New(journal.WithMaxEntries(cfg.Server.JournalSize))

	options := append(cfg.Options(),
		mmate.WithLogger(logger),
		mmate.WithMetrics(mmate.MultiRecorder(metrics.NewRecorder(reg), events.Recorder())),
	)
	conn := mmate.NewConnection(settings, append(options, opts...)...)

	checks := health.NewRegistry()
	checks.SetMetadata("version", version)
	checks.SetMetadata("connection", conn.ID())
	checks.Register(health.NewConnectionChecker("connection", conn))
	checks.Register(health.NewChannelChecker("channels", conn))

	m := &monitor{
		cfg:      cfg,
		logger:   logger,
		conn:     conn,
		registry: reg,
		health:   checks,
		events:   events,
	}
	m.server = &http.Server{
		Addr:              cfg.Server.Listen,
		Handler:           m.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return m, nil
}

func (m *monitor) routes() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry}))
	mux.Handle("/healthz", health.NewHandler(m.health, healthTimeout))
	mux.Handle("/livez", health.LivenessHandler())
	mux.Handle("/events", m.events)
	return mux
}

// start connects and declares the configured topology. Connection-level
// callbacks are registered once the first session is up, so an unreachable
// broker fails the command instead of being handed to the loss handler.
func (m *monitor) start(ctx context.Context) error {
	m.conn.OnStateChange(func(from, to mmate.State) {
		m.logger.Debug("connection state changed", "from", from, "to", to, "episode", m.conn.Episode())
	})

	m.logger.Info("connecting", "url", mmate.SanitizeURL(m.cfg.Broker.URL))
	if err := m.conn.Connect(ctx); err != nil {
		return fmt.Errorf("connect: %w", err)
	}

	m.conn.OnError(func(_ *mmate.Connection, info *mmate.CloseInfo) {
		m.logger.Warn("connection closed by broker",
			"kind", mmate.Classify(mmate.Condition{Established: true, Close: info}),
			"replyCode", info.ReplyCode,
			"replyText", info.ReplyText)
	})
	m.conn.OnConnectionLoss(func(_ *mmate.Connection, settings mmate.Settings, failure *mmate.Failure) {
		m.logger.Error("connection attempt failed",
			"kind", failure.Kind,
			"host", settings.Host,
			"error", failure)
	})
	m.conn.OnConnectionInterruption(func(c *mmate.Connection) {
		_ = m.events.Record(&journal.Entry{Type: journal.EventInterruption, Episode: c.Episode()})
		m.logger.Warn("connection interrupted", "episode", c.Episode(), "pendingReconnects", c.PendingReconnects())
	})
	m.conn.AfterRecovery(func(c *mmate.Connection) {
		m.logger.Info("connection recovered", "episode", c.Episode(), "channels", len(c.Channels()))
	})

	channels, err := declareTopology(ctx, m.conn, m.cfg.Channels, m.logger, m.events)
	if err != nil {
		return fmt.Errorf("declare topology: %w", err)
	}
	m.logger.Info("connected", "episode", m.conn.Episode(), "channels", len(channels))
	return nil
}

// run serves HTTP until ctx is cancelled, then shuts the server down and
// closes the connection.
func (m *monitor) run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		m.logger.Info("serving metrics and health", "listen", m.server.Addr)
		if err := m.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		m.logger.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		err := m.server.Shutdown(shutdownCtx)
		if cerr := m.conn.Close(); cerr != nil && !errors.Is(cerr, mmate.ErrClosed) {
			err = errors.Join(err, cerr)
		}
		return err
	})

	return g.Wait()
}

func runWatch(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	m, err := newMonitor(cfg, logger)
	if err != nil {
		return err
	}
	if err := m.start(ctx); err != nil {
		_ = m.conn.Close()
		return err
	}
	return m.run(ctx)
}
