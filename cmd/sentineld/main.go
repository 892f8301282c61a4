// Command sentineld is the host intrusion-detection daemon binary. It loads
// a YAML configuration file, attaches the kernel event source, wires every
// alert sink the configuration enables into the Alert Router, starts the
// optional control-plane REST API and live alert feed, and runs the
// controller's single-threaded hot loop until a shutdown signal arrives.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/tripwire/sentinel/internal/api"
	"github.com/tripwire/sentinel/internal/archive"
	"github.com/tripwire/sentinel/internal/config"
	"github.com/tripwire/sentinel/internal/controller"
	"github.com/tripwire/sentinel/internal/deliveryqueue"
	"github.com/tripwire/sentinel/internal/eventsource"
	"github.com/tripwire/sentinel/internal/forward"
	"github.com/tripwire/sentinel/internal/hwdetect"
	"github.com/tripwire/sentinel/internal/livefeed"
	"github.com/tripwire/sentinel/internal/router"
)

const (
	deliveryRetryInterval = 5 * time.Second
	defaultRingBufSize    = 4 * 1024 * 1024
	sinkTimeout           = 5 * time.Second
	shutdownTimeout       = 10 * time.Second
)

// Process exit codes, per spec.md §9's CLI surface.
const (
	exitArgError     = 1
	exitAttachFailed = 2
	exitMapsMissing  = 3
)

func main() {
	configPath := flag.String("config", "/etc/sentinel/config.yaml", "path to the sentinel daemon YAML configuration file")
	bpfObjectPath := flag.String("bpf-object", "/usr/lib/sentinel/sentinel.bpf.o", "path to the compiled raw_syscalls/sys_enter BPF object")
	ringBufSize := flag.Uint("ring-buf-size", defaultRingBufSize, "kernel ring buffer size in bytes, must be a power of two")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "sentineld: %v\n", err)
		os.Exit(exitArgError)
	}

	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	if cfg.HWAutoscale {
		sizing := hwdetect.Detect()
		logger.Info("hardware autoscale sizing", slog.String("sizing", sizing.String()))
	}

	source, err := eventsource.Open(*bpfObjectPath, uint32(*ringBufSize))
	if err != nil {
		logger.Error("failed to open kernel event source", slog.Any("error", err))
		os.Exit(eventSourceExitCode(err))
	}

	rt := router.New(logger, sinkTimeout)
	var closers []controller.Closer

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := registerSinks(ctx, cfg, rt, logger, source, &closers); err != nil {
		logger.Error("failed to register alert sinks", slog.Any("error", err))
		os.Exit(1)
	}

	var archiveSink *archive.Sink
	if cfg.Archive.DSN != "" {
		archiveSink, err = archive.New(ctx, cfg.Archive.DSN, 100, 5*time.Second)
		if err != nil {
			logger.Error("failed to open archive sink", slog.Any("error", err))
			os.Exit(1)
		}
		rt.Register(archiveSink)
	}

	opts := []controller.Option{controller.WithRouter(rt)}
	if archiveSink != nil {
		opts = append(opts, controller.WithArchive(archiveSink))
	}
	for _, cl := range closers {
		opts = append(opts, controller.WithCloser(cl))
	}

	ctrl := controller.New(cfg, logger, source, opts...)

	var apiServer *http.Server
	if cfg.API.Addr != "" {
		apiSrv := api.NewServer(ctrl)
		var jwtSecret []byte
		if cfg.API.JWTSecret != "" {
			jwtSecret = []byte(cfg.API.JWTSecret)
		}
		apiServer = &http.Server{
			Addr:         cfg.API.Addr,
			Handler:      api.NewRouter(apiSrv, jwtSecret),
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 5 * time.Second,
		}
		go func() {
			logger.Info("control-plane API listening", slog.String("addr", cfg.API.Addr))
			if err := apiServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("control-plane API server error", slog.Any("error", err))
			}
		}()
	}

	var livefeedBC *livefeed.Broadcaster
	var livefeedServer *http.Server
	if cfg.LiveFeed.Addr != "" {
		livefeedBC = livefeed.NewBroadcaster(logger, 64)
		handler := livefeed.NewHandler(livefeedBC, logger, 5*time.Second)
		mux := http.NewServeMux()
		mux.Handle("/ws/alerts", handler)
		livefeedServer = &http.Server{
			Addr:         cfg.LiveFeed.Addr,
			Handler:      mux,
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 0,
		}
		go func() {
			logger.Info("live alert feed listening", slog.String("addr", cfg.LiveFeed.Addr))
			if err := livefeedServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("live alert feed server error", slog.Any("error", err))
			}
		}()
	}
	if livefeedBC != nil || livefeedServer != nil {
		ctrl.SetLiveFeed(livefeedBC, livefeedServer)
	}
	if apiServer != nil {
		ctrl.SetAPIServer(apiServer)
	}

	runErrCh := make(chan error, 1)
	go func() {
		runErrCh <- ctrl.Run(ctx)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		logger.Info("received shutdown signal", slog.String("signal", sig.String()))
		cancel()
		<-runErrCh
	case err := <-runErrCh:
		if err != nil {
			logger.Error("controller run loop exited with error", slog.Any("error", err))
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := ctrl.Shutdown(shutdownCtx); err != nil {
		logger.Warn("controller shutdown error", slog.Any("error", err))
	}

	logger.Info("sentineld exited cleanly")
}

// registerSinks builds and registers every enabled sink from cfg, wrapping
// the webhook and gRPC forward sinks in a durable delivery queue per
// spec.md's router supplement so a collector outage cannot drop an alert.
// Every registered sink is closed by the router at shutdown; the Prometheus
// scrape server, the delivery queues and the forward sink are also appended
// to closers, which the controller closes after the router.
func registerSinks(ctx context.Context, cfg *config.Config, rt *router.Router, logger *slog.Logger, source eventsource.Source, closers *[]controller.Closer) error {
	if cfg.Sinks.Syslog.Enable {
		rt.Register(router.NewSyslogSink(cfg.Sinks.Syslog.Network, cfg.Sinks.Syslog.Addr, cfg.Sinks.Syslog.Facility))
	}

	if cfg.Sinks.JSONFile.Enable {
		sink, err := router.NewJSONFileSink(cfg.Sinks.JSONFile.Path, cfg.Sinks.JSONFile.MaxSize)
		if err != nil {
			return fmt.Errorf("json_file sink: %w", err)
		}
		rt.Register(sink)
	}

	if cfg.Sinks.Auditd.Enable {
		rt.Register(router.NewAuditdSink(cfg.Sinks.Auditd.SocketPath))
	}

	if cfg.Sinks.Prometheus.Enable {
		promSink := router.NewPrometheusSink(source.DroppedSamples)
		rt.Register(promSink)
		mux := http.NewServeMux()
		mux.Handle("/metrics", promSink)
		promServer := &http.Server{Addr: cfg.Sinks.Prometheus.Addr, Handler: mux}
		go func() {
			logger.Info("prometheus sink listening", slog.String("addr", cfg.Sinks.Prometheus.Addr))
			if err := promServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("prometheus sink server error", slog.Any("error", err))
			}
		}()
		*closers = append(*closers, shutdownCloser{promServer})
	}

	if cfg.Sinks.TamperAudit.Enable {
		sink, err := router.NewAuditSink(cfg.Sinks.TamperAudit.Path)
		if err != nil {
			return fmt.Errorf("tamper_audit sink: %w", err)
		}
		rt.Register(sink)
	}

	if cfg.Sinks.Webhook.Enable {
		queue, err := deliveryqueue.New(cfg.Sinks.Webhook.QueuePath)
		if err != nil {
			return fmt.Errorf("webhook delivery queue: %w", err)
		}
		delegate := router.NewWebhookSink(cfg.Sinks.Webhook.URL)
		durable := deliveryqueue.NewDurableSink(queue, delegate, logger, deliveryRetryInterval)
		rt.Register(durable)
		*closers = append(*closers, queue)
	}

	if cfg.Forward.Addr != "" {
		queue, err := deliveryqueue.New(cfg.Forward.QueuePath)
		if err != nil {
			return fmt.Errorf("forward delivery queue: %w", err)
		}
		delegate, err := forward.New(ctx, forward.Config{
			CollectorAddr: cfg.Forward.Addr,
			CertPath:      cfg.Forward.CertPath,
			KeyPath:       cfg.Forward.KeyPath,
			CAPath:        cfg.Forward.CAPath,
		}, logger)
		if err != nil {
			return fmt.Errorf("forward sink: %w", err)
		}
		durable := deliveryqueue.NewDurableSink(queue, delegate, logger, deliveryRetryInterval)
		rt.Register(durable)
		*closers = append(*closers, queue, delegate)
	}

	return nil
}

// shutdownCloser adapts an *http.Server to controller.Closer with a bounded
// shutdown deadline of its own, independent of the API/live-feed servers'.
type shutdownCloser struct {
	srv *http.Server
}

func (c shutdownCloser) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), sinkTimeout)
	defer cancel()
	return c.srv.Shutdown(ctx)
}

// eventSourceExitCode classifies an eventsource.Open failure into the CLI's
// distinct exit codes. Every Linux-path failure in internal/eventsource is
// wrapped with one of the two sentinels; an unclassified error (the
// unsupported-platform stub) falls back to exitMapsMissing, since it too
// means the required kernel maps can never be located.
func eventSourceExitCode(err error) int {
	switch {
	case errors.Is(err, eventsource.ErrAttach):
		return exitAttachFailed
	default:
		return exitMapsMissing
	}
}

// newLogger constructs a *slog.Logger writing JSON-structured records to
// stderr at the requested minimum level.
func newLogger(level string) *slog.Logger {
	var l slog.Level
	switch level {
	case "debug":
		l = slog.LevelDebug
	case "warn":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: l}))
}
