package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/core-tools/hsu-scanmaster/pkg/config"
	"github.com/core-tools/hsu-scanmaster/pkg/control"
	"github.com/core-tools/hsu-scanmaster/pkg/logging"
	"github.com/core-tools/hsu-scanmaster/pkg/metrics"
	"github.com/core-tools/hsu-scanmaster/pkg/runfile"
	"github.com/core-tools/hsu-scanmaster/pkg/supervisor"

	flags "github.com/jessevdk/go-flags"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
)

type flagOptions struct {
	ConfigFile   string `long:"config" short:"c" description:"YAML configuration file"`
	CSVPath      string `long:"csv" description:"CSV file with the URLs to check"`
	Mode         string `long:"mode" description:"Scan mode (normal, tor, auto)"`
	Port         int    `long:"port" description:"Control port, overrides the configuration"`
	MetricsPort  int    `long:"metrics-port" description:"Serve Prometheus metrics on this port"`
	LogLevel     string `long:"log-level" description:"Log level (debug, info, warn, error)"`
	KeepRunning  bool   `long:"keep-running" description:"Keep serving after the scan ends"`
	KillLeftover bool   `long:"kill-leftover" description:"Kill a scanner left running by an earlier run"`
}

const shutdownTimeout = 5 * time.Second

func main() {
	var opts flagOptions
	var argv []string = os.Args[1:]
	var parser = flags.NewParser(&opts, flags.HelpFlag)
	_, err := parser.ParseArgs(argv)
	if err != nil {
		fmt.Printf("Command line flags parsing failed: %v\n", err)
		os.Exit(1)
	}

	cfg, err := loadConfig(opts)
	if err != nil {
		fmt.Printf("Configuration failed: %v\n", err)
		os.Exit(1)
	}

	zapLogger, err := logging.NewZapLogger(cfg.Logging)
	if err != nil {
		fmt.Printf("Logger setup failed: %v\n", err)
		os.Exit(1)
	}
	defer zapLogger.Sync()

	logger := logging.NewLogger(
		logging.ModulePrefix("scansrv"), logging.LogFuncs{
			Debugf: zapLogger.Debugf,
			Infof:  zapLogger.Infof,
			Warnf:  zapLogger.Warnf,
			Errorf: zapLogger.Errorf,
		})

	logger.Infof("opts: %+v", opts)

	if err := run(cfg, opts, logger); err != nil {
		logger.Errorf("Scan server failed: %v", err)
		zapLogger.Sync()
		os.Exit(1)
	}
}

func loadConfig(opts flagOptions) (*config.Config, error) {
	var cfg *config.Config
	if opts.ConfigFile != "" {
		loaded, err := config.LoadConfigFromFile(opts.ConfigFile)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	} else {
		cfg = config.DefaultConfig()
	}

	if opts.CSVPath != "" {
		cfg.Scan.CSVPath = opts.CSVPath
	}
	if opts.Mode != "" {
		cfg.Scan.Mode = opts.Mode
	}
	if opts.LogLevel != "" {
		cfg.Logging.Level = opts.LogLevel
	}
	// the control port is what makes this a server
	cfg.Control.Enabled = true
	if opts.Port != 0 {
		cfg.Control.Port = opts.Port
	}
	if opts.MetricsPort != 0 {
		cfg.Metrics.Enabled = true
		cfg.Metrics.Port = opts.MetricsPort
	}

	if err := config.ValidateConfig(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func run(cfg *config.Config, opts flagOptions, logger logging.Logger) error {
	request, err := cfg.ScanRequest()
	if err != nil {
		return err
	}

	runFiles := runfile.NewManager(cfg.RunFiles, logger)
	defer func() {
		if err := runFiles.Close(); err != nil {
			logger.Warnf("Failed to release run files: %v", err)
		}
	}()

	if pid, err := runFiles.CheckLeftover(); err != nil {
		return err
	} else if pid != 0 {
		if !opts.KillLeftover {
			return fmt.Errorf("a scanner from an earlier run is still alive (pid %d)", pid)
		}
		if err := runFiles.TerminateLeftover(pid); err != nil {
			return err
		}
	}

	sup := supervisor.New(cfg.SupervisorOptions(runFiles), logger)

	// watchers drain their subscriptions until the supervisor closes
	var watchers errgroup.Group

	reporter := control.NewHealthReporter(logger)
	healthEvents, cancelHealth := sup.Subscribe()
	defer cancelHealth()
	watchers.Go(func() error {
		return reporter.Run(context.Background(), healthEvents)
	})

	var recorder *metrics.Recorder
	if cfg.Metrics.Enabled {
		recorder, err = metrics.NewRecorder()
		if err != nil {
			sup.Close()
			return err
		}
		metricEvents, cancelMetrics := sup.Subscribe()
		defer cancelMetrics()
		watchers.Go(func() error {
			return recorder.Run(context.Background(), metricEvents)
		})
	}

	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.Control.Port))
	if err != nil {
		sup.Close()
		return fmt.Errorf("failed to listen on control port %d: %w", cfg.Control.Port, err)
	}

	signalCtx, stopSignals := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stopSignals()
	ctx, cancel := context.WithCancel(signalCtx)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)

	grpcServer := grpc.NewServer()
	control.RegisterGRPCServerHandler(grpcServer, reporter, logger)
	g.Go(func() error {
		logger.Infof("Control server listening, address: %s", listener.Addr())
		return grpcServer.Serve(listener)
	})
	g.Go(func() error {
		<-gctx.Done()
		reporter.Shutdown()
		grpcServer.GracefulStop()
		return nil
	})

	if recorder != nil {
		mux := http.NewServeMux()
		mux.Handle(cfg.Metrics.Path, recorder.Handler())
		httpServer := &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Metrics.Port),
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			logger.Infof("Metrics server listening, address: %s, path: %s", httpServer.Addr, cfg.Metrics.Path)
			if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancelShutdown()
			return httpServer.Shutdown(shutdownCtx)
		})
	}

	g.Go(func() error {
		if err := sup.Start(request); err != nil {
			return err
		}

		done := make(chan struct{})
		go func() {
			sup.Wait()
			close(done)
		}()

		select {
		case <-gctx.Done():
			logger.Infof("Shutting down, stopping scan")
			sup.Stop()
			<-done
		case <-done:
		}

		snapshot := sup.Snapshot()
		logger.Infof("Scan finished, session: %s, status: %s, elapsed: %v, lines: %d, hits: %d",
			snapshot.SessionID, snapshot.Status, sup.Elapsed(), snapshot.ForwardedLines, snapshot.Hits)

		if !opts.KeepRunning {
			cancel()
		}
		if snapshot.Status == supervisor.StatusError {
			return snapshot.LastError
		}
		return nil
	})

	err = g.Wait()
	sup.Close()
	if watchErr := watchers.Wait(); watchErr != nil {
		logger.Warnf("Event watcher failed: %v", watchErr)
	}
	return err
}
