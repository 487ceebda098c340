package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/core-tools/hsu-scanmaster/pkg/config"
	"github.com/core-tools/hsu-scanmaster/pkg/console"
	"github.com/core-tools/hsu-scanmaster/pkg/control"
	"github.com/core-tools/hsu-scanmaster/pkg/logging"
	"github.com/core-tools/hsu-scanmaster/pkg/runfile"
	"github.com/core-tools/hsu-scanmaster/pkg/supervisor"

	"github.com/fatih/color"
	flags "github.com/jessevdk/go-flags"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

type scanCommand struct {
	ConfigFile   string        `long:"config" short:"c" description:"YAML configuration file"`
	CSVPath      string        `long:"csv" description:"CSV file with the URLs to check"`
	Mode         string        `long:"mode" description:"Scan mode (normal, tor, auto)"`
	Executable   string        `long:"executable" description:"Scanner executable, overrides the configuration"`
	Script       string        `long:"script" description:"Scanner script passed as the first argument"`
	WorkDir      string        `long:"work-dir" description:"Scanner working directory"`
	LogLevel     string        `long:"log-level" description:"Log level (debug, info, warn, error)"`
	NoColor      bool          `long:"no-color" description:"Disable colored output"`
	ElapsedEvery time.Duration `long:"elapsed-every" description:"Print the elapsed time at this interval"`
	KillLeftover bool          `long:"kill-leftover" description:"Kill a scanner left running by an earlier run"`

	exitCode int
}

type statusCommand struct {
	Server        string        `long:"server" default:"localhost:50055" description:"Address of the scan server control port"`
	RetryAttempts int           `long:"retries" default:"3" description:"Number of attempts before giving up"`
	RetryInterval time.Duration `long:"retry-interval" default:"1s" description:"Delay between attempts"`
}

func main() {
	var scan scanCommand
	var status statusCommand

	var parser = flags.NewParser(nil, flags.HelpFlag|flags.PassDoubleDash)
	if _, err := parser.AddCommand("scan", "Run a scan", "Run the scanner in the foreground and render its output", &scan); err != nil {
		fmt.Printf("Command registration failed: %v\n", err)
		os.Exit(1)
	}
	if _, err := parser.AddCommand("status", "Query a scan server", "Ask a running scan server for its serving status", &status); err != nil {
		fmt.Printf("Command registration failed: %v\n", err)
		os.Exit(1)
	}

	if _, err := parser.ParseArgs(os.Args[1:]); err != nil {
		if flagsErr, ok := err.(*flags.Error); ok && flagsErr.Type == flags.ErrHelp {
			fmt.Println(err)
			os.Exit(0)
		}
		fmt.Printf("Command failed: %v\n", err)
		os.Exit(1)
	}
	os.Exit(scan.exitCode)
}

func newLogger(level string) (logging.Logger, func(), error) {
	zapConfig := logging.DefaultZapConfig()
	if level != "" {
		zapConfig.Level = level
	}
	return newLoggerFromConfig(zapConfig)
}

func newLoggerFromConfig(zapConfig logging.ZapConfig) (logging.Logger, func(), error) {
	zapLogger, err := logging.NewZapLogger(zapConfig)
	if err != nil {
		return nil, nil, err
	}
	logger := logging.NewLogger(
		logging.ModulePrefix("scancli"), logging.LogFuncs{
			Debugf: zapLogger.Debugf,
			Infof:  zapLogger.Infof,
			Warnf:  zapLogger.Warnf,
			Errorf: zapLogger.Errorf,
		})
	return logger, func() { _ = zapLogger.Sync() }, nil
}

func (c *scanCommand) loadConfig() (*config.Config, error) {
	var cfg *config.Config
	if c.ConfigFile != "" {
		loaded, err := config.LoadConfigFromFile(c.ConfigFile)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	} else {
		cfg = config.DefaultConfig()
	}

	if c.CSVPath != "" {
		cfg.Scan.CSVPath = c.CSVPath
	}
	if c.Mode != "" {
		cfg.Scan.Mode = c.Mode
	}
	if c.Executable != "" {
		cfg.Scanner.Executable = c.Executable
		cfg.Scanner.Script = c.Script
	} else if c.Script != "" {
		cfg.Scanner.Script = c.Script
	}
	if c.WorkDir != "" {
		cfg.Scanner.WorkingDirectory = c.WorkDir
	}
	if c.LogLevel != "" {
		cfg.Logging.Level = c.LogLevel
	}

	if err := config.ValidateConfig(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Execute runs one scan in the foreground. Interrupts stop the scanner and
// the process exits 0 only when the scan completed.
func (c *scanCommand) Execute(args []string) error {
	c.exitCode = 1

	cfg, err := c.loadConfig()
	if err != nil {
		return err
	}
	if c.NoColor {
		color.NoColor = true
	}

	logger, syncLogger, err := newLoggerFromConfig(cfg.Logging)
	if err != nil {
		return err
	}
	defer syncLogger()

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
	if err := handleLeftover(runFiles, c.KillLeftover); err != nil {
		return err
	}

	sup := supervisor.New(cfg.SupervisorOptions(runFiles), logger)

	renderer := console.NewRenderer(os.Stdout, console.Options{
		ElapsedEvery:  c.ElapsedEvery,
		HighlightHits: cfg.Markers.Hit,
	})
	events, cancel := sup.Subscribe()
	defer cancel()

	rendered := make(chan struct{})
	go func() {
		defer close(rendered)
		_ = renderer.Run(context.Background(), events)
	}()

	if err := sup.Start(request); err != nil {
		sup.Close()
		<-rendered
		return err
	}

	ctx, stopSignals := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stopSignals()

	finished := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			logger.Infof("Interrupted, stopping scan")
			sup.Stop()
		case <-finished:
		}
	}()

	sup.Wait()
	close(finished)
	sup.Close()
	<-rendered

	snapshot := sup.Snapshot()
	renderer.Summary(snapshot, sup.Elapsed())

	if snapshot.Status == supervisor.StatusCompleted {
		c.exitCode = 0
	}
	return nil
}

func handleLeftover(runFiles *runfile.Manager, kill bool) error {
	pid, err := runFiles.CheckLeftover()
	if err != nil || pid == 0 {
		return err
	}
	if !kill {
		return fmt.Errorf("a scanner from an earlier run is still alive (pid %d), rerun with --kill-leftover", pid)
	}
	return runFiles.TerminateLeftover(pid)
}

// Execute prints the serving status reported by a scan server
func (c *statusCommand) Execute(args []string) error {
	logger, syncLogger, err := newLogger("")
	if err != nil {
		return err
	}
	defer syncLogger()

	conn, err := grpc.NewClient(c.Server, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return fmt.Errorf("failed to connect to %s: %w", c.Server, err)
	}
	defer conn.Close()

	gateway := control.NewGRPCClientGateway(conn, logger)

	attempts := c.RetryAttempts
	if attempts < 1 {
		attempts = 1
	}
	for attempt := 1; ; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		status, err := gateway.Status(ctx)
		cancel()
		if err == nil {
			fmt.Println(status)
			return nil
		}
		if attempt >= attempts {
			return fmt.Errorf("status query failed after %d attempts: %w", attempt, err)
		}
		logger.Warnf("Status query failed, attempt: %d, error: %v", attempt, err)
		time.Sleep(c.RetryInterval)
	}
}
