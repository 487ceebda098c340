package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	flags "github.com/jessevdk/go-flags"
)

// fakescanner stands in for the checker script: it prints numbered progress
// lines and the markers the supervisor reacts to, so a scan can be driven
// end to end without the real tool.
type flagOptions struct {
	CSVPath    string        `long:"csv" description:"CSV file to pretend to scan"`
	Mode       string        `long:"mode" default:"normal" description:"Scan mode (normal, tor, auto)"`
	Lines      int           `long:"lines" default:"10" description:"Number of progress lines to print"`
	Interval   time.Duration `long:"interval" default:"200ms" description:"Delay between lines"`
	WaitAt     int           `long:"wait-at" description:"Print the rate limit marker after this line"`
	HitAt      []int         `long:"hit-at" description:"Print a hit marker after this line (repeatable)"`
	Complete   bool          `long:"complete" description:"Print the completion marker at the end"`
	ExitCode   int           `long:"exit-code" description:"Exit code to return at the end"`
	IgnoreTerm bool          `long:"ignore-term" description:"Keep running after SIGTERM (debug feature)"`
}

const (
	rateLimitMarker = "[GUI_WAIT_300]"
	hitMarker       = "HIT"
	completedMarker = "完了"
)

func main() {
	var opts flagOptions
	var argv []string = os.Args[1:]
	var parser = flags.NewParser(&opts, flags.HelpFlag)
	_, err := parser.ParseArgs(argv)
	if err != nil {
		fmt.Printf("Command line flags parsing failed: %v\n", err)
		os.Exit(2)
	}

	fmt.Printf("Fakescanner started, csv: %s, mode: %s\n", opts.CSVPath, opts.Mode)

	sig := make(chan os.Signal, 1)
	if runtime.GOOS == "windows" {
		signal.Notify(sig)
	} else {
		signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		for receivedSignal := range sig {
			fmt.Printf("Fakescanner received signal: %v\n", receivedSignal)
			if !opts.IgnoreTerm {
				cancel()
				return
			}
		}
	}()

	hits := make(map[int]bool, len(opts.HitAt))
	for _, line := range opts.HitAt {
		hits[line] = true
	}

	for i := 1; i <= opts.Lines; i++ {
		select {
		case <-ctx.Done():
			fmt.Printf("Fakescanner stopped at line %d\n", i)
			os.Exit(143)
		case <-time.After(opts.Interval):
		}

		fmt.Printf("checking row %d\n", i)
		if hits[i] {
			fmt.Printf("%s row %d\n", hitMarker, i)
		}
		if opts.WaitAt == i {
			fmt.Println(rateLimitMarker)
		}
	}

	if opts.Complete {
		fmt.Println(completedMarker)
	}
	os.Exit(opts.ExitCode)
}
