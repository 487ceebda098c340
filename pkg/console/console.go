package console

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/fatih/color"
	"github.com/olekukonko/tablewriter"

	"github.com/core-tools/hsu-scanmaster/pkg/supervisor"
)

type statusStyle struct {
	label string
	color *color.Color
}

var statusStyles = map[supervisor.Status]statusStyle{
	supervisor.StatusIdle:        {"waiting", color.New(color.FgBlue)},
	supervisor.StatusRunning:     {"running...", color.New(color.FgYellow)},
	supervisor.StatusPaused:      {"rate limit wait...", color.New(color.FgMagenta)},
	supervisor.StatusHitDetected: {"HIT detected", color.New(color.FgGreen, color.Bold)},
	supervisor.StatusCompleted:   {"scan completed", color.New(color.FgGreen)},
	supervisor.StatusError:       {"error occurred", color.New(color.FgRed)},
	supervisor.StatusStopped:     {"stopped", color.New(color.FgRed)},
}

// StatusLabel is the operator-facing text of a status
func StatusLabel(status supervisor.Status) string {
	if style, ok := statusStyles[status]; ok {
		return style.label
	}
	return string(status)
}

func colorStatus(status supervisor.Status) string {
	style, ok := statusStyles[status]
	if !ok {
		return string(status)
	}
	return style.color.Sprint(style.label)
}

// FormatElapsed renders a duration with one decimal, e.g. "elapsed: 12.3s"
func FormatElapsed(elapsed time.Duration) string {
	return fmt.Sprintf("elapsed: %.1fs", elapsed.Seconds())
}

type Options struct {
	// ElapsedEvery prints the elapsed time at most this often; zero prints it only with status changes
	ElapsedEvery time.Duration
	// HighlightHits colors output lines containing this marker
	HighlightHits string
}

// Renderer writes the supervisor event stream to a terminal
type Renderer struct {
	out     io.Writer
	options Options

	mu          sync.Mutex
	elapsed     time.Duration
	lastPrinted time.Duration
}

func NewRenderer(out io.Writer, options Options) *Renderer {
	return &Renderer{out: out, options: options}
}

func (r *Renderer) Render(event supervisor.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch event.Type {
	case supervisor.EventLogLine:
		line := event.Line
		if r.options.HighlightHits != "" && strings.Contains(line, r.options.HighlightHits) {
			line = color.GreenString(line)
		}
		fmt.Fprintln(r.out, line)
	case supervisor.EventStatusChanged:
		text := fmt.Sprintf("[%s] %s", colorStatus(event.Status), FormatElapsed(r.elapsed))
		if event.Cause != nil {
			text += ": " + color.RedString(event.Cause.Error())
		}
		fmt.Fprintln(r.out, text)
	case supervisor.EventElapsedTick:
		r.elapsed = event.Elapsed
		if r.options.ElapsedEvery > 0 && event.Elapsed-r.lastPrinted >= r.options.ElapsedEvery {
			r.lastPrinted = event.Elapsed
			fmt.Fprintln(r.out, color.New(color.Faint).Sprint(FormatElapsed(event.Elapsed)))
		}
	}
}

// Run renders events until the channel closes or ctx is done
func (r *Renderer) Run(ctx context.Context, events <-chan supervisor.Event) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-events:
			if !ok {
				return nil
			}
			r.Render(event)
		}
	}
}

// Summary prints a table describing the finished scan
func (r *Renderer) Summary(snapshot supervisor.Snapshot, elapsed time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()

	table := tablewriter.NewWriter(r.out)
	table.SetHeader([]string{"Session", "Status", "Elapsed", "Lines", "Suppressed", "Waits", "Hits"})
	table.SetAutoWrapText(false)
	table.SetBorder(false)
	table.SetColumnSeparator("│")
	table.Append([]string{
		snapshot.SessionID,
		colorStatus(snapshot.Status),
		fmt.Sprintf("%.1fs", elapsed.Seconds()),
		strconv.Itoa(snapshot.ForwardedLines),
		strconv.Itoa(snapshot.SuppressedLines),
		strconv.Itoa(snapshot.Pauses),
		strconv.Itoa(snapshot.Hits),
	})
	table.Render()

	if snapshot.LastError != nil {
		fmt.Fprintf(r.out, "  Cause: %s\n", color.RedString(snapshot.LastError.Error()))
	}
}
