// Package progress renders deployment steps to the terminal with color, and optionally to a plain log file.
package progress

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"golang.org/x/term"

	"github.com/learning-org-2565/infradeploy/pkg/config"
	"github.com/learning-org-2565/infradeploy/pkg/status"
)

// DefaultMaxLogLines is how many trailing log lines are shown under a running or failed step.
const DefaultMaxLogLines = 10

// Colors holds the renderer's colors, one per step status plus log, timestamp and info lines.
type Colors struct {
	completed *color.Color
	failed    *color.Color
	running   *color.Color
	pending   *color.Color
	log       *color.Color
	timestamp *color.Color
	info      *color.Color
}

// NewColors creates colors from config, fields left empty keep the built-in color.
func NewColors(cc config.ColorConfig) *Colors {
	return &Colors{
		completed: rgbColor(cc.Completed, color.New(color.FgGreen)),
		failed:    rgbColor(cc.Failed, color.New(color.FgRed)),
		running:   rgbColor(cc.Running, color.New(color.FgCyan)),
		pending:   rgbColor(cc.Pending, color.New(color.FgWhite, color.Faint)),
		log:       rgbColor(cc.Log, color.New(color.FgHiBlack)),
		timestamp: rgbColor(cc.Timestamp, color.New(color.FgWhite)),
		info:      rgbColor(cc.Info, color.New(color.FgHiWhite, color.Bold)),
	}
}

// Status returns the color of a step status.
func (c *Colors) Status(st status.Status) *color.Color {
	switch st {
	case status.StatusCompleted:
		return c.completed
	case status.StatusFailed:
		return c.failed
	case status.StatusRunning:
		return c.running
	default:
		return c.pending
	}
}

// rgbColor parses an "r,g,b" string into a 24-bit color, falling back to def.
func rgbColor(rgb string, def *color.Color) *color.Color {
	parts := strings.Split(rgb, ",")
	if len(parts) != 3 {
		return def
	}
	var vals [3]int
	for i, p := range parts {
		v, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil || v < 0 || v > 255 {
			return def
		}
		vals[i] = v
	}
	return color.RGB(vals[0], vals[1], vals[2])
}

// Config holds renderer configuration.
type Config struct {
	NoColor     bool    // disable color output (sets color.NoColor globally)
	Colors      *Colors // built-in colors if nil
	LogFile     string  // optional file receiving an uncolored copy of the output
	Width       int     // wrap width, detected from the terminal if 0
	MaxLogLines int     // log lines per expanded step (default: 10)
}

// Renderer prints step snapshots, redrawing only when a snapshot differs from the last one drawn.
type Renderer struct {
	mu          sync.Mutex
	stdout      io.Writer
	file        *os.File
	colors      *Colors
	width       int
	maxLogLines int
	startTime   time.Time
	last        []status.Step
	now         func() time.Time
}

// New creates a renderer writing to w and, when configured, to a log file.
func New(w io.Writer, cfg Config) (*Renderer, error) {
	if cfg.NoColor {
		color.NoColor = true
	}
	if cfg.MaxLogLines <= 0 {
		cfg.MaxLogLines = DefaultMaxLogLines
	}
	if cfg.Width <= 0 {
		cfg.Width = terminalWidth()
	}
	if cfg.Colors == nil {
		cfg.Colors = NewColors(config.ColorConfig{})
	}

	r := &Renderer{
		stdout:      w,
		colors:      cfg.Colors,
		width:       cfg.Width,
		maxLogLines: cfg.MaxLogLines,
		startTime:   time.Now(),
		now:         time.Now,
	}

	if cfg.LogFile != "" {
		if dir := filepath.Dir(cfg.LogFile); dir != "." {
			if err := os.MkdirAll(dir, 0o750); err != nil {
				return nil, fmt.Errorf("create log dir: %w", err)
			}
		}
		f, err := os.Create(cfg.LogFile) //nolint:gosec // path comes from the command line
		if err != nil {
			return nil, fmt.Errorf("create log file: %w", err)
		}
		r.file = f
		r.writeFile("# infradeploy deployment log\nStarted: %s\n%s\n\n",
			r.startTime.Format("2006-01-02 15:04:05"), strings.Repeat("-", 60))
	}
	return r, nil
}

// timestampFormat is the format for timestamps: HH:MM:SS
const timestampFormat = "15:04:05"

// Info writes a timestamped informational line.
func (r *Renderer) Info(format string, args ...any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.line(r.colors.info, format, args...)
}

// Error writes a timestamped error line in red.
func (r *Renderer) Error(format string, args ...any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.line(r.colors.failed, "ERROR: "+format, args...)
}

func (r *Renderer) line(c *color.Color, format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	ts := r.now().Format(timestampFormat)
	r.writeFile("[%s] %s\n", ts, msg)
	r.writeStdout("%s %s\n", r.colors.timestamp.Sprintf("[%s]", ts), c.Sprint(msg))
}

// Render draws the steps if they changed since the last call and reports whether it drew anything.
func (r *Renderer) Render(steps []status.Step) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.last != nil && reflect.DeepEqual(r.last, steps) {
		return false
	}
	r.last = status.CloneSteps(steps)

	now := r.now()
	r.line(r.colors.info, "deployment %s", status.Overall(steps))
	for _, s := range steps {
		r.renderStep(s, now)
	}
	r.writeFile("\n")
	r.writeStdout("\n")
	return true
}

// renderStep writes one step line, plus its trailing log lines when it's running or failed.
// must be called with lock held.
func (r *Renderer) renderStep(s status.Step, now time.Time) {
	c := r.colors.Status(s.Status)

	dur := s.DurationText(now)
	title := s.Title
	if dur != "" {
		title = fmt.Sprintf("%-26s %6s", s.Title, dur)
	}
	r.writeFile("  %s %s\n", s.Status.Icon(), title)
	r.writeStdout("  %s %s\n", c.Sprint(s.Status.Icon()), c.Sprint(title))

	if s.Status != status.StatusRunning && s.Status != status.StatusFailed {
		return
	}

	logs := s.Logs
	if len(logs) > r.maxLogLines {
		logs = logs[len(logs)-r.maxLogLines:]
	}
	const indent = "      "
	for _, l := range logs {
		for wrapped := range strings.SplitSeq(wrapText(l, r.width-len(indent)), "\n") {
			r.writeFile("%s%s\n", indent, wrapped)
			r.writeStdout("%s%s\n", indent, r.colors.log.Sprint(wrapped))
		}
	}
}

// Summary writes the final result line with the total elapsed time.
func (r *Renderer) Summary(overall status.Status, runURL string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c := r.colors.Status(overall)
	msg := fmt.Sprintf("deployment %s after %s", overall, r.elapsed())
	if n := r.logLines(); n > 0 {
		msg += fmt.Sprintf(", %s log lines", humanize.Comma(int64(n)))
	}
	r.line(c, "%s", msg)
	if runURL != "" {
		r.line(r.colors.info, "run: %s", runURL)
	}
}

// Elapsed returns the humanized time since the renderer was created, e.g. "3 minutes".
func (r *Renderer) Elapsed() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.elapsed()
}

func (r *Renderer) elapsed() string {
	if r.now().Sub(r.startTime) < time.Second {
		return "less than a second"
	}
	return strings.TrimSpace(humanize.RelTime(r.startTime, r.now(), "", ""))
}

// logLines counts log lines in the last rendered snapshot. must be called with lock held.
func (r *Renderer) logLines() int {
	n := 0
	for _, s := range r.last {
		n += len(s.Logs)
	}
	return n
}

// Close writes footer and closes the log file.
func (r *Renderer) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.file == nil {
		return nil
	}
	r.writeFile("%s\nCompleted: %s (%s)\n", strings.Repeat("-", 60), r.now().Format("2006-01-02 15:04:05"), r.elapsed())
	err := r.file.Close()
	r.file = nil
	if err != nil {
		return fmt.Errorf("close log file: %w", err)
	}
	return nil
}

func (r *Renderer) writeFile(format string, args ...any) {
	if r.file != nil {
		fmt.Fprintf(r.file, format, args...)
	}
}

func (r *Renderer) writeStdout(format string, args ...any) {
	fmt.Fprintf(r.stdout, format, args...)
}

// terminalWidth returns terminal width, using COLUMNS env var or the terminal size.
// defaults to 80 if detection fails.
func terminalWidth() int {
	const minWidth = 40

	if cols := os.Getenv("COLUMNS"); cols != "" {
		if w, err := strconv.Atoi(cols); err == nil && w > 0 {
			return max(w, minWidth)
		}
	}
	if w, _, err := term.GetSize(int(os.Stdout.Fd())); err == nil && w > 0 {
		return max(w, minWidth)
	}
	return 80
}

// wrapText wraps text to specified width, breaking on word boundaries.
// words longer than width are kept whole.
func wrapText(text string, width int) string {
	if width <= 0 || len(text) <= width {
		return text
	}

	var result strings.Builder
	lineLen := 0
	for i, word := range strings.Fields(text) {
		switch {
		case i == 0:
			result.WriteString(word)
			lineLen = len(word)
		case lineLen+1+len(word) <= width:
			result.WriteString(" ")
			result.WriteString(word)
			lineLen += 1 + len(word)
		default:
			result.WriteString("\n")
			result.WriteString(word)
			lineLen = len(word)
		}
	}
	return result.String()
}
