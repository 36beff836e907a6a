// Package input collects missing deployment parameters interactively in the terminal.
package input

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"

	"github.com/learning-org-2565/infradeploy/pkg/config"
	"github.com/learning-org-2565/infradeploy/pkg/deploy"
)

// ErrCanceled is returned when the user aborts a selection.
var ErrCanceled = errors.New("selection canceled")

// Collector asks the user for values.
type Collector interface {
	// AskText asks a free-form question and returns the trimmed answer.
	AskText(ctx context.Context, question string) (string, error)
	// AskChoice presents options and returns the selected one.
	AskChoice(ctx context.Context, question string, options []string) (string, error)
}

// TerminalCollector implements Collector using fzf (if available) or numbered selection fallback.
type TerminalCollector struct {
	stdin  io.Reader // for testing, nil uses os.Stdin
	stdout io.Writer // for testing, nil uses os.Stdout
	reader *bufio.Reader
}

// NewTerminalCollector creates a new TerminalCollector with default stdin/stdout.
func NewTerminalCollector() *TerminalCollector {
	return &TerminalCollector{}
}

// AskText prints the question and reads one line.
func (c *TerminalCollector) AskText(_ context.Context, question string) (string, error) {
	_, _ = fmt.Fprintf(c.out(), "%s: ", question)
	line, err := c.readLine()
	if err != nil {
		return "", err
	}
	return line, nil
}

// AskChoice presents options using fzf if available, otherwise falls back to numbered selection.
func (c *TerminalCollector) AskChoice(ctx context.Context, question string, options []string) (string, error) {
	if len(options) == 0 {
		return "", errors.New("no options provided")
	}
	if len(options) == 1 {
		return options[0], nil
	}
	if c.stdin == nil && hasFzf() {
		return c.selectWithFzf(ctx, question, options)
	}
	return c.selectWithNumbers(question, options)
}

// hasFzf checks if fzf is available in PATH.
func hasFzf() bool {
	_, err := exec.LookPath("fzf")
	return err == nil
}

// selectWithFzf uses fzf for interactive selection.
func (c *TerminalCollector) selectWithFzf(ctx context.Context, question string, options []string) (string, error) {
	cmd := exec.CommandContext(ctx, "fzf", "--prompt", question+": ", "--height", "10", "--layout=reverse") //nolint:gosec // fixed prompt text
	cmd.Stdin = strings.NewReader(strings.Join(options, "\n"))
	cmd.Stderr = os.Stderr

	output, err := cmd.Output()
	if err != nil {
		// fzf exits with 130 on escape
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && exitErr.ExitCode() == 130 {
			return "", ErrCanceled
		}
		return "", fmt.Errorf("fzf selection failed: %w", err)
	}

	selected := strings.TrimSpace(string(output))
	if selected == "" {
		return "", ErrCanceled
	}
	return selected, nil
}

// selectWithNumbers presents numbered options and reads the choice from stdin.
func (c *TerminalCollector) selectWithNumbers(question string, options []string) (string, error) {
	stdout := c.out()
	_, _ = fmt.Fprintln(stdout, question)
	for i, opt := range options {
		_, _ = fmt.Fprintf(stdout, "  %d) %s\n", i+1, opt)
	}
	_, _ = fmt.Fprintf(stdout, "Enter number (1-%d): ", len(options))

	line, err := c.readLine()
	if err != nil {
		return "", err
	}
	num, err := strconv.Atoi(line)
	if err != nil {
		return "", fmt.Errorf("invalid number: %s", line)
	}
	if num < 1 || num > len(options) {
		return "", fmt.Errorf("selection out of range: %d (must be 1-%d)", num, len(options))
	}
	return options[num-1], nil
}

// readLine reads one trimmed line. the reader is kept between calls so buffered input isn't lost.
func (c *TerminalCollector) readLine() (string, error) {
	if c.reader == nil {
		in := c.stdin
		if in == nil {
			in = os.Stdin
		}
		c.reader = bufio.NewReader(in)
	}
	line, err := c.reader.ReadString('\n')
	if err != nil && (!errors.Is(err, io.EOF) || line == "") {
		return "", fmt.Errorf("read input: %w", err)
	}
	return strings.TrimSpace(line), nil
}

func (c *TerminalCollector) out() io.Writer {
	if c.stdout == nil {
		return os.Stdout
	}
	return c.stdout
}

// maxAttempts limits how often a single field is asked before giving up.
const maxAttempts = 3

// FillRequest asks for every field of req that is empty or not one of the allowed choices.
// valid values are kept as they are.
func FillRequest(ctx context.Context, c Collector, req deploy.Request, choices config.Choices) (deploy.Request, error) {
	req = req.Normalize()

	text := func(dst *string, question string) error {
		for range maxAttempts {
			if *dst != "" {
				return nil
			}
			val, err := c.AskText(ctx, question)
			if err != nil {
				return err
			}
			*dst = val
		}
		if *dst == "" {
			return fmt.Errorf("%s is required", strings.ToLower(question))
		}
		return nil
	}
	choice := func(dst *string, question string, options []string) error {
		if config.Valid(options, *dst) {
			return nil
		}
		val, err := c.AskChoice(ctx, question, options)
		if err != nil {
			return err
		}
		*dst = val
		return nil
	}

	steps := []func() error{
		func() error { return text(&req.ProjectName, "Project name") },
		func() error { return text(&req.ProjectID, "Project ID") },
		func() error { return choice(&req.Region, "Region", choices.Regions) },
		func() error { return choice(&req.Zone, "Zone", choices.Zones) },
		func() error { return choice(&req.Environment, "Environment", choices.Environments) },
		func() error { return choice(&req.MachineType, "Machine type", choices.MachineTypes) },
		func() error { return choice(&req.NetworkTier, "Network tier", choices.NetworkTiers) },
	}
	for _, step := range steps {
		if err := ctx.Err(); err != nil {
			return req, fmt.Errorf("collect request: %w", err)
		}
		if err := step(); err != nil {
			return req, fmt.Errorf("collect request: %w", err)
		}
	}
	return req, nil
}
