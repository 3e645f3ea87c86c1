// Package termio serializes terminal output shared by progress lines, logs
// and prompts.
package termio

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
)

type writer struct {
	mu   sync.Mutex
	file io.Writer
}

func (w *writer) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.file.Write(p)
}

var (
	stdout = &writer{file: os.Stdout}
	stderr = &writer{file: os.Stderr}
)

// Stdout returns the shared stdout writer.
func Stdout() io.Writer { return stdout }

// Stderr returns the shared stderr writer.
func Stderr() io.Writer { return stderr }

// Confirm asks question on w and reads a yes/no answer from r. Anything but
// an explicit yes counts as no.
func Confirm(r *bufio.Reader, w io.Writer, question string) bool {
	fmt.Fprintf(w, "%s [y/N] ", question)
	line, err := r.ReadString('\n')
	if err != nil && line == "" {
		return false
	}
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "y", "yes":
		return true
	}
	return false
}

// ProgressLine renders a single-line progress bar for name at percent.
func ProgressLine(name string, percent int, status string) string {
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}
	const width = 24
	filled := percent * width / 100
	return fmt.Sprintf("%-24.24s [%s%s] %3d%% %s", name, strings.Repeat("#", filled), strings.Repeat(".", width-filled), percent, status)
}

// ProgressPrinter writes one progress line per key, skipping repeats.
type ProgressPrinter struct {
	mu   sync.Mutex
	w    io.Writer
	last map[string]string
}

// NewProgressPrinter returns a printer writing to w.
func NewProgressPrinter(w io.Writer) *ProgressPrinter {
	return &ProgressPrinter{w: w, last: make(map[string]string)}
}

// Print renders key's line and writes it when it differs from the last one.
func (p *ProgressPrinter) Print(key, name string, percent int, status string) {
	line := ProgressLine(name, percent, status)
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.last[key] == line {
		return
	}
	p.last[key] = line
	fmt.Fprintln(p.w, line)
}
