// Package stdout implements a Provider that prints a summary of each captured
// message to standard output.
package stdout

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/shineum/bumsink/internal/email"
)

// previewLines is the number of body lines printed under the header summary.
const previewLines = 5

// Provider prints captured messages in a human-readable format.
type Provider struct {
	// writer is the output destination, defaulting to os.Stdout.
	writer io.Writer
}

// New creates a new stdout Provider that writes to os.Stdout.
func New() *Provider {
	return &Provider{writer: os.Stdout}
}

// NewWithWriter creates a new stdout Provider that writes to the given writer.
// This is useful for testing.
func NewWithWriter(w io.Writer) *Provider {
	return &Provider{writer: w}
}

// Send prints the message summary. It always returns nil.
func (p *Provider) Send(_ context.Context, msg *email.Email) error {
	var b strings.Builder

	b.WriteString("========================================\n")
	b.WriteString(fmt.Sprintf("ID: %s (%s)\n", msg.ID, formatSize(len(msg.Raw))))
	b.WriteString(fmt.Sprintf("From: %s\n", msg.From))
	b.WriteString(fmt.Sprintf("To: %s\n", strings.Join(msg.To, ", ")))

	if len(msg.Cc) > 0 {
		b.WriteString(fmt.Sprintf("Cc: %s\n", strings.Join(msg.Cc, ", ")))
	}

	b.WriteString(fmt.Sprintf("Subject: %s\n", msg.Subject))

	if body := bodyPreview(msg.Raw, previewLines); body != "" {
		b.WriteString("Body:\n")
		b.WriteString(body)
	}

	b.WriteString("========================================\n")

	// A failed write to stdout is not a relay failure.
	_, _ = fmt.Fprint(p.writer, b.String())
	return nil
}

// Name returns the provider name.
func (p *Provider) Name() string {
	return "stdout"
}

// bodyPreview returns up to n lines following the header block. Content without
// a blank separator line is treated as all body.
func bodyPreview(raw []byte, n int) string {
	body := raw
	if i := bytes.Index(raw, []byte("\r\n\r\n")); i >= 0 {
		body = raw[i+4:]
	} else if i := bytes.Index(raw, []byte("\n\n")); i >= 0 {
		body = raw[i+2:]
	}

	lines := strings.Split(strings.TrimRight(string(body), "\r\n"), "\n")
	if len(lines) == 1 && lines[0] == "" {
		return ""
	}

	var b strings.Builder
	for i, line := range lines {
		if i == n {
			b.WriteString("...\n")
			break
		}
		b.WriteString(strings.TrimRight(line, "\r") + "\n")
	}
	return b.String()
}

// formatSize formats a byte count into a human-readable string.
func formatSize(bytes int) string {
	const (
		kb = 1024
		mb = kb * 1024
	)

	switch {
	case bytes >= mb:
		return fmt.Sprintf("%.1f MB", float64(bytes)/float64(mb))
	case bytes >= kb:
		return fmt.Sprintf("%.1f KB", float64(bytes)/float64(kb))
	default:
		return fmt.Sprintf("%d B", bytes)
	}
}
