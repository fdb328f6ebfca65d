// Package archive moves captured messages between the store and mbox files.
package archive

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/emersion/go-mbox"

	"github.com/shineum/bumsink/internal/email"
	"github.com/shineum/bumsink/internal/store"
)

// unknownSender is the envelope sender written when a message has no From header.
const unknownSender = "MAILER-DAEMON"

// Export writes every non-deleted message to w in mbox format and returns how
// many were written. Messages that cannot be read are logged and skipped.
func Export(w io.Writer, msgs []*store.Message) (int, error) {
	mw := mbox.NewWriter(w)

	written := 0
	for _, m := range msgs {
		if m.Deleted() {
			continue
		}

		raw, received, err := readMessage(m)
		if err != nil {
			slog.Warn("skipping unreadable message", "path", m.Path(), "error", err)
			continue
		}

		from := unknownSender
		if addr := firstAddress(email.New(m.Name(), raw).From); addr != "" {
			from = addr
		}

		dst, err := mw.CreateMessage(from, received)
		if err != nil {
			return written, fmt.Errorf("mbox message %s: %w", m.Name(), err)
		}
		if _, err := dst.Write(raw); err != nil {
			return written, fmt.Errorf("mbox message %s: %w", m.Name(), err)
		}
		written++
	}

	if err := mw.Close(); err != nil {
		return written, fmt.Errorf("close mbox: %w", err)
	}
	return written, nil
}

// Import saves every message of the mbox stream r into st and returns how many
// were saved. Empty messages are skipped, like an empty SMTP DATA block.
func Import(r io.Reader, st *store.Store) (int, error) {
	reader := mbox.NewReader(r)

	saved := 0
	for idx := 0; ; idx++ {
		msgReader, err := reader.NextMessage()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return saved, nil
			}
			return saved, fmt.Errorf("message %d: %w", idx, err)
		}

		raw, err := io.ReadAll(msgReader)
		if err != nil {
			return saved, fmt.Errorf("message %d read: %w", idx, err)
		}
		if len(raw) == 0 {
			continue
		}

		if _, err := st.Save(raw); err != nil {
			return saved, fmt.Errorf("message %d save: %w", idx, err)
		}
		saved++
	}
}

func readMessage(m *store.Message) ([]byte, time.Time, error) {
	rc, err := m.Open()
	if err != nil {
		return nil, time.Time{}, err
	}
	defer rc.Close()

	raw, err := io.ReadAll(rc)
	if err != nil {
		return nil, time.Time{}, err
	}

	received := time.Now()
	if info, err := os.Stat(m.Path()); err == nil {
		received = info.ModTime()
	}
	return raw, received, nil
}

// firstAddress returns the first bare address of a From header value, or ""
// when it cannot be used on an mbox separator line.
func firstAddress(from string) string {
	list := email.ParseAddressList(from)
	if len(list) == 0 || strings.ContainsAny(list[0], " \t") {
		return ""
	}
	return list[0]
}
