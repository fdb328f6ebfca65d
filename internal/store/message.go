package store

import (
	"bufio"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
)

// eol is the line terminator used by both wire protocols.
const eol = "\r\n"

// Message is one captured email backed by a file in the store directory.
// Size and content always reflect the file at the time of reading.
type Message struct {
	path    string
	deleted atomic.Bool
}

func newMessage(path string) *Message {
	return &Message{path: path}
}

// Path returns the backing file path.
func (m *Message) Path() string {
	return m.path
}

// Name returns the backing file name without its directory.
func (m *Message) Name() string {
	if m.path == "" {
		return ""
	}
	return filepath.Base(m.path)
}

// Size returns the byte length of the backing file.
func (m *Message) Size() (int64, error) {
	if m.path == "" {
		return 0, storageErr("size", "", ErrNotFound)
	}
	info, err := os.Stat(m.path)
	if err != nil {
		return 0, storageErr("size", m.path, err)
	}
	return info.Size(), nil
}

// Open returns a reader over the full raw content. The caller closes it.
func (m *Message) Open() (io.ReadCloser, error) {
	if m.path == "" {
		return nil, storageErr("open", "", ErrNotFound)
	}
	f, err := os.Open(m.path)
	if err != nil {
		return nil, storageErr("open", m.path, err)
	}
	return f, nil
}

// Top returns the first n lines of the message, each terminated by CRLF.
// Shorter content yields fewer lines.
func (m *Message) Top(n int) (string, error) {
	rc, err := m.Open()
	if err != nil {
		return "", err
	}
	defer func() {
		if err := rc.Close(); err != nil {
			slog.Warn("failed to close message file", "path", m.path, "error", err)
		}
	}()

	var b strings.Builder
	reader := bufio.NewReader(rc)
	for i := 0; i < n; i++ {
		line, err := reader.ReadString('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return "", storageErr("top", m.path, err)
		}
		if line == "" && err != nil {
			break
		}
		b.WriteString(strings.TrimRight(line, "\r\n"))
		b.WriteString(eol)
		if err != nil {
			break
		}
	}
	return b.String(), nil
}

// UIDL returns the stable identifier: the file name up to the first '_'.
func (m *Message) UIDL() (string, error) {
	if m.path == "" {
		return "", storageErr("uidl", "", ErrNotFound)
	}
	name := filepath.Base(m.path)
	if i := strings.IndexByte(name, '_'); i >= 0 {
		return name[:i], nil
	}
	return name, nil
}

// Deleted reports whether the message is marked for removal.
func (m *Message) Deleted() bool {
	return m.deleted.Load()
}

// SetDeleted sets or clears the soft-delete mark.
func (m *Message) SetDeleted(deleted bool) {
	m.deleted.Store(deleted)
}

// Purge removes the backing file. Failures are logged and otherwise ignored.
func (m *Message) Purge() {
	if m.path == "" {
		return
	}
	if err := os.Remove(m.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		slog.Warn("failed to purge message file", "path", m.path, "error", err)
	}
}
