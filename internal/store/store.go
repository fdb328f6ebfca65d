// Package store keeps captured messages as flat files in a single directory and
// tracks them in an append-ordered listing addressed by 1-based sequence numbers.
package store

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/cespare/xxhash/v2"

	"github.com/shineum/bumsink/internal/metrics"
)

// Store owns the mail directory and the listing of its messages. One Store is
// created at startup and shared by every SMTP and POP3 session.
//
// Sequence numbers are never reused or renumbered: deleted messages stay in the
// listing and only their backing files are removed by Quit.
type Store struct {
	dir string

	mu       sync.RWMutex
	messages []*Message
}

// New opens dir as the store root, creating it if it does not exist, and wraps
// every regular file in it as a Message in directory-listing order.
func New(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, storageErr("create", dir, err)
	}

	info, err := os.Stat(dir)
	if err != nil {
		return nil, storageErr("stat", dir, err)
	}
	if !info.IsDir() {
		return nil, storageErr("open", dir, errors.New("not a directory"))
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, storageErr("read", dir, err)
	}

	if err := checkWritable(dir); err != nil {
		return nil, err
	}

	s := &Store{dir: dir}
	for _, entry := range entries {
		if !entry.Type().IsRegular() {
			continue
		}
		s.messages = append(s.messages, newMessage(filepath.Join(dir, entry.Name())))
	}
	metrics.StoredMessages.Set(float64(len(s.messages)))

	slog.Info("message store opened", "dir", dir, "messages", len(s.messages))
	return s, nil
}

// checkWritable probes dir by creating and removing a temporary file.
func checkWritable(dir string) error {
	f, err := os.CreateTemp(dir, ".probe-*")
	if err != nil {
		return storageErr("write", dir, err)
	}
	name := f.Name()
	f.Close()
	if err := os.Remove(name); err != nil {
		return storageErr("write", dir, err)
	}
	return nil
}

// Dir returns the store root directory.
func (s *Store) Dir() string {
	return s.dir
}

// Get returns the message with the given 1-based sequence number.
func (s *Store) Get(n int) (*Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if n < 1 || n > len(s.messages) {
		return nil, fmt.Errorf("message %d: %w", n, ErrNotFound)
	}
	return s.messages[n-1], nil
}

// Count returns the number of tracked messages, including deleted ones.
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.messages)
}

// Octets returns the total size of all tracked messages. A message whose size
// cannot be read is logged and counted as zero.
func (s *Store) Octets() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var total int64
	for _, m := range s.messages {
		size, err := m.Size()
		if err != nil {
			slog.Warn("failed to read message size", "path", m.Path(), "error", err)
			continue
		}
		total += size
	}
	return total
}

// Snapshot returns a copy of the current listing in sequence order.
func (s *Store) Snapshot() []*Message {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*Message, len(s.messages))
	copy(out, s.messages)
	return out
}

// Reset clears the deleted mark on every message.
func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, m := range s.messages {
		m.SetDeleted(false)
	}
}

// Quit removes the backing files of all messages marked deleted. The listing
// itself is left untouched so sequence numbers stay stable.
func (s *Store) Quit() {
	s.mu.Lock()
	defer s.mu.Unlock()

	purged := 0
	for _, m := range s.messages {
		if m.Deleted() {
			m.Purge()
			purged++
		}
	}
	if purged > 0 {
		metrics.MessagesPurged.Add(float64(purged))
		slog.Debug("purged deleted messages", "count", purged)
	}
}

// Save writes content to a new file named after its hash and appends it to the
// listing. Identical content never overwrites an existing file: a numeric
// suffix is added until a free name is found.
func (s *Store) Save(content []byte) (*Message, error) {
	base := strconv.FormatUint(xxhash.Sum64(content), 10)

	var (
		f    *os.File
		path string
		err  error
	)
	for idx := 0; ; idx++ {
		name := base
		if idx > 0 {
			name = base + "-" + strconv.Itoa(idx)
		}
		path = filepath.Join(s.dir, name)
		f, err = os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if err == nil {
			break
		}
		if !errors.Is(err, os.ErrExist) {
			return nil, storageErr("save", path, err)
		}
	}

	if _, err := f.Write(content); err != nil {
		f.Close()
		os.Remove(path)
		return nil, storageErr("save", path, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(path)
		return nil, storageErr("save", path, err)
	}

	m := newMessage(path)

	s.mu.Lock()
	s.messages = append(s.messages, m)
	count := len(s.messages)
	s.mu.Unlock()

	metrics.MessagesSaved.Inc()
	metrics.StoredMessages.Set(float64(count))
	slog.Debug("message saved", "path", path, "bytes", len(content), "seq", count)
	return m, nil
}
