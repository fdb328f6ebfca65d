package pop3

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/shineum/bumsink/internal/metrics"
	"github.com/shineum/bumsink/internal/store"
)

const (
	replyOK  = "+OK"
	replyErr = "-ERR"

	terminator = "."
)

// Mailbox is the view of the shared store a POP3 session works against.
// *store.Store implements it.
type Mailbox interface {
	Get(n int) (*store.Message, error)
	Count() int
	Octets() int64
	Reset()
	Quit()
}

// Session represents a single POP3 client connection. There is no
// authorization state: every command is accepted as soon as the greeting has
// been sent.
type Session struct {
	conn    net.Conn
	reader  *bufio.Reader
	writer  *bufio.Writer
	store   Mailbox
	version string
	logger  *slog.Logger
	closed  bool
}

// NewSession creates a new POP3 session for the given connection.
func NewSession(conn net.Conn, mb Mailbox, version string) *Session {
	return &Session{
		conn:    conn,
		reader:  bufio.NewReader(conn),
		writer:  bufio.NewWriter(conn),
		store:   mb,
		version: version,
		logger: slog.With(
			"protocol", "pop3",
			"session_id", uuid.NewString(),
			"remote", conn.RemoteAddr().String(),
		),
	}
}

// Handle runs the POP3 session until the client quits or disconnects. A
// disconnect without QUIT leaves deleted messages in place.
func (s *Session) Handle(ctx context.Context) {
	defer s.conn.Close()

	stop := context.AfterFunc(ctx, func() { s.conn.Close() })
	defer stop()

	s.logger.Debug("session started")
	defer s.logger.Debug("session ended")

	if err := s.writeLine("%s BUMSink POP3 server version %s ready", replyOK, s.version); err != nil {
		return
	}

	for !s.closed {
		line, err := s.reader.ReadString('\n')
		if err != nil {
			if err != io.EOF {
				s.logger.Debug("connection read error", "error", err)
			}
			return
		}
		line = strings.TrimRight(line, "\r\n")
		s.logger.Debug("read", "line", line)

		if err := s.handleCommand(line); err != nil {
			s.logger.Debug("connection write error", "error", err)
			return
		}
	}
}

// handleCommand dispatches one line on its case-sensitive command prefix.
func (s *Session) handleCommand(line string) error {
	switch {
	case strings.HasPrefix(line, "APOP"):
		s.count("APOP")
		return s.handleApop(line)
	case strings.HasPrefix(line, "DELE"):
		s.count("DELE")
		return s.handleDele(line)
	case strings.HasPrefix(line, "LIST"):
		s.count("LIST")
		return s.handleList(line)
	case strings.HasPrefix(line, "NOOP"):
		s.count("NOOP")
		return s.writeLine(replyOK)
	case strings.HasPrefix(line, "QUIT"):
		s.count("QUIT")
		return s.handleQuit()
	case strings.HasPrefix(line, "RSET"):
		s.count("RSET")
		s.store.Reset()
		return s.writeStat()
	case strings.HasPrefix(line, "RETR"):
		s.count("RETR")
		return s.handleRetr(line)
	case strings.HasPrefix(line, "STAT"):
		s.count("STAT")
		return s.writeStat()
	case strings.HasPrefix(line, "USER"):
		s.count("USER")
		return s.writeLine("%s Hello %s", replyOK, strings.TrimSpace(strings.TrimPrefix(line, "USER")))
	case strings.HasPrefix(line, "PASS"):
		s.count("PASS")
		return s.writeLine("%s Seems legit", replyOK)
	case strings.HasPrefix(line, "TOP"):
		s.count("TOP")
		return s.handleTop(line)
	case strings.HasPrefix(line, "UIDL"):
		s.count("UIDL")
		return s.handleUidl(line)
	default:
		s.count("UNKNOWN")
		return s.writeError("Unknown command: %s", line)
	}
}

func (s *Session) handleApop(line string) error {
	var name string
	if args := strings.Fields(line); len(args) > 1 {
		name = args[1]
	}
	return s.writeLine("%s Hello %s", replyOK, name)
}

func (s *Session) handleDele(line string) error {
	args := strings.Fields(line)
	if len(args) < 2 {
		return s.writeError("not enough arguments")
	}

	msg, err := s.lookup(args[1])
	if err != nil {
		return s.writeError("%s no such message", args[1])
	}
	msg.SetDeleted(true)
	return s.writeLine("%s message %s deleted", replyOK, args[1])
}

func (s *Session) handleList(line string) error {
	args := strings.Fields(line)
	if len(args) < 2 {
		return s.writeListing("scan listing follows", func(m *store.Message) (string, error) {
			size, err := m.Size()
			return strconv.FormatInt(size, 10), err
		})
	}

	msg, err := s.lookup(args[1])
	if err != nil {
		return s.writeError("%s no such message", args[1])
	}
	size, err := msg.Size()
	if err != nil {
		s.logger.Error("failed to read message size", "msg", args[1], "error", err)
		return s.writeError("%s could not read message from file", args[1])
	}
	return s.writeLine("%s %s %d", replyOK, args[1], size)
}

func (s *Session) handleUidl(line string) error {
	args := strings.Fields(line)
	if len(args) < 2 {
		return s.writeListing("UIDL listing follows", (*store.Message).UIDL)
	}

	msg, err := s.lookup(args[1])
	if err != nil {
		return s.writeError("%s no such message", args[1])
	}
	uidl, err := msg.UIDL()
	if err != nil {
		s.logger.Error("failed to read message uidl", "msg", args[1], "error", err)
		return s.writeError("%s could not read uidl from file", args[1])
	}
	return s.writeLine("%s %s %s", replyOK, args[1], uidl)
}

// writeListing writes one "<seq> <value>" line per non-deleted message and the
// terminator. Messages whose value cannot be read are logged and skipped.
func (s *Session) writeListing(header string, value func(*store.Message) (string, error)) error {
	if err := s.writeLine("%s %s", replyOK, header); err != nil {
		return err
	}

	count := s.store.Count()
	for i := 1; i <= count; i++ {
		msg, err := s.store.Get(i)
		if err != nil {
			s.logger.Warn("message vanished during listing", "msg", i, "error", err)
			continue
		}
		if msg.Deleted() {
			continue
		}
		v, err := value(msg)
		if err != nil {
			s.logger.Warn("failed to read message for listing", "msg", i, "error", err)
			continue
		}
		if err := s.writeLine("%d %s", i, v); err != nil {
			return err
		}
	}
	return s.writeLine(terminator)
}

func (s *Session) handleRetr(line string) error {
	args := strings.Fields(line)
	if len(args) < 2 {
		return s.writeError("no such message")
	}

	msg, err := s.lookup(args[1])
	if err != nil {
		return s.writeError("%s no such message", args[1])
	}

	size, err := msg.Size()
	if err != nil {
		s.logger.Error("failed to read message", "msg", args[1], "error", err)
		return s.writeError("%s could not read message from file", args[1])
	}
	rc, err := msg.Open()
	if err != nil {
		s.logger.Error("failed to read message", "msg", args[1], "error", err)
		return s.writeError("%s could not read message from file", args[1])
	}
	defer rc.Close()

	if err := s.writeLine("%s %d octets", replyOK, size); err != nil {
		return err
	}
	if err := s.writeContent(rc); err != nil {
		return err
	}
	return s.writeLine(terminator)
}

func (s *Session) handleTop(line string) error {
	args := strings.Fields(line)
	if len(args) < 3 {
		return s.writeError("not enough arguments")
	}

	msg, err := s.lookup(args[1])
	if err != nil {
		return s.writeError("%s no such message", args[1])
	}
	lines, err := strconv.Atoi(args[2])
	if err != nil || lines < 0 {
		return s.writeError("%s invalid line count", args[2])
	}

	size, err := msg.Size()
	if err != nil {
		s.logger.Error("failed to read message", "msg", args[1], "error", err)
		return s.writeError("%s could not read message from file", args[1])
	}
	top, err := msg.Top(lines)
	if err != nil {
		s.logger.Error("failed to read message", "msg", args[1], "error", err)
		return s.writeError("%s could not read message from file", args[1])
	}

	if err := s.writeLine("%s %d octets", replyOK, size); err != nil {
		return err
	}
	if err := s.writeContent(strings.NewReader(top)); err != nil {
		return err
	}
	return s.writeLine(terminator)
}

func (s *Session) handleQuit() error {
	s.store.Quit()
	s.closed = true
	err := s.writeLine("%s BUMSink POP3 signing off", replyOK)
	s.conn.Close()
	return err
}

// lookup resolves a sequence number argument against the live store.
func (s *Session) lookup(arg string) (*store.Message, error) {
	n, err := strconv.Atoi(arg)
	if err != nil {
		return nil, fmt.Errorf("message %q: %w", arg, store.ErrNotFound)
	}
	return s.store.Get(n)
}

func (s *Session) writeStat() error {
	return s.writeLine("%s %d %d", replyOK, s.store.Count(), s.store.Octets())
}

// writeContent copies stored content to the client unchanged. Stored DATA keeps
// the client's dot-stuffing, so no dots are added here. Content not ending in a
// newline gets a CRLF so the terminator stays on its own line. A read failure
// part way through cannot be reported inside a multi-line reply, so it ends
// the session.
func (s *Session) writeContent(r io.Reader) error {
	buf := make([]byte, 32*1024)
	var (
		last    byte
		written bool
	)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			if _, werr := s.writer.Write(buf[:n]); werr != nil {
				return werr
			}
			last = buf[n-1]
			written = true
		}
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			s.logger.Error("failed to stream message", "error", err)
			return err
		}
	}
	if written && last != '\n' {
		if _, err := s.writer.WriteString("\r\n"); err != nil {
			return err
		}
	}
	return s.writer.Flush()
}

func (s *Session) writeError(format string, args ...interface{}) error {
	msg := fmt.Sprintf(format, args...)
	s.logger.Warn("command failed", "reply", msg)
	return s.writeLine("%s %s", replyErr, msg)
}

func (s *Session) count(command string) {
	metrics.CommandsTotal.WithLabelValues("pop3", command).Inc()
}

// writeLine writes a formatted line to the client, followed by \r\n.
func (s *Session) writeLine(format string, args ...interface{}) error {
	line := fmt.Sprintf(format, args...)
	s.logger.Debug("write", "line", line)

	if _, err := s.writer.WriteString(line + "\r\n"); err != nil {
		return err
	}
	return s.writer.Flush()
}
