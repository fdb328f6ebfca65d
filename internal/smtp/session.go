package smtp

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/shineum/bumsink/internal/email"
	"github.com/shineum/bumsink/internal/metrics"
	"github.com/shineum/bumsink/internal/provider"
	"github.com/shineum/bumsink/internal/store"
)

// Session states for the SMTP state machine.
const (
	stateCommand = iota
	stateData
	stateClosed
)

// Replies with fixed text.
const (
	replyOK           = "250 OK"
	replyIntermediate = "354 Intermediate"
	replyBye          = "221 OK"
	replyUnknown      = "500 Command not recognized"
)

// Saver persists a completed message. *store.Store implements it.
type Saver interface {
	Save(content []byte) (*store.Message, error)
}

// Session represents a single SMTP client connection. It accepts any envelope
// and hands every non-empty message body to the store.
type Session struct {
	conn     net.Conn
	reader   *bufio.Reader
	writer   *bufio.Writer
	state    int
	store    Saver
	relay    provider.Provider
	hostname string
	version  string
	logger   *slog.Logger

	// In-flight relay sends.
	relays sync.WaitGroup

	// Current message body, CRLF terminated lines.
	dataBuffer strings.Builder
}

// NewSession creates a new SMTP session for the given connection. relay may be nil.
func NewSession(conn net.Conn, st Saver, relay provider.Provider, hostname, version string) *Session {
	return &Session{
		conn:     conn,
		reader:   bufio.NewReader(conn),
		writer:   bufio.NewWriter(conn),
		state:    stateCommand,
		store:    st,
		relay:    relay,
		hostname: hostname,
		version:  version,
		logger: slog.With(
			"protocol", "smtp",
			"session_id", uuid.NewString(),
			"remote", conn.RemoteAddr().String(),
		),
	}
}

// Handle runs the SMTP session, processing lines until the client quits or
// disconnects. Read and write errors end the session quietly.
func (s *Session) Handle(ctx context.Context) {
	defer s.relays.Wait()
	defer s.conn.Close()

	// Process shutdown unblocks the pending read.
	stop := context.AfterFunc(ctx, func() { s.conn.Close() })
	defer stop()

	s.logger.Debug("session started")
	defer s.logger.Debug("session ended")

	if err := s.writeLine("220 BUMSink version %s", s.version); err != nil {
		return
	}

	for s.state != stateClosed {
		line, err := s.reader.ReadString('\n')
		if err != nil {
			if err != io.EOF {
				s.logger.Debug("connection read error", "error", err)
			}
			return
		}
		line = strings.TrimRight(line, "\r\n")

		if err := s.handleLine(ctx, line); err != nil {
			s.logger.Debug("connection write error", "error", err)
			return
		}
	}
}

// handleLine advances the state machine by one input line.
func (s *Session) handleLine(ctx context.Context, line string) error {
	s.logger.Debug("read", "line", line)

	if s.state == stateData {
		return s.handleData(ctx, line)
	}
	return s.handleCommand(line)
}

// handleCommand processes a single command line in the COMMAND state.
// Verbs are matched case-sensitively as line prefixes.
func (s *Session) handleCommand(line string) error {
	switch {
	case strings.HasPrefix(line, "HELO"):
		s.count("HELO")
		return s.writeLine("250 %s", s.hostname)
	case strings.HasPrefix(line, "MAIL FROM:"):
		s.count("MAIL")
		return s.writeLine(replyOK)
	case strings.HasPrefix(line, "RCPT TO:"):
		s.count("RCPT")
		return s.writeLine(replyOK)
	case strings.HasPrefix(line, "DATA"):
		s.count("DATA")
		s.state = stateData
		return s.writeLine(replyIntermediate)
	case strings.HasPrefix(line, "NOOP"):
		s.count("NOOP")
		return s.writeLine(replyOK)
	case strings.HasPrefix(line, "RSET"):
		s.count("RSET")
		s.dataBuffer.Reset()
		return s.writeLine(replyOK)
	case strings.HasPrefix(line, "QUIT"):
		s.count("QUIT")
		s.state = stateClosed
		err := s.writeLine(replyBye)
		s.conn.Close()
		return err
	default:
		s.count("UNKNOWN")
		s.logger.Warn("unrecognized command", "line", line)
		return s.writeLine(replyUnknown)
	}
}

// handleData accumulates body lines until the lone "." terminator. The message
// is saved before the 250 reply and relayed after it.
func (s *Session) handleData(ctx context.Context, line string) error {
	if line != "." {
		s.dataBuffer.WriteString(line)
		s.dataBuffer.WriteString("\r\n")
		return nil
	}

	var saved *store.Message
	var content []byte
	if s.dataBuffer.Len() > 0 {
		content = []byte(s.dataBuffer.String())
		saved = s.save(content)
	}
	s.dataBuffer.Reset()
	s.state = stateCommand

	err := s.writeLine(replyOK)
	if saved != nil && s.relay != nil {
		s.relays.Add(1)
		go func() {
			defer s.relays.Done()
			s.forward(ctx, saved, content)
		}()
	}
	return err
}

// save persists the message. Failures are logged only: the client always
// gets 250.
func (s *Session) save(content []byte) *store.Message {
	msg, err := s.store.Save(content)
	if err != nil {
		s.logger.Error("failed to save message", "error", err)
		return nil
	}
	return msg
}

// forward offers a saved message to the relay.
func (s *Session) forward(ctx context.Context, msg *store.Message, content []byte) {
	id, err := msg.UIDL()
	if err != nil {
		s.logger.Error("failed to read message id", "error", err)
		return
	}
	if err := s.relay.Send(ctx, email.New(id, content)); err != nil {
		metrics.RelayTotal.WithLabelValues(s.relay.Name(), "failure").Inc()
		s.logger.Error("relay failed",
			"provider", s.relay.Name(),
			"message_id", id,
			"error", err,
		)
		return
	}
	metrics.RelayTotal.WithLabelValues(s.relay.Name(), "success").Inc()
}

func (s *Session) count(command string) {
	metrics.CommandsTotal.WithLabelValues("smtp", command).Inc()
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
