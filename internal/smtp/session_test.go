package smtp

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shineum/bumsink/internal/email"
	"github.com/shineum/bumsink/internal/store"
)

// mockRelay implements provider.Provider for testing.
type mockRelay struct {
	mu      sync.Mutex
	sent    []*email.Email
	sendErr error

	// When set, Send blocks until it is closed.
	release chan struct{}
}

func (m *mockRelay) Send(ctx context.Context, msg *email.Email) error {
	if m.release != nil {
		select {
		case <-m.release:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, msg)
	return m.sendErr
}

func (m *mockRelay) Name() string {
	return "mock"
}

func (m *mockRelay) messages() []*email.Email {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*email.Email(nil), m.sent...)
}

// waitForSent polls until the relay has seen n messages.
func waitForSent(t *testing.T, relay *mockRelay, n int) []*email.Email {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		sent := relay.messages()
		if len(sent) >= n {
			return sent
		}
		if time.Now().After(deadline) {
			t.Fatalf("relay calls: got %d, want %d", len(sent), n)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

// syncBuffer is a bytes.Buffer safe for concurrent log writes.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// failingSaver always fails to save.
type failingSaver struct{}

func (failingSaver) Save([]byte) (*store.Message, error) {
	return nil, &store.StorageError{Op: "save", Err: errors.New("disk full")}
}

// connPair creates a connected pair of net.Conn for testing SMTP sessions.
func connPair(t *testing.T) (client net.Conn, server net.Conn) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to listen: %v", err)
	}
	defer ln.Close()

	done := make(chan net.Conn, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		done <- conn
	}()

	client, err = net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("failed to dial: %v", err)
	}

	server = <-done
	return client, server
}

// readLine reads a line from a buffered reader.
func readLine(t *testing.T, reader *bufio.Reader) string {
	t.Helper()
	line, err := reader.ReadString('\n')
	if err != nil {
		t.Fatalf("failed to read line: %v", err)
	}
	return strings.TrimRight(line, "\r\n")
}

// sendCmd sends a command to the SMTP session.
func sendCmd(t *testing.T, conn net.Conn, cmd string) {
	t.Helper()
	_, err := conn.Write([]byte(cmd + "\r\n"))
	if err != nil {
		t.Fatalf("failed to write command: %v", err)
	}
}

// startSession runs a session against st and returns the client side with the
// greeting already consumed.
func startSession(t *testing.T, st Saver, relay *mockRelay) (net.Conn, *bufio.Reader, <-chan struct{}) {
	t.Helper()

	client, server := connPair(t)
	t.Cleanup(func() { client.Close() })
	client.SetDeadline(time.Now().Add(5 * time.Second))

	var sess *Session
	if relay != nil {
		sess = NewSession(server, st, relay, "mail.test.com", "0.1")
	} else {
		sess = NewSession(server, st, nil, "mail.test.com", "0.1")
	}

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	done := make(chan struct{})
	go func() {
		sess.Handle(ctx)
		close(done)
	}()

	reader := bufio.NewReader(client)
	greeting := readLine(t, reader)
	if greeting != "220 BUMSink version 0.1" {
		t.Fatalf("greeting: got %q, want %q", greeting, "220 BUMSink version 0.1")
	}
	return client, reader, done
}

func newStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.New(t.TempDir())
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	return st
}

func TestSession_CommandReplies(t *testing.T) {
	t.Parallel()

	client, reader, _ := startSession(t, newStore(t), nil)

	tests := []struct {
		cmd  string
		want string
	}{
		{"HELO client.test.com", "250 mail.test.com"},
		{"MAIL FROM:<a@example.com>", "250 OK"},
		{"RCPT TO:<b@example.com>", "250 OK"},
		{"NOOP", "250 OK"},
		{"RSET", "250 OK"},
		{"EHLO client.test.com", "500 Command not recognized"},
		{"helo lowercase", "500 Command not recognized"},
		{"", "500 Command not recognized"},
	}

	for _, tt := range tests {
		sendCmd(t, client, tt.cmd)
		if got := readLine(t, reader); got != tt.want {
			t.Errorf("%q: got %q, want %q", tt.cmd, got, tt.want)
		}
	}
}

func TestSession_QUIT(t *testing.T) {
	t.Parallel()

	client, reader, done := startSession(t, newStore(t), nil)

	sendCmd(t, client, "QUIT")
	if got := readLine(t, reader); got != "221 OK" {
		t.Errorf("QUIT response: got %q, want %q", got, "221 OK")
	}

	if _, err := reader.ReadString('\n'); err != io.EOF {
		t.Errorf("expected EOF after QUIT, got %v", err)
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("session did not end after QUIT")
	}
}

func TestSession_MailTransaction(t *testing.T) {
	t.Parallel()

	st := newStore(t)
	client, reader, _ := startSession(t, st, nil)

	for _, cmd := range []string{"HELO x", "MAIL FROM:<a>", "RCPT TO:<b>"} {
		sendCmd(t, client, cmd)
		readLine(t, reader)
	}

	sendCmd(t, client, "DATA")
	if got := readLine(t, reader); got != "354 Intermediate" {
		t.Fatalf("DATA response: got %q, want %q", got, "354 Intermediate")
	}

	// Lines inside DATA that look like commands are body content.
	sendCmd(t, client, "Subject: test")
	sendCmd(t, client, "")
	sendCmd(t, client, "QUIT")
	sendCmd(t, client, "hello world")
	sendCmd(t, client, ".")
	if got := readLine(t, reader); got != "250 OK" {
		t.Fatalf("end of data response: got %q, want %q", got, "250 OK")
	}

	if st.Count() != 1 {
		t.Fatalf("store count: got %d, want 1", st.Count())
	}
	msg, err := st.Get(1)
	if err != nil {
		t.Fatalf("Get(1): %v", err)
	}
	content, err := os.ReadFile(msg.Path())
	if err != nil {
		t.Fatalf("read stored message: %v", err)
	}
	want := "Subject: test\r\n\r\nQUIT\r\nhello world\r\n"
	if string(content) != want {
		t.Errorf("stored content: got %q, want %q", content, want)
	}

	// Back in COMMAND state.
	sendCmd(t, client, "NOOP")
	if got := readLine(t, reader); got != "250 OK" {
		t.Errorf("NOOP after DATA: got %q, want %q", got, "250 OK")
	}
}

func TestSession_EmptyDataNotSaved(t *testing.T) {
	t.Parallel()

	st := newStore(t)
	client, reader, _ := startSession(t, st, nil)

	sendCmd(t, client, "DATA")
	readLine(t, reader)
	sendCmd(t, client, ".")
	if got := readLine(t, reader); got != "250 OK" {
		t.Fatalf("end of data response: got %q, want %q", got, "250 OK")
	}

	if st.Count() != 0 {
		t.Errorf("store count: got %d, want 0", st.Count())
	}
}

func TestSession_SaveFailureStillReplies250(t *testing.T) {
	t.Parallel()

	client, reader, _ := startSession(t, failingSaver{}, nil)

	sendCmd(t, client, "DATA")
	readLine(t, reader)
	sendCmd(t, client, "body")
	sendCmd(t, client, ".")
	if got := readLine(t, reader); got != "250 OK" {
		t.Errorf("end of data response: got %q, want %q", got, "250 OK")
	}
}

func TestSession_RelayReceivesSavedMessage(t *testing.T) {
	t.Parallel()

	st := newStore(t)
	relay := &mockRelay{}
	client, reader, _ := startSession(t, st, relay)

	sendCmd(t, client, "DATA")
	readLine(t, reader)
	sendCmd(t, client, "Subject: relayed")
	sendCmd(t, client, "")
	sendCmd(t, client, "body")
	sendCmd(t, client, ".")
	readLine(t, reader)

	sent := waitForSent(t, relay, 1)
	if sent[0].Subject != "relayed" {
		t.Errorf("relayed subject: got %q, want %q", sent[0].Subject, "relayed")
	}

	msg, _ := st.Get(1)
	uidl, _ := msg.UIDL()
	if sent[0].ID != uidl {
		t.Errorf("relayed id: got %q, want %q", sent[0].ID, uidl)
	}
}

func TestSession_RelayFailureIsNotSurfaced(t *testing.T) {
	t.Parallel()

	st := newStore(t)
	relay := &mockRelay{sendErr: errors.New("unreachable")}
	client, reader, _ := startSession(t, st, relay)

	sendCmd(t, client, "DATA")
	readLine(t, reader)
	sendCmd(t, client, "body")
	sendCmd(t, client, ".")
	if got := readLine(t, reader); got != "250 OK" {
		t.Errorf("end of data response: got %q, want %q", got, "250 OK")
	}
	if st.Count() != 1 {
		t.Errorf("store count: got %d, want 1", st.Count())
	}
}

func TestSession_SlowRelayDoesNotDelayReply(t *testing.T) {
	t.Parallel()

	st := newStore(t)
	relay := &mockRelay{release: make(chan struct{})}
	client, reader, done := startSession(t, st, relay)

	sendCmd(t, client, "DATA")
	readLine(t, reader)
	sendCmd(t, client, "body")
	sendCmd(t, client, ".")

	// The reply arrives while the relay is still blocked.
	if err := client.SetReadDeadline(time.Now().Add(time.Second)); err != nil {
		t.Fatalf("SetReadDeadline: %v", err)
	}
	if got := readLine(t, reader); got != "250 OK" {
		t.Fatalf("end of data response: got %q, want %q", got, "250 OK")
	}
	if st.Count() != 1 {
		t.Errorf("store count: got %d, want 1", st.Count())
	}
	if n := len(relay.messages()); n != 0 {
		t.Errorf("relay calls before release: got %d, want 0", n)
	}

	sendCmd(t, client, "QUIT")
	readLine(t, reader)

	// The session waits for the pending send before it ends.
	select {
	case <-done:
		t.Fatal("session ended with a relay send in flight")
	case <-time.After(50 * time.Millisecond):
	}

	close(relay.release)
	waitForSent(t, relay, 1)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("session did not end after relay finished")
	}
}

func TestSession_TracesDataLines(t *testing.T) {
	t.Parallel()

	client, server := connPair(t)
	defer client.Close()
	client.SetDeadline(time.Now().Add(5 * time.Second))

	var logs syncBuffer
	sess := NewSession(server, newStore(t), nil, "h", "0.1")
	sess.logger = slog.New(slog.NewJSONHandler(&logs, &slog.HandlerOptions{Level: slog.LevelDebug}))

	done := make(chan struct{})
	go func() {
		sess.Handle(context.Background())
		close(done)
	}()

	reader := bufio.NewReader(client)
	readLine(t, reader)
	sendCmd(t, client, "DATA")
	readLine(t, reader)
	sendCmd(t, client, "body line one")
	sendCmd(t, client, ".")
	readLine(t, reader)
	sendCmd(t, client, "QUIT")
	readLine(t, reader)
	<-done

	out := logs.String()
	for _, want := range []string{
		`"msg":"read","line":"DATA"`,
		`"msg":"read","line":"body line one"`,
		`"msg":"read","line":"."`,
		`"msg":"write","line":"250 OK"`,
	} {
		if !strings.Contains(out, want) {
			t.Errorf("debug log missing %s:\n%s", want, out)
		}
	}
}

func TestSession_RSETClearsBuffer(t *testing.T) {
	t.Parallel()

	st := newStore(t)
	client, reader, _ := startSession(t, st, nil)

	sendCmd(t, client, "DATA")
	readLine(t, reader)
	sendCmd(t, client, "first")
	sendCmd(t, client, ".")
	readLine(t, reader)

	sendCmd(t, client, "RSET")
	if got := readLine(t, reader); got != "250 OK" {
		t.Fatalf("RSET response: got %q, want %q", got, "250 OK")
	}

	sendCmd(t, client, "DATA")
	readLine(t, reader)
	sendCmd(t, client, "second")
	sendCmd(t, client, ".")
	readLine(t, reader)

	msg, err := st.Get(2)
	if err != nil {
		t.Fatalf("Get(2): %v", err)
	}
	content, _ := os.ReadFile(msg.Path())
	if string(content) != "second\r\n" {
		t.Errorf("second message: got %q, want %q", content, "second\r\n")
	}
}

func TestSession_ClientDisconnectEndsSession(t *testing.T) {
	t.Parallel()

	client, _, done := startSession(t, newStore(t), nil)
	client.Close()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("session did not end after client disconnect")
	}
}

func TestSession_ContextCancelEndsSession(t *testing.T) {
	t.Parallel()

	client, server := connPair(t)
	defer client.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		NewSession(server, newStore(t), nil, "h", "0.1").Handle(ctx)
		close(done)
	}()

	reader := bufio.NewReader(client)
	readLine(t, reader)
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("session did not end after context cancellation")
	}
}
