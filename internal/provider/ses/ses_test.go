package ses

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	sesv2 "github.com/aws/aws-sdk-go-v2/service/sesv2"

	"github.com/shineum/bumsink/internal/email"
)

// mockSESClient implements SendEmailAPI for testing.
type mockSESClient struct {
	sendFn    func(ctx context.Context, params *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error)
	callCount int
	lastInput *sesv2.SendEmailInput
}

func (m *mockSESClient) SendEmail(ctx context.Context, params *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error) {
	m.callCount++
	m.lastInput = params
	if m.sendFn != nil {
		return m.sendFn(ctx, params, optFns...)
	}
	return &sesv2.SendEmailOutput{MessageId: aws.String("test-message-id")}, nil
}

// fastProvider returns a provider whose retries do not sleep noticeably.
func fastProvider(recipients []string, client SendEmailAPI) *SESProvider {
	p := NewWithClient("relay@example.com", recipients, client)
	p.retryDelay = time.Millisecond
	return p
}

func testEmail() *email.Email {
	return email.New("123", []byte("From: app@example.com\r\n"+
		"To: to@example.com\r\n"+
		"Cc: cc@example.com\r\n"+
		"Subject: Relay Test\r\n"+
		"\r\n"+
		"Hello\r\n"))
}

func TestName(t *testing.T) {
	t.Parallel()
	p := NewWithClient("sender@example.com", nil, &mockSESClient{})
	if got := p.Name(); got != "ses" {
		t.Errorf("Name(): got %q, want %q", got, "ses")
	}
}

func TestSend_RawPayloadFromHeaders(t *testing.T) {
	t.Parallel()

	mock := &mockSESClient{}
	p := fastProvider(nil, mock)
	msg := testEmail()

	if err := p.Send(context.Background(), msg); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if mock.callCount != 1 {
		t.Errorf("call count: got %d, want 1", mock.callCount)
	}

	input := mock.lastInput
	if input.Content.Raw == nil {
		t.Fatal("expected raw email content, got nil")
	}
	if string(input.Content.Raw.Data) != string(msg.Raw) {
		t.Errorf("raw data changed: got %q", input.Content.Raw.Data)
	}
	if got := *input.FromEmailAddress; got != "relay@example.com" {
		t.Errorf("FromEmailAddress: got %q, want %q", got, "relay@example.com")
	}
	to := input.Destination.ToAddresses
	if len(to) != 2 || to[0] != "to@example.com" || to[1] != "cc@example.com" {
		t.Errorf("ToAddresses: got %v", to)
	}
}

func TestSend_ConfiguredRecipientsOverrideHeaders(t *testing.T) {
	t.Parallel()

	mock := &mockSESClient{}
	p := fastProvider([]string{"inbox@example.com"}, mock)

	if err := p.Send(context.Background(), testEmail()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	to := mock.lastInput.Destination.ToAddresses
	if len(to) != 1 || to[0] != "inbox@example.com" {
		t.Errorf("ToAddresses: got %v, want [inbox@example.com]", to)
	}
}

func TestSend_NoRecipients(t *testing.T) {
	t.Parallel()

	mock := &mockSESClient{}
	p := fastProvider(nil, mock)

	err := p.Send(context.Background(), email.New("1", []byte("hello world\r\n")))
	if !errors.Is(err, errNoRecipients) {
		t.Fatalf("expected errNoRecipients, got %v", err)
	}
	if mock.callCount != 0 {
		t.Errorf("call count: got %d, want 0", mock.callCount)
	}
}

func TestSend_RetryOnError(t *testing.T) {
	t.Parallel()

	callCount := 0
	mock := &mockSESClient{
		sendFn: func(ctx context.Context, params *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error) {
			callCount++
			if callCount <= 2 {
				return nil, errors.New("transient error")
			}
			return &sesv2.SendEmailOutput{MessageId: aws.String("ok")}, nil
		},
	}
	p := fastProvider(nil, mock)

	if err := p.Send(context.Background(), testEmail()); err != nil {
		t.Fatalf("expected success after retry, got: %v", err)
	}
	if callCount != 3 {
		t.Errorf("call count: got %d, want 3", callCount)
	}
}

func TestSend_AllRetriesExhausted(t *testing.T) {
	t.Parallel()

	mock := &mockSESClient{
		sendFn: func(ctx context.Context, params *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error) {
			return nil, errors.New("persistent error")
		},
	}
	p := fastProvider(nil, mock)

	err := p.Send(context.Background(), testEmail())
	if err == nil {
		t.Fatal("expected error after all retries exhausted")
	}
	if !strings.Contains(err.Error(), "after 3 retries") {
		t.Errorf("error message: got %q, want to contain 'after 3 retries'", err.Error())
	}
	// 1 initial + 3 retries = 4 total
	if mock.callCount != 4 {
		t.Errorf("call count: got %d, want 4", mock.callCount)
	}
}

func TestSend_ContextCancelled(t *testing.T) {
	t.Parallel()

	mock := &mockSESClient{
		sendFn: func(ctx context.Context, params *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error) {
			return nil, errors.New("error")
		},
	}
	p := NewWithClient("sender@example.com", nil, mock)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := p.Send(ctx, testEmail()); err == nil {
		t.Fatal("expected error when context cancelled")
	}
	if mock.callCount != 1 {
		t.Errorf("call count: got %d, want 1", mock.callCount)
	}
}

func TestBackoffDelay(t *testing.T) {
	t.Parallel()

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 1 * time.Second},
		{1, 2 * time.Second},
		{2, 4 * time.Second},
	}

	for _, tt := range tests {
		if got := backoffDelay(baseRetryDelay, tt.attempt); got != tt.want {
			t.Errorf("backoffDelay(%d): got %v, want %v", tt.attempt, got, tt.want)
		}
	}
}
