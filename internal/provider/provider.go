// Package provider defines the interface for relaying captured messages to an
// external destination after they have been stored.
package provider

import (
	"context"

	"github.com/shineum/bumsink/internal/email"
)

// Provider is the interface that relay backends must implement.
// Each provider receives a copy of every message accepted over SMTP
// (e.g., stdout for local inspection, AWS SES, Microsoft Graph).
type Provider interface {
	// Send relays a captured message through this provider.
	// It returns an error if the delivery fails.
	Send(ctx context.Context, msg *email.Email) error

	// Name returns the human-readable name of this provider.
	Name() string
}
