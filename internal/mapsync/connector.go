package mapsync

import (
	"context"
	"encoding/json"
)

// ProviderAccount is the persisted identity of a connected backend. Metadata
// is provider-specific (remote folder handles, per-document file indexes);
// the engine round-trips it through the connector without interpreting it.
type ProviderAccount struct {
	ProviderID  string          `json:"providerId"`
	DisplayName string          `json:"displayName"`
	Metadata    json.RawMessage `json:"metadata,omitempty"`
}

func (a *ProviderAccount) clone() *ProviderAccount {
	if a == nil {
		return nil
	}
	copied := *a
	copied.Metadata = append(json.RawMessage(nil), a.Metadata...)
	return &copied
}

// RemoteDocument is one document as stored by a provider.
type RemoteDocument struct {
	Name     string
	Document string
}

// Connector is implemented once per remote backend. Failures are classified
// through the ErrOffline/ErrCancelled/ErrAuthentication sentinels (anything
// else is treated as unknown and isolated to the provider).
type Connector interface {
	ProviderID() string
	DisplayName() string

	// Initialize restores any cached session. It is side effect only and
	// must not fail just because no one is signed in.
	Initialize(ctx context.Context) error

	// Connect runs the interactive sign-in. A user abort is reported as
	// ErrCancelled, which callers treat as a no-op rather than a failure.
	Connect(ctx context.Context) (*ProviderAccount, error)

	// Disconnect revokes the session. Best effort; the engine discards the
	// account regardless of the outcome.
	Disconnect(ctx context.Context, account *ProviderAccount) error

	// Restore silently refreshes a previously persisted account. It returns
	// (nil, nil) when the session cannot be restored without user
	// interaction.
	Restore(ctx context.Context, account *ProviderAccount) (*ProviderAccount, error)

	// FetchRemoteDocuments lists the documents currently stored remotely.
	FetchRemoteDocuments(ctx context.Context, account *ProviderAccount) ([]RemoteDocument, error)

	// PerformOperation executes one queue entry against the backend and
	// returns the refreshed account metadata on success.
	PerformOperation(ctx context.Context, account *ProviderAccount, entry QueueEntry) (*ProviderAccount, error)
}
