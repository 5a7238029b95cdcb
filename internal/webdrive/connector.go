package webdrive

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/mindfold/mapsync/internal/mapsync"
)

const DefaultProviderID = "webdrive"

type Options struct {
	// ProviderID defaults to "webdrive". Set it when hosting several drive
	// connectors side by side.
	ProviderID  string
	DisplayName string
	BaseURL     string
	Token       string
	HTTPClient  *http.Client
	Logger      mapsync.Logger
}

// Connector syncs map documents to a REST document drive. The account
// metadata carries the remote folder id and the name-to-file-id index, so a
// restored account resumes without relisting on every operation.
type Connector struct {
	id          string
	displayName string
	client      *Client
	logger      mapsync.Logger
}

type accountMetadata struct {
	FolderID string            `json:"folderId"`
	Files    map[string]string `json:"files,omitempty"`
}

func New(opts Options) (*Connector, error) {
	if strings.TrimSpace(opts.BaseURL) == "" {
		return nil, fmt.Errorf("%w: base URL is required", mapsync.ErrInvalidInput)
	}
	id := strings.TrimSpace(opts.ProviderID)
	if id == "" {
		id = DefaultProviderID
	}
	displayName := strings.TrimSpace(opts.DisplayName)
	if displayName == "" {
		displayName = "Web Drive"
	}
	return &Connector{
		id:          id,
		displayName: displayName,
		client:      NewClient(opts.BaseURL, opts.Token, opts.HTTPClient),
		logger:      opts.Logger,
	}, nil
}

func (c *Connector) ProviderID() string  { return c.id }
func (c *Connector) DisplayName() string { return c.displayName }

func (c *Connector) Initialize(ctx context.Context) error {
	return nil
}

func (c *Connector) Connect(ctx context.Context) (*mapsync.ProviderAccount, error) {
	session, err := c.client.CreateSession(ctx)
	if err != nil {
		return nil, c.classify("connect", err)
	}
	metadata, err := json.Marshal(accountMetadata{FolderID: session.FolderID})
	if err != nil {
		return nil, err
	}
	displayName := session.DisplayName
	if displayName == "" {
		displayName = c.displayName
	}
	return &mapsync.ProviderAccount{
		ProviderID:  c.id,
		DisplayName: displayName,
		Metadata:    metadata,
	}, nil
}

func (c *Connector) Disconnect(ctx context.Context, account *mapsync.ProviderAccount) error {
	if err := c.client.RevokeSession(ctx); err != nil {
		return c.classify("disconnect", err)
	}
	return nil
}

func (c *Connector) Restore(ctx context.Context, account *mapsync.ProviderAccount) (*mapsync.ProviderAccount, error) {
	if account == nil {
		return nil, nil
	}
	session, err := c.client.CreateSession(ctx)
	if err != nil {
		classified := c.classify("restore", err)
		if mapsync.IsAuthentication(classified) {
			// The token is no longer valid; the user has to sign in again.
			return nil, nil
		}
		return nil, classified
	}
	meta, err := c.metadata(account)
	if err != nil {
		return nil, err
	}
	meta.FolderID = session.FolderID
	return c.withMetadata(account, meta)
}

func (c *Connector) FetchRemoteDocuments(ctx context.Context, account *mapsync.ProviderAccount) ([]mapsync.RemoteDocument, error) {
	meta, err := c.metadata(account)
	if err != nil {
		return nil, err
	}
	infos, err := c.client.ListFiles(ctx, meta.FolderID)
	if err != nil {
		return nil, c.classify("list", err)
	}
	remotes := make([]mapsync.RemoteDocument, 0, len(infos))
	for _, info := range infos {
		file, err := c.client.GetFile(ctx, info.ID)
		if err != nil {
			return nil, c.classify("fetch", err)
		}
		remotes = append(remotes, mapsync.RemoteDocument{Name: file.Name, Document: file.Content})
	}
	return remotes, nil
}

func (c *Connector) PerformOperation(ctx context.Context, account *mapsync.ProviderAccount, entry mapsync.QueueEntry) (*mapsync.ProviderAccount, error) {
	meta, err := c.metadata(account)
	if err != nil {
		return nil, err
	}

	switch entry.Operation {
	case mapsync.OpCreate, mapsync.OpUpdate:
		fileID, known := meta.Files[entry.MapName]
		if known {
			err = c.client.UpdateFile(ctx, fileID, entry.Document)
			var httpErr *HTTPError
			if errors.As(err, &httpErr) && httpErr.StatusCode == http.StatusNotFound {
				// The remote copy vanished; fall through to a fresh create.
				known = false
				delete(meta.Files, entry.MapName)
			} else if err != nil {
				return nil, c.classify("update", err)
			}
		}
		if !known {
			info, createErr := c.client.CreateFile(ctx, meta.FolderID, entry.MapName, entry.Document)
			if createErr != nil {
				return nil, c.classify("create", createErr)
			}
			if meta.Files == nil {
				meta.Files = map[string]string{}
			}
			meta.Files[entry.MapName] = info.ID
		}
	case mapsync.OpDelete:
		fileID, known := meta.Files[entry.MapName]
		if known {
			err = c.client.DeleteFile(ctx, fileID)
			var httpErr *HTTPError
			if err != nil && !(errors.As(err, &httpErr) && httpErr.StatusCode == http.StatusNotFound) {
				return nil, c.classify("delete", err)
			}
			delete(meta.Files, entry.MapName)
		}
	default:
		return nil, fmt.Errorf("%w: operation %q", mapsync.ErrInvalidInput, entry.Operation)
	}

	return c.withMetadata(account, meta)
}

func (c *Connector) metadata(account *mapsync.ProviderAccount) (accountMetadata, error) {
	var meta accountMetadata
	if account == nil {
		return meta, fmt.Errorf("%w: account", mapsync.ErrInvalidInput)
	}
	if len(account.Metadata) == 0 {
		return meta, nil
	}
	if err := json.Unmarshal(account.Metadata, &meta); err != nil {
		return meta, fmt.Errorf("decode account metadata: %w", err)
	}
	return meta, nil
}

func (c *Connector) withMetadata(account *mapsync.ProviderAccount, meta accountMetadata) (*mapsync.ProviderAccount, error) {
	raw, err := json.Marshal(meta)
	if err != nil {
		return nil, err
	}
	refreshed := *account
	refreshed.Metadata = raw
	return &refreshed, nil
}

// classify maps transport and HTTP failures onto the engine's error
// taxonomy. Anything unrecognized passes through as an unknown provider
// failure.
func (c *Connector) classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return mapsync.Cancelled(c.id, op, err)
	}
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		switch httpErr.StatusCode {
		case http.StatusUnauthorized, http.StatusForbidden:
			return mapsync.Authentication(c.id, op, err)
		}
		return err
	}
	// Transport-level failures (dial errors, timeouts) mean unreachable.
	return mapsync.Offline(c.id, op, err)
}
