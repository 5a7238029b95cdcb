// Package s3drive implements the provider connector for an S3 bucket.
// Documents are stored as "<prefix><name>.map" objects; the bucket itself is
// the account, so connecting only verifies reachability and access.
package s3drive

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/gabriel-vasile/mimetype"

	"github.com/mindfold/mapsync/internal/mapsync"
)

const (
	DefaultProviderID = "s3"
	documentExt       = ".map"
)

// s3API is the subset of the SDK client the connector uses. Tests plug in an
// in-memory implementation.
type s3API interface {
	HeadBucket(ctx context.Context, params *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

type Options struct {
	ProviderID  string
	DisplayName string
	Bucket      string
	Prefix      string
	Region      string
	// Client overrides the SDK client built during Initialize.
	Client s3API
	Logger mapsync.Logger
}

type Connector struct {
	id          string
	displayName string
	bucket      string
	prefix      string
	region      string
	client      s3API
	logger      mapsync.Logger
}

type accountMetadata struct {
	Bucket string `json:"bucket"`
	Prefix string `json:"prefix,omitempty"`
}

func New(opts Options) (*Connector, error) {
	if strings.TrimSpace(opts.Bucket) == "" {
		return nil, fmt.Errorf("%w: bucket is required", mapsync.ErrInvalidInput)
	}
	id := strings.TrimSpace(opts.ProviderID)
	if id == "" {
		id = DefaultProviderID
	}
	displayName := strings.TrimSpace(opts.DisplayName)
	if displayName == "" {
		displayName = "S3 (" + opts.Bucket + ")"
	}
	return &Connector{
		id:          id,
		displayName: displayName,
		bucket:      strings.TrimSpace(opts.Bucket),
		prefix:      strings.TrimSpace(opts.Prefix),
		region:      strings.TrimSpace(opts.Region),
		client:      opts.Client,
		logger:      opts.Logger,
	}, nil
}

func (c *Connector) ProviderID() string  { return c.id }
func (c *Connector) DisplayName() string { return c.displayName }

// Initialize builds the SDK client from the default credential chain unless
// one was injected through Options.
func (c *Connector) Initialize(ctx context.Context) error {
	if c.client != nil {
		return nil
	}
	var loadOpts []func(*config.LoadOptions) error
	if c.region != "" {
		loadOpts = append(loadOpts, config.WithRegion(c.region))
	}
	cfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return fmt.Errorf("load aws config: %w", err)
	}
	c.client = s3.NewFromConfig(cfg)
	return nil
}

func (c *Connector) Connect(ctx context.Context) (*mapsync.ProviderAccount, error) {
	if c.client == nil {
		if err := c.Initialize(ctx); err != nil {
			return nil, err
		}
	}
	if _, err := c.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(c.bucket)}); err != nil {
		return nil, c.classify("connect", err)
	}
	metadata, err := json.Marshal(accountMetadata{Bucket: c.bucket, Prefix: c.prefix})
	if err != nil {
		return nil, err
	}
	return &mapsync.ProviderAccount{
		ProviderID:  c.id,
		DisplayName: c.displayName,
		Metadata:    metadata,
	}, nil
}

func (c *Connector) Disconnect(ctx context.Context, account *mapsync.ProviderAccount) error {
	// Credentials live in the ambient AWS configuration; nothing to revoke.
	return nil
}

func (c *Connector) Restore(ctx context.Context, account *mapsync.ProviderAccount) (*mapsync.ProviderAccount, error) {
	if account == nil {
		return nil, nil
	}
	if c.client == nil {
		if err := c.Initialize(ctx); err != nil {
			return nil, err
		}
	}
	if _, err := c.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(c.bucket)}); err != nil {
		classified := c.classify("restore", err)
		if mapsync.IsAuthentication(classified) {
			return nil, nil
		}
		return nil, classified
	}
	return account, nil
}

func (c *Connector) FetchRemoteDocuments(ctx context.Context, account *mapsync.ProviderAccount) ([]mapsync.RemoteDocument, error) {
	var remotes []mapsync.RemoteDocument
	var continuation *string
	for {
		page, err := c.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            aws.String(c.bucket),
			Prefix:            aws.String(c.prefix),
			ContinuationToken: continuation,
		})
		if err != nil {
			return nil, c.classify("list", err)
		}
		for _, object := range page.Contents {
			key := aws.ToString(object.Key)
			name, ok := c.nameForKey(key)
			if !ok {
				continue
			}
			content, err := c.getObject(ctx, key)
			if err != nil {
				return nil, c.classify("fetch", err)
			}
			remotes = append(remotes, mapsync.RemoteDocument{Name: name, Document: content})
		}
		if page.NextContinuationToken == nil {
			return remotes, nil
		}
		continuation = page.NextContinuationToken
	}
}

func (c *Connector) PerformOperation(ctx context.Context, account *mapsync.ProviderAccount, entry mapsync.QueueEntry) (*mapsync.ProviderAccount, error) {
	key := c.keyForName(entry.MapName)
	switch entry.Operation {
	case mapsync.OpCreate, mapsync.OpUpdate:
		contentType := mimetype.Detect([]byte(entry.Document)).String()
		_, err := c.client.PutObject(ctx, &s3.PutObjectInput{
			Bucket:      aws.String(c.bucket),
			Key:         aws.String(key),
			Body:        strings.NewReader(entry.Document),
			ContentType: aws.String(contentType),
		})
		if err != nil {
			return nil, c.classify("upload", err)
		}
	case mapsync.OpDelete:
		// DeleteObject succeeds for absent keys, so replayed deletes are safe.
		_, err := c.client.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(c.bucket),
			Key:    aws.String(key),
		})
		if err != nil {
			return nil, c.classify("delete", err)
		}
	default:
		return nil, fmt.Errorf("%w: operation %q", mapsync.ErrInvalidInput, entry.Operation)
	}
	return account, nil
}

func (c *Connector) getObject(ctx context.Context, key string) (string, error) {
	out, err := c.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return "", err
	}
	defer out.Body.Close()
	data, err := io.ReadAll(out.Body)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func (c *Connector) keyForName(name string) string {
	return c.prefix + name + documentExt
}

func (c *Connector) nameForKey(key string) (string, bool) {
	if !strings.HasPrefix(key, c.prefix) || !strings.HasSuffix(key, documentExt) {
		return "", false
	}
	name := strings.TrimSuffix(strings.TrimPrefix(key, c.prefix), documentExt)
	if name == "" || strings.Contains(name, "/") {
		return "", false
	}
	return name, true
}

// classify maps SDK failures onto the engine's error taxonomy. The SDK wraps
// service codes into the message, so matching goes by substring the same way
// missing-key checks do elsewhere in the AWS ecosystem.
func (c *Connector) classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return mapsync.Cancelled(c.id, op, err)
	}
	message := err.Error()
	switch {
	case containsAny(message,
		"InvalidAccessKeyId", "SignatureDoesNotMatch", "ExpiredToken",
		"AccessDenied", "NotSignedUp", "StatusCode: 401", "StatusCode: 403"):
		return mapsync.Authentication(c.id, op, err)
	case containsAny(message,
		"no such host", "connection refused", "connection reset",
		"i/o timeout", "dial tcp", "RequestCanceled", "context deadline exceeded"):
		return mapsync.Offline(c.id, op, err)
	}
	return err
}

func containsAny(message string, needles ...string) bool {
	for _, needle := range needles {
		if strings.Contains(message, needle) {
			return true
		}
	}
	return false
}
