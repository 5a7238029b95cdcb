package s3drive

import (
	"context"
	"errors"
	"io"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/mindfold/mapsync/internal/mapsync"
)

// fakeS3 is an in-memory bucket implementing the narrow SDK surface the
// connector uses.
type fakeS3 struct {
	mu       sync.Mutex
	objects  map[string]string
	pageSize int
	headErr  error
	putErr   error
	listErr  error
}

func newFakeS3() *fakeS3 {
	return &fakeS3{objects: map[string]string{}, pageSize: 1000}
}

func (f *fakeS3) HeadBucket(ctx context.Context, params *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error) {
	if f.headErr != nil {
		return nil, f.headErr
	}
	return &s3.HeadBucketOutput{}, nil
}

func (f *fakeS3) ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	keys := make([]string, 0, len(f.objects))
	prefix := aws.ToString(params.Prefix)
	for key := range f.objects {
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)

	start := 0
	if params.ContinuationToken != nil {
		start, _ = strconv.Atoi(aws.ToString(params.ContinuationToken))
	}
	end := start + f.pageSize
	if end > len(keys) {
		end = len(keys)
	}
	out := &s3.ListObjectsV2Output{}
	for _, key := range keys[start:end] {
		out.Contents = append(out.Contents, types.Object{Key: aws.String(key)})
	}
	if end < len(keys) {
		out.NextContinuationToken = aws.String(strconv.Itoa(end))
	}
	return out, nil
}

func (f *fakeS3) GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	content, ok := f.objects[aws.ToString(params.Key)]
	if !ok {
		return nil, errors.New("NoSuchKey: the specified key does not exist")
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(strings.NewReader(content))}, nil
}

func (f *fakeS3) PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if f.putErr != nil {
		return nil, f.putErr
	}
	data, err := io.ReadAll(params.Body)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	f.objects[aws.ToString(params.Key)] = string(data)
	f.mu.Unlock()
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	f.mu.Lock()
	delete(f.objects, aws.ToString(params.Key))
	f.mu.Unlock()
	return &s3.DeleteObjectOutput{}, nil
}

func newTestConnector(t *testing.T, fake *fakeS3) *Connector {
	t.Helper()
	conn, err := New(Options{Bucket: "maps-bucket", Prefix: "maps/", Client: fake})
	if err != nil {
		t.Fatalf("connector: %v", err)
	}
	return conn
}

func TestConnectVerifiesBucketAccess(t *testing.T) {
	conn := newTestConnector(t, newFakeS3())
	account, err := conn.Connect(context.Background())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	if account.ProviderID != "s3" {
		t.Fatalf("unexpected provider id %q", account.ProviderID)
	}
	if !strings.Contains(string(account.Metadata), "maps-bucket") {
		t.Fatalf("expected the bucket recorded in metadata, got %s", account.Metadata)
	}
}

func TestConnectClassifiesAccessDenied(t *testing.T) {
	fake := newFakeS3()
	fake.headErr = errors.New("operation error S3: HeadBucket, https response error StatusCode: 403, AccessDenied")
	conn := newTestConnector(t, fake)

	_, err := conn.Connect(context.Background())
	if !mapsync.IsAuthentication(err) {
		t.Fatalf("expected an authentication failure, got %v", err)
	}
}

func TestPerformOperationWritesAndDeletesObjects(t *testing.T) {
	fake := newFakeS3()
	conn := newTestConnector(t, fake)
	ctx := context.Background()
	account, err := conn.Connect(ctx)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}

	if _, err := conn.PerformOperation(ctx, account, mapsync.QueueEntry{
		MapName: "Trip", Operation: mapsync.OpCreate, Document: "v1",
	}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if fake.objects["maps/Trip.map"] != "v1" {
		t.Fatalf("expected object written under the prefixed key, got %v", fake.objects)
	}

	if _, err := conn.PerformOperation(ctx, account, mapsync.QueueEntry{
		MapName: "Trip", Operation: mapsync.OpUpdate, Document: "v2",
	}); err != nil {
		t.Fatalf("update: %v", err)
	}
	if fake.objects["maps/Trip.map"] != "v2" {
		t.Fatalf("expected object overwritten, got %q", fake.objects["maps/Trip.map"])
	}

	if _, err := conn.PerformOperation(ctx, account, mapsync.QueueEntry{
		MapName: "Trip", Operation: mapsync.OpDelete,
	}); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, ok := fake.objects["maps/Trip.map"]; ok {
		t.Fatalf("expected object deleted")
	}

	// Deleting again must stay silent.
	if _, err := conn.PerformOperation(ctx, account, mapsync.QueueEntry{
		MapName: "Trip", Operation: mapsync.OpDelete,
	}); err != nil {
		t.Fatalf("repeated delete: %v", err)
	}
}

func TestFetchRemoteDocumentsPaginatesAndFilters(t *testing.T) {
	fake := newFakeS3()
	fake.pageSize = 2
	fake.objects = map[string]string{
		"maps/Alpha.map":  "a",
		"maps/Beta.map":   "b",
		"maps/Gamma.map":  "g",
		"maps/notes.txt":  "ignored",
		"maps/sub/X.map":  "ignored",
		"other/Delta.map": "ignored",
	}
	conn := newTestConnector(t, fake)
	ctx := context.Background()
	account, err := conn.Connect(ctx)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}

	remotes, err := conn.FetchRemoteDocuments(ctx, account)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	got := map[string]string{}
	for _, remote := range remotes {
		got[remote.Name] = remote.Document
	}
	want := map[string]string{"Alpha": "a", "Beta": "b", "Gamma": "g"}
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for name, content := range want {
		if got[name] != content {
			t.Fatalf("expected %s=%q, got %q", name, content, got[name])
		}
	}
}

func TestTransportFailureIsOffline(t *testing.T) {
	fake := newFakeS3()
	fake.putErr = errors.New("RequestError: send request failed: dial tcp: lookup s3.amazonaws.com: no such host")
	conn := newTestConnector(t, fake)
	ctx := context.Background()
	account, err := conn.Connect(ctx)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}

	_, err = conn.PerformOperation(ctx, account, mapsync.QueueEntry{
		MapName: "Trip", Operation: mapsync.OpUpdate, Document: "v1",
	})
	if !mapsync.IsOffline(err) {
		t.Fatalf("expected an offline failure, got %v", err)
	}
}

func TestRestoreDropsRevokedCredentials(t *testing.T) {
	fake := newFakeS3()
	fake.headErr = errors.New("https response error StatusCode: 403, InvalidAccessKeyId")
	conn := newTestConnector(t, fake)
	account := &mapsync.ProviderAccount{ProviderID: "s3"}

	restored, err := conn.Restore(context.Background(), account)
	if err != nil {
		t.Fatalf("restore: %v", err)
	}
	if restored != nil {
		t.Fatalf("expected revoked credentials to require a fresh connect")
	}
}
