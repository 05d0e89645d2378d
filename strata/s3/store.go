// Package s3 backs a Strata container with an S3-compatible object store
// (AWS S3, MinIO, LocalStack, Cloudflare R2).
//
// Strata datasets are mutable, so Put overwrites unconditionally; no
// conditional-write machinery is involved.
//
// # Consistency
//
// AWS S3 provides strong read-after-write consistency. Other S3-compatible
// backends may differ; consult their documentation.
package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"github.com/justapithecus/strata/strata"
)

// API is the subset of the S3 client the store uses. Tests substitute a
// mock implementation.
type API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

// Config configures a Store.
type Config struct {
	// Bucket is the S3 bucket name. Required.
	Bucket string

	// Prefix namespaces all keys under an optional bucket subtree. A
	// trailing slash is added if missing.
	Prefix string
}

// Store implements strata.ObjectStore over an S3-compatible bucket.
type Store struct {
	client API
	bucket string
	prefix string

	// spool produces the scratch file Put stages uploads through.
	spool func() (*os.File, error)
}

// New creates a Store using a pre-configured S3 client. Credentials,
// region and endpoint come from the client; build one with
// github.com/aws/aws-sdk-go-v2/config:
//
//	cfg, err := config.LoadDefaultConfig(ctx)
//	client := s3.NewFromConfig(cfg)
//	store, err := s3store.New(client, s3store.Config{Bucket: "my-bucket"})
func New(client API, cfg Config) (*Store, error) {
	if client == nil {
		return nil, errors.New("s3: client is required")
	}
	if cfg.Bucket == "" {
		return nil, errors.New("s3: bucket is required")
	}
	prefix := cfg.Prefix
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	return &Store{
		client: client,
		bucket: cfg.Bucket,
		prefix: prefix,
		spool:  func() (*os.File, error) { return os.CreateTemp("", "strata-s3-*") },
	}, nil
}

// keyFor validates an object path and prepends the store prefix. Empty and
// escaping paths yield strata.ErrInvalidPath.
func (s *Store) keyFor(p string) (string, error) {
	if p == "" {
		return "", strata.ErrInvalidPath
	}
	cleaned := strings.TrimPrefix(path.Clean(p), "/")
	if cleaned == "" || cleaned == "." || cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", strata.ErrInvalidPath
	}
	return s.prefix + cleaned, nil
}

// prefixFor is keyFor for list prefixes, where the empty prefix is valid.
func (s *Store) prefixFor(p string) (string, error) {
	if p == "" {
		return s.prefix, nil
	}
	cleaned := strings.TrimPrefix(path.Clean(p), "/")
	if cleaned == "." {
		return s.prefix, nil
	}
	if cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", strata.ErrInvalidPath
	}
	return s.prefix + cleaned, nil
}

// Put replaces the object at the given path. The data is staged in a
// scratch file first so the upload is seekable and uses constant memory
// regardless of object size.
func (s *Store) Put(ctx context.Context, p string, r io.Reader) error {
	key, err := s.keyFor(p)
	if err != nil {
		return err
	}

	tmp, err := s.spool()
	if err != nil {
		return fmt.Errorf("s3: spool: %w", err)
	}
	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
	}()

	size, err := io.Copy(tmp, r)
	if err != nil {
		return fmt.Errorf("s3: spool: %w", err)
	}
	if _, err := tmp.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("s3: spool: %w", err)
	}

	if _, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(key),
		Body:          tmp,
		ContentLength: aws.Int64(size),
	}); err != nil {
		return fmt.Errorf("s3: put %q: %w", p, err)
	}
	return nil
}

// Get returns the object at the given path, or strata.ErrNotFound.
func (s *Store) Get(ctx context.Context, p string) (io.ReadCloser, error) {
	key, err := s.keyFor(p)
	if err != nil {
		return nil, err
	}
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, strata.ErrNotFound
		}
		return nil, fmt.Errorf("s3: get %q: %w", p, err)
	}
	return out.Body, nil
}

// Exists reports whether an object is present at the given path.
func (s *Store) Exists(ctx context.Context, p string) (bool, error) {
	key, err := s.keyFor(p)
	if err != nil {
		return false, err
	}
	if _, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	}); err != nil {
		if isNotFound(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// List returns every object path under the given prefix, relative to the
// store's own prefix. Pagination is handled internally.
func (s *Store) List(ctx context.Context, prefix string) ([]string, error) {
	full, err := s.prefixFor(prefix)
	if err != nil {
		return nil, err
	}

	var paths []string
	pager := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(full),
	})
	for pager.HasMorePages() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("s3: list %q: %w", prefix, err)
		}
		for _, obj := range page.Contents {
			if obj.Key != nil {
				paths = append(paths, strings.TrimPrefix(*obj.Key, s.prefix))
			}
		}
	}
	return paths, nil
}

// Delete removes the object at the given path. Missing objects are not an
// error.
func (s *Store) Delete(ctx context.Context, p string) error {
	key, err := s.keyFor(p)
	if err != nil {
		return err
	}
	if _, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	}); err != nil {
		return fmt.Errorf("s3: delete %q: %w", p, err)
	}
	return nil
}

// isNotFound reports whether err is any of the S3 "object absent" shapes.
func isNotFound(err error) bool {
	var noKey *types.NoSuchKey
	var noBucket *types.NoSuchBucket
	if errors.As(err, &noKey) || errors.As(err, &noBucket) {
		return true
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NotFound", "NoSuchKey", "404":
			return true
		}
	}
	return false
}

// -----------------------------------------------------------------------------
// Mock client
// -----------------------------------------------------------------------------

// MockS3Client is an in-memory API for tests.
type MockS3Client struct {
	mu      sync.RWMutex
	objects map[string][]byte

	// PutObjectCalls counts uploads for test assertions.
	PutObjectCalls int
}

// NewMockS3Client creates an empty mock client.
func NewMockS3Client() *MockS3Client {
	return &MockS3Client{objects: make(map[string][]byte)}
}

func (m *MockS3Client) PutObject(_ context.Context, params *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	data, err := io.ReadAll(params.Body)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	m.PutObjectCalls++
	m.objects[aws.ToString(params.Key)] = data
	m.mu.Unlock()
	return &s3.PutObjectOutput{}, nil
}

func (m *MockS3Client) GetObject(_ context.Context, params *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	m.mu.RLock()
	data, found := m.objects[aws.ToString(params.Key)]
	m.mu.RUnlock()
	if !found {
		return nil, &types.NoSuchKey{}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(data))}, nil
}

func (m *MockS3Client) HeadObject(_ context.Context, params *s3.HeadObjectInput, _ ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	m.mu.RLock()
	_, found := m.objects[aws.ToString(params.Key)]
	m.mu.RUnlock()
	if !found {
		return nil, &types.NoSuchKey{}
	}
	return &s3.HeadObjectOutput{}, nil
}

func (m *MockS3Client) DeleteObject(_ context.Context, params *s3.DeleteObjectInput, _ ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	m.mu.Lock()
	delete(m.objects, aws.ToString(params.Key))
	m.mu.Unlock()
	return &s3.DeleteObjectOutput{}, nil
}

func (m *MockS3Client) ListObjectsV2(_ context.Context, params *s3.ListObjectsV2Input, _ ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	prefix := aws.ToString(params.Prefix)
	m.mu.RLock()
	defer m.mu.RUnlock()

	var contents []types.Object
	for key := range m.objects {
		if strings.HasPrefix(key, prefix) {
			contents = append(contents, types.Object{Key: aws.String(key)})
		}
	}
	return &s3.ListObjectsV2Output{
		Contents:    contents,
		IsTruncated: aws.Bool(false),
	}, nil
}
