package s3

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sort"
	"testing"

	"github.com/justapithecus/strata/strata"
)

func newTestStore(t *testing.T, cfg Config) (*Store, *MockS3Client) {
	t.Helper()
	client := NewMockS3Client()
	if cfg.Bucket == "" {
		cfg.Bucket = "test-bucket"
	}
	store, err := New(client, cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return store, client
}

func TestNew_Validation(t *testing.T) {
	if _, err := New(nil, Config{Bucket: "b"}); err == nil {
		t.Error("expected error for nil client")
	}
	if _, err := New(NewMockS3Client(), Config{}); err == nil {
		t.Error("expected error for empty bucket")
	}
}

func TestStore_PutGet(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(t, Config{})

	if err := store.Put(ctx, "datasets/grid/data", bytes.NewReader([]byte("payload"))); err != nil {
		t.Fatalf("Put: %v", err)
	}

	rc, err := store.Get(ctx, "datasets/grid/data")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	defer rc.Close()
	got, _ := io.ReadAll(rc)
	if string(got) != "payload" {
		t.Errorf("got %q, want %q", got, "payload")
	}
}

func TestStore_PutOverwrites(t *testing.T) {
	ctx := context.Background()
	store, client := newTestStore(t, Config{})

	if err := store.Put(ctx, "obj", bytes.NewReader([]byte("v1"))); err != nil {
		t.Fatalf("Put v1: %v", err)
	}
	if err := store.Put(ctx, "obj", bytes.NewReader([]byte("v2"))); err != nil {
		t.Fatalf("Put v2: %v", err)
	}
	if client.PutObjectCalls != 2 {
		t.Errorf("PutObjectCalls = %d, want 2", client.PutObjectCalls)
	}

	rc, err := store.Get(ctx, "obj")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	defer rc.Close()
	got, _ := io.ReadAll(rc)
	if string(got) != "v2" {
		t.Errorf("got %q, want %q", got, "v2")
	}
}

func TestStore_GetMissing(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(t, Config{})

	_, err := store.Get(ctx, "no/such/key")
	if !errors.Is(err, strata.ErrNotFound) {
		t.Errorf("got %v, want ErrNotFound", err)
	}
}

func TestStore_Exists(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(t, Config{})

	if err := store.Put(ctx, "present", bytes.NewReader([]byte("x"))); err != nil {
		t.Fatalf("Put: %v", err)
	}

	ok, err := store.Exists(ctx, "present")
	if err != nil || !ok {
		t.Errorf("Exists(present) = %v, %v; want true, nil", ok, err)
	}
	ok, err = store.Exists(ctx, "absent")
	if err != nil || ok {
		t.Errorf("Exists(absent) = %v, %v; want false, nil", ok, err)
	}
}

func TestStore_List(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(t, Config{})

	for _, key := range []string{"types/a.json", "types/b.json", "datasets/d/meta.json"} {
		if err := store.Put(ctx, key, bytes.NewReader([]byte("x"))); err != nil {
			t.Fatalf("Put %s: %v", key, err)
		}
	}

	keys, err := store.List(ctx, "types/")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	sort.Strings(keys)
	want := []string{"types/a.json", "types/b.json"}
	if len(keys) != len(want) {
		t.Fatalf("got %v, want %v", keys, want)
	}
	for i := range want {
		if keys[i] != want[i] {
			t.Errorf("keys[%d] = %q, want %q", i, keys[i], want[i])
		}
	}
}

func TestStore_Delete(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(t, Config{})

	if err := store.Put(ctx, "doomed", bytes.NewReader([]byte("x"))); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := store.Delete(ctx, "doomed"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := store.Get(ctx, "doomed"); !errors.Is(err, strata.ErrNotFound) {
		t.Errorf("got %v, want ErrNotFound", err)
	}
	// Deleting a missing key is not an error.
	if err := store.Delete(ctx, "doomed"); err != nil {
		t.Errorf("second Delete: %v", err)
	}
}

func TestStore_PrefixIsolation(t *testing.T) {
	ctx := context.Background()
	client := NewMockS3Client()

	a, err := New(client, Config{Bucket: "b", Prefix: "tenant-a"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	b, err := New(client, Config{Bucket: "b", Prefix: "tenant-b"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if err := a.Put(ctx, "obj", bytes.NewReader([]byte("a-data"))); err != nil {
		t.Fatalf("Put: %v", err)
	}

	if _, err := b.Get(ctx, "obj"); !errors.Is(err, strata.ErrNotFound) {
		t.Errorf("tenant-b sees tenant-a's object: %v", err)
	}

	keys, err := a.List(ctx, "")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(keys) != 1 || keys[0] != "obj" {
		t.Errorf("got %v, want [obj] (relative to prefix)", keys)
	}
}

func TestStore_InvalidKeys(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(t, Config{})

	bad := []string{"", ".", "..", "../escape", "a/../../escape"}
	for _, key := range bad {
		if err := store.Put(ctx, key, bytes.NewReader([]byte("x"))); !errors.Is(err, strata.ErrInvalidPath) {
			t.Errorf("Put(%q) = %v, want ErrInvalidPath", key, err)
		}
		if _, err := store.Get(ctx, key); !errors.Is(err, strata.ErrInvalidPath) {
			t.Errorf("Get(%q) = %v, want ErrInvalidPath", key, err)
		}
	}

	if _, err := store.List(ctx, "../escape"); !errors.Is(err, strata.ErrInvalidPath) {
		t.Errorf("List(../escape) = %v, want ErrInvalidPath", err)
	}
}

func TestStore_ImplementsObjectStore(t *testing.T) {
	var _ strata.ObjectStore = (*Store)(nil)
}
