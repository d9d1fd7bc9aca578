package assets

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/minio/minio-go/v7"
	"github.com/rs/zerolog"
)

type fakeBucket struct {
	mu        sync.Mutex
	objects   map[string]bool
	exists    bool
	made      bool
	removeErr error
}

func (f *fakeBucket) BucketExists(context.Context, string) (bool, error) {
	return f.exists, nil
}

func (f *fakeBucket) MakeBucket(context.Context, string, minio.MakeBucketOptions) error {
	f.made = true
	f.exists = true
	return nil
}

func (f *fakeBucket) ListObjects(_ context.Context, _ string, opts minio.ListObjectsOptions) <-chan minio.ObjectInfo {
	f.mu.Lock()
	var keys []string
	for key := range f.objects {
		if strings.HasPrefix(key, opts.Prefix) {
			keys = append(keys, key)
		}
	}
	f.mu.Unlock()
	sort.Strings(keys)

	ch := make(chan minio.ObjectInfo, len(keys))
	for _, key := range keys {
		ch <- minio.ObjectInfo{Key: key}
	}
	close(ch)
	return ch
}

func (f *fakeBucket) RemoveObject(_ context.Context, _ string, key string, _ minio.RemoveObjectOptions) error {
	if f.removeErr != nil {
		return f.removeErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.objects, key)
	return nil
}

func newFake(keys ...string) *fakeBucket {
	f := &fakeBucket{objects: map[string]bool{}}
	for _, key := range keys {
		f.objects[key] = true
	}
	return f
}

func TestDeletePageRemovesOnlyItsPrefix(t *testing.T) {
	bucket := newFake("pages/pg_1/a.png", "pages/pg_1/nested/b.pdf", "pages/pg_10/c.png", "pages/pg_2/d.png")
	s := newMinioStore(bucket, "workspace", zerolog.Nop())

	if err := s.DeletePage(context.Background(), "pg_1"); err != nil {
		t.Fatalf("delete page: %v", err)
	}
	if len(bucket.objects) != 2 || !bucket.objects["pages/pg_10/c.png"] || !bucket.objects["pages/pg_2/d.png"] {
		t.Fatalf("unexpected remaining objects: %v", bucket.objects)
	}
}

func TestDeletePageRejectsEmptyID(t *testing.T) {
	bucket := newFake("pages/pg_1/a.png")
	s := newMinioStore(bucket, "workspace", zerolog.Nop())
	if err := s.DeletePage(context.Background(), " "); err == nil {
		t.Fatal("expected error for empty page id")
	}
	if len(bucket.objects) != 1 {
		t.Fatalf("objects must be untouched, got %v", bucket.objects)
	}
}

func TestDeletePrefixReportsRemoveFailure(t *testing.T) {
	bucket := newFake("pages/pg_1/a.png")
	bucket.removeErr = errors.New("access denied")
	s := newMinioStore(bucket, "workspace", zerolog.Nop())

	n, err := s.DeletePrefix(context.Background(), PagePrefix("pg_1"))
	if err == nil || n != 0 {
		t.Fatalf("expected failure with nothing removed, got n=%d err=%v", n, err)
	}
}

func TestEnsureBucket(t *testing.T) {
	bucket := newFake()
	s := newMinioStore(bucket, "workspace", zerolog.Nop())
	if err := s.EnsureBucket(context.Background()); err != nil {
		t.Fatalf("ensure bucket: %v", err)
	}
	if !bucket.made {
		t.Fatal("expected bucket to be created")
	}
	bucket.made = false
	if err := s.EnsureBucket(context.Background()); err != nil {
		t.Fatalf("ensure bucket again: %v", err)
	}
	if bucket.made {
		t.Fatal("existing bucket must not be recreated")
	}
}

func TestNewMinioStoreValidatesConfig(t *testing.T) {
	if _, err := NewMinioStore(Config{Bucket: "workspace"}, zerolog.Nop()); err == nil {
		t.Fatal("expected error without endpoint")
	}
}
