package sandbox

import (
	"bytes"
	"context"
	"path/filepath"
	"strings"
	"testing"
)

func TestBundleCacheRoundTrip(t *testing.T) {
	cache, err := NewBundleCacheMemory()
	if err != nil {
		t.Fatalf("NewBundleCacheMemory: %v", err)
	}
	defer cache.Close()

	ctx := context.Background()
	data := []byte(strings.Repeat("module.exports = 42;\n", 200))

	if err := cache.Put(ctx, "sha256:abc123", data); err != nil {
		t.Fatalf("Put: %v", err)
	}
	got, ok, err := cache.Get(ctx, "sha256:abc123")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !ok {
		t.Fatal("stored bundle reported as a miss")
	}
	if !bytes.Equal(got, data) {
		t.Fatal("bundle content changed through the cache")
	}
}

func TestBundleCacheMiss(t *testing.T) {
	cache, err := NewBundleCacheMemory()
	if err != nil {
		t.Fatalf("NewBundleCacheMemory: %v", err)
	}
	defer cache.Close()

	_, ok, err := cache.Get(context.Background(), "sha256:missing")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if ok {
		t.Fatal("missing bundle reported as a hit")
	}
}

func TestBundleCacheReplace(t *testing.T) {
	cache, err := NewBundleCacheMemory()
	if err != nil {
		t.Fatalf("NewBundleCacheMemory: %v", err)
	}
	defer cache.Close()

	ctx := context.Background()
	if err := cache.Put(ctx, "addr", []byte("v1")); err != nil {
		t.Fatalf("Put v1: %v", err)
	}
	if err := cache.Put(ctx, "addr", []byte("v2")); err != nil {
		t.Fatalf("Put v2: %v", err)
	}
	got, ok, err := cache.Get(ctx, "addr")
	if err != nil || !ok {
		t.Fatalf("Get: ok=%v err=%v", ok, err)
	}
	if string(got) != "v2" {
		t.Fatalf("got %q, want replacement v2", got)
	}
}

func TestBundleCacheEvict(t *testing.T) {
	cache, err := NewBundleCacheMemory()
	if err != nil {
		t.Fatalf("NewBundleCacheMemory: %v", err)
	}
	defer cache.Close()

	ctx := context.Background()
	if err := cache.Put(ctx, "addr", []byte("data")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := cache.Evict(ctx, "addr"); err != nil {
		t.Fatalf("Evict: %v", err)
	}
	if _, ok, _ := cache.Get(ctx, "addr"); ok {
		t.Fatal("evicted bundle reported as a hit")
	}
}

func TestBundleCacheOnDisk(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bundles", "cache.sqlite3")
	cache, err := OpenBundleCache(path)
	if err != nil {
		t.Fatalf("OpenBundleCache: %v", err)
	}
	defer cache.Close()

	ctx := context.Background()
	if err := cache.Put(ctx, "addr", []byte("persisted")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	got, ok, err := cache.Get(ctx, "addr")
	if err != nil || !ok {
		t.Fatalf("Get: ok=%v err=%v", ok, err)
	}
	if string(got) != "persisted" {
		t.Fatalf("got %q, want persisted", got)
	}
}

func TestValidateAddress(t *testing.T) {
	if err := ValidateAddress(""); err == nil {
		t.Fatal("empty address must be rejected")
	}
	if err := ValidateAddress(strings.Repeat("a", 200)); err == nil {
		t.Fatal("oversized address must be rejected")
	}
	if err := ValidateAddress("addr\x00"); err == nil {
		t.Fatal("null byte must be rejected")
	}
	if err := ValidateAddress("sha256:abc123"); err != nil {
		t.Fatalf("valid address rejected: %v", err)
	}
}
