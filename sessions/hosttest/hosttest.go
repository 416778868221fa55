// Package hosttest provides a reusable conformance suite for sessions.Host
// implementations. Host packages run it from their own tests so that every
// backend honors the same contract.
package hosttest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/manlab/nodescope-go/sessions"
	"github.com/manlab/nodescope-go/wire"
)

// HostFactory creates a fresh Host for one test. Cleanup should be
// registered on t.
type HostFactory func(t *testing.T) sessions.Host

// RunHostTests runs the complete Host conformance suite against the provided
// factory.
func RunHostTests(t *testing.T, factory HostFactory) {
	t.Run("PutGetRoundTrip", func(t *testing.T) { testPutGetRoundTrip(t, factory) })
	t.Run("GetMissing", func(t *testing.T) { testGetMissing(t, factory) })
	t.Run("PutReplaces", func(t *testing.T) { testPutReplaces(t, factory) })
	t.Run("DeleteRemoves", func(t *testing.T) { testDeleteRemoves(t, factory) })
	t.Run("DeleteAbsent", func(t *testing.T) { testDeleteAbsent(t, factory) })
	t.Run("TTLLapse", func(t *testing.T) { testTTLLapse(t, factory) })
	t.Run("DistinctIDsIsolated", func(t *testing.T) { testDistinctIDsIsolated(t, factory) })
}

func testRecord(id string) sessions.Record {
	now := time.Now().UTC().Truncate(time.Millisecond)
	return sessions.Record{
		Version:         sessions.RecordVersion,
		SessionID:       id,
		Subject:         "node-7",
		Kind:            wire.KindFiles,
		PolicyID:        "default",
		RootPath:        "/data",
		MaxBytesPerRead: 65536,
		CreatedAt:       now,
		ExpiresAt:       now.Add(5 * time.Minute),
	}
}

func testPutGetRoundTrip(t *testing.T, factory HostFactory) {
	h := factory(t)
	ctx := context.Background()

	want := testRecord("sess-1")
	if err := h.Put(ctx, want, time.Minute); err != nil {
		t.Fatalf("Put: %v", err)
	}
	got, err := h.Get(ctx, "sess-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.SessionID != want.SessionID || got.Subject != want.Subject || got.Kind != want.Kind {
		t.Fatalf("round trip mismatch: got %+v want %+v", got, want)
	}
	if got.RootPath != want.RootPath || got.MaxBytesPerRead != want.MaxBytesPerRead {
		t.Fatalf("round trip mismatch: got %+v want %+v", got, want)
	}
	if !got.ExpiresAt.Equal(want.ExpiresAt) {
		t.Fatalf("ExpiresAt mismatch: got %v want %v", got.ExpiresAt, want.ExpiresAt)
	}
}

func testGetMissing(t *testing.T, factory HostFactory) {
	h := factory(t)

	_, err := h.Get(context.Background(), "never-created")
	if !errors.Is(err, sessions.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func testPutReplaces(t *testing.T, factory HostFactory) {
	h := factory(t)
	ctx := context.Background()

	first := testRecord("sess-1")
	first.RootPath = "/data/old"
	if err := h.Put(ctx, first, time.Minute); err != nil {
		t.Fatalf("Put: %v", err)
	}
	second := testRecord("sess-1")
	second.RootPath = "/data/new"
	if err := h.Put(ctx, second, time.Minute); err != nil {
		t.Fatalf("Put: %v", err)
	}

	got, err := h.Get(ctx, "sess-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.RootPath != "/data/new" {
		t.Fatalf("expected replaced record, got root %q", got.RootPath)
	}
}

func testDeleteRemoves(t *testing.T, factory HostFactory) {
	h := factory(t)
	ctx := context.Background()

	if err := h.Put(ctx, testRecord("sess-1"), time.Minute); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := h.Delete(ctx, "sess-1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := h.Get(ctx, "sess-1"); !errors.Is(err, sessions.ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
}

func testDeleteAbsent(t *testing.T, factory HostFactory) {
	h := factory(t)

	if err := h.Delete(context.Background(), "never-created"); err != nil {
		t.Fatalf("Delete of absent record: %v", err)
	}
}

func testTTLLapse(t *testing.T, factory HostFactory) {
	h := factory(t)
	ctx := context.Background()

	if err := h.Put(ctx, testRecord("sess-1"), 50*time.Millisecond); err != nil {
		t.Fatalf("Put: %v", err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for {
		_, err := h.Get(ctx, "sess-1")
		if errors.Is(err, sessions.ErrNotFound) {
			return
		}
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if time.Now().After(deadline) {
			t.Fatal("record still live well past its TTL")
		}
		time.Sleep(25 * time.Millisecond)
	}
}

func testDistinctIDsIsolated(t *testing.T, factory HostFactory) {
	h := factory(t)
	ctx := context.Background()

	a := testRecord("sess-a")
	a.Subject = "node-a"
	b := testRecord("sess-b")
	b.Subject = "node-b"
	if err := h.Put(ctx, a, time.Minute); err != nil {
		t.Fatalf("Put a: %v", err)
	}
	if err := h.Put(ctx, b, time.Minute); err != nil {
		t.Fatalf("Put b: %v", err)
	}
	if err := h.Delete(ctx, "sess-a"); err != nil {
		t.Fatalf("Delete a: %v", err)
	}

	got, err := h.Get(ctx, "sess-b")
	if err != nil {
		t.Fatalf("Get b: %v", err)
	}
	if got.Subject != "node-b" {
		t.Fatalf("expected node-b, got %q", got.Subject)
	}
}
