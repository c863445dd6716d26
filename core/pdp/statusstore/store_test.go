package statusstore

import (
	"context"
	"errors"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"

	"github.com/cordum/pdpsync/core/pdp/configuration"
	"github.com/cordum/pdpsync/core/pdp/voter"
)

func newStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	srv, err := miniredis.Run()
	if err != nil {
		t.Skipf("miniredis unavailable: %v", err)
	}
	t.Cleanup(srv.Close)
	store, err := New(context.Background(), "redis://"+srv.Addr(), "instance-1")
	if err != nil {
		t.Fatalf("store init: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	fixed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return fixed }
	return store, srv
}

func TestListenerPersistsAndRemoves(t *testing.T) {
	store, srv := newStore(t)
	ctx := context.Background()
	loadedAt := time.Date(2026, 3, 1, 11, 59, 0, 0, time.UTC)

	store.OnStatus(voter.Status{
		PdpID:              "production",
		State:              voter.StateLoaded,
		ConfigurationID:    "cfg-1",
		CombiningAlgorithm: "PRIORITY_DENY or ABSTAIN errors PROPAGATE",
		DocumentCount:      2,
		LastSuccessfulLoad: loadedAt,
	})
	if !srv.Exists(StatusKey) {
		t.Fatalf("expected hash %s", StatusKey)
	}

	rec, err := store.Get(ctx, "production")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if rec.Status.State != voter.StateLoaded || rec.Status.ConfigurationID != "cfg-1" || rec.Status.DocumentCount != 2 {
		t.Fatalf("unexpected record: %#v", rec)
	}
	if !rec.Status.LastSuccessfulLoad.Equal(loadedAt) {
		t.Fatalf("expected load time to round trip, got %v", rec.Status.LastSuccessfulLoad)
	}
	if rec.InstanceID != "instance-1" || !rec.UpdatedAt.Equal(store.now()) {
		t.Fatalf("unexpected metadata: %#v", rec)
	}

	store.OnRemoved("production")
	if _, err := store.Get(ctx, "production"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestAllSortedAndSkipsGarbage(t *testing.T) {
	store, srv := newStore(t)
	ctx := context.Background()

	for _, id := range []string{"tenant-b", "tenant-a"} {
		if err := store.Put(ctx, voter.Status{PdpID: id, State: voter.StateError, LastError: "boom"}); err != nil {
			t.Fatalf("put %s: %v", id, err)
		}
	}
	srv.HSet(StatusKey, "broken", "{not json")

	recs, err := store.All(ctx)
	if err != nil {
		t.Fatalf("all: %v", err)
	}
	if len(recs) != 2 || recs[0].Status.PdpID != "tenant-a" || recs[1].Status.PdpID != "tenant-b" {
		t.Fatalf("unexpected records: %#v", recs)
	}
	if recs[0].Status.LastError != "boom" {
		t.Fatalf("expected error message preserved")
	}
}

func TestPutRequiresPdpID(t *testing.T) {
	store, _ := newStore(t)
	if err := store.Put(context.Background(), voter.Status{}); err == nil {
		t.Fatalf("expected error for missing pdp id")
	}
}

func TestSourceDrivesStore(t *testing.T) {
	store, _ := newStore(t)
	ctx := context.Background()
	src := voter.NewSource(nil, store)

	good := configuration.New("edge", "v1", configuration.DenyOverrides,
		map[string]string{"a.sapl": `policy "allow-reads" permit`}, nil)
	src.LoadConfiguration(ctx, good, true)
	bad := configuration.New("edge", "v2", configuration.DenyOverrides,
		map[string]string{"broken.sapl": "not a policy"}, nil)
	src.LoadConfiguration(ctx, bad, true)

	rec, err := store.Get(ctx, "edge")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if rec.Status.State != voter.StateStale || rec.Status.ConfigurationID != "v1" || rec.Status.LastError == "" {
		t.Fatalf("expected STALE record keeping v1, got %#v", rec.Status)
	}

	if !src.RemoveConfigurationForPdp("edge") {
		t.Fatalf("expected removal")
	}
	if _, err := store.Get(ctx, "edge"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected record removed, got %v", err)
	}
}
