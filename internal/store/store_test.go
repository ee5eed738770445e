package store

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"github.com/modelmux/modelmux/internal/backend"
)

// stores returns every Store implementation under test by name.
func stores(t *testing.T) map[string]Store {
	t.Helper()
	mr := miniredis.RunT(t)
	rs, err := NewRedis(mr.Addr())
	if err != nil {
		t.Fatalf("redis store: %v", err)
	}
	return map[string]Store{
		"memory": NewMemory(),
		"redis":  rs,
	}
}

func TestConfigRoundTrip(t *testing.T) {
	for name, st := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			if _, err := st.LoadConfig(ctx); !errors.Is(err, ErrNoConfig) {
				t.Fatalf("expected ErrNoConfig, got %v", err)
			}
			doc := []byte("version: 1\n")
			if err := st.SaveConfig(ctx, doc); err != nil {
				t.Fatalf("save: %v", err)
			}
			got, err := st.LoadConfig(ctx)
			if err != nil {
				t.Fatalf("load: %v", err)
			}
			if string(got) != string(doc) {
				t.Fatalf("got %q, want %q", got, doc)
			}
		})
	}
}

func TestSwitchEventsNewestFirst(t *testing.T) {
	for name, st := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			base := time.Now().UTC().Truncate(time.Second)
			for i := 0; i < 5; i++ {
				role := "primary:chat"
				if i%2 == 1 {
					role = "primary:analysis"
				}
				ev := backend.SwitchEvent{
					Role:     role,
					Previous: backend.ID(fmt.Sprintf("p%d", i)),
					New:      backend.ID(fmt.Sprintf("n%d", i)),
					Reason:   backend.ReasonPerformance,
					At:       base.Add(time.Duration(i) * time.Second),
				}
				if err := st.SaveSwitchEvent(ctx, ev); err != nil {
					t.Fatalf("save %d: %v", i, err)
				}
			}

			all, err := st.SwitchEvents(ctx, "", 10)
			if err != nil {
				t.Fatalf("events: %v", err)
			}
			if len(all) != 5 {
				t.Fatalf("events = %d, want 5", len(all))
			}
			if all[0].New != "n4" || all[4].New != "n0" {
				t.Fatalf("not newest first: %s ... %s", all[0].New, all[4].New)
			}

			chat, err := st.SwitchEvents(ctx, "primary:chat", 10)
			if err != nil {
				t.Fatalf("filtered: %v", err)
			}
			if len(chat) != 3 {
				t.Fatalf("chat events = %d, want 3", len(chat))
			}
			for _, ev := range chat {
				if ev.Role != "primary:chat" {
					t.Fatalf("wrong role %s", ev.Role)
				}
			}

			limited, _ := st.SwitchEvents(ctx, "", 2)
			if len(limited) != 2 {
				t.Fatalf("limited = %d, want 2", len(limited))
			}
		})
	}
}

func TestOfflineCacheRoundTrip(t *testing.T) {
	for name, st := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			if _, ok, err := st.LoadOfflineCache(ctx, "missing"); err != nil || ok {
				t.Fatalf("missing key: ok=%v err=%v", ok, err)
			}
			resp := backend.Response{Answer: "cached", Confidence: 0.8, Backend: "b1"}
			if err := st.StoreOfflineCache(ctx, "k", resp); err != nil {
				t.Fatalf("store: %v", err)
			}
			c, ok, err := st.LoadOfflineCache(ctx, "k")
			if err != nil || !ok {
				t.Fatalf("load: ok=%v err=%v", ok, err)
			}
			if c.Response.Answer != "cached" || c.Response.Backend != "b1" {
				t.Fatalf("got %+v", c.Response)
			}
			if c.StoredAt.IsZero() {
				t.Fatalf("StoredAt not set")
			}
		})
	}
}

func TestOfflineStatusRoundTrip(t *testing.T) {
	for name, st := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			if _, ok, err := st.LoadOfflineStatus(ctx, "b1"); err != nil || ok {
				t.Fatalf("missing status: ok=%v err=%v", ok, err)
			}
			want := backend.OfflineStatus{
				Backend:           "b1",
				CacheAvailable:    true,
				CacheSizeBytes:    12345,
				LastSync:          time.Now().UTC().Truncate(time.Second),
				OfflineCapability: 0.75,
			}
			if err := st.SaveOfflineStatus(ctx, want); err != nil {
				t.Fatalf("save: %v", err)
			}
			got, ok, err := st.LoadOfflineStatus(ctx, "b1")
			if err != nil || !ok {
				t.Fatalf("load: ok=%v err=%v", ok, err)
			}
			if got.CacheSizeBytes != want.CacheSizeBytes {
				t.Fatalf("cache size = %d, want %d", got.CacheSizeBytes, want.CacheSizeBytes)
			}
			if got.OfflineCapability != want.OfflineCapability {
				t.Fatalf("capability = %v, want %v", got.OfflineCapability, want.OfflineCapability)
			}
			if !got.LastSync.Equal(want.LastSync) {
				t.Fatalf("last sync = %v, want %v", got.LastSync, want.LastSync)
			}
			if !got.CacheAvailable {
				t.Fatalf("cache available lost")
			}
		})
	}
}

func TestMemoryEventLogBounded(t *testing.T) {
	st := NewMemory()
	ctx := context.Background()
	for i := 0; i < maxEvents+10; i++ {
		_ = st.SaveSwitchEvent(ctx, backend.SwitchEvent{Role: "r", New: backend.ID(fmt.Sprintf("n%d", i))})
	}
	evs, _ := st.SwitchEvents(ctx, "", 0)
	if len(evs) != maxEvents {
		t.Fatalf("events = %d, want %d", len(evs), maxEvents)
	}
	if evs[0].New != backend.ID(fmt.Sprintf("n%d", maxEvents+9)) {
		t.Fatalf("newest = %s", evs[0].New)
	}
}
