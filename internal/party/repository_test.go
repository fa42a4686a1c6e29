package party

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"partywatch/internal/observability/metrics"
	"partywatch/internal/store"
)

func testRepository(t *testing.T) (*Repository, store.Store) {
	t.Helper()
	st := store.NewMemory(16)
	t.Cleanup(func() { _ = st.Close() })
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewRepository(st, Rules{}, logger, metrics.New()), st
}

func savedParty(t *testing.T, repo *Repository) *Party {
	t.Helper()
	p, err := New(Rules{})
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	if !p.UpdateStatus(baseUpdate("https://www.dropout.tv/videos/episode-1"), true) {
		t.Fatal("initial update failed")
	}
	if err := repo.Save(context.Background(), p); err != nil {
		t.Fatalf("Save returned error: %v", err)
	}
	return p
}

func TestRepositoryRoundTrip(t *testing.T) {
	repo, _ := testRepository(t)
	p := savedParty(t, repo)

	loaded, err := repo.Get(context.Background(), p.ID)
	if err != nil {
		t.Fatalf("Get returned error: %v", err)
	}
	if loaded.ID != p.ID || loaded.Secret != p.Secret || loaded.URL != p.URL {
		t.Fatalf("loaded party differs: %+v", loaded)
	}
}

func TestRepositoryNotFound(t *testing.T) {
	repo, _ := testRepository(t)
	_, err := repo.Get(context.Background(), "ffffffffffffffff")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get = %v, want ErrNotFound", err)
	}
}

func TestRepositoryCorruptRecord(t *testing.T) {
	repo, st := testRepository(t)
	if err := st.Set(context.Background(), "watchparty:deadbeefdeadbeef", "{not json", time.Minute); err != nil {
		t.Fatalf("Set returned error: %v", err)
	}
	_, err := repo.Get(context.Background(), "deadbeefdeadbeef")
	if err == nil || errors.Is(err, ErrNotFound) {
		t.Fatalf("Get = %v, want decode error", err)
	}
}

func TestRepositorySavePublishesStatus(t *testing.T) {
	repo, _ := testRepository(t)
	p := savedParty(t, repo)

	sub, err := repo.SubscribeParty(context.Background(), p.ID)
	if err != nil {
		t.Fatalf("SubscribeParty returned error: %v", err)
	}
	t.Cleanup(sub.Close)

	update := baseUpdate("https://www.dropout.tv/videos/episode-2")
	update.Secret = strPtr(p.Secret)
	if !p.UpdateStatus(update, false) {
		t.Fatal("update failed")
	}
	if err := repo.Save(context.Background(), p); err != nil {
		t.Fatalf("Save returned error: %v", err)
	}

	select {
	case payload := <-sub.Messages():
		ev, err := DecodeEvent([]byte(payload))
		if err != nil {
			t.Fatalf("DecodeEvent returned error: %v", err)
		}
		if ev.Type != EventTypeStatus {
			t.Fatalf("event type = %q, want status", ev.Type)
		}
		rec, err := ev.Status()
		if err != nil {
			t.Fatalf("Status returned error: %v", err)
		}
		if rec.URL != "https://www.dropout.tv/videos/episode-2" {
			t.Fatalf("status URL = %q", rec.URL)
		}
	case <-time.After(time.Second):
		t.Fatal("no status event published on save")
	}
}

func TestRepositoryPublishStats(t *testing.T) {
	repo, _ := testRepository(t)
	p := savedParty(t, repo)

	sub, err := repo.SubscribeParty(context.Background(), p.ID)
	if err != nil {
		t.Fatalf("SubscribeParty returned error: %v", err)
	}
	t.Cleanup(sub.Close)

	report := NewStats("inst-a", 3)
	if err := repo.PublishStats(context.Background(), p.ID, report); err != nil {
		t.Fatalf("PublishStats returned error: %v", err)
	}

	select {
	case payload := <-sub.Messages():
		ev, err := DecodeEvent([]byte(payload))
		if err != nil {
			t.Fatalf("DecodeEvent returned error: %v", err)
		}
		if ev.Type != EventTypeStats {
			t.Fatalf("event type = %q, want stats", ev.Type)
		}
		got, err := ev.Stats()
		if err != nil {
			t.Fatalf("Stats returned error: %v", err)
		}
		if got.InstanceID != "inst-a" || got.Viewers != 3 {
			t.Fatalf("unexpected report: %+v", got)
		}
	case <-time.After(time.Second):
		t.Fatal("no stats event published")
	}
}
