package eventstore

import (
	"context"
	"database/sql"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/loqalabs/loqa-speech/internal/config"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func openStore(t *testing.T, cfg config.EventStoreConfig) *Store {
	t.Helper()
	cfg.Path = filepath.Join(t.TempDir(), "speech.db")
	es, err := Open(context.Background(), cfg, newLogger())
	if err != nil {
		t.Fatalf("open event store: %v", err)
	}
	t.Cleanup(func() { _ = es.Close() })
	return es
}

func TestOpenEphemeral(t *testing.T) {
	ctx := context.Background()
	es, err := Open(ctx, config.EventStoreConfig{RetentionMode: "ephemeral"}, newLogger())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	t.Cleanup(func() { _ = es.Close() })
	if es.Enabled() {
		t.Fatal("ephemeral store must not persist")
	}
	if err := es.AppendEvent(ctx, Event{SpeechID: "s", Type: "accepted"}); err != nil {
		t.Fatalf("append on ephemeral store: %v", err)
	}
	if _, err := es.GetSpeech(ctx, "s"); !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("expected no rows, got %v", err)
	}
}

func TestAppendAndQuery(t *testing.T) {
	es := openStore(t, config.EventStoreConfig{RetentionMode: "session"})
	ctx := context.Background()

	if err := es.AppendSpeech(ctx, Speech{ID: "speech-1", SessionID: "session-1", Voice: "alba", Mode: "stream"}); err != nil {
		t.Fatalf("append speech: %v", err)
	}
	for _, typ := range []string{"accepted", "synthesized", "played"} {
		if err := es.AppendEvent(ctx, Event{SpeechID: "speech-1", Type: typ, Payload: []byte(typ)}); err != nil {
			t.Fatalf("append event: %v", err)
		}
	}
	events, err := es.ListSpeechEvents(ctx, "speech-1", 10)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 3 || events[0].Type != "accepted" || events[2].Type != "played" {
		t.Fatalf("unexpected events %+v", events)
	}
	if string(events[1].Payload) != "synthesized" {
		t.Fatalf("unexpected payload: %s", events[1].Payload)
	}
	if events[0].CreatedAt.IsZero() {
		t.Fatal("expected timestamps to round trip")
	}

	sp, err := es.GetSpeech(ctx, "speech-1")
	if err != nil {
		t.Fatalf("get speech: %v", err)
	}
	if sp.SessionID != "session-1" || sp.Voice != "alba" || sp.Mode != "stream" {
		t.Fatalf("unexpected speech %+v", sp)
	}
}

func TestPruneByDaysAndCount(t *testing.T) {
	es := openStore(t, config.EventStoreConfig{RetentionMode: "persistent", RetentionDays: 1, MaxSpeeches: 1})
	ctx := context.Background()

	es.clock = func() time.Time { return time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC) }
	if err := es.AppendSpeech(ctx, Speech{ID: "old"}); err != nil {
		t.Fatalf("append speech: %v", err)
	}
	if err := es.AppendEvent(ctx, Event{SpeechID: "old", Type: "accepted"}); err != nil {
		t.Fatalf("append event: %v", err)
	}

	es.clock = func() time.Time { return time.Date(2025, 1, 3, 0, 0, 0, 0, time.UTC) }
	for _, id := range []string{"newer", "newest"} {
		if err := es.AppendSpeech(ctx, Speech{ID: id}); err != nil {
			t.Fatalf("append speech: %v", err)
		}
		es.clock = func() time.Time { return time.Date(2025, 1, 3, 0, 0, 1, 0, time.UTC) }
	}
	if err := es.Prune(ctx); err != nil {
		t.Fatalf("prune: %v", err)
	}

	events, err := es.ListSpeechEvents(ctx, "old", 10)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 0 {
		t.Fatalf("expected old speech pruned")
	}
	if _, err := es.GetSpeech(ctx, "newer"); !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("expected newer speech trimmed by count, got %v", err)
	}
	if _, err := es.GetSpeech(ctx, "newest"); err != nil {
		t.Fatalf("expected newest speech kept: %v", err)
	}
}
