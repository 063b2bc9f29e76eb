package eventstore

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/loqalabs/loqa-stt/internal/config"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestOpenEphemeral(t *testing.T) {
	ctx := context.Background()
	cfg := config.EventStoreConfig{RetentionMode: "ephemeral"}
	es, err := Open(ctx, cfg, newLogger())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	t.Cleanup(func() { _ = es.Close() })
	if err := es.Ensure(); err != nil {
		t.Fatalf("ensure failed: %v", err)
	}
	if err := es.AppendUtterance(ctx, Utterance{SessionID: "s", Text: "ignored"}); err != nil {
		t.Fatalf("append on ephemeral store: %v", err)
	}
}

func TestAppendAndQuery(t *testing.T) {
	ctx := context.Background()
	tmp := t.TempDir()
	cfg := config.EventStoreConfig{Path: filepath.Join(tmp, "transcripts.db"), RetentionMode: "session"}
	es, err := Open(ctx, cfg, newLogger())
	if err != nil {
		t.Fatalf("open event store: %v", err)
	}
	t.Cleanup(func() { _ = es.Close() })

	sessionID := "session-123"
	if err := es.AppendSession(ctx, sessionID, "default", 16000); err != nil {
		t.Fatalf("append session: %v", err)
	}
	for i, text := range []string{"one two", "three"} {
		u := Utterance{
			SessionID:   sessionID,
			UtteranceID: string(rune('a' + i)),
			Text:        text,
			Words:       []byte(`[{"word":"one"}]`),
			Speaker:     "alice",
			Confidence:  0.8,
		}
		if err := es.AppendUtterance(ctx, u); err != nil {
			t.Fatalf("append utterance: %v", err)
		}
	}
	if err := es.CloseSession(ctx, sessionID); err != nil {
		t.Fatalf("close session: %v", err)
	}

	utts, err := es.ListSessionUtterances(ctx, sessionID, 10)
	if err != nil {
		t.Fatalf("list utterances: %v", err)
	}
	if len(utts) != 2 || utts[0].Text != "one two" || utts[1].Text != "three" {
		t.Fatalf("unexpected utterances: %+v", utts)
	}
	if utts[0].Speaker != "alice" || string(utts[0].Words) != `[{"word":"one"}]` {
		t.Fatalf("unexpected utterance fields: %+v", utts[0])
	}

	sessions, err := es.ListSessions(ctx, 10)
	if err != nil {
		t.Fatalf("list sessions: %v", err)
	}
	if len(sessions) != 1 || sessions[0].Model != "default" || sessions[0].SampleRate != 16000 {
		t.Fatalf("unexpected sessions: %+v", sessions)
	}
	if sessions[0].ClosedAt.IsZero() {
		t.Fatal("expected closed_at to be set")
	}
}

func TestPruneByDaysAndSessions(t *testing.T) {
	ctx := context.Background()
	tmp := t.TempDir()
	cfg := config.EventStoreConfig{Path: filepath.Join(tmp, "transcripts.db"), RetentionMode: "persistent", RetentionDays: 1, MaxSessions: 1}
	es, err := Open(ctx, cfg, newLogger())
	if err != nil {
		t.Fatalf("open event store: %v", err)
	}
	t.Cleanup(func() { _ = es.Close() })

	es.clock = func() time.Time { return time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC) }
	if err := es.AppendSession(ctx, "old-session", "default", 16000); err != nil {
		t.Fatalf("append session: %v", err)
	}
	if err := es.AppendUtterance(ctx, Utterance{SessionID: "old-session", UtteranceID: "u1", Text: "one"}); err != nil {
		t.Fatalf("append utterance: %v", err)
	}

	es.clock = func() time.Time { return time.Date(2025, 1, 3, 0, 0, 0, 0, time.UTC) }
	if err := es.AppendSession(ctx, "new-session", "default", 16000); err != nil {
		t.Fatalf("append session: %v", err)
	}
	if err := es.Prune(ctx); err != nil {
		t.Fatalf("prune: %v", err)
	}

	utts, err := es.ListSessionUtterances(ctx, "old-session", 10)
	if err != nil {
		t.Fatalf("list utterances: %v", err)
	}
	if len(utts) != 0 {
		t.Fatalf("expected old session pruned")
	}
	sessions, err := es.ListSessions(ctx, 10)
	if err != nil {
		t.Fatalf("list sessions: %v", err)
	}
	if len(sessions) != 1 || sessions[0].SessionID != "new-session" {
		t.Fatalf("expected only the new session, got %+v", sessions)
	}
}
