package conversation

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/wolfman30/dentaldesk/internal/lock"
	"github.com/wolfman30/dentaldesk/pkg/logging"
)

type recordingArchiver struct {
	archived map[string]int
	err      error
}

func (a *recordingArchiver) ArchiveConversation(_ context.Context, conv Conversation, turns []Turn) error {
	if a.err != nil {
		return a.err
	}
	if a.archived == nil {
		a.archived = make(map[string]int)
	}
	a.archived[conv.Key] = len(turns)
	return nil
}

func TestJanitorClosesIdleConversationsAndArchives(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	store.NextSequence(ctx, "quiet", testNow)
	store.Commit(ctx, commitFor(t, "quiet", 0, 1, 0, "hello", "hi"))
	store.NextSequence(ctx, "busy", testNow.Add(25*time.Minute))

	archiver := &recordingArchiver{}
	now := testNow.Add(31 * time.Minute)
	j := NewJanitor(store, 30*time.Minute, time.Minute, logging.Default(),
		WithArchiver(archiver),
		WithJanitorLocker(lock.NewKeyedMutex()),
		WithJanitorClock(func() time.Time { return now }),
	)

	closed, archived, err := j.Sweep(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if closed != 1 || archived != 1 {
		t.Fatalf("expected 1 closed and 1 archived, got %d and %d", closed, archived)
	}
	quiet, _ := store.Load(ctx, "quiet")
	if quiet.Status != StatusClosed || quiet.ClosedReason != CloseReasonTimeout || quiet.ArchivedAt == nil {
		t.Fatalf("unexpected quiet conversation %+v", quiet)
	}
	if archiver.archived["quiet"] != 2 {
		t.Fatalf("expected both turns archived, got %d", archiver.archived["quiet"])
	}
	busy, _ := store.Load(ctx, "busy")
	if busy.Status != StatusOpen {
		t.Fatalf("conversation with pending work must stay open, got %s", busy.Status)
	}

	closed, archived, _ = j.Sweep(ctx)
	if closed != 0 || archived != 0 {
		t.Fatalf("second sweep should be a no-op, got %d and %d", closed, archived)
	}
}

func TestJanitorKeepsClosedConversationWhenArchiveFails(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	store.NextSequence(ctx, "quiet", testNow)
	store.Commit(ctx, commitFor(t, "quiet", 0, 1, 0, "hello"))

	j := NewJanitor(store, time.Minute, time.Minute, logging.Default(),
		WithArchiver(&recordingArchiver{err: errors.New("bucket unavailable")}),
		WithJanitorClock(func() time.Time { return testNow.Add(time.Hour) }),
	)
	closed, archived, err := j.Sweep(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if closed != 1 || archived != 0 {
		t.Fatalf("expected 1 closed and 0 archived, got %d and %d", closed, archived)
	}
	pending, _ := store.ListUnarchived(ctx, 0)
	if len(pending) != 1 {
		t.Fatalf("failed archive should be retried, got %d pending", len(pending))
	}
}

func TestJanitorSkipsConversationTouchedAfterListing(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	store.NextSequence(ctx, "quiet", testNow)
	store.Commit(ctx, commitFor(t, "quiet", 0, 1, 0, "hello"))

	now := testNow.Add(time.Hour)
	j := NewJanitor(store, 30*time.Minute, time.Minute, logging.Default(), WithJanitorClock(func() time.Time { return now }))

	// A new message lands between ListIdle and the locked re-check.
	store.NextSequence(ctx, "quiet", now)
	ok, err := j.closeIdle(ctx, "quiet", now)
	if err != nil {
		t.Fatalf("close idle: %v", err)
	}
	if ok {
		t.Fatal("conversation with a fresh message must not be closed")
	}
}
