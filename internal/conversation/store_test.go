package conversation

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/wolfman30/dentaldesk/pkg/logging"
)

func commitFor(t *testing.T, key string, expected, seq int64, turns int, contents ...string) Commit {
	t.Helper()
	cp, err := encodeCheckpoint(Checkpoint{LastSeq: seq, TurnCount: turns + len(contents)})
	if err != nil {
		t.Fatalf("encode checkpoint: %v", err)
	}
	c := Commit{Key: key, ExpectedLastSeq: expected, Seq: seq, Checkpoint: cp, At: testNow}
	for i, text := range contents {
		role := RolePatient
		if i%2 == 1 {
			role = RoleAssistant
		}
		c.Turns = append(c.Turns, Turn{Role: role, Content: text, CreatedAt: testNow})
	}
	return c
}

func TestMemoryStoreCommitAdvancesConversation(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	key := "+15550001111"
	if _, err := store.NextSequence(ctx, key, testNow); err != nil {
		t.Fatalf("next sequence: %v", err)
	}

	c := commitFor(t, key, 0, 1, 0, "hello", "hi there")
	c.Reply = &Reply{ID: "r1", ConversationKey: key, Seq: 1, Text: "hi there"}
	if err := store.Commit(ctx, c); err != nil {
		t.Fatalf("commit: %v", err)
	}

	conv, err := store.Load(ctx, key)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if conv.LastSeq != 1 || conv.TurnCount != 2 || !conv.Drained() {
		t.Fatalf("unexpected conversation %+v", conv)
	}
	turns, err := store.Turns(ctx, key, 1, 0)
	if err != nil {
		t.Fatalf("turns: %v", err)
	}
	if len(turns) != 1 || turns[0].Index != 1 || turns[0].Seq != 1 {
		t.Fatalf("unexpected turns %+v", turns)
	}
	replies, err := store.PendingReplies(ctx, 0)
	if err != nil {
		t.Fatalf("pending replies: %v", err)
	}
	if len(replies) != 1 || replies[0].ID != "r1" {
		t.Fatalf("expected the reply in the outbox, got %+v", replies)
	}
}

func TestMemoryStoreRejectsStaleCommit(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	key := "+15550001111"
	store.NextSequence(ctx, key, testNow)
	store.NextSequence(ctx, key, testNow)

	if err := store.Commit(ctx, commitFor(t, key, 0, 1, 0, "first")); err != nil {
		t.Fatalf("commit: %v", err)
	}
	err := store.Commit(ctx, commitFor(t, key, 0, 1, 0, "first again"))
	if !errors.Is(err, ErrStaleCheckpoint) {
		t.Fatalf("expected ErrStaleCheckpoint, got %v", err)
	}
	if turns, _ := store.Turns(ctx, key, 0, 0); len(turns) != 1 {
		t.Fatalf("stale commit must not append turns, got %d", len(turns))
	}
}

func TestMemoryStoreValidatesCommit(t *testing.T) {
	store := NewMemoryStore()
	if err := store.Commit(context.Background(), Commit{Key: " ", Seq: 1, Checkpoint: []byte("{}")}); !errors.Is(err, ErrInvalidKey) {
		t.Fatalf("expected ErrInvalidKey, got %v", err)
	}
	if err := store.Commit(context.Background(), Commit{Key: "k", Seq: 1, ExpectedLastSeq: 1, Checkpoint: []byte("{}")}); err == nil {
		t.Fatal("expected error for non-advancing seq")
	}
	if err := store.Commit(context.Background(), Commit{Key: "k", Seq: 1}); err == nil {
		t.Fatal("expected error for missing checkpoint")
	}
}

func TestMemoryStoreNextSequenceReopensClosedConversation(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	key := "+15550001111"
	store.NextSequence(ctx, key, testNow)
	if err := store.Commit(ctx, commitFor(t, key, 0, 1, 0, "bye")); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if err := store.Close(ctx, key, CloseReasonTimeout, testNow); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := store.MarkArchived(ctx, key, testNow); err != nil {
		t.Fatalf("mark archived: %v", err)
	}

	seq, err := store.NextSequence(ctx, key, testNow.Add(time.Hour))
	if err != nil {
		t.Fatalf("next sequence: %v", err)
	}
	if seq != 2 {
		t.Fatalf("expected seq 2, got %d", seq)
	}
	conv, _ := store.Load(ctx, key)
	if conv.Status != StatusOpen || conv.ClosedAt != nil || conv.ArchivedAt != nil {
		t.Fatalf("expected reopened conversation, got %+v", conv)
	}
}

func TestMemoryStoreReleaseRebuildsCheckpoint(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	key := "+15550001111"
	store.NextSequence(ctx, key, testNow)
	if err := store.Commit(ctx, commitFor(t, key, 0, 1, 0, "hello", "hi")); err != nil {
		t.Fatalf("commit: %v", err)
	}
	store.Corrupt(key, []byte("garbage"))
	if err := store.Quarantine(ctx, key, "bad checkpoint", testNow); err != nil {
		t.Fatalf("quarantine: %v", err)
	}

	if err := store.Release(ctx, key, testNow); err != nil {
		t.Fatalf("release: %v", err)
	}
	conv, _ := store.Load(ctx, key)
	if conv.Status != StatusOpen || conv.QuarantineReason != "" {
		t.Fatalf("expected open conversation, got %+v", conv)
	}
	cp, err := decodeCheckpoint(conv)
	if err != nil {
		t.Fatalf("decode rebuilt checkpoint: %v", err)
	}
	if cp.LastSeq != 1 || cp.TurnCount != 2 {
		t.Fatalf("unexpected rebuilt checkpoint %+v", cp)
	}
}

func TestMemoryStoreListIdleSkipsUndrained(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	store.NextSequence(ctx, "drained", testNow)
	store.Commit(ctx, commitFor(t, "drained", 0, 1, 0, "hi"))
	store.NextSequence(ctx, "waiting", testNow)

	idle, err := store.ListIdle(ctx, testNow.Add(time.Minute), 0)
	if err != nil {
		t.Fatalf("list idle: %v", err)
	}
	if len(idle) != 1 || idle[0].Key != "drained" {
		t.Fatalf("expected only the drained conversation, got %+v", idle)
	}
}

func TestMemoryStoreUnknownConversation(t *testing.T) {
	store := NewMemoryStore()
	if _, err := store.Load(context.Background(), "nobody"); !errors.Is(err, ErrConversationNotFound) {
		t.Fatalf("expected ErrConversationNotFound, got %v", err)
	}
	if err := store.Quarantine(context.Background(), "nobody", "x", testNow); !errors.Is(err, ErrConversationNotFound) {
		t.Fatalf("expected ErrConversationNotFound, got %v", err)
	}
}

func TestCachedStoreInvalidatesOnWrite(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	key := "+15550001111"
	store := NewCachedStore(NewMemoryStore(), client, time.Hour, logging.Default())
	if _, err := store.NextSequence(ctx, key, testNow); err != nil {
		t.Fatalf("next sequence: %v", err)
	}

	if _, err := store.Load(ctx, key); err != nil {
		t.Fatalf("load: %v", err)
	}
	if !mr.Exists(cacheKey(key)) {
		t.Fatal("expected the conversation to be cached after load")
	}

	if err := store.Commit(ctx, commitFor(t, key, 0, 1, 0, "hello")); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if mr.Exists(cacheKey(key)) {
		t.Fatal("commit must drop the cached conversation")
	}
	conv, err := store.Load(ctx, key)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if conv.LastSeq != 1 {
		t.Fatalf("expected fresh row after commit, got last_seq %d", conv.LastSeq)
	}
}

func TestCachedStoreFallsBackWhenRedisIsDown(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = client.Close() })

	inner := NewMemoryStore()
	inner.NextSequence(ctx, "k", testNow)
	store := NewCachedStore(inner, client, time.Hour, logging.Default())
	mr.Close()

	conv, err := store.Load(ctx, "k")
	if err != nil {
		t.Fatalf("load should fall back to the store: %v", err)
	}
	if conv.Key != "k" {
		t.Fatalf("unexpected conversation %+v", conv)
	}
}
