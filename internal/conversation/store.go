package conversation

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// Store is the durable conversation store. Writes for one key are serialized
// by the caller; the store only guards against stale commits.
type Store interface {
	// NextSequence creates the conversation on first use, reopens a closed
	// one and returns the next inbound sequence number.
	NextSequence(ctx context.Context, key string, at time.Time) (int64, error)
	Load(ctx context.Context, key string) (*Conversation, error)
	// Turns returns turns with Index >= from in order, at most limit when
	// limit > 0.
	Turns(ctx context.Context, key string, from, limit int) ([]Turn, error)
	Commit(ctx context.Context, c Commit) error
	Quarantine(ctx context.Context, key, reason string, at time.Time) error
	// Release reopens a quarantined conversation with a checkpoint rebuilt
	// from the stored turns.
	Release(ctx context.Context, key string, at time.Time) error
	Close(ctx context.Context, key, reason string, at time.Time) error
	// ListIdle returns open, fully processed conversations untouched since before.
	ListIdle(ctx context.Context, before time.Time, limit int) ([]Conversation, error)
	// ListUnarchived returns closed conversations not yet archived.
	ListUnarchived(ctx context.Context, limit int) ([]Conversation, error)
	MarkArchived(ctx context.Context, key string, at time.Time) error
	PendingReplies(ctx context.Context, limit int) ([]Reply, error)
	MarkReplySent(ctx context.Context, id string, at time.Time) error
}

func rebuiltCheckpoint(lastSeq int64, turnCount int) ([]byte, error) {
	return encodeCheckpoint(Checkpoint{LastSeq: lastSeq, TurnCount: turnCount})
}

func validateCommit(c Commit) error {
	if strings.TrimSpace(c.Key) == "" {
		return ErrInvalidKey
	}
	if c.Seq <= c.ExpectedLastSeq {
		return fmt.Errorf("conversation: commit seq %d does not advance past %d", c.Seq, c.ExpectedLastSeq)
	}
	if len(c.Checkpoint) == 0 {
		return fmt.Errorf("conversation: commit for %s has no checkpoint", c.Key)
	}
	return nil
}

type memoryConversation struct {
	conv  Conversation
	turns []Turn
}

// MemoryStore is an in-process Store for development and tests.
type MemoryStore struct {
	mu      sync.Mutex
	convs   map[string]*memoryConversation
	replies []*Reply
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{convs: make(map[string]*memoryConversation)}
}

func (s *MemoryStore) NextSequence(ctx context.Context, key string, at time.Time) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if strings.TrimSpace(key) == "" {
		return 0, ErrInvalidKey
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	mc, ok := s.convs[key]
	if !ok {
		mc = &memoryConversation{conv: Conversation{Key: key, Status: StatusOpen, CreatedAt: at}}
		s.convs[key] = mc
	}
	if mc.conv.Status == StatusClosed {
		mc.conv.Status = StatusOpen
		mc.conv.ClosedReason = ""
		mc.conv.ClosedAt = nil
		mc.conv.ArchivedAt = nil
	}
	mc.conv.NextSeq++
	mc.conv.UpdatedAt = at
	return mc.conv.NextSeq, nil
}

func (s *MemoryStore) Load(ctx context.Context, key string) (*Conversation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	mc, ok := s.convs[key]
	if !ok {
		return nil, ErrConversationNotFound
	}
	c := copyConversation(mc.conv)
	return &c, nil
}

func (s *MemoryStore) Turns(ctx context.Context, key string, from, limit int) ([]Turn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	mc, ok := s.convs[key]
	if !ok {
		return nil, ErrConversationNotFound
	}
	if from < 0 {
		from = 0
	}
	if from >= len(mc.turns) {
		return nil, nil
	}
	out := mc.turns[from:]
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return append([]Turn(nil), out...), nil
}

func (s *MemoryStore) Commit(ctx context.Context, c Commit) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := validateCommit(c); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	mc, ok := s.convs[c.Key]
	if !ok {
		return ErrConversationNotFound
	}
	if mc.conv.LastSeq != c.ExpectedLastSeq {
		return ErrStaleCheckpoint
	}
	for _, t := range c.Turns {
		t.Index = len(mc.turns)
		if t.Seq == 0 {
			t.Seq = c.Seq
		}
		mc.turns = append(mc.turns, t)
	}
	mc.conv.LastSeq = c.Seq
	if c.Seq > mc.conv.NextSeq {
		mc.conv.NextSeq = c.Seq
	}
	mc.conv.TurnCount = len(mc.turns)
	mc.conv.Checkpoint = append([]byte(nil), c.Checkpoint...)
	mc.conv.UpdatedAt = c.At
	switch {
	case c.CloseReason != "":
		at := c.At
		mc.conv.Status = StatusClosed
		mc.conv.ClosedReason = c.CloseReason
		mc.conv.ClosedAt = &at
	case mc.conv.Status == StatusClosed:
		mc.conv.Status = StatusOpen
		mc.conv.ClosedReason = ""
		mc.conv.ClosedAt = nil
	}
	if c.Reply != nil {
		r := *c.Reply
		s.replies = append(s.replies, &r)
	}
	return nil
}

func (s *MemoryStore) Quarantine(ctx context.Context, key, reason string, at time.Time) error {
	return s.update(ctx, key, func(mc *memoryConversation) error {
		mc.conv.Status = StatusQuarantined
		mc.conv.QuarantineReason = reason
		mc.conv.UpdatedAt = at
		return nil
	})
}

func (s *MemoryStore) Release(ctx context.Context, key string, at time.Time) error {
	return s.update(ctx, key, func(mc *memoryConversation) error {
		if mc.conv.Status != StatusQuarantined {
			return nil
		}
		cp, err := rebuiltCheckpoint(mc.conv.LastSeq, len(mc.turns))
		if err != nil {
			return err
		}
		mc.conv.Status = StatusOpen
		mc.conv.QuarantineReason = ""
		mc.conv.TurnCount = len(mc.turns)
		mc.conv.Checkpoint = cp
		mc.conv.UpdatedAt = at
		return nil
	})
}

func (s *MemoryStore) Close(ctx context.Context, key, reason string, at time.Time) error {
	return s.update(ctx, key, func(mc *memoryConversation) error {
		if mc.conv.Status != StatusOpen {
			return nil
		}
		mc.conv.Status = StatusClosed
		mc.conv.ClosedReason = reason
		mc.conv.ClosedAt = &at
		return nil
	})
}

func (s *MemoryStore) ListIdle(ctx context.Context, before time.Time, limit int) ([]Conversation, error) {
	return s.list(ctx, limit, func(c Conversation) bool {
		return c.Status == StatusOpen && c.Drained() && c.UpdatedAt.Before(before)
	})
}

func (s *MemoryStore) ListUnarchived(ctx context.Context, limit int) ([]Conversation, error) {
	return s.list(ctx, limit, func(c Conversation) bool {
		return c.Status == StatusClosed && c.ArchivedAt == nil
	})
}

func (s *MemoryStore) MarkArchived(ctx context.Context, key string, at time.Time) error {
	return s.update(ctx, key, func(mc *memoryConversation) error {
		mc.conv.ArchivedAt = &at
		return nil
	})
}

func (s *MemoryStore) PendingReplies(ctx context.Context, limit int) ([]Reply, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Reply
	for _, r := range s.replies {
		if r.SentAt != nil {
			continue
		}
		out = append(out, *r)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *MemoryStore) MarkReplySent(ctx context.Context, id string, at time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.replies {
		if r.ID == id {
			if r.SentAt == nil {
				r.SentAt = &at
			}
			return nil
		}
	}
	return fmt.Errorf("conversation: reply %s not found", id)
}

// Corrupt overwrites the stored checkpoint. Tests use it to simulate damage.
func (s *MemoryStore) Corrupt(key string, checkpoint []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if mc, ok := s.convs[key]; ok {
		mc.conv.Checkpoint = checkpoint
	}
}

func (s *MemoryStore) update(ctx context.Context, key string, fn func(*memoryConversation) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	mc, ok := s.convs[key]
	if !ok {
		return ErrConversationNotFound
	}
	return fn(mc)
}

func (s *MemoryStore) list(ctx context.Context, limit int, match func(Conversation) bool) ([]Conversation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	var out []Conversation
	for _, mc := range s.convs {
		if match(mc.conv) {
			out = append(out, copyConversation(mc.conv))
		}
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func copyConversation(c Conversation) Conversation {
	c.Checkpoint = append([]byte(nil), c.Checkpoint...)
	if c.ClosedAt != nil {
		t := *c.ClosedAt
		c.ClosedAt = &t
	}
	if c.ArchivedAt != nil {
		t := *c.ArchivedAt
		c.ArchivedAt = &t
	}
	return c
}
