package conversation

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"livetranslate/core"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// ParseRole maps a wire role onto Role. Anything that is not the user is
// treated as the assistant.
func ParseRole(s string) Role {
	if strings.EqualFold(s, string(RoleUser)) {
		return RoleUser
	}
	return RoleAssistant
}

type Item struct {
	ID        string    `json:"id"`
	Role      Role      `json:"role"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
	Seq       int64     `json:"seq"`
}

// Log is the ordered transcript of one conversation. Items appear in the
// order they were first seen and an item ID never appears twice.
//
// Writes go to the optional Store from a single background goroutine so
// network latency never holds up event handling. Pending saves are coalesced
// per item, and a Clear supersedes every save queued before it.
type Log struct {
	mu    sync.Mutex
	items []Item
	index map[string]int
	seq   int64
	now   func() time.Time

	store     Store
	logger    *core.Logger
	dirty     map[string]Item
	order     []string
	cleared   bool
	closed    bool
	wake      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

type Option func(*Log)

func WithStore(store Store) Option {
	return func(l *Log) { l.store = store }
}

func WithLogger(logger *core.Logger) Option {
	return func(l *Log) { l.logger = logger }
}

func WithClock(now func() time.Time) Option {
	return func(l *Log) { l.now = now }
}

func NewLog(opts ...Option) *Log {
	l := &Log{
		index:  make(map[string]int),
		now:    time.Now,
		logger: core.GetLogger(),
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.store != nil {
		l.dirty = make(map[string]Item)
		l.wake = make(chan struct{}, 1)
		l.done = make(chan struct{})
		go l.runPersist()
	}
	return l
}

// Restore replaces the in-memory log with whatever the store holds.
func (l *Log) Restore(ctx context.Context) error {
	if l.store == nil {
		return nil
	}
	items, err := l.store.Load(ctx)
	if err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.items = l.items[:0]
	l.index = make(map[string]int, len(items))
	for _, it := range items {
		if _, dup := l.index[it.ID]; dup {
			continue
		}
		l.index[it.ID] = len(l.items)
		l.items = append(l.items, it)
		if it.Seq > l.seq {
			l.seq = it.Seq
		}
	}
	l.logger.With(map[string]any{"items": len(l.items)}).Debug("Conversation: restored history")
	return nil
}

// ItemCreated records a new item. A repeated ID is ignored and reports false.
func (l *Log) ItemCreated(id string, role Role, text string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.index[id]; ok {
		return false
	}
	l.insertLocked(id, role, text)
	return true
}

// AppendDelta appends streamed assistant text. Deltas for an unknown item
// create it.
func (l *Log) AppendDelta(id, delta string) {
	if delta == "" {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if i, ok := l.index[id]; ok {
		l.items[i].Text += delta
		l.markLocked(l.items[i])
		return
	}
	l.insertLocked(id, RoleAssistant, delta)
}

// CompleteTranscript replaces the item's text with the final transcript.
func (l *Log) CompleteTranscript(id, transcript string) {
	l.setText(id, RoleAssistant, transcript)
}

// SetInputTranscript fills in what the user said once transcription lands.
func (l *Log) SetInputTranscript(id, transcript string) {
	l.setText(id, RoleUser, transcript)
}

// AddLocal appends an item that did not come from the server, such as a
// system notice, and returns its generated ID.
func (l *Log) AddLocal(role Role, text string) string {
	id := "local_" + strings.ReplaceAll(uuid.NewString(), "-", "")
	l.mu.Lock()
	defer l.mu.Unlock()
	l.insertLocked(id, role, text)
	return id
}

func (l *Log) setText(id string, role Role, text string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if i, ok := l.index[id]; ok {
		l.items[i].Text = text
		l.markLocked(l.items[i])
		return
	}
	l.insertLocked(id, role, text)
}

func (l *Log) insertLocked(id string, role Role, text string) {
	l.seq++
	it := Item{ID: id, Role: role, Text: text, Timestamp: l.now(), Seq: l.seq}
	l.index[id] = len(l.items)
	l.items = append(l.items, it)
	l.markLocked(it)
}

// Clear empties the log and the store behind it.
func (l *Log) Clear() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.items = nil
	l.index = make(map[string]int)
	if l.store == nil || l.closed {
		return
	}
	l.cleared = true
	l.dirty = make(map[string]Item)
	l.order = nil
	l.signal()
}

func (l *Log) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.items)
}

// Items returns a copy in display order.
func (l *Log) Items() []Item {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Item, len(l.items))
	copy(out, l.items)
	return out
}

// Close flushes pending writes to the store.
func (l *Log) Close() {
	if l.store == nil {
		return
	}
	l.closeOnce.Do(func() {
		l.mu.Lock()
		l.closed = true
		l.signal()
		l.mu.Unlock()
		<-l.done
	})
}

// markLocked queues the latest version of an item for saving.
func (l *Log) markLocked(it Item) {
	if l.store == nil || l.closed {
		return
	}
	if _, ok := l.dirty[it.ID]; !ok {
		l.order = append(l.order, it.ID)
	}
	l.dirty[it.ID] = it
	l.signal()
}

func (l *Log) signal() {
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// takeBatch hands the writer everything pending and reports whether the log
// has been closed.
func (l *Log) takeBatch() (wipe bool, items []Item, closed bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	wipe = l.cleared
	items = make([]Item, 0, len(l.order))
	for _, id := range l.order {
		items = append(items, l.dirty[id])
	}
	l.cleared = false
	l.dirty = make(map[string]Item)
	l.order = nil
	return wipe, items, l.closed
}

func (l *Log) runPersist() {
	defer close(l.done)
	for range l.wake {
		wipe, items, closed := l.takeBatch()
		if wipe {
			l.persistOne(func(ctx context.Context) error { return l.store.Clear(ctx) })
		}
		for _, it := range items {
			l.persistOne(func(ctx context.Context) error { return l.store.Save(ctx, it) })
		}
		if closed {
			return
		}
	}
}

func (l *Log) persistOne(op func(ctx context.Context) error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := op(ctx); err != nil {
		l.logger.With(map[string]any{"error": err}).Warn("Conversation: persist failed")
	}
}
