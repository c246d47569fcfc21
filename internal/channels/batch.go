package channels

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/basket/tether/internal/session"
)

// batcher holds rapid-fire messages from the same conversation for a
// short window and delivers them as one combined payload, so a burst
// of small messages becomes a single agent call.
type batcher struct {
	window   time.Duration
	dispatch func(ctx context.Context, key session.Key, payload string)

	mu      sync.Mutex
	pending map[session.Key]*pendingBatch
}

type pendingBatch struct {
	parts []string
	timer *time.Timer
}

func newBatcher(window time.Duration, dispatch func(ctx context.Context, key session.Key, payload string)) *batcher {
	return &batcher{
		window:   window,
		dispatch: dispatch,
		pending:  map[session.Key]*pendingBatch{},
	}
}

// Add queues a message part. The first part for a key arms the flush
// timer; later parts within the window join the same batch.
func (b *batcher) Add(ctx context.Context, key session.Key, text string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if p, ok := b.pending[key]; ok {
		p.parts = append(p.parts, text)
		return
	}
	p := &pendingBatch{parts: []string{text}}
	p.timer = time.AfterFunc(b.window, func() {
		b.flush(ctx, key)
	})
	b.pending[key] = p
}

func (b *batcher) flush(ctx context.Context, key session.Key) {
	b.mu.Lock()
	p, ok := b.pending[key]
	if ok {
		delete(b.pending, key)
	}
	b.mu.Unlock()
	if !ok || len(p.parts) == 0 {
		return
	}
	b.dispatch(ctx, key, strings.Join(p.parts, "\n\n"))
}

// FlushAll delivers every pending batch immediately. Used on shutdown.
func (b *batcher) FlushAll(ctx context.Context) {
	b.mu.Lock()
	keys := make([]session.Key, 0, len(b.pending))
	for key, p := range b.pending {
		p.timer.Stop()
		keys = append(keys, key)
	}
	b.mu.Unlock()
	for _, key := range keys {
		b.flush(ctx, key)
	}
}
