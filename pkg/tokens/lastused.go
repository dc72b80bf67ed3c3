package tokens

import (
	"context"
	"sync"
	"time"

	"github.com/scopecfg/scopecfg/pkg/log"
	"github.com/scopecfg/scopecfg/pkg/storage"
)

// noteInterval caps how often one token's last-used timestamp is
// recorded. Finer granularity is not worth a write per request.
const noteInterval = time.Minute

// lastUsedBuffer coalesces last-used updates in memory and writes them
// back on a timer, keeping token resolution read-only on the hot path.
type lastUsedBuffer struct {
	store storage.Store

	mu       sync.Mutex
	pending  map[string]time.Time
	recorded map[string]time.Time

	stop     chan struct{}
	stopped  sync.WaitGroup
	stopOnce sync.Once
}

func newLastUsedBuffer(store storage.Store, flushInterval time.Duration) *lastUsedBuffer {
	b := &lastUsedBuffer{
		store:    store,
		pending:  make(map[string]time.Time),
		recorded: make(map[string]time.Time),
		stop:     make(chan struct{}),
	}
	if flushInterval <= 0 {
		flushInterval = 30 * time.Second
	}
	b.stopped.Add(1)
	go b.run(flushInterval)
	return b
}

// Note records a use of the token. Uses within noteInterval of the
// previous one are dropped.
func (b *lastUsedBuffer) Note(tokenID string, at time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if last, ok := b.recorded[tokenID]; ok && at.Sub(last) < noteInterval {
		return
	}
	b.recorded[tokenID] = at
	b.pending[tokenID] = at
}

func (b *lastUsedBuffer) run(interval time.Duration) {
	defer b.stopped.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			b.flush()
		case <-b.stop:
			b.flush()
			return
		}
	}
}

func (b *lastUsedBuffer) flush() {
	b.mu.Lock()
	batch := b.pending
	b.pending = make(map[string]time.Time)
	// Dedupe entries past noteInterval no longer suppress anything;
	// dropping them keeps the map bounded by recent traffic.
	cutoff := time.Now().Add(-noteInterval)
	for id, at := range b.recorded {
		if at.Before(cutoff) {
			delete(b.recorded, id)
		}
	}
	b.mu.Unlock()
	if len(batch) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := b.store.UpdateTokenLastUsed(ctx, batch); err != nil {
		zl1 := log.WithComponent("tokens")
		zl1.Error().Err(err).Int("count", len(batch)).
			Msg("flushing last-used timestamps")
		// Re-queue so the next flush retries; newer notes win.
		b.mu.Lock()
		for id, at := range batch {
			if _, ok := b.pending[id]; !ok {
				b.pending[id] = at
			}
		}
		b.mu.Unlock()
	}
}

// Stop flushes once more and halts the background writer
func (b *lastUsedBuffer) Stop() {
	b.stopOnce.Do(func() { close(b.stop) })
	b.stopped.Wait()
}
