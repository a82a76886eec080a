package notifier

import (
	"context"
	"fmt"
	"hash/fnv"
	"strings"
	"sync"
	"time"
)

// suppressor remembers which messages went out recently. The in-memory map
// is authoritative within a process; the optional store carries windows over
// a restart so a repeating alert (a missing key, a stuck cohort) is not
// re-sent on every boot.
type suppressor struct {
	mu    sync.Mutex
	until map[string]time.Time

	store  DedupStore
	writes chan dedupWrite
}

type dedupWrite struct {
	key   string
	until time.Time
}

func newSuppressor() *suppressor {
	return &suppressor{until: map[string]time.Time{}}
}

// attach enables persistence until detach.
func (d *suppressor) attach(store DedupStore) chan dedupWrite {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.store = store
	d.writes = make(chan dedupWrite, 1024)
	return d.writes
}

// detach must not race admit: the service calls it once no Notify is in
// flight.
func (d *suppressor) detach() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.writes != nil {
		close(d.writes)
	}
	d.writes = nil
	d.store = nil
}

// admit reports whether key may be sent now and, if so, opens a new window.
func (d *suppressor) admit(ctx context.Context, key string, window time.Duration, capacity int) bool {
	now := time.Now()
	if d.suppressed(key, now) || d.storedSuppressed(ctx, key, now) {
		return false
	}

	until := now.Add(window)
	d.mu.Lock()
	d.until[key] = until
	d.evict(now, capacity)
	writes := d.writes
	d.mu.Unlock()

	if writes != nil {
		select {
		case writes <- dedupWrite{key: key, until: until}:
		default:
		}
	}
	return true
}

func (d *suppressor) suppressed(key string, now time.Time) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	u, ok := d.until[key]
	return ok && now.Before(u)
}

// storedSuppressed consults the store with a tight budget; a slow or failing
// store never blocks a notification.
func (d *suppressor) storedSuppressed(ctx context.Context, key string, now time.Time) bool {
	d.mu.Lock()
	st := d.store
	d.mu.Unlock()
	if st == nil {
		return false
	}
	if ctx == nil {
		ctx = context.Background()
	}
	qctx, cancel := context.WithTimeout(ctx, 25*time.Millisecond)
	defer cancel()
	u, ok, err := st.GetDedup(qctx, key)
	if err != nil || !ok || !now.Before(u) {
		return false
	}
	d.mu.Lock()
	d.until[key] = u
	d.mu.Unlock()
	return true
}

// evict drops expired windows, then the soonest-expiring ones over capacity.
func (d *suppressor) evict(now time.Time, capacity int) {
	for k, u := range d.until {
		if !now.Before(u) {
			delete(d.until, k)
		}
	}
	for capacity > 0 && len(d.until) > capacity {
		var oldest string
		for k, u := range d.until {
			if oldest == "" || u.Before(d.until[oldest]) {
				oldest = k
			}
		}
		delete(d.until, oldest)
	}
}

// persist drains writes into st until the channel closes.
func persist(ctx context.Context, writes <-chan dedupWrite, st DedupStore) {
	for {
		select {
		case <-ctx.Done():
			return
		case w, ok := <-writes:
			if !ok {
				return
			}
			wctx, cancel := context.WithTimeout(ctx, 250*time.Millisecond)
			_ = st.PutDedup(wctx, w.key, w.until)
			cancel()
		}
	}
}

// dedupKey prefers the caller's key, else hashes what the reader would see.
func dedupKey(m Message) string {
	if k := strings.TrimSpace(m.Key); k != "" {
		return k
	}
	h := fnv.New64a()
	for _, part := range []string{string(m.Kind), m.Subject, m.Text} {
		_, _ = h.Write([]byte(part))
		_, _ = h.Write([]byte{0})
	}
	return fmt.Sprintf("%s:%x", m.Kind, h.Sum64())
}
