// Package watch implements the KV Watcher of spec.md §4.D: a long-poll
// loop over a single key or key prefix that fires a change callback only
// when the returned index or the observed entries changed, while rate
// limiting call starts and recovering from transport/protocol errors.
package watch

import (
	"context"
	"sync"
	"time"

	"github.com/sotheh/tarantool-autovshard/consul"
	log "github.com/sotheh/tarantool-autovshard/internal/log"
	"github.com/sotheh/tarantool-autovshard/internal/metrics"
)

// DefaultWait is the blocking-query wait applied when Options.Wait is zero.
const DefaultWait = 20 * time.Second

// ErrorBackoff is the cancellable delay between a failed iteration and the
// next retry (spec §4.D "Error recovery").
const ErrorBackoff = 2 * time.Second

// Options configures a single subscription.
type Options struct {
	Key        string
	Prefix     bool
	Consistent bool
	// Wait is the blocking-query wait; defaults to DefaultWait.
	Wait time.Duration
	// Index seeds the first blocking query; zero means "no prior index".
	Index uint64

	// OnChange fires whenever the returned index or the observed entry set
	// differs from the previous one, including the first iteration. For a non-prefix
	// subscription entries has length 0 or 1.
	OnChange func(entries []*consul.Entry, index uint64)
	// OnError fires on every iteration error; it defaults to logging.
	OnError func(err error)

	RateLimit          float64
	RateLimitBurst     int
	RateLimitInitBurst int
}

// Watcher is the stop handle returned by Watch.
type Watcher struct {
	stop     chan struct{}
	cancel   context.CancelFunc
	stopOnce sync.Once
	done     chan struct{}
}

// Stop closes the watcher's completion signal and waits for its loop
// goroutine to exit. A second call is a no-op.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.stop)
		w.cancel()
	})
	<-w.done
}

// Watch starts one long-polling loop against client and returns its stop
// handle. The loop runs in its own goroutine until Stop is called.
func Watch(client *consul.Client, opts Options) *Watcher {
	if opts.Wait <= 0 {
		opts.Wait = DefaultWait
	}
	if opts.OnError == nil {
		opts.OnError = func(err error) {
			log.Logf("[watch] %s: %v", opts.Key, err)
		}
	}
	rate := opts.RateLimit
	if rate <= 0 {
		rate = 1
	}
	burst := opts.RateLimitBurst
	if burst <= 0 {
		burst = 10
	}
	initBurst := opts.RateLimitInitBurst
	if initBurst <= 0 {
		initBurst = 5
	}

	ctx, cancel := context.WithCancel(context.Background())
	w := &Watcher{
		stop:   make(chan struct{}),
		cancel: cancel,
		done:   make(chan struct{}),
	}

	go func() {
		defer close(w.done)
		w.run(ctx, client, opts, newTokenBucket(rate, burst, initBurst))
	}()

	return w
}

func (w *Watcher) stopped() bool {
	select {
	case <-w.stop:
		return true
	default:
		return false
	}
}

func (w *Watcher) run(ctx context.Context, client *consul.Client, opts Options, bucket *tokenBucket) {
	prevIndex := opts.Index
	var havePrev bool
	var prevEntry *consul.Entry
	var prevEntries []*consul.Entry

	for {
		if w.stopped() {
			return
		}
		if !bucket.wait(w.stop) {
			return
		}
		if w.stopped() {
			return
		}

		var (
			entry   *consul.Entry
			entries []*consul.Entry
			idx     uint64
			err     error
		)
		getOpts := consul.GetOptions{Wait: opts.Wait, Index: prevIndex, Consistent: opts.Consistent}
		if opts.Prefix {
			entries, idx, err = client.GetPrefix(ctx, opts.Key, getOpts)
		} else {
			entry, idx, err = client.Get(ctx, opts.Key, getOpts)
		}

		if w.stopped() {
			return
		}

		if err != nil {
			metrics.WatchErrors.Inc()
			opts.OnError(err)
			prevIndex = 0
			havePrev = false

			timer := time.NewTimer(ErrorBackoff)
			select {
			case <-timer.C:
			case <-w.stop:
				timer.Stop()
				return
			}
			continue
		}

		observedIndex := idx
		changed := !havePrev || idx != prevIndex
		if !changed {
			if opts.Prefix {
				changed = !consul.EntriesEqual(entries, prevEntries)
			} else {
				changed = !entry.Equal(prevEntry)
			}
		}

		if changed {
			metrics.WatchChanges.Inc()
			if opts.Prefix {
				opts.OnChange(entries, observedIndex)
			} else {
				var single []*consul.Entry
				if entry != nil {
					single = []*consul.Entry{entry}
				}
				opts.OnChange(single, observedIndex)
			}
		}

		if havePrev && idx < prevIndex {
			// Stale-server protection (spec §4.B item 2): the next query
			// must not block on an index the server has gone backwards on.
			prevIndex = 0
			havePrev = false
		} else {
			prevIndex = idx
			havePrev = true
		}
		prevEntry = entry
		prevEntries = entries
	}
}
