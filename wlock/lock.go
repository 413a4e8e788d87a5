// Package wlock implements the weighted distributed lock with delay
// described in spec.md §4.E: session lifecycle, contender advertisement,
// lock acquisition race, delay dampening, hold monitoring, and release on
// invalidation, built on the consul and watch packages.
package wlock

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/sotheh/tarantool-autovshard/consul"
	log "github.com/sotheh/tarantool-autovshard/internal/log"
	"github.com/sotheh/tarantool-autovshard/internal/metrics"
	"github.com/sotheh/tarantool-autovshard/watch"
)

// DefaultSessionTTL is applied when New is called with sessionTTL <= 0.
const DefaultSessionTTL = 15 * time.Second

// publishBackoff is the retry delay for phase 1 (spec §4.E step 1).
const publishBackoff = 10 * time.Second

// Signal is the one-shot cancellation primitive spec.md calls "done"
// (§5 "Completion channels as cancellation"). Close is idempotent, Done is
// observable before and after closing, and every waiter on Done unblocks
// together -- the guarantees spec §9's design notes require of whatever
// primitive stands in for the source's completion channel.
type Signal struct {
	once sync.Once
	ch   chan struct{}
}

// NewSignal returns a fresh, open Signal.
func NewSignal() *Signal {
	return &Signal{ch: make(chan struct{})}
}

// Close closes the signal. A second call is a no-op.
func (s *Signal) Close() {
	s.once.Do(func() { close(s.ch) })
}

// Done returns a channel that is closed once Close has been called.
func (s *Signal) Done() <-chan struct{} {
	return s.ch
}

// IsDone reports whether Close has been called.
func (s *Signal) IsDone() bool {
	select {
	case <-s.ch:
		return true
	default:
		return false
	}
}

// WLock orchestrates session creation, contender key advertisement, the
// lock-key race, delay dampening and hold monitoring (spec §4.E).
type WLock struct {
	client     *consul.Client
	prefix     string
	sessionTTL time.Duration
	watchOpts  watch.Options

	mu            sync.Mutex
	weight        float64
	weightUpdated chan struct{}
	delay         time.Duration
	delayUpdated  chan struct{}
	info          interface{}
}

// Option configures optional WLock behavior beyond New's required
// parameters, following the teacher's Options/Option pattern
// (registry.Options/Option).
type Option func(l *WLock)

// WatchWait overrides the blocking-query wait (spec §6 "wait") used by both
// of a WLock's internal KV Watchers. Zero keeps watch.DefaultWait.
func WatchWait(d time.Duration) Option {
	return func(l *WLock) { l.watchOpts.Wait = d }
}

// RateLimit overrides the token-bucket parameters (spec §6 "rate_limit",
// "rate_limit_burst", "rate_limit_init_burst") used by both of a WLock's
// internal KV Watchers. Non-positive values keep the watch package's
// defaults.
func RateLimit(rate float64, burst, initBurst int) Option {
	return func(l *WLock) {
		l.watchOpts.RateLimit = rate
		l.watchOpts.RateLimitBurst = burst
		l.watchOpts.RateLimitInitBurst = initBurst
	}
}

// New builds a WLock. delay defaults to 0 and sessionTTL to 15s when <= 0.
func New(client *consul.Client, prefix string, weight float64, delay time.Duration, info interface{}, sessionTTL time.Duration, opts ...Option) *WLock {
	if sessionTTL <= 0 {
		sessionTTL = DefaultSessionTTL
	}
	l := &WLock{
		client:        client,
		prefix:        prefix,
		sessionTTL:    sessionTTL,
		weight:        weight,
		weightUpdated: make(chan struct{}),
		delay:         delay,
		delayUpdated:  make(chan struct{}),
		info:          info,
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// SetWeight updates the contender's weight at runtime and wakes the renewer
// via a broadcast so it republishes the contender key; the eligibility
// watcher reevaluates when it observes the republished key (spec §4.E
// "SetWeight").
func (l *WLock) SetWeight(w float64) {
	l.mu.Lock()
	l.weight = w
	old := l.weightUpdated
	l.weightUpdated = make(chan struct{})
	l.mu.Unlock()
	close(old)
}

// SetDelay updates the dampening delay at runtime, truncating or extending
// any in-flight delay wait (spec §4.E "SetDelay").
func (l *WLock) SetDelay(d time.Duration) {
	l.mu.Lock()
	l.delay = d
	old := l.delayUpdated
	l.delayUpdated = make(chan struct{})
	l.mu.Unlock()
	close(old)
}

func (l *WLock) currentWeight() (float64, <-chan struct{}) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.weight, l.weightUpdated
}

func (l *WLock) currentDelay() (time.Duration, <-chan struct{}) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.delay, l.delayUpdated
}

func (l *WLock) currentInfo() interface{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.info
}

// signalContext derives a context that is cancelled as soon as done closes,
// so an in-flight network call does not outlive cancellation.
func signalContext(done *Signal) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		select {
		case <-done.Done():
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}

func sleepOrDone(d time.Duration, done *Signal) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-done.Done():
		return false
	}
}

// Acquire blocks until the lock is acquired and held (true), or done
// closes first (false). It never panics or returns an error: every
// transport/protocol failure is absorbed, logged and retried internally
// (spec §7 "Acquire never raises").
func (l *WLock) Acquire(done *Signal) bool {
	session, ok := l.publish(done)
	if !ok {
		return false
	}

	renewerFinished := make(chan struct{})
	go l.renew(session, done, renewerFinished)

	if !l.acquireLoop(session, done) {
		<-renewerFinished
		return false
	}

	metrics.LockAcquired.Inc()
	metrics.Held.Set(1)
	log.Logf("[wlock] acquired lock for session %s", session.ID())

	hw := l.startHoldWatcher(session, done)
	go func() {
		<-done.Done()
		hw.Stop()
		metrics.Held.Set(0)
	}()

	return true
}

// publish implements spec §4.E step 1: create a session, publish the
// contender key, retry transient failures with a 10s backoff, abort if
// done closes.
func (l *WLock) publish(done *Signal) (*consul.Session, bool) {
	for {
		if done.IsDone() {
			return nil, false
		}

		session, err := l.createAndPublish(done)
		if err == nil {
			log.Logf("[wlock] created session %s", session.ID())
			return session, true
		}

		log.Logf("[wlock] session/publish error, retrying in %s: %v", publishBackoff, err)
		if !sleepOrDone(publishBackoff, done) {
			return nil, false
		}
	}
}

func (l *WLock) createAndPublish(done *Signal) (*consul.Session, error) {
	ctx, cancel := signalContext(done)
	defer cancel()

	session := consul.NewSession(l.client)
	if err := session.Create(ctx, l.sessionTTL, consul.BehaviorDelete); err != nil {
		return nil, err
	}

	weight, _ := l.currentWeight()
	value, err := json.Marshal(contenderValue{Weight: &weight, Info: l.currentInfo()})
	if err != nil {
		return nil, err
	}

	ok, err := l.client.Put(ctx, l.prefix+"/"+session.ID(), value, nil, session.ID())
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("wlock: contender publish rejected for session %s", session.ID())
	}
	return session, nil
}

// acquireLoop implements spec §4.E steps 2-3: wait for eligibility, then
// race the CAS. A CAS failure loops back to waiting without churning the
// session (spec §9 Open Question 2).
func (l *WLock) acquireLoop(session *consul.Session, done *Signal) bool {
	for {
		entries, ok := l.waitEligible(session, done)
		if !ok {
			return false
		}

		snap := parseKVs(entries, l.prefix)
		acquired, ok := l.tryAcquireLock(session, snap, done)
		if !ok {
			return false
		}
		if acquired {
			return true
		}
		log.Logf("[wlock] cas failed for session %s, re-entering wait", session.ID())
	}
}

type snapshotMsg struct {
	entries []*consul.Entry
	snap    snapshot
}

// waitEligible implements spec §4.E step 2. It subscribes a KV Watcher to
// the whole prefix with consistent reads, recomputes eligibility on every
// snapshot, and manages the delay timer: starting it when eligible with a
// live holder, cancelling/restarting it on every new snapshot, and
// preempting the remaining wait whenever SetDelay changes the delay.
func (l *WLock) waitEligible(session *consul.Session, done *Signal) ([]*consul.Entry, bool) {
	changes := make(chan snapshotMsg, 1)

	opts := l.watchOpts
	opts.Key = l.prefix
	opts.Prefix = true
	opts.Consistent = true
	opts.OnChange = func(entries []*consul.Entry, idx uint64) {
		msg := snapshotMsg{entries: entries, snap: parseKVs(entries, l.prefix)}
		select {
		case changes <- msg:
		default:
			select {
			case <-changes:
			default:
			}
			changes <- msg
		}
	}
	w := watch.Watch(l.client, opts)
	defer w.Stop()

	var (
		latest     snapshotMsg
		delaying   bool
		delayStart time.Time
		timer      *time.Timer
		timerC     <-chan time.Time
	)
	stopTimer := func() {
		if timer != nil {
			timer.Stop()
			timer = nil
		}
		timerC = nil
		delaying = false
	}
	defer stopTimer()

	_, delayUpdated := l.currentDelay()

	for {
		select {
		case <-done.Done():
			return nil, false

		case msg := <-changes:
			latest = msg
			switch {
			case eligible(msg.snap, session.ID()) && !msg.snap.HolderPresent:
				log.Logf("[wlock] ready to lock with session %s", session.ID())
				return msg.entries, true

			case eligible(msg.snap, session.ID()):
				d, upd := l.currentDelay()
				delayUpdated = upd
				if d <= 0 {
					log.Logf("[wlock] ready to lock with session %s", session.ID())
					return msg.entries, true
				}
				delayStart = time.Now()
				delaying = true
				if timer != nil {
					timer.Stop()
				}
				timer = time.NewTimer(d)
				timerC = timer.C

			default:
				stopTimer()
			}

		case <-timerC:
			log.Logf("[wlock] ready to lock with session %s", session.ID())
			stopTimer()
			return latest.entries, true

		case <-delayUpdated:
			d, upd := l.currentDelay()
			delayUpdated = upd
			if delaying {
				remaining := d - time.Since(delayStart)
				if remaining < 0 {
					remaining = 0
				}
				if timer != nil {
					timer.Stop()
				}
				timer = time.NewTimer(remaining)
				timerC = timer.C
			}
		}
	}
}

// tryAcquireLock implements spec §4.E step 3's CAS race.
func (l *WLock) tryAcquireLock(session *consul.Session, snap snapshot, done *Signal) (acquired bool, ok bool) {
	value, err := json.Marshal(lockValue{Holder: session.ID(), Info: l.currentInfo()})
	if err != nil {
		log.Logf("[wlock] encode lock value: %v", err)
		return false, !done.IsDone()
	}

	var cas uint64
	if snap.LockEntry != nil {
		cas = snap.LockEntry.ModifyIndex
	}

	ctx, cancel := signalContext(done)
	defer cancel()

	res, err := l.client.Put(ctx, l.prefix+"/lock", value, &cas, "")
	if err != nil {
		log.Logf("[wlock] lock cas error: %v", err)
		return false, !done.IsDone()
	}
	return res, true
}

// startHoldWatcher implements spec §4.E step 3's hold monitor: it closes
// done as soon as a snapshot shows this session is no longer the live
// holder, or the watch itself errors.
func (l *WLock) startHoldWatcher(session *consul.Session, done *Signal) *watch.Watcher {
	opts := l.watchOpts
	opts.Key = l.prefix
	opts.Prefix = true
	opts.Consistent = true
	opts.OnChange = func(entries []*consul.Entry, idx uint64) {
		snap := parseKVs(entries, l.prefix)
		if !snap.HolderPresent || snap.Holder != session.ID() {
			log.Logf("[wlock] lost lock: holder changed for session %s", session.ID())
			metrics.LockLost.Inc()
			metrics.Held.Set(0)
			done.Close()
		}
	}
	opts.OnError = func(err error) {
		log.Logf("[wlock] hold watch error for session %s: %v", session.ID(), err)
		metrics.LockLost.Inc()
		metrics.Held.Set(0)
		done.Close()
	}
	return watch.Watch(l.client, opts)
}
