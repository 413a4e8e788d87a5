package wlock

import (
	"context"
	"encoding/json"
	"time"

	"github.com/sotheh/tarantool-autovshard/consul"
	log "github.com/sotheh/tarantool-autovshard/internal/log"
	"github.com/sotheh/tarantool-autovshard/internal/metrics"
)

// renew is the background renewer task of spec §4.E: it keeps session
// alive until done closes, republishing the contender key whenever the
// configured weight changes, and self-demotes (closes done) on any renew
// or republish failure.
func (l *WLock) renew(session *consul.Session, done *Signal, finished chan<- struct{}) {
	defer close(finished)
	defer l.destroySession(session)

	cachedWeight, weightUpdated := l.currentWeight()
	tick := time.Duration(float64(l.sessionTTL) * 0.66)

	for {
		timer := time.NewTimer(tick)
		select {
		case <-timer.C:
		case <-weightUpdated:
			timer.Stop()
		case <-done.Done():
			timer.Stop()
			return
		}

		if done.IsDone() {
			return
		}

		ctx, cancel := signalContext(done)
		ok, err := session.Renew(ctx)
		cancel()
		if err != nil {
			log.Logf("[wlock] renew session %s error: %v", session.ID(), err)
			metrics.SessionRenewFailures.Inc()
			done.Close()
			return
		}
		if !ok {
			log.Logf("[wlock] session %s invalidated, renew returned not-found", session.ID())
			metrics.SessionRenewFailures.Inc()
			done.Close()
			return
		}

		weight, updated := l.currentWeight()
		weightUpdated = updated
		if weight != cachedWeight {
			if err := l.republish(session, weight, done); err != nil {
				log.Logf("[wlock] republish contender %s error: %v", session.ID(), err)
				done.Close()
				return
			}
			cachedWeight = weight
		}
	}
}

func (l *WLock) republish(session *consul.Session, weight float64, done *Signal) error {
	value, err := json.Marshal(contenderValue{Weight: &weight, Info: l.currentInfo()})
	if err != nil {
		return err
	}

	ctx, cancel := signalContext(done)
	defer cancel()

	ok, err := l.client.Put(ctx, l.prefix+"/"+session.ID(), value, nil, session.ID())
	if err != nil {
		return err
	}
	if !ok {
		return errRepublishRejected(session.ID())
	}
	return nil
}

func (l *WLock) destroySession(session *consul.Session) {
	ctx, cancel := context.WithTimeout(context.Background(), consul.DefaultTimeout)
	defer cancel()

	if _, err := session.Destroy(ctx); err != nil {
		log.Logf("[wlock] destroy session %s error: %v", session.ID(), err)
		return
	}
	log.Logf("[wlock] released and destroyed session %s", session.ID())
}
