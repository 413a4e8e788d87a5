package wlock

import (
	"encoding/json"
	"strings"

	"github.com/google/uuid"

	"github.com/sotheh/tarantool-autovshard/consul"
)

// contenderValue is the JSON body of a contender key (spec §3 "Contender
// key"). Weight is a pointer so a missing or non-numeric "weight" field is
// distinguishable from an explicit zero weight, per the disqualification
// rule in spec §3 "Weight".
type contenderValue struct {
	Weight *float64    `json:"weight"`
	Info   interface{} `json:"info,omitempty"`
}

// lockValue is the JSON body of the lock key (spec §3 "Lock key").
type lockValue struct {
	Holder string      `json:"holder"`
	Info   interface{} `json:"info,omitempty"`
}

// snapshot is the pure projection of a prefix listing computed by parseKVs
// (spec §4.E step 2 and §8 testable property 5).
type snapshot struct {
	ContenderWeights map[string]float64
	Holder           string
	HolderPresent    bool
	MaxWeight        float64
	LockEntry        *consul.Entry
}

// parseKVs is a pure function: the same entries always produce the same
// snapshot (spec §8 property 5). It applies every invariant in spec §3:
// a contender key's last path segment must be a well-formed UUID that
// equals the entry's Session field; a lock key names a holder only if that
// holder is itself a live contender; and when two entries would both claim
// to be the lock key (which cannot legitimately happen at a single path,
// but is guarded regardless), only the one with the highest ModifyIndex is
// authoritative (spec §8 property 1).
func parseKVs(entries []*consul.Entry, prefix string) snapshot {
	snap := snapshot{ContenderWeights: map[string]float64{}}
	lockKey := prefix + "/lock"
	var lv lockValue
	haveLock := false

	for _, e := range entries {
		if e.Key == lockKey {
			var candidate lockValue
			if err := json.Unmarshal(e.Value, &candidate); err != nil {
				continue
			}
			if snap.LockEntry == nil || e.ModifyIndex > snap.LockEntry.ModifyIndex {
				snap.LockEntry = e
				lv = candidate
				haveLock = true
			}
			continue
		}

		rel := strings.TrimPrefix(e.Key, prefix+"/")
		if rel == e.Key || strings.Contains(rel, "/") {
			continue
		}
		if _, err := uuid.Parse(rel); err != nil {
			continue
		}
		if rel != e.Session {
			continue
		}

		var cv contenderValue
		if err := json.Unmarshal(e.Value, &cv); err != nil || cv.Weight == nil {
			continue
		}
		snap.ContenderWeights[rel] = *cv.Weight
	}

	for _, w := range snap.ContenderWeights {
		if w > snap.MaxWeight {
			snap.MaxWeight = w
		}
	}

	if haveLock {
		if _, ok := snap.ContenderWeights[lv.Holder]; ok {
			snap.Holder = lv.Holder
			snap.HolderPresent = true
		}
	}

	return snap
}

// eligible implements spec §4.E step 2 / GLOSSARY "Eligible": self carries
// the maximum weight, and any current holder has strictly smaller weight.
func eligible(snap snapshot, selfID string) bool {
	self, ok := snap.ContenderWeights[selfID]
	if !ok || self < snap.MaxWeight {
		return false
	}
	if snap.HolderPresent {
		if holderWeight := snap.ContenderWeights[snap.Holder]; !(holderWeight < snap.MaxWeight) {
			return false
		}
	}
	return true
}
