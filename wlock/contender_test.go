package wlock

import (
	"encoding/json"
	"testing"

	"github.com/sotheh/tarantool-autovshard/consul"
)

const (
	uuidA = "11111111-1111-1111-1111-111111111111"
	uuidB = "22222222-2222-2222-2222-222222222222"
)

func contenderEntry(prefix, id string, weight float64) *consul.Entry {
	v, _ := json.Marshal(contenderValue{Weight: &weight})
	return &consul.Entry{Key: prefix + "/" + id, Value: v, Session: id, ModifyIndex: 1}
}

func lockEntry(prefix, holder string, modifyIndex uint64) *consul.Entry {
	v, _ := json.Marshal(lockValue{Holder: holder})
	return &consul.Entry{Key: prefix + "/lock", Value: v, ModifyIndex: modifyIndex}
}

func TestParseKVsIgnoresNonUUIDSegment(t *testing.T) {
	e := &consul.Entry{Key: "p/not-a-uuid", Value: []byte(`{"weight":1}`), Session: "not-a-uuid"}
	snap := parseKVs([]*consul.Entry{e}, "p")
	if len(snap.ContenderWeights) != 0 {
		t.Fatalf("expected non-UUID segment to be ignored, got %+v", snap.ContenderWeights)
	}
}

func TestParseKVsIgnoresSessionMismatch(t *testing.T) {
	e := contenderEntry("p", uuidA, 1)
	e.Session = uuidB // key segment and Session field disagree
	snap := parseKVs([]*consul.Entry{e}, "p")
	if len(snap.ContenderWeights) != 0 {
		t.Fatalf("expected session-mismatched entry to be ignored, got %+v", snap.ContenderWeights)
	}
}

func TestParseKVsIgnoresMissingWeight(t *testing.T) {
	e := &consul.Entry{Key: "p/" + uuidA, Value: []byte(`{"info":"x"}`), Session: uuidA}
	snap := parseKVs([]*consul.Entry{e}, "p")
	if len(snap.ContenderWeights) != 0 {
		t.Fatalf("expected missing-weight entry to be disqualified, got %+v", snap.ContenderWeights)
	}
}

func TestParseKVsHolderMustBeLiveContender(t *testing.T) {
	lock := lockEntry("p", uuidA, 5)
	// no contender entry for uuidA
	snap := parseKVs([]*consul.Entry{lock}, "p")
	if snap.HolderPresent {
		t.Fatalf("expected holder without a live contender entry to be treated as absent")
	}
}

func TestParseKVsHighestModifyIndexWinsForAmbiguousLock(t *testing.T) {
	older := lockEntry("p", uuidA, 3)
	newer := lockEntry("p", uuidB, 7)
	contenderA := contenderEntry("p", uuidA, 1)
	contenderB := contenderEntry("p", uuidB, 1)
	snap := parseKVs([]*consul.Entry{older, newer, contenderA, contenderB}, "p")
	if snap.Holder != uuidB {
		t.Fatalf("expected the higher ModifyIndex lock entry to win, got holder=%s", snap.Holder)
	}
}

func TestParseKVsComputesMaxWeight(t *testing.T) {
	entries := []*consul.Entry{
		contenderEntry("p", uuidA, 1),
		contenderEntry("p", uuidB, 5),
	}
	snap := parseKVs(entries, "p")
	if snap.MaxWeight != 5 {
		t.Fatalf("expected max weight 5, got %v", snap.MaxWeight)
	}
}

func TestParseKVsIsPure(t *testing.T) {
	entries := []*consul.Entry{
		contenderEntry("p", uuidA, 3),
		contenderEntry("p", uuidB, 1),
		lockEntry("p", uuidA, 2),
	}
	first := parseKVs(entries, "p")
	second := parseKVs(entries, "p")
	if first.Holder != second.Holder || first.MaxWeight != second.MaxWeight {
		t.Fatalf("expected parseKVs to be pure, got %+v then %+v", first, second)
	}
}

func TestEligibleRequiresMaxWeight(t *testing.T) {
	snap := snapshot{
		ContenderWeights: map[string]float64{uuidA: 1, uuidB: 5},
		MaxWeight:        5,
	}
	if eligible(snap, uuidA) {
		t.Fatalf("contender below max weight must not be eligible")
	}
	if !eligible(snap, uuidB) {
		t.Fatalf("contender at max weight must be eligible when no holder present")
	}
}

func TestEligibleEqualWeightKeepsIncumbent(t *testing.T) {
	snap := snapshot{
		ContenderWeights: map[string]float64{uuidA: 5, uuidB: 5},
		MaxWeight:        5,
		Holder:           uuidA,
		HolderPresent:    true,
	}
	if eligible(snap, uuidB) {
		t.Fatalf("equal weight must not preempt the incumbent holder")
	}
}

func TestEligibleStrictlyGreaterWeightPreempts(t *testing.T) {
	snap := snapshot{
		ContenderWeights: map[string]float64{uuidA: 3, uuidB: 9},
		MaxWeight:        9,
		Holder:           uuidA,
		HolderPresent:    true,
	}
	if !eligible(snap, uuidB) {
		t.Fatalf("strictly greater weight must preempt the incumbent holder")
	}
}
