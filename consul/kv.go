package consul

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"
)

// Entry is a KV record (spec §3 "KV entry"). Equality is field-wise over
// exactly these fields.
type Entry struct {
	Key         string
	Value       []byte
	CreateIndex uint64
	ModifyIndex uint64
	LockIndex   uint64
	Flags       uint64
	Session     string
}

// Equal reports whether e and other carry the same field values.
func (e *Entry) Equal(other *Entry) bool {
	if e == nil || other == nil {
		return e == other
	}
	if e.Key != other.Key || e.CreateIndex != other.CreateIndex ||
		e.ModifyIndex != other.ModifyIndex || e.LockIndex != other.LockIndex ||
		e.Flags != other.Flags || e.Session != other.Session {
		return false
	}
	if len(e.Value) != len(other.Value) {
		return false
	}
	for i := range e.Value {
		if e.Value[i] != other.Value[i] {
			return false
		}
	}
	return true
}

// EntriesEqual compares two ordered entry sequences field-wise.
func EntriesEqual(a, b []*Entry) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !a[i].Equal(b[i]) {
			return false
		}
	}
	return true
}

// wireEntry is the JSON shape the backend transports; Value is base64.
type wireEntry struct {
	Key         string
	Value       string
	CreateIndex uint64
	ModifyIndex uint64
	LockIndex   uint64
	Flags       uint64
	Session     string
}

func (w *wireEntry) decode() (*Entry, error) {
	var v []byte
	if w.Value != "" {
		var err error
		v, err = base64.StdEncoding.DecodeString(w.Value)
		if err != nil {
			return nil, fmt.Errorf("consul: decode value for %s: %w", w.Key, err)
		}
	}
	return &Entry{
		Key:         w.Key,
		Value:       v,
		CreateIndex: w.CreateIndex,
		ModifyIndex: w.ModifyIndex,
		LockIndex:   w.LockIndex,
		Flags:       w.Flags,
		Session:     w.Session,
	}, nil
}

// GetOptions configures a Get/GetPrefix call.
type GetOptions struct {
	// Wait turns the call into a blocking query: the server holds the
	// request open until its index for the key(s) advances past Index or
	// Wait elapses.
	Wait time.Duration
	// Index is the last index the caller observed; zero means "no index",
	// i.e. return immediately with the current value.
	Index uint64
	// Consistent forces a consistent (leader) read.
	Consistent bool
}

func indexHeader(h http.Header) (uint64, error) {
	raw := h.Get("X-Consul-Index")
	if raw == "" {
		return 0, &InvariantError{Msg: "missing X-Consul-Index header"}
	}
	idx, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, &InvariantError{Msg: "non-numeric X-Consul-Index header: " + raw}
	}
	if idx <= 0 {
		return 0, &InvariantError{Msg: "non-positive index"}
	}
	return idx, nil
}

func uintPtrStr(v uint64) *string {
	s := strconv.FormatUint(v, 10)
	return &s
}

func durationPtrStr(d time.Duration) *string {
	s := fmt.Sprintf("%ds", int(d.Seconds()))
	return &s
}

// Get fetches a single key. It returns (nil, index, nil) if the key does
// not exist (spec §4.B item 3: a 404 is "no value" with a valid index).
func (c *Client) Get(ctx context.Context, key string, opts GetOptions) (*Entry, uint64, error) {
	req := c.newRequest(ctx, http.MethodGet).Path("kv/" + key)
	req = applyGetOptions(req, opts)
	if opts.Wait > 0 {
		req = req.Timeout(opts.Wait + DefaultTimeout)
	}

	res, err := req.Do()
	if err != nil {
		return nil, 0, err
	}

	if res.Status == http.StatusNotFound {
		idx, ierr := indexHeader(res.Header)
		if ierr != nil {
			return nil, 0, ierr
		}
		return nil, idx, nil
	}
	if err := res.Err("kv-get", http.StatusOK); err != nil {
		return nil, 0, err
	}

	idx, err := indexHeader(res.Header)
	if err != nil {
		return nil, 0, err
	}

	var wire []wireEntry
	if err := json.Unmarshal(res.Body, &wire); err != nil {
		return nil, 0, fmt.Errorf("consul: decode kv-get response: %w", err)
	}
	if len(wire) == 0 {
		return nil, idx, nil
	}
	entry, err := wire[0].decode()
	if err != nil {
		return nil, 0, err
	}
	return entry, idx, nil
}

// GetPrefix fetches every entry under prefix, ordered as returned by the
// backend (lexicographic).
func (c *Client) GetPrefix(ctx context.Context, prefix string, opts GetOptions) ([]*Entry, uint64, error) {
	req := c.newRequest(ctx, http.MethodGet).Path("kv/" + prefix).Flag("recurse", true)
	req = applyGetOptions(req, opts)
	if opts.Wait > 0 {
		req = req.Timeout(opts.Wait + DefaultTimeout)
	}

	res, err := req.Do()
	if err != nil {
		return nil, 0, err
	}

	if res.Status == http.StatusNotFound {
		idx, ierr := indexHeader(res.Header)
		if ierr != nil {
			return nil, 0, ierr
		}
		return nil, idx, nil
	}
	if err := res.Err("kv-get-prefix", http.StatusOK); err != nil {
		return nil, 0, err
	}

	idx, err := indexHeader(res.Header)
	if err != nil {
		return nil, 0, err
	}

	var wire []wireEntry
	if err := json.Unmarshal(res.Body, &wire); err != nil {
		return nil, 0, fmt.Errorf("consul: decode kv-get-prefix response: %w", err)
	}
	entries := make([]*Entry, 0, len(wire))
	for i := range wire {
		e, err := wire[i].decode()
		if err != nil {
			return nil, 0, err
		}
		entries = append(entries, e)
	}
	return entries, idx, nil
}

func applyGetOptions(req *request, opts GetOptions) *request {
	if opts.Wait > 0 {
		req = req.Param("wait", durationPtrStr(opts.Wait))
		req = req.Param("index", uintPtrStr(opts.Index))
	}
	req = req.Flag("consistent", opts.Consistent)
	return req
}

// Put writes value at key. cas, if non-nil, makes the write atomic against
// modify_index==*cas (*cas==0 means "create, must not exist"). acquire, if
// non-empty, makes the entry session-acquired by that session id; the call
// returns false if another session already holds it.
func (c *Client) Put(ctx context.Context, key string, value []byte, cas *uint64, acquire string) (bool, error) {
	req := c.newRequest(ctx, http.MethodPut).Path("kv/" + key).Body(value)
	if cas != nil {
		req = req.Param("cas", uintPtrStr(*cas))
	}
	if acquire != "" {
		req = req.Param("acquire", &acquire)
	}

	res, err := req.Do()
	if err != nil {
		return false, err
	}
	if err := res.Err("kv-put", http.StatusOK); err != nil {
		return false, err
	}
	return decodeBool(res.Body)
}

// Delete removes key, optionally CAS-guarded.
func (c *Client) Delete(ctx context.Context, key string, cas *uint64) (bool, error) {
	req := c.newRequest(ctx, http.MethodDelete).Path("kv/" + key)
	if cas != nil {
		req = req.Param("cas", uintPtrStr(*cas))
	}

	res, err := req.Do()
	if err != nil {
		return false, err
	}
	if err := res.Err("kv-delete", http.StatusOK); err != nil {
		return false, err
	}
	return decodeBool(res.Body)
}

func decodeBool(body []byte) (bool, error) {
	var b bool
	if err := json.Unmarshal(body, &b); err != nil {
		return false, fmt.Errorf("consul: decode boolean response: %w", err)
	}
	return b, nil
}
