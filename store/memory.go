package store

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/googleapis/gax-go/v2"
)

const maxTxAttempts = 5

// Memory implements Store for tests and local development. Documents are
// versioned; a transaction records the version of everything it read and a
// commit is rejected when any of those versions moved, giving the same
// optimistic-retry behavior the Firestore backend provides.
type Memory struct {
	mu        sync.Mutex
	docs      map[Ref]map[string]any
	versions  map[Ref]int64
	watchers  map[Ref]map[int]func(Snapshot)
	nextWatch int

	// BeforeCommit, when set, runs before each commit attempt outside the
	// store lock. Tests use it to interleave conflicting writes.
	BeforeCommit func(attempt int)
}

func NewMemory() *Memory {
	return &Memory{
		docs:     make(map[Ref]map[string]any),
		versions: make(map[Ref]int64),
		watchers: make(map[Ref]map[int]func(Snapshot)),
	}
}

func toDocument(v any) (map[string]any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Memory) snapshotLocked(ref Ref) Snapshot {
	data, ok := m.docs[ref]
	return NewSnapshot(ref.ID, ok, data)
}

func (m *Memory) Get(_ context.Context, ref Ref) (Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked(ref), nil
}

func (m *Memory) Set(_ context.Context, ref Ref, v any) error {
	data, err := toDocument(v)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.docs[ref] = data
	m.versions[ref]++
	fns := m.watchersLocked(ref)
	snap := m.snapshotLocked(ref)
	m.mu.Unlock()
	notify(fns, snap)
	return nil
}

func (m *Memory) Delete(_ context.Context, ref Ref) error {
	m.mu.Lock()
	delete(m.docs, ref)
	m.versions[ref]++
	fns := m.watchersLocked(ref)
	snap := m.snapshotLocked(ref)
	m.mu.Unlock()
	notify(fns, snap)
	return nil
}

func (m *Memory) NewID(string) string { return uuid.NewString() }

func (m *Memory) watchersLocked(ref Ref) []func(Snapshot) {
	fns := make([]func(Snapshot), 0, len(m.watchers[ref]))
	for _, fn := range m.watchers[ref] {
		fns = append(fns, fn)
	}
	return fns
}

func notify(fns []func(Snapshot), snap Snapshot) {
	for _, fn := range fns {
		fn(snap)
	}
}

type memWrite struct {
	ref  Ref
	data map[string]any // nil means delete
}

type memTx struct {
	m      *Memory
	reads  map[Ref]int64
	writes []memWrite
}

func (t *memTx) Get(ref Ref) (Snapshot, error) {
	if len(t.writes) > 0 {
		return Snapshot{}, fmt.Errorf("transaction read after write: %s/%s", ref.Collection, ref.ID)
	}
	t.m.mu.Lock()
	defer t.m.mu.Unlock()
	if _, seen := t.reads[ref]; !seen {
		t.reads[ref] = t.m.versions[ref]
	}
	return t.m.snapshotLocked(ref), nil
}

func (t *memTx) Set(ref Ref, v any) error {
	data, err := toDocument(v)
	if err != nil {
		return err
	}
	t.writes = append(t.writes, memWrite{ref: ref, data: data})
	return nil
}

func (t *memTx) Delete(ref Ref) error {
	t.writes = append(t.writes, memWrite{ref: ref})
	return nil
}

// commit validates the read-set and applies the buffered writes atomically.
// It reports false when a concurrent commit moved any read document.
func (m *Memory) commit(t *memTx) (fns []func(), ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for ref, version := range t.reads {
		if m.versions[ref] != version {
			return nil, false
		}
	}
	for _, w := range t.writes {
		if w.data == nil {
			delete(m.docs, w.ref)
		} else {
			m.docs[w.ref] = w.data
		}
		m.versions[w.ref]++
		snap := m.snapshotLocked(w.ref)
		for _, fn := range m.watchersLocked(w.ref) {
			fn := fn
			fns = append(fns, func() { fn(snap) })
		}
	}
	return fns, true
}

func (m *Memory) RunTransaction(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	backoff := gax.Backoff{
		Initial:    10 * time.Millisecond,
		Max:        time.Second,
		Multiplier: 2,
	}
	for attempt := 0; attempt < maxTxAttempts; attempt++ {
		tx := &memTx{m: m, reads: make(map[Ref]int64)}
		if err := fn(ctx, tx); err != nil {
			return err
		}
		if m.BeforeCommit != nil {
			m.BeforeCommit(attempt)
		}
		if fns, ok := m.commit(tx); ok {
			for _, fn := range fns {
				fn()
			}
			return nil
		}
		if err := gax.Sleep(ctx, backoff.Pause()); err != nil {
			return err
		}
	}
	return fmt.Errorf("%w: retry budget exhausted", ErrAborted)
}

func (m *Memory) Query(_ context.Context, q Query) ([]Snapshot, error) {
	m.mu.Lock()
	type row struct {
		id   string
		data map[string]any
	}
	var rows []row
	for ref, data := range m.docs {
		if ref.Collection != q.Collection {
			continue
		}
		if matches(q.Filters, ref.ID, data) {
			rows = append(rows, row{id: ref.ID, data: data})
		}
	}
	m.mu.Unlock()

	sort.Slice(rows, func(i, j int) bool {
		a := fieldValue(q.OrderBy, rows[i].id, rows[i].data)
		b := fieldValue(q.OrderBy, rows[j].id, rows[j].data)
		if less, eq := compare(a, b); !eq {
			if q.Desc {
				return !less
			}
			return less
		}
		return rows[i].id < rows[j].id
	})

	if q.StartAfter != "" {
		at := -1
		for i, r := range rows {
			if r.id == q.StartAfter {
				at = i
				break
			}
		}
		if at == -1 {
			return nil, fmt.Errorf("%w: cursor %s", ErrNotFound, q.StartAfter)
		}
		rows = rows[at+1:]
	}
	if q.Limit > 0 && len(rows) > q.Limit {
		rows = rows[:q.Limit]
	}

	result := make([]Snapshot, 0, len(rows))
	for _, r := range rows {
		result = append(result, NewSnapshot(r.id, true, r.data))
	}
	return result, nil
}

func (m *Memory) Watch(ctx context.Context, ref Ref, fn func(Snapshot)) (func(), error) {
	m.mu.Lock()
	id := m.nextWatch
	m.nextWatch++
	if m.watchers[ref] == nil {
		m.watchers[ref] = make(map[int]func(Snapshot))
	}
	m.watchers[ref][id] = fn
	snap := m.snapshotLocked(ref)
	m.mu.Unlock()

	// initial snapshot, as a document listener delivers one
	fn(snap)

	stop := func() {
		m.mu.Lock()
		delete(m.watchers[ref], id)
		m.mu.Unlock()
	}
	go func() {
		<-ctx.Done()
		stop()
	}()
	return stop, nil
}

func fieldValue(field, id string, data map[string]any) any {
	if field == "" || field == DocumentID {
		return id
	}
	return data[field]
}

func matches(filters []Filter, id string, data map[string]any) bool {
	for _, f := range filters {
		v := fieldValue(f.Field, id, data)
		switch f.Op {
		case OpEqual:
			if !reflect.DeepEqual(normalize(f.Value), v) {
				return false
			}
		case OpIn:
			if !contains(f.Value, v) {
				return false
			}
		case OpNotIn:
			if contains(f.Value, v) {
				return false
			}
		default:
			return false
		}
	}
	return true
}

func contains(list any, v any) bool {
	ids, ok := list.([]string)
	if !ok {
		return false
	}
	s, ok := v.(string)
	if !ok {
		return false
	}
	for _, id := range ids {
		if id == s {
			return true
		}
	}
	return false
}

// normalize passes a filter value through the same JSON round-trip stored
// documents went through, so equality compares like with like.
func normalize(v any) any {
	raw, err := json.Marshal(v)
	if err != nil {
		return v
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return v
	}
	return out
}

func compare(a, b any) (less, eq bool) {
	switch av := a.(type) {
	case string:
		bv, _ := b.(string)
		return av < bv, av == bv
	case float64:
		bv, _ := b.(float64)
		return av < bv, av == bv
	}
	as, bs := fmt.Sprint(a), fmt.Sprint(b)
	return as < bs, as == bs
}
