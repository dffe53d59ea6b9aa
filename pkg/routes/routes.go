// Package routes keeps track of which links have been known to deliver
// announcements from which addresses, and selects the best currently
// known link towards a destination.
package routes

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/irdest/ratman/pkg/journal"
	"github.com/irdest/ratman/pkg/links"
	"github.com/irdest/ratman/pkg/types"
)

// State describes the liveness of one route entry.
type State uint8

const (
	// StateActive entries receive announcements and are selectable.
	StateActive State = iota
	// StateIdle entries went quiet after having recovered before; they
	// are kept for re-use but never selected while an active entry
	// exists.
	StateIdle
	// StateLost entries went quiet on first acquaintance. Never
	// selected.
	StateLost
)

func (s State) String() string {
	switch s {
	case StateActive:
		return "active"
	case StateIdle:
		return "idle"
	case StateLost:
		return "lost"
	}
	return "invalid"
}

// maxLinksPerAddr bounds link associations kept per address; the oldest
// is evicted beyond this.
const maxLinksPerAddr = 5

// Entry is the routing state for one (address, link, neighbour) triple.
type Entry struct {
	Addr      types.Address   `json:"addr"`
	Link      links.LinkID    `json:"link"`
	Neighbour types.Neighbour `json:"neighbour"`

	State    State     `json:"state"`
	LastSeen time.Time `json:"last_seen"`
	// OriginStamp is the newest origin timestamp observed; older
	// announcements are ignored (timestamps are advisory, not epochs).
	OriginStamp time.Time `json:"origin_stamp"`
	// Recovered is set once the entry has re-announced after going
	// quiet; it decides idle-versus-lost on the next timeout.
	Recovered bool `json:"recovered"`

	MTU            uint16 `json:"mtu"`
	SizeHint       uint16 `json:"size_hint"`
	WriteBandwidth uint64 `json:"write_bandwidth"`
	ReadBandwidth  uint64 `json:"read_bandwidth"`
}

// score orders selectable entries: state rank first, then a bandwidth
// component, then recency. Lost entries are never selected at all.
func (e *Entry) score() (rank int, component uint64) {
	switch e.State {
	case StateActive:
		rank = 2
	case StateIdle:
		rank = 1
	}
	return rank, e.ReadBandwidth/1024 + uint64(e.MTU)/16
}

func (e *Entry) better(o *Entry) bool {
	er, ec := e.score()
	or, oc := o.score()
	if er != or {
		return er > or
	}
	if ec != oc {
		return ec > oc
	}
	return e.LastSeen.After(o.LastSeen)
}

type entryKey struct {
	link      links.LinkID
	neighbour types.Neighbour
}

// Table is the routing table: address → set of scored link associations.
type Table struct {
	log  zerolog.Logger
	page *journal.Page

	mu sync.RWMutex
	m  map[types.Address]map[entryKey]*Entry
}

// NewTable builds a table persisting through page (may be nil for
// tests).
func NewTable(log zerolog.Logger, page *journal.Page) *Table {
	return &Table{
		log:  log.With().Str("component", "routes").Logger(),
		page: page,
		m:    make(map[types.Address]map[entryKey]*Entry),
	}
}

// Load restores persisted entries. Entries come back as idle: whether
// the peer is still there will be decided by its next announcement.
func (t *Table) Load(ctx context.Context) error {
	if t.page == nil {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.page.Each(ctx, func(key string, value []byte) bool {
		var e Entry
		if err := json.Unmarshal(value, &e); err != nil {
			t.log.Warn().Str("key", key).Err(err).Msg("drop corrupt route entry")
			return true
		}
		if e.State == StateActive {
			e.State = StateIdle
		}
		es, ok := t.m[e.Addr]
		if !ok {
			es = make(map[entryKey]*Entry)
			t.m[e.Addr] = es
		}
		es[entryKey{e.Link, e.Neighbour}] = &e
		return true
	})
}

// Update applies one verified announcement received for addr from
// neighbour on link. It reports whether the address became reachable
// (no active entry existed before).
func (t *Table) Update(ctx context.Context, e Entry) (nowReachable bool, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	es, ok := t.m[e.Addr]
	if !ok {
		es = make(map[entryKey]*Entry)
		t.m[e.Addr] = es
	}

	hadActive := false
	for _, cur := range es {
		if cur.State == StateActive {
			hadActive = true
			break
		}
	}

	key := entryKey{e.Link, e.Neighbour}
	cur, ok := es[key]
	if !ok {
		cur = &Entry{Addr: e.Addr, Link: e.Link, Neighbour: e.Neighbour, State: StateActive}
		cur.LastSeen = time.Now()
		es[key] = cur
		t.evictOldest(es)
	} else {
		if !cur.OriginStamp.IsZero() && e.OriginStamp.Before(cur.OriginStamp) {
			return false, nil
		}
		switch cur.State {
		case StateLost:
			// a lost peer earns idle first, active on the next announce
			cur.State = StateIdle
			cur.Recovered = true
		case StateIdle:
			cur.State = StateActive
			cur.Recovered = true
		}
	}

	cur.LastSeen = time.Now()
	cur.OriginStamp = e.OriginStamp
	cur.MTU = e.MTU
	cur.SizeHint = e.SizeHint
	cur.WriteBandwidth = e.WriteBandwidth
	cur.ReadBandwidth = e.ReadBandwidth

	if err := t.persist(ctx, cur); err != nil {
		return false, err
	}
	return !hadActive && cur.State == StateActive, nil
}

// Best selects the route for outbound traffic to addr: the active entry
// with the highest score, ties broken by recency. Idle entries are only
// returned when no active entry exists; lost entries never.
func (t *Table) Best(addr types.Address) (Entry, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var best *Entry
	for _, e := range t.m[addr] {
		if e.State == StateLost {
			continue
		}
		if best == nil || e.better(best) {
			best = e
		}
	}
	if best == nil {
		return Entry{}, false
	}
	return *best, true
}

// Reachable reports whether addr has at least one active entry.
func (t *Table) Reachable(addr types.Address) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, e := range t.m[addr] {
		if e.State == StateActive {
			return true
		}
	}
	return false
}

// Sweep demotes entries that missed announcements for longer than
// 3×announceDelay: to idle if they have recovered before, to lost
// otherwise.
func (t *Table) Sweep(ctx context.Context, announceDelay time.Duration) {
	deadline := time.Now().Add(-3 * announceDelay)

	t.mu.Lock()
	defer t.mu.Unlock()
	for _, es := range t.m {
		for _, e := range es {
			if e.State != StateActive || e.LastSeen.After(deadline) {
				continue
			}
			if e.Recovered {
				e.State = StateIdle
			} else {
				e.State = StateLost
			}
			t.log.Debug().
				Stringer("addr", e.Addr).
				Uint16("link", uint16(e.Link)).
				Stringer("state", e.State).
				Msg("route went quiet")
			if err := t.persist(ctx, e); err != nil {
				t.log.Warn().Err(err).Msg("persist route entry")
			}
		}
	}
}

// Snapshot returns a copy of every entry, for inspection.
func (t *Table) Snapshot() []Entry {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var out []Entry
	for _, es := range t.m {
		for _, e := range es {
			out = append(out, *e)
		}
	}
	return out
}

func (t *Table) evictOldest(es map[entryKey]*Entry) {
	for len(es) > maxLinksPerAddr {
		var (
			oldest    entryKey
			oldestAt  time.Time
			first     = true
			oldestPtr *Entry
		)
		for k, e := range es {
			if first || e.LastSeen.Before(oldestAt) {
				oldest, oldestAt, oldestPtr, first = k, e.LastSeen, e, false
			}
		}
		delete(es, oldest)
		if t.page != nil && oldestPtr != nil {
			if err := t.page.Delete(context.Background(), routeKey(oldestPtr)); err != nil {
				t.log.Warn().Err(err).Msg("drop evicted route entry")
			}
		}
	}
}

func routeKey(e *Entry) string {
	return e.Addr.String() + "/" + e.Neighbour.String() + "@" + e.Link.String()
}

func (t *Table) persist(ctx context.Context, e *Entry) error {
	if t.page == nil {
		return nil
	}
	buf, err := json.Marshal(e)
	if err != nil {
		return err
	}
	return t.page.Put(ctx, routeKey(e), buf)
}
