// Package route implements the endpoint/key representation, wildcard and
// longest-prefix matching, and the route table described in spec.md §3 and
// §4.2: an ordered collection of routes keyed on an 8-tuple (family,
// protocol, remote/local address-prefix, remote/local port, remote/local
// interface), each entry carrying a disposition (greenlisted/penaltyboxed),
// an optional parent event, a fixed-size private-data blob, and hit
// counters.
//
// The longest-prefix index is a small binary trie keyed on the
// remote-address bits only; local addresses are not indexed and are
// checked by matches() for every candidate. It is grounded on the bit-wise
// prefix-trie pattern of the yanet2 rib.go MapTrie and the ethersphere
// proximity-order trie in the retrieved examples. It exists purely to
// prune candidates by remote-address prefix; the full specificity
// ordering of §4.2 (wildcard count, then remote prefix, then local prefix,
// then exact iface/proto/port, then direction) is still applied across all
// candidates a trie walk surfaces. LookupBest considers only those
// candidates; there is no separate linear scan over every route.
package route

import (
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/nbtaylor/polifence/clockwork"
	"github.com/nbtaylor/polifence/errs"
	"github.com/nbtaylor/polifence/idalloc"
)

// MaxAddrBytes bounds the address representation at a compile-time maximum
// width, per spec.md §3 ("bounded by a compile-time maximum address
// width"). 16 bytes covers both IPv4 (4) and IPv6 (16).
const MaxAddrBytes = 16

// Family identifies an address family.
type Family uint8

const (
	FamilyUnspec Family = 0
	FamilyInet   Family = 1 // IPv4
	FamilyInet6  Family = 2 // IPv6
)

// Proto identifies a transport protocol, mirroring IANA protocol numbers
// closely enough for test purposes (TCP=6, UDP=17); the engine treats it as
// an opaque comparable value.
type Proto uint8

const (
	ProtoTCP Proto = 6
	ProtoUDP Proto = 17
)

// Endpoint is one side (remote or local) of a flow: address family,
// protocol, port, address bytes (stored as given; matching reads only the
// first PrefixBits bits), an interface id,
// and the prefix length in bits (0 means "wildcard address" when the
// corresponding Flags wildcard bit is set).
type Endpoint struct {
	Family     Family             `json:"family"`
	Proto      Proto              `json:"proto"`
	Port       uint16             `json:"port"`
	Addr       [MaxAddrBytes]byte `json:"addr"`
	PrefixBits uint8              `json:"prefix_bits"`
	Iface      uint32             `json:"iface"`
}

// AddrLen returns the number of significant address bytes for Family (4 for
// IPv4, 16 for IPv6, 0 for unspecified).
func (f Family) AddrLen() int {
	switch f {
	case FamilyInet:
		return 4
	case FamilyInet6:
		return 16
	default:
		return 0
	}
}

// Flags is the route flags bitset of spec.md §3: direction, the eight
// per-field wildcard bits, disposition, and the tcplike-port-numbers hint.
type Flags uint32

const (
	DirectionIn Flags = 1 << iota
	DirectionOut
	FamilyWildcard
	ProtoWildcard
	RemotePortWildcard
	LocalPortWildcard
	RemoteAddrWildcard
	LocalAddrWildcard
	RemoteIfaceWildcard
	LocalIfaceWildcard
	Greenlisted
	Penaltyboxed
	TCPLikePortNumbers
)

// wildcardMask is every wildcard bit, used to derive the matchable subset of
// a key's flags (spec.md §3's "flags-masked-to-matchable").
const wildcardMask = FamilyWildcard | ProtoWildcard | RemotePortWildcard | LocalPortWildcard |
	RemoteAddrWildcard | LocalAddrWildcard | RemoteIfaceWildcard | LocalIfaceWildcard

// Has reports whether all bits of mask are set in f.
func (f Flags) Has(mask Flags) bool { return f&mask == mask }

// Any reports whether any bit of mask is set in f.
func (f Flags) Any(mask Flags) bool { return f&mask != 0 }

// wildcardCount returns the number of wildcard bits set in f.
func (f Flags) wildcardCount() int {
	n := 0
	for m := f & wildcardMask; m != 0; m &= m - 1 {
		n++
	}
	return n
}

// Validate checks the route-flags invariants of spec.md §3: for every
// wildcard bit set, the corresponding endpoint field must be zero; at most
// one of Greenlisted/Penaltyboxed may be set.
func Validate(remote, local Endpoint, flags Flags) errs.Code {
	if flags.Has(Greenlisted) && flags.Has(Penaltyboxed) {
		return errs.InvalidArg
	}
	if flags.Has(FamilyWildcard) && (remote.Family != FamilyUnspec || local.Family != FamilyUnspec) {
		return errs.InvalidArg
	}
	if flags.Has(ProtoWildcard) && (remote.Proto != 0 || local.Proto != 0) {
		return errs.InvalidArg
	}
	if flags.Has(RemotePortWildcard) && remote.Port != 0 {
		return errs.InvalidArg
	}
	if flags.Has(LocalPortWildcard) && local.Port != 0 {
		return errs.InvalidArg
	}
	if flags.Has(RemoteAddrWildcard) && (remote.PrefixBits != 0 || !isZeroAddr(remote.Addr)) {
		return errs.InvalidArg
	}
	if flags.Has(LocalAddrWildcard) && (local.PrefixBits != 0 || !isZeroAddr(local.Addr)) {
		return errs.InvalidArg
	}
	if flags.Has(RemoteIfaceWildcard) && remote.Iface != 0 {
		return errs.InvalidArg
	}
	if flags.Has(LocalIfaceWildcard) && local.Iface != 0 {
		return errs.InvalidArg
	}
	return errs.OK
}

func isZeroAddr(a [MaxAddrBytes]byte) bool {
	for _, b := range a {
		if b != 0 {
			return false
		}
	}
	return true
}

// Key is the matchable identity of a route: the endpoint pair plus the
// subset of Flags that participate in matching (direction and wildcard
// bits; disposition and tcplike-port-numbers do not distinguish keys).
type Key struct {
	Remote, Local Endpoint
	Flags         Flags
}

func matchableFlags(f Flags) Flags {
	return f & (DirectionIn | DirectionOut | wildcardMask)
}

// addrPrefixEqual reports whether two addresses agree on the first bits
// significant bits.
func addrPrefixEqual(a, b [MaxAddrBytes]byte, bits uint8) bool {
	fullBytes := int(bits) / 8
	for i := 0; i < fullBytes; i++ {
		if a[i] != b[i] {
			return false
		}
	}
	if rem := int(bits) % 8; rem != 0 && fullBytes < MaxAddrBytes {
		mask := byte(0xFF << (8 - rem))
		if a[fullBytes]&mask != b[fullBytes]&mask {
			return false
		}
	}
	return true
}

// Route is one policy entry, owned by exactly one Table.
type Route struct {
	ID            uint32
	ParentEvent   string // empty means no parent event
	Remote, Local Endpoint
	Flags         Flags
	PrivateData   []byte
	HitCount      uint64
	LastHitMicros int64
	ExpiresMicros int64 // 0 means no expiry

	refcount   int32 // atomic
	tombstoned int32 // atomic bool: 0 live, 1 deleted
}

// IsTombstoned reports whether r has been deleted but is still referenced.
// Safe for concurrent use without the table's bookkeeper lock.
func (r *Route) IsTombstoned() bool { return atomic.LoadInt32(&r.tombstoned) != 0 }

func (r *Route) markTombstoned() { atomic.StoreInt32(&r.tombstoned, 1) }

// Key returns r's matchable key.
func (r *Route) Key() Key {
	return Key{Remote: r.Remote, Local: r.Local, Flags: matchableFlags(r.Flags)}
}

// IncRef bumps r's reference count. Safe for concurrent use by multiple
// dispatches holding only the context's shared lock.
func (r *Route) IncRef() { atomic.AddInt32(&r.refcount, 1) }

// RefCount returns r's current reference count.
func (r *Route) RefCount() int32 { return atomic.LoadInt32(&r.refcount) }

// Table is an ordered collection of Routes plus an auxiliary longest-prefix
// trie over remote-address bits. Higher-level mutation and
// lookup ordering is serialized by the owning policy.Context's rwlock, per
// spec.md §5 ("shared resources ... protected solely by the context
// lock"); bookkeeper is a narrower internal mutex that additionally
// protects the order/map/trie structures themselves against the one path
// that legitimately runs under only a *shared* context lock -- a route's
// reference being dropped at the end of a dispatch, which may be the last
// reference to an already-tombstoned route and so must remove it from the
// table's bookkeeping even though the caller never took the context lock
// exclusive for that.
type Table struct {
	ids   *idalloc.Allocator
	clock clockwork.Source
	log   *zap.SugaredLogger

	privateDataSize      int
	privateDataAlignment int

	bookkeeper sync.RWMutex
	routes     map[uint32]*Route
	order      []*Route // insertion order, for ascending-id tie-breaking and Iterate
	trie       *trieNode
}

// NewTable returns an empty Table. privateDataSize/Alignment fix the size
// and alignment of every route's private-data blob for this table's
// lifetime, per spec.md §3.
func NewTable(ids *idalloc.Allocator, clock clockwork.Source, log *zap.SugaredLogger, privateDataSize, privateDataAlignment int) *Table {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	if clock == nil {
		clock = clockwork.Default
	}
	return &Table{
		ids:                  ids,
		clock:                clock,
		log:                  log,
		privateDataSize:      privateDataSize,
		privateDataAlignment: privateDataAlignment,
		routes:               make(map[uint32]*Route),
		trie:                 newTrieNode(),
	}
}

// Len returns the number of live (non-tombstoned) routes.
func (t *Table) Len() int {
	t.bookkeeper.RLock()
	defer t.bookkeeper.RUnlock()
	n := 0
	for _, r := range t.order {
		if !r.IsTombstoned() {
			n++
		}
	}
	return n
}

// Insert adds a route for (remote, local, flags, parentEvent). It rejects
// duplicate matchable keys with ItemAlreadyPresent and validates the
// wildcard-implies-zero-field invariant via Validate.
func (t *Table) Insert(remote, local Endpoint, flags Flags, parentEvent string) (id uint32, code errs.Code) {
	if code = Validate(remote, local, flags); code.Failed() {
		return 0, code
	}
	key := Key{Remote: remote, Local: local, Flags: matchableFlags(flags)}

	t.bookkeeper.Lock()
	defer t.bookkeeper.Unlock()

	for _, r := range t.order {
		if !r.IsTombstoned() && r.Key() == key {
			return 0, errs.ItemAlreadyPresent
		}
	}
	id = t.ids.Next()
	r := &Route{
		ID:          id,
		ParentEvent: parentEvent,
		Remote:      remote,
		Local:       local,
		Flags:       flags,
		PrivateData: make([]byte, t.privateDataSize),
	}
	t.routes[id] = r
	t.order = append(t.order, r)
	t.trie.insert(r)
	t.log.Debugw("route inserted", "id", id, "parent_event", parentEvent, "flags", flags)
	return id, errs.OK
}

// matches reports whether r matches the query (direction, every
// non-wildcarded field, and the route's address prefixes), and if so which
// axes it matched only inexactly. Ranking among matches is done by better.
// Returns false if r is tombstoned or does not match the query at all.
func matches(r *Route, remote, local Endpoint, flags Flags) (inexact Flags, ok bool) {
	if r.IsTombstoned() {
		return 0, false
	}
	dir := flags & (DirectionIn | DirectionOut)
	rdir := r.Flags & (DirectionIn | DirectionOut)
	if dir != 0 && rdir&dir == 0 {
		return 0, false
	}

	if !r.Flags.Has(FamilyWildcard) && r.Remote.Family != remote.Family {
		return 0, false
	}
	if !r.Flags.Has(ProtoWildcard) && r.Remote.Proto != remote.Proto {
		return 0, false
	}
	if !r.Flags.Has(RemotePortWildcard) && r.Remote.Port != remote.Port {
		return 0, false
	}
	if !r.Flags.Has(LocalPortWildcard) && r.Local.Port != local.Port {
		return 0, false
	}
	if !r.Flags.Has(RemoteIfaceWildcard) && r.Remote.Iface != remote.Iface {
		return 0, false
	}
	if !r.Flags.Has(LocalIfaceWildcard) && r.Local.Iface != local.Iface {
		return 0, false
	}
	if !r.Flags.Has(RemoteAddrWildcard) {
		if !addrPrefixEqual(r.Remote.Addr, remote.Addr, r.Remote.PrefixBits) {
			return 0, false
		}
	}
	if !r.Flags.Has(LocalAddrWildcard) {
		if !addrPrefixEqual(r.Local.Addr, local.Addr, r.Local.PrefixBits) {
			return 0, false
		}
	}

	// inexact reports which axes the query satisfied only approximately.
	// Static wildcard bits always count. Address axes additionally count
	// as inexact whenever the route's prefix is shorter than the family's
	// full address width, even if the route did not set the address
	// wildcard bit -- a /24 match is not an exact address match, per
	// original_source/tests/unittests.c's longest-prefix scenario, which
	// reports WILDCARD in inexact_matches purely from a short prefix
	// length with no wildcard flag set at insert time.
	inexact = r.Flags & wildcardMask
	if full := remote.Family.AddrLen() * 8; full > 0 && int(r.Remote.PrefixBits) < full {
		inexact |= RemoteAddrWildcard
	}
	if full := local.Family.AddrLen() * 8; full > 0 && int(r.Local.PrefixBits) < full {
		inexact |= LocalAddrWildcard
	}
	return inexact, true
}

// better reports whether candidate a beats candidate b under the §4.2
// preference order (a, b both already confirmed matches of the same
// query). Ties fall through to ascending insertion id.
func better(a, b *Route, dirWanted Flags) bool {
	aw, bw := a.Flags.wildcardCount(), b.Flags.wildcardCount()
	if aw != bw {
		return aw < bw
	}
	if !a.Flags.Has(RemoteAddrWildcard) || !b.Flags.Has(RemoteAddrWildcard) {
		if a.Remote.PrefixBits != b.Remote.PrefixBits {
			return a.Remote.PrefixBits > b.Remote.PrefixBits
		}
	}
	if !a.Flags.Has(LocalAddrWildcard) || !b.Flags.Has(LocalAddrWildcard) {
		if a.Local.PrefixBits != b.Local.PrefixBits {
			return a.Local.PrefixBits > b.Local.PrefixBits
		}
	}
	// Exact iface, then exact proto, then exact ports beat wildcards on that
	// axis, as a distinct tie-break from the overall wildcard count above:
	// two routes can tie on total wildcard count while differing in which
	// axis carries the wildcard.
	ifaceMask := RemoteIfaceWildcard | LocalIfaceWildcard
	if aIface, bIface := (a.Flags & ifaceMask).wildcardCount(), (b.Flags & ifaceMask).wildcardCount(); aIface != bIface {
		return aIface < bIface
	}
	if aProto, bProto := a.Flags.Has(ProtoWildcard), b.Flags.Has(ProtoWildcard); aProto != bProto {
		return !aProto
	}
	portMask := RemotePortWildcard | LocalPortWildcard
	if aPort, bPort := (a.Flags & portMask).wildcardCount(), (b.Flags & portMask).wildcardCount(); aPort != bPort {
		return aPort < bPort
	}
	if dirWanted != 0 {
		aBoth := a.Flags.Has(DirectionIn | DirectionOut)
		bBoth := b.Flags.Has(DirectionIn | DirectionOut)
		if aBoth != bBoth {
			return !aBoth
		}
	}
	return a.ID < b.ID
}

// LookupBest implements the §4.2 match order and returns the winning route
// (without taking a reference), the inexact-match bitmask, and whether any
// route matched.
func (t *Table) LookupBest(remote, local Endpoint, flags Flags) (best *Route, inexact Flags, ok bool) {
	t.bookkeeper.RLock()
	defer t.bookkeeper.RUnlock()
	var bestInexact Flags
	for _, r := range t.trie.candidatesFor(remote.Addr) {
		if r.IsTombstoned() {
			continue
		}
		in, m := matches(r, remote, local, flags)
		if !m {
			continue
		}
		if best == nil || better(r, best, flags&(DirectionIn|DirectionOut)) {
			best, bestInexact = r, in
		}
	}
	if best == nil {
		return nil, 0, false
	}
	return best, bestInexact, true
}

// GetReference returns a referenced Route for (remote, local, flags),
// bumping its refcount so it outlives the caller's lock scope. exact, per
// unittests.c's exact_p argument to wolfsentry_route_get_reference, selects
// between an exact-key match (no wildcard/prefix fallback) and the normal
// best-match search.
func (t *Table) GetReference(remote, local Endpoint, flags Flags, exact bool) (r *Route, inexact Flags, code errs.Code) {
	if exact {
		key := Key{Remote: remote, Local: local, Flags: matchableFlags(flags)}
		t.bookkeeper.Lock()
		defer t.bookkeeper.Unlock()
		for _, cand := range t.order {
			if !cand.IsTombstoned() && cand.Key() == key {
				cand.IncRef()
				return cand, 0, errs.OK
			}
		}
		return nil, 0, errs.ItemNotFound
	}
	best, in, ok := t.LookupBest(remote, local, flags)
	if !ok {
		return nil, 0, errs.ItemNotFound
	}
	best.IncRef()
	return best, in, errs.OK
}

// DropReference decrements r's refcount. If r is tombstoned and this was
// the last reference, r is removed from the table's bookkeeping and
// deallocated reports true (spec.md §4.4's action_results.deallocated).
// Safe to call while the caller holds only the owning context's shared
// lock (see Table's bookkeeper doc comment).
func (t *Table) DropReference(r *Route) (deallocated bool) {
	t.bookkeeper.Lock()
	defer t.bookkeeper.Unlock()
	if atomic.AddInt32(&r.refcount, -1) <= 0 && r.IsTombstoned() {
		delete(t.routes, r.ID)
		t.removeFromOrderLocked(r)
		return true
	}
	return false
}

func (t *Table) removeFromOrderLocked(r *Route) {
	for i, o := range t.order {
		if o == r {
			t.order = append(t.order[:i], t.order[i+1:]...)
			return
		}
	}
}

// DeleteByKey removes every route whose matchable key equals (remote,
// local, flags); n == 0 and ItemNotFound if nothing matched (re-deleting an
// already-deleted key is a miss, per unittests.c).
func (t *Table) DeleteByKey(remote, local Endpoint, flags Flags) (n int, deallocated bool, code errs.Code) {
	key := Key{Remote: remote, Local: local, Flags: matchableFlags(flags)}

	t.bookkeeper.Lock()
	defer t.bookkeeper.Unlock()

	for _, r := range t.order {
		if r.IsTombstoned() || r.Key() != key {
			continue
		}
		n++
		if t.tombstoneRouteLocked(r) {
			deallocated = true
		}
	}
	if n == 0 {
		return 0, false, errs.ItemNotFound
	}
	t.log.Debugw("route deleted by key", "n_deleted", n)
	return n, deallocated, errs.OK
}

// DeleteByID removes a single route by id.
func (t *Table) DeleteByID(id uint32) (deallocated bool, code errs.Code) {
	t.bookkeeper.Lock()
	defer t.bookkeeper.Unlock()
	r, ok := t.routes[id]
	if !ok || r.IsTombstoned() {
		return false, errs.ItemNotFound
	}
	deallocated = t.tombstoneRouteLocked(r)
	return deallocated, errs.OK
}

// tombstoneRouteLocked marks r deleted; if nothing else references it, it
// is removed and deallocated immediately, matching the §9 policy that a
// deleted-but-still-referenced route stays reachable to in-flight
// dispatches but unmatchable by subsequent lookups. Callers must hold
// t.bookkeeper.
func (t *Table) tombstoneRouteLocked(r *Route) (deallocated bool) {
	r.markTombstoned()
	t.trie.remove(r)
	if atomic.LoadInt32(&r.refcount) <= 0 {
		delete(t.routes, r.ID)
		t.removeFromOrderLocked(r)
		return true
	}
	return false
}

// GetPrivateData returns the private-data slice for r, valid for as long as
// the caller holds a reference to r.
func (t *Table) GetPrivateData(r *Route) []byte {
	return r.PrivateData
}

// RecordHit updates r's hit counter and last-hit timestamp. Uses atomics
// since concurrent dispatches may record a hit on the same route while
// holding only the context's shared lock.
func (t *Table) RecordHit(r *Route) {
	atomic.AddUint64(&r.HitCount, 1)
	atomic.StoreInt64(&r.LastHitMicros, t.clock.NowMicros())
}

// Cursor iterates routes present in the table at the moment Iterate was
// called; per spec.md §4.2, mutation during iteration is permitted but may
// cause new routes to be skipped.
type Cursor struct {
	snapshot []*Route
	pos      int
}

// Next advances the cursor and returns the next route, or nil, false at
// end.
func (c *Cursor) Next() (*Route, bool) {
	for c.pos < len(c.snapshot) {
		r := c.snapshot[c.pos]
		c.pos++
		if !r.IsTombstoned() {
			return r, true
		}
	}
	return nil, false
}

// Iterate opens a stable snapshot-based cursor over the routes live at this
// moment.
func (t *Table) Iterate() *Cursor {
	t.bookkeeper.RLock()
	defer t.bookkeeper.RUnlock()
	snap := make([]*Route, len(t.order))
	copy(snap, t.order)
	return &Cursor{snapshot: snap}
}
