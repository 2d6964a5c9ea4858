package route

// trieNode is one level of the longest-prefix index: a binary trie over
// remote-address bits. Local addresses are not indexed here; matches()
// checks them for every candidate the walk returns. Routes whose
// corresponding wildcard bit is set are not addressable by bit-path (there
// is nothing to walk) and are kept in a side list at the owning node
// instead, since a wildcard route matches every query for that axis
// regardless of the query's address bits.
//
// The trie's only job is to prune the candidate set LookupBest has to run
// the full §4.2 comparison over; it is not itself the source of truth for
// match correctness, which lives in matches()/better().
type trieNode struct {
	kids     [2]*trieNode // indexed by next address bit (0 or 1)
	routes   []*Route     // routes whose remote prefix ends exactly at this node
	wildcard []*Route     // routes with RemoteAddrWildcard, kept at the root
}

func newTrieNode() *trieNode {
	return &trieNode{}
}

func bit(addr [MaxAddrBytes]byte, i int) int {
	byteIdx, bitIdx := i/8, i%8
	if byteIdx >= MaxAddrBytes {
		return 0
	}
	return int((addr[byteIdx] >> (7 - bitIdx)) & 1)
}

// insert places r at the trie node corresponding to its remote-address
// prefix, or in the root's wildcard list if RemoteAddrWildcard is set.
func (t *trieNode) insert(r *Route) {
	if r.Flags.Has(RemoteAddrWildcard) {
		t.wildcard = append(t.wildcard, r)
		return
	}
	n := t
	for i := 0; i < int(r.Remote.PrefixBits); i++ {
		b := bit(r.Remote.Addr, i)
		if n.kids[b] == nil {
			n.kids[b] = newTrieNode()
		}
		n = n.kids[b]
	}
	n.routes = append(n.routes, r)
}

// remove drops r from wherever insert placed it.
func (t *trieNode) remove(r *Route) {
	if r.Flags.Has(RemoteAddrWildcard) {
		t.wildcard = removeRoute(t.wildcard, r)
		return
	}
	n := t
	for i := 0; i < int(r.Remote.PrefixBits); i++ {
		if n == nil {
			return
		}
		n = n.kids[bit(r.Remote.Addr, i)]
	}
	if n != nil {
		n.routes = removeRoute(n.routes, r)
	}
}

func removeRoute(routes []*Route, r *Route) []*Route {
	for i, c := range routes {
		if c == r {
			return append(routes[:i], routes[i+1:]...)
		}
	}
	return routes
}

// candidatesFor walks the path of addr's bits, collecting every route
// stored along the way (these are exactly the routes whose remote prefix is
// a prefix of addr) plus every RemoteAddrWildcard route. The result is a
// superset of LookupBest's eventual winner; matches()/better() still apply
// full validation and ranking over it.
func (t *trieNode) candidatesFor(addr [MaxAddrBytes]byte) []*Route {
	out := append([]*Route(nil), t.wildcard...)
	n := t
	for i := 0; i < MaxAddrBytes*8 && n != nil; i++ {
		out = append(out, n.routes...)
		n = n.kids[bit(addr, i)]
	}
	if n != nil {
		out = append(out, n.routes...)
	}
	return out
}
