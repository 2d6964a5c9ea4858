// Package policy implements the Context (spec.md §3, §6) and the dispatch
// engine (spec.md §4.4): the top-level container owning one static route
// table, one event registry, one action registry, and an id allocator,
// guarded by a single rwlock.Lock per spec.md §5 ("every public operation
// that reads engine state acquires the context's reader-writer lock
// shared; every operation that mutates acquires it exclusive").
package policy

import (
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/nbtaylor/polifence/errs"
	"github.com/nbtaylor/polifence/event"
	"github.com/nbtaylor/polifence/hostplatform"
	"github.com/nbtaylor/polifence/idalloc"
	"github.com/nbtaylor/polifence/route"
	"github.com/nbtaylor/polifence/rwlock"
)

// EventConfig mirrors spec.md §6's config struct: route private-data
// sizing/alignment and the connection-count ceiling a connection-count
// action enforces, with the same fields usable as a per-event override.
type EventConfig struct {
	RoutePrivateDataSize      int
	RoutePrivateDataAlignment int
	MaxConnectionCount        int
}

// CloneFlags selects Clone's behavior. AsAtCreation is the only mode
// spec.md names: an empty context with the same config and action/event
// definitions.
type CloneFlags int

const (
	AsAtCreation CloneFlags = iota
)

// ActionResults is an alias of event.ActionResults: it lives in the event
// package so that event.Callback can take a pointer to it directly (spec.md
// §4.4 step 5), rather than via an opaque interface{} that every callback
// author would have to type-assert. The bit constants and Has method are
// re-exported here so existing callers of this package are unaffected.
type ActionResults = event.ActionResults

const (
	ResultAccept           = event.ResultAccept
	ResultReject           = event.ResultReject
	ResultDeallocated      = event.ResultDeallocated
	ResultInsertWasDeleted = event.ResultInsertWasDeleted
	ResultUpdateWasNoop    = event.ResultUpdateWasNoop
)

// Context is the top-level container described by spec.md §3: one static
// route table, an event registry, an action registry, an id allocator, and
// config defaults, all guarded by a single reader-writer lock.
type Context struct {
	hpi    *hostplatform.Interface
	config EventConfig
	log    *zap.SugaredLogger

	lock    *rwlock.Lock
	ids     *idalloc.Allocator
	routes  *route.Table
	actions *event.ActionRegistry
	events  *event.EventRegistry

	defaultPolicies map[route.Family]ActionResults // spec.md §6's "default-policies"

	outstandingRefs int64  // atomic; route.Table references held across the lock
	seq             uint64 // creation order, used only to order Exchange's lock acquisition
}

var contextSeq uint64 // atomic counter, assigns each Context a stable creation order

// Init builds a fresh Context. A nil hpi resolves to host-platform
// defaults (spec.md §6: "a NULL HPI means 'use defaults'").
func Init(hpi *hostplatform.Interface, config EventConfig, log *zap.SugaredLogger) (*Context, errs.Code) {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	resolved := hostplatform.Resolve(hpi)
	ids := idalloc.New()
	acts := event.NewActionRegistry()
	evs := event.NewEventRegistry(acts)
	tbl := route.NewTable(ids, resolved.Clock, log, config.RoutePrivateDataSize, config.RoutePrivateDataAlignment)

	ctx := &Context{
		hpi:             resolved,
		config:          config,
		log:             log,
		lock:            rwlock.New(),
		ids:             ids,
		routes:          tbl,
		actions:         acts,
		events:          evs,
		defaultPolicies: make(map[route.Family]ActionResults),
		seq:             atomic.AddUint64(&contextSeq, 1),
	}
	ctx.log.Debugw("context initialized", "route_private_data_size", config.RoutePrivateDataSize)
	return ctx, errs.OK
}

// Shutdown tears the context down. It refuses with Busy if any route
// references are currently outstanding (spec.md §6).
func (c *Context) Shutdown() errs.Code {
	if atomic.LoadInt64(&c.outstandingRefs) > 0 {
		return errs.Busy
	}
	c.log.Debug("context shut down")
	return errs.OK
}

// Close releases c. Per spec.md §6 this is distinct from Shutdown: Close is
// the final teardown step taken after Shutdown has succeeded.
func (c *Context) Close() {}

// Clone produces a new Context with the same config and event/action
// definitions but an empty route table, per spec.md §3's
// "clone(AS_AT_CREATION) produces an empty context with the same config
// and action/event definitions."
func (c *Context) Clone(flags CloneFlags) (*Context, errs.Code) {
	sh, code := c.lock.Shared(-1)
	if code.Failed() {
		return nil, code
	}
	defer c.lock.Unlock(sh)

	clone, code := Init(c.hpi, c.config, c.log)
	if code.Failed() {
		return nil, code
	}

	// AS_AT_CREATION is the only defined mode today; copy over action and
	// event definitions (but not routes or hit state) regardless, since
	// that is the only behavior spec.md names.
	_ = flags
	for family, disp := range c.defaultPolicies {
		clone.defaultPolicies[family] = disp
	}
	for label, a := range snapshotActions(c.actions) {
		if _, code := clone.actions.Insert(label, a.Flags, a.Callback, a.HandlerCtx); code.Failed() {
			return nil, code
		}
	}
	for label, e := range snapshotEvents(c.events) {
		ce, code := clone.events.Insert(label, e.Priority, e.Flags, e.Config)
		if code.Failed() {
			return nil, code
		}
		for t := event.ActionTypeInsert; t <= event.ActionTypeDecision; t++ {
			for _, ref := range e.Chain(t) {
				if code := clone.events.AppendAction(ce, t, ref.Label); code.Failed() {
					return nil, code
				}
			}
		}
	}
	return clone, errs.OK
}

// Exchange atomically swaps the internal route table, event registry,
// action registry, and default policies of a and b, per spec.md §3 ("used
// for load-then-commit").
// Exchange takes both contexts' locks itself, in creation-sequence order,
// so a concurrent Exchange(b, a) can't deadlock against it.
func Exchange(a, b *Context) errs.Code {
	first, second := a, b
	if contextLess(b, a) {
		first, second = b, a
	}

	fx, code := first.lock.Mutex(-1)
	if code.Failed() {
		return code
	}
	defer first.lock.Unlock(fx)

	sx, code := second.lock.Mutex(-1)
	if code.Failed() {
		return code
	}
	defer second.lock.Unlock(sx)

	a.routes, b.routes = b.routes, a.routes
	a.events, b.events = b.events, a.events
	a.actions, b.actions = b.actions, a.actions
	a.defaultPolicies, b.defaultPolicies = b.defaultPolicies, a.defaultPolicies
	a.log.Debug("context tables exchanged")
	return errs.OK
}

// contextLess orders two contexts by creation sequence, giving Exchange a
// stable lock-acquisition order regardless of argument order so a
// concurrent Exchange(b, a) can't deadlock against Exchange(a, b).
func contextLess(x, y *Context) bool {
	return x.seq < y.seq
}

func snapshotActions(r *event.ActionRegistry) map[string]*event.Action {
	out := map[string]*event.Action{}
	cur := r.Iterate()
	for {
		label, a, ok := cur.Next()
		if !ok {
			break
		}
		out[label] = a
	}
	return out
}

func snapshotEvents(r *event.EventRegistry) map[string]*event.Event {
	out := map[string]*event.Event{}
	cur := r.IterateEvents()
	for {
		label, e, ok := cur.Next()
		if !ok {
			break
		}
		out[label] = e
	}
	return out
}

// InsertRoute inserts a static route under the context's exclusive lock.
func (c *Context) InsertRoute(remote, local route.Endpoint, flags route.Flags, parentEvent string) (id uint32, code errs.Code) {
	x, code := c.lock.Mutex(-1)
	if code.Failed() {
		return 0, code
	}
	defer c.lock.Unlock(x)
	return c.routes.Insert(remote, local, flags, parentEvent)
}

// DeleteRouteByKey deletes matching static routes under the context's
// exclusive lock.
func (c *Context) DeleteRouteByKey(remote, local route.Endpoint, flags route.Flags) (n int, results ActionResults, code errs.Code) {
	x, code := c.lock.Mutex(-1)
	if code.Failed() {
		return 0, 0, code
	}
	defer c.lock.Unlock(x)
	n, dealloc, code := c.routes.DeleteByKey(remote, local, flags)
	if dealloc {
		results |= ResultDeallocated
	}
	return n, results, code
}

// DeleteRouteByID deletes a single static route by id under the context's
// exclusive lock.
func (c *Context) DeleteRouteByID(id uint32) (results ActionResults, code errs.Code) {
	x, code := c.lock.Mutex(-1)
	if code.Failed() {
		return 0, code
	}
	defer c.lock.Unlock(x)
	dealloc, code := c.routes.DeleteByID(id)
	if dealloc {
		results |= ResultDeallocated
	}
	return results, code
}

// GetReference returns a referenced route under the context's shared lock,
// per spec.md §5 ("get_reference returns under shared; the reference
// itself extends route lifetime beyond the lock scope via refcounting").
// The caller must call DropReference when done.
func (c *Context) GetReference(remote, local route.Endpoint, flags route.Flags, exact bool) (*route.Route, route.Flags, errs.Code) {
	sh, code := c.lock.Shared(-1)
	if code.Failed() {
		return nil, 0, code
	}
	defer c.lock.Unlock(sh)
	r, inexact, code := c.routes.GetReference(remote, local, flags, exact)
	if code.OK() {
		atomic.AddInt64(&c.outstandingRefs, 1)
	}
	return r, inexact, code
}

// DropReference releases a reference obtained via GetReference or held
// across a Dispatch call.
func (c *Context) DropReference(r *route.Route) (deallocated bool) {
	x, code := c.lock.Mutex(-1)
	if code.Failed() {
		return false
	}
	defer c.lock.Unlock(x)
	deallocated = c.routes.DropReference(r)
	atomic.AddInt64(&c.outstandingRefs, -1)
	return deallocated
}

// SetDefaultPolicy sets the fallback disposition dispatched for family when
// no route matches at all, per spec.md §6's "default-policies". reject ==
// false means ACCEPT, matching spec.md §4.4 step 3's "if none found and no
// default policy is configured, return ACCEPT by default".
func (c *Context) SetDefaultPolicy(family route.Family, reject bool) errs.Code {
	x, code := c.lock.Mutex(-1)
	if code.Failed() {
		return code
	}
	defer c.lock.Unlock(x)
	if reject {
		c.defaultPolicies[family] = ResultReject
	} else {
		c.defaultPolicies[family] = ResultAccept
	}
	return errs.OK
}

func (c *Context) defaultPolicyFor(family route.Family) ActionResults {
	if r, ok := c.defaultPolicies[family]; ok {
		return r
	}
	return ResultAccept
}

// InsertEvent registers a new event.
func (c *Context) InsertEvent(label string, priority uint8, flags uint32, config *EventConfig) (*event.Event, errs.Code) {
	x, code := c.lock.Mutex(-1)
	if code.Failed() {
		return nil, code
	}
	defer c.lock.Unlock(x)
	return c.events.Insert(label, priority, flags, config)
}

// InsertAction registers a new action.
func (c *Context) InsertAction(label string, flags event.ActionFlags, cb event.Callback, handlerCtx interface{}) (*event.Action, errs.Code) {
	x, code := c.lock.Mutex(-1)
	if code.Failed() {
		return nil, code
	}
	defer c.lock.Unlock(x)
	return c.actions.Insert(label, flags, cb, handlerCtx)
}

// UpdateActionFlags atomically applies (flags &^= clearMask; flags |=
// setMask) to the named action and returns the before/after snapshots.
func (c *Context) UpdateActionFlags(label string, setMask, clearMask event.ActionFlags) (before, after event.ActionFlags, code errs.Code) {
	x, code := c.lock.Mutex(-1)
	if code.Failed() {
		return 0, 0, code
	}
	defer c.lock.Unlock(x)
	return c.actions.UpdateFlags(label, setMask, clearMask)
}

// AppendAction appends actionLabel to the named event's action chain for t.
func (c *Context) AppendAction(eventLabel string, t event.ActionType, actionLabel string) errs.Code {
	x, code := c.lock.Mutex(-1)
	if code.Failed() {
		return code
	}
	defer c.lock.Unlock(x)
	e, code := c.events.Lookup(eventLabel)
	if code.Failed() {
		return code
	}
	return c.events.AppendAction(e, t, actionLabel)
}

// Dispatch implements spec.md §4.4: lock shared, find the best-matching
// route for the 8-tuple, run the matched route's parent event's on-match
// chain and then the trigger event's on-match chain in priority order,
// update hit counters, unlock, return.
func (c *Context) Dispatch(remote, local route.Endpoint, flags route.Flags, trigger string, callerArg interface{}) (routeID uint32, inexact route.Flags, results ActionResults, err errs.Code) {
	sh, code := c.lock.Shared(-1)
	if code.Failed() {
		return 0, 0, 0, code
	}
	defer c.lock.Unlock(sh)

	best, inexactBits, found := c.routes.LookupBest(remote, local, flags)
	if !found {
		def := c.defaultPolicyFor(remote.Family)
		c.log.Debugw("dispatch: no route matched, applying default policy", "results", def)
		return 0, 0, def, errs.OK
	}

	// Take a reference across the action chain so a concurrent delete
	// cannot free the route out from under an in-flight callback; per
	// spec.md §9, a tombstoned-but-referenced route is unmatchable by
	// subsequent lookups but its callbacks still run to completion.
	best.IncRef()
	defer func() {
		if c.routes.DropReference(best) {
			results |= ResultDeallocated
		}
	}()

	if best.Flags.Has(route.Penaltyboxed) {
		results |= ResultReject
	} else if best.Flags.Has(route.Greenlisted) {
		results |= ResultAccept
	}

	runErr := c.runChain(best.ParentEvent, trigger, callerArg, best, &results)

	c.routes.RecordHit(best)
	c.log.Debugw("dispatch", "route_id", best.ID, "inexact", inexactBits, "results", results)

	if runErr != errs.OK {
		return best.ID, inexactBits, results, runErr
	}
	return best.ID, inexactBits, results, errs.OK
}

// runChain invokes the parent event's on-match chain, then the named
// trigger event's on-match chain (if found), in priority order. A
// non-OK callback return aborts the remainder of both chains but does not
// corrupt results already accumulated.
func (c *Context) runChain(parentEvent, trigger string, callerArg interface{}, r *route.Route, results *ActionResults) errs.Code {
	labels := make([]string, 0, 2)
	if parentEvent != "" {
		labels = append(labels, parentEvent)
	}
	if trigger != "" && trigger != parentEvent {
		labels = append(labels, trigger)
	}

	events := make([]*event.Event, 0, len(labels))
	var triggerEvent *event.Event
	for _, label := range labels {
		e, code := c.events.Lookup(label)
		if code.Failed() {
			continue
		}
		if label == trigger {
			triggerEvent = e
		}
		events = append(events, e)
	}
	sortEventsByPriority(events)

	for _, e := range events {
		for _, ref := range e.Chain(event.ActionTypeMatch) {
			a, code := c.actions.Lookup(ref.Label)
			if code.Failed() || a.Flags&event.ActionFlagDisabled != 0 {
				continue
			}
			if code := a.Callback(c, a, a.HandlerCtx, callerArg, triggerEvent, event.ActionTypeMatch, c.routes, r, results); code != errs.OK {
				return code
			}
		}
	}
	return errs.OK
}

func sortEventsByPriority(es []*event.Event) {
	for i := 1; i < len(es); i++ {
		for j := i; j > 0 && es[j].Priority < es[j-1].Priority; j-- {
			es[j], es[j-1] = es[j-1], es[j]
		}
	}
}
