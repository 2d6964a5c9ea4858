// Package event implements the event and action registries of spec.md
// §4.3: actions are labelled, enable/disable-flagged callbacks; events are
// labelled, prioritized containers of per-action-type action chains
// (insert, match, update, delete, decision). Both registries key on a flat
// label namespace and enforce spec.md's label-length contract: zero length
// is InvalidArg, over length is StringArgTooLong.
package event

import (
	"sync"

	"github.com/nbtaylor/polifence/errs"
	"github.com/nbtaylor/polifence/route"
)

// MaxLabelBytes bounds action and event labels, per spec.md §4.3.
const MaxLabelBytes = 64

// ActionType partitions an event's action chain by lifecycle point.
type ActionType int

const (
	ActionTypeInsert ActionType = iota
	ActionTypeMatch
	ActionTypeUpdate
	ActionTypeDelete
	ActionTypeDecision
	numActionTypes
)

// ActionFlags is the action flags bitset of spec.md §4.3.
type ActionFlags uint32

const (
	ActionFlagNone     ActionFlags = 0
	ActionFlagDisabled ActionFlags = 1 << 0
)

// ActionResults is the action-result bitset of spec.md §4.4. Multiple
// callbacks may set overlapping bits; it is never collapsed to an enum, and
// Accept/Reject are tested independently by callers. It lives here, rather
// than in the policy package that otherwise owns dispatch semantics, so
// that Callback can take a pointer to it directly instead of via an opaque
// interface{} -- policy.ActionResults is a type alias of this type.
type ActionResults uint32

const (
	ResultAccept ActionResults = 1 << iota
	ResultReject
	ResultDeallocated
	ResultInsertWasDeleted
	ResultUpdateWasNoop
)

// Has reports whether every bit of mask is set in r.
func (r ActionResults) Has(mask ActionResults) bool { return r&mask == mask }

// Callback is a user-supplied action body, invoked per spec.md §4.4 step 5
// with the trigger event and route table so it can inspect dispatch
// context, and a pointer into the in-flight action_results so it can set
// Reject/Accept/InsertWasDeleted/UpdateWasNoop itself. ctx is the caller's
// opaque dispatch-time context (policy.Context, passed as interface{} to
// avoid an import cycle with the policy package); handlerCtx is the opaque
// pointer supplied at action-insert time; matched is the matched route (nil
// for chain phases with no matched route, e.g. ActionTypeInsert). A
// non-zero errs.Code return aborts the remainder of the action chain.
type Callback func(ctx interface{}, action *Action, handlerCtx interface{}, callerArg interface{}, triggerEvent *Event, actionType ActionType, routes *route.Table, matched *route.Route, results *ActionResults) errs.Code

// Action is a labelled callback referenced by one or more Events.
type Action struct {
	Label      string
	Flags      ActionFlags
	Callback   Callback
	HandlerCtx interface{}

	refcount int
}

func validateLabel(label string) errs.Code {
	if label == "" {
		return errs.InvalidArg
	}
	if len(label) > MaxLabelBytes {
		return errs.StringArgTooLong
	}
	return errs.OK
}

// ActionRegistry is the flat label->*Action namespace, per spec.md §4.3.
type ActionRegistry struct {
	mu      sync.Mutex
	actions map[string]*Action
}

// NewActionRegistry returns an empty ActionRegistry.
func NewActionRegistry() *ActionRegistry {
	return &ActionRegistry{actions: make(map[string]*Action)}
}

// ActionCursor is a stable snapshot-based iterator over an ActionRegistry,
// in the spirit of route.Cursor.
type ActionCursor struct {
	labels []string
	snap   map[string]*Action
	pos    int
}

// Next returns the next (label, action) pair, or ok == false at end.
func (c *ActionCursor) Next() (label string, a *Action, ok bool) {
	if c.pos >= len(c.labels) {
		return "", nil, false
	}
	label = c.labels[c.pos]
	a = c.snap[label]
	c.pos++
	return label, a, true
}

// Iterate opens a cursor over every action registered at this moment.
func (r *ActionRegistry) Iterate() *ActionCursor {
	r.mu.Lock()
	defer r.mu.Unlock()
	labels := make([]string, 0, len(r.actions))
	snap := make(map[string]*Action, len(r.actions))
	for label, a := range r.actions {
		labels = append(labels, label)
		snap[label] = a
	}
	return &ActionCursor{labels: labels, snap: snap}
}

// Insert adds a new action. Duplicate labels return ItemAlreadyPresent.
func (r *ActionRegistry) Insert(label string, flags ActionFlags, cb Callback, handlerCtx interface{}) (*Action, errs.Code) {
	if code := validateLabel(label); code.Failed() {
		return nil, code
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.actions[label]; exists {
		return nil, errs.ItemAlreadyPresent
	}
	a := &Action{Label: label, Flags: flags, Callback: cb, HandlerCtx: handlerCtx}
	r.actions[label] = a
	return a, errs.OK
}

// Lookup returns the action registered under label.
func (r *ActionRegistry) Lookup(label string) (*Action, errs.Code) {
	if code := validateLabel(label); code.Failed() {
		return nil, code
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.actions[label]
	if !ok {
		return nil, errs.ItemNotFound
	}
	return a, errs.OK
}

// Delete removes the action registered under label. It is refused with
// Busy while any event still references the action (spec.md §4.3:
// "deleting an action is refused until all events referencing it drop
// it").
func (r *ActionRegistry) Delete(label string) errs.Code {
	if code := validateLabel(label); code.Failed() {
		return code
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.actions[label]
	if !ok {
		return errs.ItemNotFound
	}
	if a.refcount > 0 {
		return errs.Busy
	}
	delete(r.actions, label)
	return errs.OK
}

// UpdateFlags atomically applies (flags &^= clearMask; flags |= setMask)
// and returns the before/after snapshots, per spec.md §4.3.
func (r *ActionRegistry) UpdateFlags(label string, setMask, clearMask ActionFlags) (before, after ActionFlags, code errs.Code) {
	if code = validateLabel(label); code.Failed() {
		return 0, 0, code
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.actions[label]
	if !ok {
		return 0, 0, errs.ItemNotFound
	}
	before = a.Flags
	a.Flags = (a.Flags &^ clearMask) | setMask
	return before, a.Flags, errs.OK
}

func (r *ActionRegistry) acquire(label string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if a, ok := r.actions[label]; ok {
		a.refcount++
	}
}

func (r *ActionRegistry) release(label string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if a, ok := r.actions[label]; ok && a.refcount > 0 {
		a.refcount--
	}
}

// ActionRef pairs an action label with the chain-entry ordering; it is what
// an Event's per-type chain actually stores, so chain entries survive an
// action being looked up again after an UpdateFlags call.
type ActionRef struct {
	Label string
}

// Event is a labelled, prioritized container of per-action-type action
// chains, per spec.md §4.3.
type Event struct {
	Label    string
	Priority uint8
	Flags    uint32
	Config   interface{} // optional per-event eventconfig override

	chains [numActionTypes][]ActionRef
}

// Chain returns the ordered action-reference chain for t.
func (e *Event) Chain(t ActionType) []ActionRef {
	return e.chains[t]
}

// EventRegistry is the flat label->*Event namespace, per spec.md §4.3.
type EventRegistry struct {
	mu     sync.Mutex
	events map[string]*Event
	acts   *ActionRegistry
}

// NewEventRegistry returns an empty EventRegistry bound to acts, the action
// registry its action chains reference.
func NewEventRegistry(acts *ActionRegistry) *EventRegistry {
	return &EventRegistry{events: make(map[string]*Event), acts: acts}
}

// EventCursor is a stable snapshot-based iterator over an EventRegistry.
type EventCursor struct {
	labels []string
	snap   map[string]*Event
	pos    int
}

// Next returns the next (label, event) pair, or ok == false at end.
func (c *EventCursor) Next() (label string, e *Event, ok bool) {
	if c.pos >= len(c.labels) {
		return "", nil, false
	}
	label = c.labels[c.pos]
	e = c.snap[label]
	c.pos++
	return label, e, true
}

// IterateEvents opens a cursor over every event registered at this moment.
func (r *EventRegistry) IterateEvents() *EventCursor {
	r.mu.Lock()
	defer r.mu.Unlock()
	labels := make([]string, 0, len(r.events))
	snap := make(map[string]*Event, len(r.events))
	for label, e := range r.events {
		labels = append(labels, label)
		snap[label] = e
	}
	return &EventCursor{labels: labels, snap: snap}
}

// Insert adds a new event. Duplicate labels return ItemAlreadyPresent.
func (r *EventRegistry) Insert(label string, priority uint8, flags uint32, config interface{}) (*Event, errs.Code) {
	if code := validateLabel(label); code.Failed() {
		return nil, code
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.events[label]; exists {
		return nil, errs.ItemAlreadyPresent
	}
	e := &Event{Label: label, Priority: priority, Flags: flags, Config: config}
	r.events[label] = e
	return e, errs.OK
}

// Lookup returns the event registered under label.
func (r *EventRegistry) Lookup(label string) (*Event, errs.Code) {
	if code := validateLabel(label); code.Failed() {
		return nil, code
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.events[label]
	if !ok {
		return nil, errs.ItemNotFound
	}
	return e, errs.OK
}

// Delete removes the event registered under label, dropping its references
// to every action in its chains.
func (r *EventRegistry) Delete(label string) errs.Code {
	if code := validateLabel(label); code.Failed() {
		return code
	}
	r.mu.Lock()
	e, ok := r.events[label]
	if !ok {
		r.mu.Unlock()
		return errs.ItemNotFound
	}
	delete(r.events, label)
	r.mu.Unlock()

	for t := ActionType(0); t < numActionTypes; t++ {
		for _, ref := range e.chains[t] {
			r.acts.release(ref.Label)
		}
	}
	return errs.OK
}

// AppendAction appends actionLabel to e's chain for t, bumping the
// referenced action's refcount so ActionRegistry.Delete refuses it while
// referenced.
func (r *EventRegistry) AppendAction(e *Event, t ActionType, actionLabel string) errs.Code {
	if _, code := r.acts.Lookup(actionLabel); code.Failed() {
		return code
	}
	r.acts.acquire(actionLabel)
	e.chains[t] = append(e.chains[t], ActionRef{Label: actionLabel})
	return errs.OK
}
