// Package config implements the JSON-fed insert protocol and the
// viper-backed bootstrap config of spec.md §4.5/§6. The two are kept as
// distinct surfaces, matching spec.md's own distinction between "Config
// struct options" (host-side tuning, read once at startup) and the "JSON
// configuration format" (a rule-insertion wire format consumed any number
// of times over the engine's life).
package config

import (
	"encoding/json"
	"io"
	"sync"

	"github.com/nbtaylor/polifence/errs"
	"github.com/nbtaylor/polifence/event"
	"github.com/nbtaylor/polifence/policy"
	"github.com/nbtaylor/polifence/route"
)

// LoadMode selects how a Document's inserts are applied, per spec.md §4.5.
type LoadMode int

const (
	// DryRun applies the document to a scratch clone of ctx and discards
	// it; ctx is left untouched. Used to validate a document before
	// committing it.
	DryRun LoadMode = iota
	// LoadThenCommit applies the document to a scratch clone of ctx and,
	// only if every insert succeeds, atomically exchanges the clone's
	// tables into ctx via policy.Exchange.
	LoadThenCommit
	// Incremental applies the document directly against the live ctx.
	Incremental
)

// EventInsert mirrors policy.Context.InsertEvent's arguments, per spec.md
// §6's "field names mirror the programmatic insert arguments".
type EventInsert struct {
	Label    string `json:"label"`
	Priority uint8  `json:"priority"`
	Flags    uint32 `json:"flags"`
}

// ActionInsert mirrors policy.Context.InsertAction's arguments. The JSON
// protocol cannot carry a Go callback, so actions-insert records name an
// action that must already be registered with a Callback out-of-band
// (e.g. by the embedding program before Load is called); Load only applies
// the flags and chain wiring below.
type ActionInsert struct {
	Label string             `json:"label"`
	Flags event.ActionFlags  `json:"flags"`
	Chain []ActionChainEntry `json:"chain,omitempty"`
}

// ActionChainEntry attaches an already-inserted action to an event's chain
// for a given action type.
type ActionChainEntry struct {
	Event string           `json:"event"`
	Type  event.ActionType `json:"type"`
}

// StaticRouteInsert mirrors policy.Context.InsertRoute's arguments.
type StaticRouteInsert struct {
	Remote      route.Endpoint `json:"remote"`
	Local       route.Endpoint `json:"local"`
	Flags       route.Flags    `json:"flags"`
	ParentEvent string         `json:"parent_event,omitempty"`
}

// DefaultPolicyInsert mirrors policy.Context.SetDefaultPolicy's arguments.
type DefaultPolicyInsert struct {
	Family route.Family `json:"family"`
	Reject bool         `json:"reject"`
}

// Document is the top-level JSON object of spec.md §6's "JSON configuration
// format": events-insert, actions-insert, static-routes-insert, and
// default-policies, each an array of records. Byte-level JSON parsing is an
// explicit Non-goal of spec.md, which licenses decoding this narrow,
// already-structured wire format with the standard library's
// encoding/json rather than standing up a second external decoder just for
// this step.
type Document struct {
	EventsInsert       []EventInsert         `json:"events-insert"`
	ActionsInsert      []ActionInsert        `json:"actions-insert"`
	StaticRoutesInsert []StaticRouteInsert   `json:"static-routes-insert"`
	DefaultPolicies    []DefaultPolicyInsert `json:"default-policies"`
}

// Loader applies Documents to a policy.Context under one of the three
// LoadModes. It is safe for concurrent use; an internal mutex guards the
// per-context LoadThenCommit latch. Loads against the same context are not
// otherwise serialized by the Loader.
type Loader struct {
	mu        sync.Mutex
	committed map[*policy.Context]bool
}

// NewLoader returns an empty Loader.
func NewLoader() *Loader {
	return &Loader{committed: make(map[*policy.Context]bool)}
}

// Load decodes a Document from r and applies it to ctx under mode.
//
// DryRun and Incremental both clear ctx's LoadThenCommit latch, counting as
// the "intervening reload" spec.md requires between two LoadThenCommit
// commits; calling LoadThenCommit twice in a row with no such reload
// between them fails the second call with errs.Already.
func (l *Loader) Load(ctx *policy.Context, r io.Reader, mode LoadMode) errs.Code {
	var doc Document
	if err := json.NewDecoder(r).Decode(&doc); err != nil {
		return errs.InvalidArg
	}

	switch mode {
	case Incremental:
		l.clearLatch(ctx)
		return applyDocument(ctx, &doc)

	case DryRun:
		l.clearLatch(ctx)
		scratch, code := ctx.Clone(policy.AsAtCreation)
		if code.Failed() {
			return code
		}
		return applyDocument(scratch, &doc)

	case LoadThenCommit:
		if l.testAndSetLatch(ctx) {
			return errs.Already
		}
		scratch, code := ctx.Clone(policy.AsAtCreation)
		if code.Failed() {
			return code
		}
		if code := applyDocument(scratch, &doc); code.Failed() {
			return code
		}
		return policy.Exchange(ctx, scratch)

	default:
		return errs.InvalidArg
	}
}

func (l *Loader) clearLatch(ctx *policy.Context) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.committed, ctx)
}

// testAndSetLatch reports whether ctx's LoadThenCommit latch was already
// set, and sets it regardless.
func (l *Loader) testAndSetLatch(ctx *policy.Context) (alreadySet bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	alreadySet = l.committed[ctx]
	l.committed[ctx] = true
	return alreadySet
}

func applyDocument(ctx *policy.Context, doc *Document) errs.Code {
	for _, e := range doc.EventsInsert {
		if _, code := ctx.InsertEvent(e.Label, e.Priority, e.Flags, nil); code.Failed() {
			return code
		}
	}
	for _, a := range doc.ActionsInsert {
		// The wire format cannot carry a Go callback, so actions-insert
		// assumes the action was already registered programmatically
		// (policy.Context.InsertAction) and only applies its flags and
		// chain wiring here.
		if _, _, code := ctx.UpdateActionFlags(a.Label, a.Flags, ^event.ActionFlags(0)); code.Failed() {
			return code
		}
		for _, link := range a.Chain {
			if code := ctx.AppendAction(link.Event, link.Type, a.Label); code.Failed() {
				return code
			}
		}
	}
	for _, sr := range doc.StaticRoutesInsert {
		if _, code := ctx.InsertRoute(sr.Remote, sr.Local, sr.Flags, sr.ParentEvent); code.Failed() {
			return code
		}
	}
	for _, dp := range doc.DefaultPolicies {
		if code := ctx.SetDefaultPolicy(dp.Family, dp.Reject); code.Failed() {
			return code
		}
	}
	return errs.OK
}
