package event_test

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nbtaylor/polifence/errs"
	"github.com/nbtaylor/polifence/event"
	"github.com/nbtaylor/polifence/route"
)

func dummyCallback(ctx interface{}, a *event.Action, handlerCtx, callerArg interface{}, triggerEvent *event.Event, t event.ActionType, routes *route.Table, matched *route.Route, results *event.ActionResults) errs.Code {
	return errs.OK
}

func TestActionInsertRejectsEmptyLabel(t *testing.T) {
	r := event.NewActionRegistry()
	_, code := r.Insert("", event.ActionFlagNone, dummyCallback, nil)
	assert.Equal(t, errs.InvalidArg, code)
}

func TestActionInsertRejectsOverLongLabel(t *testing.T) {
	r := event.NewActionRegistry()
	label := strings.Repeat("x", event.MaxLabelBytes+1)
	_, code := r.Insert(label, event.ActionFlagNone, dummyCallback, nil)
	assert.Equal(t, errs.StringArgTooLong, code)
}

func TestActionInsertRejectsDuplicate(t *testing.T) {
	r := event.NewActionRegistry()
	_, code := r.Insert("insert_always", event.ActionFlagNone, dummyCallback, nil)
	require.Equal(t, errs.OK, code)

	_, code = r.Insert("insert_always", event.ActionFlagNone, dummyCallback, nil)
	assert.Equal(t, errs.ItemAlreadyPresent, code)
}

func TestActionLookupMiss(t *testing.T) {
	r := event.NewActionRegistry()
	_, code := r.Lookup("nope")
	assert.Equal(t, errs.ItemNotFound, code)
}

func TestActionUpdateFlagsReturnsBeforeAndAfter(t *testing.T) {
	r := event.NewActionRegistry()
	_, code := r.Insert("a", event.ActionFlagNone, dummyCallback, nil)
	require.Equal(t, errs.OK, code)

	before, after, code := r.UpdateFlags("a", event.ActionFlagDisabled, 0)
	require.Equal(t, errs.OK, code)
	assert.Equal(t, event.ActionFlagNone, before)
	assert.Equal(t, event.ActionFlagDisabled, after)
}

func TestActionDeleteRefusedWhileReferenced(t *testing.T) {
	acts := event.NewActionRegistry()
	evs := event.NewEventRegistry(acts)

	_, code := acts.Insert("a1", event.ActionFlagNone, dummyCallback, nil)
	require.Equal(t, errs.OK, code)

	e, code := evs.Insert("connect", 10, 0, nil)
	require.Equal(t, errs.OK, code)

	require.Equal(t, errs.OK, evs.AppendAction(e, event.ActionTypeMatch, "a1"))

	assert.Equal(t, errs.Busy, acts.Delete("a1"))

	require.Equal(t, errs.OK, evs.Delete("connect"))
	assert.Equal(t, errs.OK, acts.Delete("a1"))
}

func TestEventInsertRejectsDuplicate(t *testing.T) {
	acts := event.NewActionRegistry()
	evs := event.NewEventRegistry(acts)

	_, code := evs.Insert("connect", 10, 0, nil)
	require.Equal(t, errs.OK, code)

	_, code = evs.Insert("connect", 10, 0, nil)
	assert.Equal(t, errs.ItemAlreadyPresent, code)
}

func TestEventChainPreservesInsertOrder(t *testing.T) {
	acts := event.NewActionRegistry()
	evs := event.NewEventRegistry(acts)

	for _, label := range []string{"first", "second", "third"} {
		_, code := acts.Insert(label, event.ActionFlagNone, dummyCallback, nil)
		require.Equal(t, errs.OK, code)
	}

	e, code := evs.Insert("match_side_effect_demo", 10, 0, nil)
	require.Equal(t, errs.OK, code)

	for _, label := range []string{"first", "second", "third"} {
		require.Equal(t, errs.OK, evs.AppendAction(e, event.ActionTypeMatch, label))
	}

	chain := e.Chain(event.ActionTypeMatch)
	require.Len(t, chain, 3)
	assert.Equal(t, "first", chain[0].Label)
	assert.Equal(t, "second", chain[1].Label)
	assert.Equal(t, "third", chain[2].Label)
}
