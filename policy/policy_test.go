package policy_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nbtaylor/polifence/errs"
	"github.com/nbtaylor/polifence/event"
	"github.com/nbtaylor/polifence/policy"
	"github.com/nbtaylor/polifence/route"
)

func addrOf(bytes ...byte) (a [route.MaxAddrBytes]byte) {
	copy(a[:], bytes)
	return a
}

func newContext(t *testing.T) *policy.Context {
	t.Helper()
	ctx, code := policy.Init(nil, policy.EventConfig{RoutePrivateDataSize: 16, RoutePrivateDataAlignment: 8}, nil)
	require.Equal(t, errs.OK, code)
	return ctx
}

func recordingCallback(order *[]string, label string) event.Callback {
	return func(ctx interface{}, a *event.Action, handlerCtx, callerArg interface{}, triggerEvent *event.Event, t event.ActionType, routes *route.Table, matched *route.Route, results *event.ActionResults) errs.Code {
		*order = append(*order, label)
		return errs.OK
	}
}

// Scenario D (spec §8): an exact-match static route with no disposition
// flag, dispatched with the same tuple, is not rejected: the route pins
// neither Reject nor Accept, and the match is exact.
func TestDispatchDefaultAcceptOnExactMatchWithNoDisposition(t *testing.T) {
	ctx := newContext(t)
	remote := route.Endpoint{Family: route.FamilyInet, Proto: route.ProtoTCP, Port: 12345, Addr: addrOf(0, 1, 2, 3), PrefixBits: 32, Iface: 1}
	local := route.Endpoint{Family: route.FamilyInet, Proto: route.ProtoTCP, Port: 443, Addr: addrOf(255, 254, 253, 252), PrefixBits: 32, Iface: 1}

	_, code := ctx.InsertRoute(remote, local, route.DirectionIn, "")
	require.Equal(t, errs.OK, code)

	_, inexact, results, code := ctx.Dispatch(remote, local, route.DirectionIn, "", nil)
	require.Equal(t, errs.OK, code)
	assert.Zero(t, inexact)
	assert.False(t, results.Has(policy.ResultReject))
	assert.False(t, results.Has(policy.ResultAccept))
}

// Dispatch with no matching route at all and no default policy configured
// returns Accept, per spec §4.4 step 3.
func TestDispatchNoRouteMatchesDefaultsToAccept(t *testing.T) {
	ctx := newContext(t)
	remote := route.Endpoint{Family: route.FamilyInet, Addr: addrOf(9, 9, 9, 9), PrefixBits: 32}
	local := route.Endpoint{Family: route.FamilyInet, Addr: addrOf(8, 8, 8, 8), PrefixBits: 32}

	routeID, inexact, results, code := ctx.Dispatch(remote, local, route.DirectionIn, "", nil)
	require.Equal(t, errs.OK, code)
	assert.Zero(t, routeID)
	assert.Zero(t, inexact)
	assert.True(t, results.Has(policy.ResultAccept))
}

// A penaltyboxed route dispatched in its own direction matches exactly and
// sets Reject but not Accept, per spec §8's worked example.
func TestDispatchPenaltyboxedRouteRejectsOnMatchingDirection(t *testing.T) {
	ctx := newContext(t)
	remote := route.Endpoint{Family: route.FamilyInet, Addr: addrOf(2, 3, 4, 5), PrefixBits: 32}
	local := route.Endpoint{Family: route.FamilyInet, Addr: addrOf(9, 9, 9, 9), PrefixBits: 32}

	_, code := ctx.InsertRoute(remote, local, route.DirectionOut|route.Penaltyboxed, "")
	require.Equal(t, errs.OK, code)

	_, inexact, results, code := ctx.Dispatch(remote, local, route.DirectionOut, "", nil)
	require.Equal(t, errs.OK, code)
	assert.Zero(t, inexact)
	assert.True(t, results.Has(policy.ResultReject))
	assert.False(t, results.Has(policy.ResultAccept))
}

func TestDispatchSetDefaultPolicyRejectsUnmatchedTraffic(t *testing.T) {
	ctx := newContext(t)
	require.Equal(t, errs.OK, ctx.SetDefaultPolicy(route.FamilyInet, true))

	remote := route.Endpoint{Family: route.FamilyInet, Addr: addrOf(1, 1, 1, 1), PrefixBits: 32}
	local := route.Endpoint{Family: route.FamilyInet, Addr: addrOf(2, 2, 2, 2), PrefixBits: 32}

	_, _, results, code := ctx.Dispatch(remote, local, route.DirectionIn, "", nil)
	require.Equal(t, errs.OK, code)
	assert.True(t, results.Has(policy.ResultReject))
	assert.False(t, results.Has(policy.ResultAccept))
}

// Scenario E/F-style exercise through Dispatch rather than Table directly:
// the longest remote prefix wins, and because the winner is a full-length
// /32 the dispatch's inexact bitmask is empty.
func TestDispatchPrefersLongestRemotePrefix(t *testing.T) {
	ctx := newContext(t)
	queryAddr := addrOf(4, 5, 6, 7)
	local := route.Endpoint{Family: route.FamilyInet, PrefixBits: 32, Addr: addrOf(8, 8, 8, 8)}

	shortRemote := route.Endpoint{Family: route.FamilyInet, PrefixBits: 16, Addr: queryAddr}
	_, code := ctx.InsertRoute(shortRemote, local, route.DirectionOut, "")
	require.Equal(t, errs.OK, code)

	longRemote := route.Endpoint{Family: route.FamilyInet, PrefixBits: 32, Addr: queryAddr}
	longID, code := ctx.InsertRoute(longRemote, local, route.DirectionOut|route.Penaltyboxed, "")
	require.Equal(t, errs.OK, code)

	queryRemote := route.Endpoint{Family: route.FamilyInet, PrefixBits: 32, Addr: queryAddr}
	routeID, inexact, results, code := ctx.Dispatch(queryRemote, local, route.DirectionOut, "", nil)
	require.Equal(t, errs.OK, code)
	assert.Equal(t, longID, routeID)
	assert.Zero(t, inexact)
	assert.True(t, results.Has(policy.ResultReject))
}

// The matched route's parent event's on-match chain and the named trigger
// event's chain run in priority order, lower priority number first; within
// an event, actions run in append order. Here the trigger event (5) runs
// before the parent event (20).
func TestDispatchRunsParentAndTriggerEventsInPriorityOrder(t *testing.T) {
	ctx := newContext(t)

	var order []string
	_, code := ctx.InsertAction("log_parent", event.ActionFlagNone, recordingCallback(&order, "parent"), nil)
	require.Equal(t, errs.OK, code)
	_, code = ctx.InsertAction("log_trigger", event.ActionFlagNone, recordingCallback(&order, "trigger"), nil)
	require.Equal(t, errs.OK, code)

	_, code = ctx.InsertEvent("conn_table_entry", 20, 0, nil)
	require.Equal(t, errs.OK, code)
	require.Equal(t, errs.OK, ctx.AppendAction("conn_table_entry", event.ActionTypeMatch, "log_parent"))

	_, code = ctx.InsertEvent("on_connect", 5, 0, nil)
	require.Equal(t, errs.OK, code)
	require.Equal(t, errs.OK, ctx.AppendAction("on_connect", event.ActionTypeMatch, "log_trigger"))

	remote := route.Endpoint{Family: route.FamilyInet, Addr: addrOf(1, 2, 3, 4), PrefixBits: 32}
	local := route.Endpoint{Family: route.FamilyInet, Addr: addrOf(5, 6, 7, 8), PrefixBits: 32}
	_, code = ctx.InsertRoute(remote, local, route.DirectionIn, "conn_table_entry")
	require.Equal(t, errs.OK, code)

	_, _, _, code = ctx.Dispatch(remote, local, route.DirectionIn, "on_connect", nil)
	require.Equal(t, errs.OK, code)
	assert.Equal(t, []string{"trigger", "parent"}, order, "lower-priority on_connect (5) must run before conn_table_entry (20)")
}

// A non-OK callback return aborts the remainder of the chain.
func TestDispatchAbortsChainOnActionFailure(t *testing.T) {
	ctx := newContext(t)

	var order []string
	failing := func(ctx interface{}, a *event.Action, h, callerArg interface{}, triggerEvent *event.Event, t event.ActionType, routes *route.Table, matched *route.Route, results *event.ActionResults) errs.Code {
		order = append(order, "failing")
		return errs.NotOK
	}
	_, code := ctx.InsertAction("failing", event.ActionFlagNone, failing, nil)
	require.Equal(t, errs.OK, code)
	_, code = ctx.InsertAction("never_runs", event.ActionFlagNone, recordingCallback(&order, "never_runs"), nil)
	require.Equal(t, errs.OK, code)

	_, code = ctx.InsertEvent("on_match", 1, 0, nil)
	require.Equal(t, errs.OK, code)
	require.Equal(t, errs.OK, ctx.AppendAction("on_match", event.ActionTypeMatch, "failing"))
	require.Equal(t, errs.OK, ctx.AppendAction("on_match", event.ActionTypeMatch, "never_runs"))

	remote := route.Endpoint{Family: route.FamilyInet, Addr: addrOf(1, 1, 1, 1), PrefixBits: 32}
	local := route.Endpoint{Family: route.FamilyInet, Addr: addrOf(2, 2, 2, 2), PrefixBits: 32}
	_, code = ctx.InsertRoute(remote, local, route.DirectionIn, "on_match")
	require.Equal(t, errs.OK, code)

	_, _, _, code = ctx.Dispatch(remote, local, route.DirectionIn, "", nil)
	assert.Equal(t, errs.NotOK, code)
	assert.Equal(t, []string{"failing"}, order)
}

// A disabled action is skipped entirely.
func TestDispatchSkipsDisabledActions(t *testing.T) {
	ctx := newContext(t)

	var order []string
	_, code := ctx.InsertAction("disabled_action", event.ActionFlagDisabled, recordingCallback(&order, "disabled"), nil)
	require.Equal(t, errs.OK, code)

	_, code = ctx.InsertEvent("on_match", 1, 0, nil)
	require.Equal(t, errs.OK, code)
	require.Equal(t, errs.OK, ctx.AppendAction("on_match", event.ActionTypeMatch, "disabled_action"))

	remote := route.Endpoint{Family: route.FamilyInet, Addr: addrOf(3, 3, 3, 3), PrefixBits: 32}
	local := route.Endpoint{Family: route.FamilyInet, Addr: addrOf(4, 4, 4, 4), PrefixBits: 32}
	_, code = ctx.InsertRoute(remote, local, route.DirectionIn, "on_match")
	require.Equal(t, errs.OK, code)

	_, _, _, code = ctx.Dispatch(remote, local, route.DirectionIn, "", nil)
	require.Equal(t, errs.OK, code)
	assert.Empty(t, order)
}

func TestShutdownRefusesWhileRouteReferenceOutstanding(t *testing.T) {
	ctx := newContext(t)
	remote := route.Endpoint{Family: route.FamilyInet, Addr: addrOf(1, 1, 1, 1), PrefixBits: 32}
	local := route.Endpoint{Family: route.FamilyInet, Addr: addrOf(2, 2, 2, 2), PrefixBits: 32}

	_, code := ctx.InsertRoute(remote, local, route.DirectionIn, "")
	require.Equal(t, errs.OK, code)

	ref, _, code := ctx.GetReference(remote, local, route.DirectionIn, true)
	require.Equal(t, errs.OK, code)
	require.NotNil(t, ref)

	assert.Equal(t, errs.Busy, ctx.Shutdown())

	ctx.DropReference(ref)
	assert.Equal(t, errs.OK, ctx.Shutdown())
}

func TestCloneCopiesActionAndEventDefinitionsButNotRoutes(t *testing.T) {
	ctx := newContext(t)
	_, code := ctx.InsertAction("noop", event.ActionFlagNone, func(ctx interface{}, a *event.Action, h, callerArg interface{}, triggerEvent *event.Event, t event.ActionType, routes *route.Table, matched *route.Route, results *event.ActionResults) errs.Code {
		return errs.OK
	}, nil)
	require.Equal(t, errs.OK, code)
	_, code = ctx.InsertEvent("connect", 10, 0, nil)
	require.Equal(t, errs.OK, code)
	require.Equal(t, errs.OK, ctx.AppendAction("connect", event.ActionTypeMatch, "noop"))

	remote := route.Endpoint{Family: route.FamilyInet, Addr: addrOf(1, 1, 1, 1), PrefixBits: 32}
	local := route.Endpoint{Family: route.FamilyInet, Addr: addrOf(2, 2, 2, 2), PrefixBits: 32}
	_, code = ctx.InsertRoute(remote, local, route.DirectionIn, "connect")
	require.Equal(t, errs.OK, code)

	clone, code := ctx.Clone(policy.AsAtCreation)
	require.Equal(t, errs.OK, code)

	_, code = clone.InsertAction("noop", event.ActionFlagNone, nil, nil)
	assert.Equal(t, errs.ItemAlreadyPresent, code, "clone must carry over action definitions")

	_, code = clone.InsertEvent("connect", 10, 0, nil)
	assert.Equal(t, errs.ItemAlreadyPresent, code, "clone must carry over event definitions")

	_, _, _, code = clone.Dispatch(remote, local, route.DirectionIn, "", nil)
	require.Equal(t, errs.OK, code)
	_, _, results, _ := clone.Dispatch(remote, local, route.DirectionIn, "", nil)
	assert.True(t, results.Has(policy.ResultAccept), "clone must not carry over routes; an unmatched dispatch defaults to accept")
}

func TestExchangeSwapsRouteTablesBetweenContexts(t *testing.T) {
	a := newContext(t)
	b := newContext(t)

	remoteA := route.Endpoint{Family: route.FamilyInet, Addr: addrOf(1, 1, 1, 1), PrefixBits: 32}
	localA := route.Endpoint{Family: route.FamilyInet, Addr: addrOf(2, 2, 2, 2), PrefixBits: 32}
	_, code := a.InsertRoute(remoteA, localA, route.DirectionIn|route.Penaltyboxed, "")
	require.Equal(t, errs.OK, code)

	require.Equal(t, errs.OK, policy.Exchange(a, b))

	_, _, results, code := b.Dispatch(remoteA, localA, route.DirectionIn, "", nil)
	require.Equal(t, errs.OK, code)
	assert.True(t, results.Has(policy.ResultReject), "b must now hold a's penaltyboxed route after Exchange")

	_, _, results, code = a.Dispatch(remoteA, localA, route.DirectionIn, "", nil)
	require.Equal(t, errs.OK, code)
	assert.True(t, results.Has(policy.ResultAccept), "a must have lost its route to b after Exchange")
}
