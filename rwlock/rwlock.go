// Copyright 2020 Nathan Taylor (nbtaylor@gmail.com)
//
// Permission is hereby granted, free of charge, to any person obtaining a copy of
// this software and associated documentation files (the "Software"), to deal in
// the Software without restriction, including without limitation the rights to
// use, copy, modify, merge, publish, distribute, sublicense, and/or sell copies
// of the Software, and to permit persons to whom the Software is furnished to do
// so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in all
// copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
// SOFTWARE.

// Package rwlock implements a reader-writer lock with a shared-to-exclusive
// upgrade reservation protocol, used by a Context to guard its route table
// and event/action registries under concurrent dispatch.
//
// Plain shared/exclusive locking is not enough for a caller that discovers,
// while holding shared, that it needs to mutate: releasing shared and then
// re-acquiring exclusive lets an arbitrary number of other writers invalidate
// the premises the caller already checked. shared2mutex upgrades in place,
// blocking until every other shared holder drains if the caller isn't
// already the sole one; at most one upgrade may be in flight on a lock at a
// time, so a second, concurrent attempt fails Busy rather than queuing
// behind the first. The reservation protocol -- shared2mutex_reserve /
// shared2mutex_redeem / shared2mutex_abandon -- exposes that same admission
// and drain wait as two separate steps, so a caller can register upgrade
// intent and keep doing other work before blocking on the redeem, without
// itself blocking new shared acquisitions from starving it out (a granted
// reservation blocks *new* shared acquisitions, but lets existing ones
// finish).
//
// The lock is built from one mutex guarding a small state struct plus three
// condition variables (one for goroutines waiting to become shared, one for
// goroutines waiting to become exclusive, one for a reservation holder
// waiting for other readers to drain). An atomics-only rebuild was
// considered and rejected: the reservation/redeem/abandon protocol has no
// natural lock-free encoding and a hand-rolled one would not be more
// reviewable than condition variables over explicit state.
package rwlock

import (
	"sync"
	"time"

	"github.com/nbtaylor/polifence/errs"
)

// state is the lock's state machine, guarded by mu.
type state struct {
	sharedCount    int  // number of current shared holders
	exclusiveHeld  bool // a single exclusive holder
	writersWaiting int  // goroutines blocked in Mutex(), for writer preference
	reserved       bool // a shared2mutex reservation is outstanding
	redeeming      bool // the reservation holder is draining other readers
}

// Lock is a reader-writer lock supporting shared, exclusive, timed
// acquisition, and atomic shared-to-exclusive upgrade via reservation.
type Lock struct {
	mu sync.Mutex
	st state

	readersCond     *sync.Cond // goroutines waiting to acquire shared
	writersCond     *sync.Cond // goroutines waiting to acquire exclusive
	reservationCond *sync.Cond // the reservation holder, waiting to redeem
}

// New returns an unlocked Lock.
func New() *Lock {
	l := &Lock{}
	l.readersCond = sync.NewCond(&l.mu)
	l.writersCond = sync.NewCond(&l.mu)
	l.reservationCond = sync.NewCond(&l.mu)
	return l
}

// Ticket is held by a successful acquire and consumed by Unlock and the
// upgrade/downgrade operations. Go has no supported way to ask "does the
// calling goroutine hold lock L"; the ticket *is* that answer, explicitly
// threaded by the caller rather than inferred from ambient per-thread state.
type Ticket interface {
	isTicket()
}

// SharedTicket is returned by a successful Shared acquisition.
type SharedTicket struct {
	l     *Lock
	valid bool
}

func (*SharedTicket) isTicket() {}

// Valid reports whether this ticket still represents a held shared lock
// (i.e. answers spec.md's have_shared predicate for the holder of this
// ticket). It becomes false once the ticket is unlocked, upgraded, or
// consumed by a reservation redeem.
func (t *SharedTicket) Valid() bool {
	t.l.mu.Lock()
	defer t.l.mu.Unlock()
	return t.valid
}

// ExclusiveTicket is returned by a successful Mutex acquisition, a
// successful upgrade, or a redeemed reservation.
type ExclusiveTicket struct {
	l     *Lock
	valid bool
}

func (*ExclusiveTicket) isTicket() {}

// Valid reports whether this ticket still represents a held exclusive lock
// (spec.md's have_mutex predicate for the holder of this ticket).
func (t *ExclusiveTicket) Valid() bool {
	t.l.mu.Lock()
	defer t.l.mu.Unlock()
	return t.valid
}

// Reservation is an outstanding shared2mutex_reserve intent.
type Reservation struct {
	l      *Lock
	ticket *SharedTicket
	valid  bool
}

// deadline models spec.md's tri-state timeout argument: timeout == 0 means
// try-lock, timeout < 0 means wait forever, timeout > 0 is a bounded wait.
type deadline struct {
	forever bool
	tryOnly bool
	at      time.Time
}

func newDeadline(timeout time.Duration) deadline {
	switch {
	case timeout == 0:
		return deadline{tryOnly: true}
	case timeout < 0:
		return deadline{forever: true}
	default:
		return deadline{at: time.Now().Add(timeout)}
	}
}

// waitOn blocks on c (whose underlying mutex, l.mu, must be held by the
// caller) according to d, returning false if the caller should give up
// (try-lock contention or timeout expiry) rather than recheck its
// predicate.
func (l *Lock) waitOn(c *sync.Cond, d deadline) bool {
	if d.tryOnly {
		return false
	}
	if d.forever {
		c.Wait()
		return true
	}
	if !time.Now().Before(d.at) {
		return false
	}
	timer := time.AfterFunc(time.Until(d.at), func() {
		l.mu.Lock()
		c.Broadcast()
		l.mu.Unlock()
	})
	c.Wait()
	timer.Stop()
	return time.Now().Before(d.at)
}

func (st *state) canAcquireShared() bool {
	return !st.exclusiveHeld && st.writersWaiting == 0 && !st.reserved
}

func (st *state) canAcquireExclusive() bool {
	return !st.exclusiveHeld && st.sharedCount == 0 && !st.reserved
}

// Shared acquires the lock for shared (read) access. timeout == 0 is a
// try-lock (returns Busy on contention); timeout < 0 waits forever;
// timeout > 0 waits up to that duration before returning TimedOut.
func (l *Lock) Shared(timeout time.Duration) (*SharedTicket, errs.Code) {
	d := newDeadline(timeout)
	l.mu.Lock()
	defer l.mu.Unlock()

	for !l.st.canAcquireShared() {
		if !l.waitOn(l.readersCond, d) {
			if d.tryOnly {
				return nil, errs.Busy
			}
			return nil, errs.TimedOut
		}
	}
	l.st.sharedCount++
	return &SharedTicket{l: l, valid: true}, errs.OK
}

// Mutex acquires the lock for exclusive (write) access, with the same
// timeout semantics as Shared. A pending Mutex waiter blocks new Shared
// acquisitions (writer preference), so writers cannot be starved out by a
// continuous stream of readers.
func (l *Lock) Mutex(timeout time.Duration) (*ExclusiveTicket, errs.Code) {
	d := newDeadline(timeout)
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.st.canAcquireExclusive() {
		l.st.exclusiveHeld = true
		return &ExclusiveTicket{l: l, valid: true}, errs.OK
	}
	if d.tryOnly {
		return nil, errs.Busy
	}

	l.st.writersWaiting++
	defer func() { l.st.writersWaiting-- }()

	for !l.st.canAcquireExclusive() {
		if !l.waitOn(l.writersCond, d) {
			return nil, errs.TimedOut
		}
	}
	l.st.exclusiveHeld = true
	return &ExclusiveTicket{l: l, valid: true}, errs.OK
}

// Unlock releases whatever mode t represents. It returns InvalidState if t
// does not currently represent a held lock (already unlocked, or consumed
// by an upgrade/downgrade/redeem).
func (l *Lock) Unlock(t Ticket) errs.Code {
	switch tk := t.(type) {
	case *SharedTicket:
		return l.unlockShared(tk)
	case *ExclusiveTicket:
		return l.unlockExclusive(tk)
	default:
		return errs.InvalidArg
	}
}

func (l *Lock) unlockShared(t *SharedTicket) errs.Code {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !t.valid {
		return errs.InvalidState
	}
	t.valid = false
	l.st.sharedCount--
	l.wakeWaitersLocked()
	return errs.OK
}

func (l *Lock) unlockExclusive(t *ExclusiveTicket) errs.Code {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !t.valid {
		return errs.InvalidState
	}
	t.valid = false
	l.st.exclusiveHeld = false
	l.wakeWaitersLocked()
	return errs.OK
}

// wakeWaitersLocked wakes candidates in priority order: a reservation
// holder waiting to redeem outranks new writers, which outrank new
// readers -- this is what gives a granted reservation priority over
// newly arriving shared/exclusive waiters, and gives writers priority
// over readers per the lock's writer-preference rule.
func (l *Lock) wakeWaitersLocked() {
	if l.st.reserved {
		l.reservationCond.Broadcast()
	}
	l.writersCond.Broadcast()
	l.readersCond.Broadcast()
}

// HaveShared reports whether t still represents a held shared lock.
func (l *Lock) HaveShared(t *SharedTicket) bool { return t.Valid() }

// HaveMutex reports whether t still represents a held exclusive lock.
func (l *Lock) HaveMutex(t *ExclusiveTicket) bool { return t.Valid() }

// Mutex2Shared downgrades an exclusive hold to shared without releasing the
// lock. The entire transition happens under l.mu, so no newly-arriving
// exclusive waiter can observe an intermediate unlocked state between the
// exclusive release and the shared re-entry.
func (l *Lock) Mutex2Shared(t *ExclusiveTicket) (*SharedTicket, errs.Code) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !t.valid {
		return nil, errs.InvalidState
	}
	t.valid = false
	l.st.exclusiveHeld = false
	l.st.sharedCount = 1
	l.wakeWaitersLocked()
	return &SharedTicket{l: l, valid: true}, errs.OK
}

// Shared2Mutex upgrades t to exclusive in place, blocking (forever) until
// every other shared holder drains if t is not currently the sole holder --
// it does not return Busy merely because other readers are present. At most
// one upgrade attempt may be outstanding on a lock at a time (this reuses
// the same admission slot as Shared2MutexReserve); a second concurrent
// Shared2Mutex or Shared2MutexReserve call made while one is already
// draining returns Busy immediately rather than queuing behind it, per
// spec.md §8 Scenario B and unittests.c's rd2wr_routine.
func (l *Lock) Shared2Mutex(t *SharedTicket) (*ExclusiveTicket, errs.Code) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !t.valid {
		return nil, errs.InvalidState
	}
	if l.st.reserved {
		return nil, errs.Busy
	}

	l.st.reserved = true
	l.st.redeeming = true
	defer func() { l.st.redeeming = false }()

	d := newDeadline(-1)
	for l.st.sharedCount > 1 {
		l.waitOn(l.reservationCond, d)
	}

	t.valid = false
	l.st.sharedCount = 0
	l.st.reserved = false
	l.st.exclusiveHeld = true
	return &ExclusiveTicket{l: l, valid: true}, errs.OK
}

// Shared2MutexReserve registers, while t is held, an intent to upgrade.
// At most one reservation may be outstanding on a lock; a second caller
// gets Busy. A granted reservation blocks new Mutex and Shared2Mutex
// attempts from other holders and blocks new Shared acquisitions, while
// still letting existing shared holders drain and release normally.
func (l *Lock) Shared2MutexReserve(t *SharedTicket) (*Reservation, errs.Code) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !t.valid {
		return nil, errs.InvalidState
	}
	if l.st.reserved {
		return nil, errs.Busy
	}
	l.st.reserved = true
	return &Reservation{l: l, ticket: t, valid: true}, errs.OK
}

// Shared2MutexRedeem waits for every other shared holder to drain and then
// converts the reservation into an exclusive hold. timeout == 0 returns
// Busy if redemption is not immediately possible.
func (l *Lock) Shared2MutexRedeem(r *Reservation, timeout time.Duration) (*ExclusiveTicket, errs.Code) {
	d := newDeadline(timeout)
	l.mu.Lock()
	defer l.mu.Unlock()
	if !r.valid {
		return nil, errs.InvalidState
	}

	l.st.redeeming = true
	defer func() { l.st.redeeming = false }()

	for l.st.sharedCount > 1 {
		if !l.waitOn(l.reservationCond, d) {
			if d.tryOnly {
				return nil, errs.Busy
			}
			return nil, errs.TimedOut
		}
	}

	r.valid = false
	r.ticket.valid = false
	l.st.sharedCount = 0
	l.st.reserved = false
	l.st.exclusiveHeld = true
	return &ExclusiveTicket{l: l, valid: true}, errs.OK
}

// Shared2MutexAbandon drops an outstanding reservation without upgrading,
// releasing the block it placed on new shared/exclusive acquisitions. The
// reserving shared ticket itself remains held.
func (l *Lock) Shared2MutexAbandon(r *Reservation) errs.Code {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !r.valid {
		return errs.InvalidState
	}
	r.valid = false
	l.st.reserved = false
	l.wakeWaitersLocked()
	return errs.OK
}

// Mutex2SharedAndReserveShared2Mutex atomically downgrades t to shared and
// registers a shared2mutex reservation in the same critical section, so no
// other goroutine can slip in a competing reservation between the two
// steps.
func (l *Lock) Mutex2SharedAndReserveShared2Mutex(t *ExclusiveTicket) (*SharedTicket, *Reservation, errs.Code) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !t.valid {
		return nil, nil, errs.InvalidState
	}
	t.valid = false
	l.st.exclusiveHeld = false
	l.st.sharedCount = 1
	l.st.reserved = true
	l.wakeWaitersLocked()
	shared := &SharedTicket{l: l, valid: true}
	return shared, &Reservation{l: l, ticket: shared, valid: true}, errs.OK
}

// SharedAndReserveShared2Mutex acquires shared (forever, per spec.md's
// wait-forever timeout convention for this helper) and immediately
// registers a reservation in the same critical section. If the
// reservation cannot be granted (another is outstanding), the shared
// ticket is still returned with a nil *Reservation and Busy.
func (l *Lock) SharedAndReserveShared2Mutex() (*SharedTicket, *Reservation, errs.Code) {
	return l.sharedAndReserve(newDeadline(-1))
}

// SharedTimedAndReserveShared2Mutex is SharedAndReserveShared2Mutex with an
// explicit timeout on the shared-acquisition step, using spec.md's
// tri-state timeout convention (0 = try, <0 = forever, >0 = bounded).
func (l *Lock) SharedTimedAndReserveShared2Mutex(timeout time.Duration) (*SharedTicket, *Reservation, errs.Code) {
	return l.sharedAndReserve(newDeadline(timeout))
}

func (l *Lock) sharedAndReserve(d deadline) (*SharedTicket, *Reservation, errs.Code) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for !l.st.canAcquireShared() {
		if !l.waitOn(l.readersCond, d) {
			if d.tryOnly {
				return nil, nil, errs.Busy
			}
			return nil, nil, errs.TimedOut
		}
	}
	l.st.sharedCount++
	ticket := &SharedTicket{l: l, valid: true}

	if l.st.reserved {
		return ticket, nil, errs.Busy
	}
	l.st.reserved = true
	return ticket, &Reservation{l: l, ticket: ticket, valid: true}, errs.OK
}
