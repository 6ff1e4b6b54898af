package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"call-coordinator/internal/calls"
	"call-coordinator/internal/callstatus"
	"call-coordinator/internal/lock"
	"call-coordinator/pkg/logger"

	"github.com/google/uuid"
)

// Engine is the call state machine. It sequences setup locks, user status
// and call records for two-party calls.
//
// Invariants:
// - Two StartCall attempts for the same pair of users are serialized by the
//   pair lock; at most one moves both users out of idle.
// - Only the caller that wins a record transition resets statuses and emits
//   the call-log message, so duplicate terminal events are no-ops.
// - Every failure path ends in a terminal record or no record at all; users
//   are never left busy without a live call.
type Engine struct {
	records  calls.Store
	status   callstatus.Store
	locks    lock.Locker
	reporter Reporter

	cfg   Options
	sched Scheduler
	// clock is injectable for deterministic tests.
	clock func() time.Time

	mu        sync.Mutex
	listeners []Listener
	timers    map[int]Timer
	nextTimer int
	closed    bool
	running   sync.WaitGroup
}

// Reporter turns a terminated call into a call-log message.
type Reporter interface {
	Emit(ctx context.Context, rec calls.CallRecord) error
}

// Listener observes every successful record transition, including creation.
type Listener interface {
	CallTransitioned(ctx context.Context, rec calls.CallRecord)
}

type Options struct {
	LockTTL          time.Duration
	LockReleaseDelay time.Duration
	RingTimeout      time.Duration
	// OpTimeout bounds each deferred operation (lock release, ring timeout).
	OpTimeout time.Duration

	Scheduler Scheduler
	Clock     func() time.Time
	// BaseContext is the parent of deferred operations' contexts.
	BaseContext context.Context
}

const (
	DefaultLockReleaseDelay = 3 * time.Second
	DefaultRingTimeout      = 30 * time.Second
	defaultOpTimeout        = 5 * time.Second
)

func (o Options) withDefaults() Options {
	out := o
	if out.LockTTL <= 0 {
		out.LockTTL = lock.DefaultTTL
	}
	if out.LockReleaseDelay <= 0 {
		out.LockReleaseDelay = DefaultLockReleaseDelay
	}
	if out.RingTimeout <= 0 {
		out.RingTimeout = DefaultRingTimeout
	}
	if out.OpTimeout <= 0 {
		out.OpTimeout = defaultOpTimeout
	}
	if out.Scheduler == nil {
		out.Scheduler = realScheduler{}
	}
	if out.Clock == nil {
		out.Clock = time.Now
	}
	if out.BaseContext == nil {
		out.BaseContext = context.Background()
	}
	return out
}

func NewEngine(records calls.Store, status callstatus.Store, locks lock.Locker, reporter Reporter, opts Options) *Engine {
	opts = opts.withDefaults()
	return &Engine{
		records:  records,
		status:   status,
		locks:    locks,
		reporter: reporter,
		cfg:      opts,
		sched:    opts.Scheduler,
		clock:    opts.Clock,
		timers:   map[int]Timer{},
	}
}

// AddListener registers l for transition notifications.
func (e *Engine) AddListener(l Listener) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.listeners = append(e.listeners, l)
}

// StartRequest carries everything known about a new call attempt.
type StartRequest struct {
	// CallID is optional; one is generated when empty.
	CallID         string
	ConversationID string

	CallerID   string
	ReceiverID string
	CallType   calls.CallType

	CallerDisplay   calls.Display
	ReceiverDisplay calls.Display
}

var ErrInvalidRequest = errors.New("invalid call request")

// StartCall attempts to set up a call. It returns the stored record and
// whether setup succeeded. On failure the record is the terminal missed
// record written for the attempt.
//
// Contention and store failures are not errors here: both resolve to the
// missed path. Only a malformed request returns ErrInvalidRequest, with no
// side effects.
func (e *Engine) StartCall(ctx context.Context, req StartRequest) (calls.CallRecord, bool, error) {
	if req.CallerID == "" || req.ReceiverID == "" || !req.CallType.Valid() {
		return calls.CallRecord{}, false, ErrInvalidRequest
	}
	if req.CallID == "" {
		req.CallID = uuid.NewString()
	}
	log := logger.From(ctx).With("call_id", req.CallID, "caller_id", req.CallerID, "receiver_id", req.ReceiverID)
	now := e.clock()

	// A call id names one attempt for good; a reused id never reopens it.
	if existing, err := e.records.Get(ctx, req.CallID); err == nil {
		log.Info("call id already used", "status", existing.Status)
		return existing, false, nil
	} else if !errors.Is(err, calls.ErrNotFound) {
		log.Error("call record lookup failed", "err", err)
		return e.failSetup(ctx, req, now, nil), false, nil
	}

	ok, err := e.status.CanReceiveCall(ctx, req.ReceiverID, req.CallerID)
	if err != nil {
		log.Error("receiver status check failed", "err", err)
	}
	if err != nil || !ok {
		return e.failSetup(ctx, req, now, nil), false, nil
	}

	token := lock.Token(req.CallerID, req.ReceiverID, req.CallID, now)
	pair, err := lock.AcquirePair(ctx, e.locks, req.CallerID, req.ReceiverID, token, e.cfg.LockTTL)
	if err != nil {
		if !errors.Is(err, lock.ErrContended) {
			log.Error("setup lock acquisition failed", "err", err)
		} else {
			log.Info("setup lock contended")
		}
		return e.failSetup(ctx, req, now, nil), false, nil
	}

	// Re-check under the locks: the receiver may have been claimed between
	// the first check and acquisition.
	ok, err = e.status.CanReceiveCall(ctx, req.ReceiverID, req.CallerID)
	if err != nil {
		log.Error("receiver status re-check failed", "err", err)
	}
	if err != nil || !ok {
		return e.failSetup(ctx, req, now, pair), false, nil
	}

	err = e.status.Assign(ctx,
		callstatus.Assignment{UserID: req.CallerID, Status: callstatus.StatusInCall, Info: callstatus.ActiveCallInfo{
			CallID: req.CallID, PeerID: req.ReceiverID, StartTime: now, CallType: req.CallType,
		}},
		callstatus.Assignment{UserID: req.ReceiverID, Status: callstatus.StatusBusy, Info: callstatus.ActiveCallInfo{
			CallID: req.CallID, PeerID: req.CallerID, StartTime: now, CallType: req.CallType,
		}},
	)
	if err != nil {
		log.Error("status assignment failed", "err", err)
		e.resetParticipants(ctx, req.CallID, req.CallerID, req.ReceiverID)
		return e.failSetup(ctx, req, now, pair), false, nil
	}

	rec := calls.CallRecord{
		CallID:          req.CallID,
		ConversationID:  req.ConversationID,
		CallerID:        req.CallerID,
		ReceiverID:      req.ReceiverID,
		CallerDisplay:   req.CallerDisplay,
		ReceiverDisplay: req.ReceiverDisplay,
		CallType:        req.CallType,
		Status:          calls.StatusInitiated,
		StartTime:       now,
	}
	created, err := e.records.Create(ctx, rec)
	if err != nil {
		log.Error("call record save failed", "err", err)
		e.resetParticipants(ctx, req.CallID, req.CallerID, req.ReceiverID)
		return e.failSetup(ctx, req, now, pair), false, nil
	}
	if !created {
		return e.abandonDuplicate(ctx, req, pair), false, nil
	}

	e.schedule(e.cfg.LockReleaseDelay, func(ctx context.Context) {
		if err := pair.Release(ctx); err != nil {
			logger.From(ctx).Warn("deferred lock release failed", "call_id", rec.CallID, "err", err)
		}
	})
	e.schedule(e.cfg.RingTimeout, func(ctx context.Context) {
		e.ringTimeout(ctx, rec.CallID)
	})

	log.Info("call initiated", "call_type", rec.CallType)
	e.notify(ctx, rec)
	return rec, true, nil
}

// failSetup records a failed attempt as missed by the system. An existing
// record with the same call id is left alone: that is a duplicate of a live
// attempt, not a new one.
func (e *Engine) failSetup(ctx context.Context, req StartRequest, now time.Time, pair *lock.Pair) calls.CallRecord {
	log := logger.From(ctx).With("call_id", req.CallID)
	if pair != nil {
		if err := pair.Release(ctx); err != nil {
			log.Warn("setup lock release failed", "err", err)
		}
	}

	ended := now
	rec := calls.CallRecord{
		CallID:          req.CallID,
		ConversationID:  req.ConversationID,
		CallerID:        req.CallerID,
		ReceiverID:      req.ReceiverID,
		CallerDisplay:   req.CallerDisplay,
		ReceiverDisplay: req.ReceiverDisplay,
		CallType:        req.CallType,
		Status:          calls.StatusMissed,
		StartTime:       now,
		EndedAt:         &ended,
		EndedBy:         calls.EndedBySystem,
	}
	created, err := e.records.Create(ctx, rec)
	if err != nil {
		log.Error("missed call record save failed", "err", err)
	} else if !created {
		log.Info("duplicate setup attempt ignored")
		return rec
	}

	log.Info("call setup failed")
	e.report(ctx, rec)
	e.notify(ctx, rec)
	return rec
}

// abandonDuplicate backs out an attempt whose call id was claimed by another
// attempt between the first lookup and the record write.
func (e *Engine) abandonDuplicate(ctx context.Context, req StartRequest, pair *lock.Pair) calls.CallRecord {
	log := logger.From(ctx).With("call_id", req.CallID)
	if err := pair.Release(ctx); err != nil {
		log.Warn("setup lock release failed", "err", err)
	}
	existing, err := e.records.Get(ctx, req.CallID)
	if err != nil {
		log.Error("call record lookup failed", "err", err)
		return existing
	}
	for _, u := range []string{req.CallerID, req.ReceiverID} {
		if existing.Status.IsTerminal() || !existing.HasParticipant(u) {
			e.resetParticipants(ctx, req.CallID, u)
		}
	}
	log.Info("duplicate setup attempt ignored", "status", existing.Status)
	return existing
}

func (e *Engine) ringTimeout(ctx context.Context, callID string) {
	rec, err := e.records.Get(ctx, callID)
	if err != nil {
		if !errors.Is(err, calls.ErrNotFound) {
			logger.From(ctx).Error("ring timeout lookup failed", "call_id", callID, "err", err)
		}
		return
	}
	if rec.Status != calls.StatusInitiated {
		return
	}
	logger.From(ctx).Info("call ring timeout", "call_id", callID)
	if err := e.MissedCall(ctx, callID, calls.EndedBySystem); err != nil {
		logger.From(ctx).Error("ring timeout transition failed", "call_id", callID, "err", err)
	}
}

// AcceptCall moves an initiated call to active. Unknown calls, calls in any
// other state, and acceptance by anyone but the receiver are no-ops. An empty
// by skips the receiver check.
func (e *Engine) AcceptCall(ctx context.Context, callID, by string) (calls.CallRecord, bool, error) {
	rec, err := e.records.Get(ctx, callID)
	if errors.Is(err, calls.ErrNotFound) {
		return calls.CallRecord{}, false, nil
	}
	if err != nil {
		return calls.CallRecord{}, false, err
	}
	if rec.Status != calls.StatusInitiated || (by != "" && by != rec.ReceiverID) {
		return rec, false, nil
	}

	e.releaseLocks(ctx, rec)

	updated, err := e.records.Update(ctx, callID, func(r *calls.CallRecord) error {
		if r.Status != calls.StatusInitiated {
			return calls.ErrSkip
		}
		return r.Transition(calls.StatusActive, e.clock(), "")
	})
	if errors.Is(err, calls.ErrSkip) {
		return updated, false, nil
	}
	if err != nil {
		return rec, false, err
	}

	err = e.status.SetInCall(ctx, updated.ReceiverID, callstatus.ActiveCallInfo{
		CallID:    updated.CallID,
		PeerID:    updated.CallerID,
		StartTime: updated.StartTime,
		CallType:  updated.CallType,
	})
	if err != nil {
		// The receiver stays busy on this same call; ending it still resets them.
		logger.From(ctx).Error("receiver status update failed", "call_id", callID, "err", err)
	}

	logger.From(ctx).Info("call accepted", "call_id", callID)
	e.notify(ctx, updated)
	return updated, true, err
}

// RejectCall declines a ringing call. A reject arriving for an already
// answered call hangs it up instead.
func (e *Engine) RejectCall(ctx context.Context, callID, by string) (calls.CallRecord, bool, error) {
	rec, ok, err := e.loadLive(ctx, callID, by)
	if err != nil || !ok {
		return rec, false, err
	}
	if rec.Status == calls.StatusActive {
		return e.EndCall(ctx, callID, by)
	}

	e.releaseLocks(ctx, rec)

	endedBy := by
	if endedBy == "" {
		endedBy = rec.ReceiverID
	}
	return e.finish(ctx, callID, calls.StatusInitiated, calls.StatusRejected, endedBy)
}

// EndCall hangs up a call. Ending a call that was never answered is the same
// as the call being missed.
func (e *Engine) EndCall(ctx context.Context, callID, endedBy string) (calls.CallRecord, bool, error) {
	rec, ok, err := e.loadLive(ctx, callID, endedBy)
	if err != nil || !ok {
		return rec, false, err
	}

	e.releaseLocks(ctx, rec)

	if rec.AnsweredAt == nil {
		return e.missed(ctx, callID, endedBy)
	}
	return e.finish(ctx, callID, calls.StatusActive, calls.StatusEnded, endedBy)
}

// MissedCall marks a still-ringing call as missed. It is idempotent: terminal
// and answered calls are left unchanged.
func (e *Engine) MissedCall(ctx context.Context, callID, endedBy string) error {
	_, _, err := e.missed(ctx, callID, endedBy)
	return err
}

func (e *Engine) missed(ctx context.Context, callID, endedBy string) (calls.CallRecord, bool, error) {
	rec, changed, err := e.finish(ctx, callID, calls.StatusInitiated, calls.StatusMissed, endedBy)
	if changed {
		e.releaseLocks(ctx, rec)
	}
	return rec, changed, err
}

// finish performs from -> to on the record and, if this call won the
// transition, resets both participants and emits the call-log message.
func (e *Engine) finish(ctx context.Context, callID string, from, to calls.CallStatus, endedBy string) (calls.CallRecord, bool, error) {
	updated, err := e.records.Update(ctx, callID, func(r *calls.CallRecord) error {
		if r.Status != from {
			return calls.ErrSkip
		}
		return r.Transition(to, e.clock(), endedBy)
	})
	switch {
	case errors.Is(err, calls.ErrNotFound), errors.Is(err, calls.ErrSkip):
		return updated, false, nil
	case err != nil:
		return updated, false, err
	}

	resetErr := e.resetParticipants(ctx, updated.CallID, updated.CallerID, updated.ReceiverID)

	logger.From(ctx).Info("call finished", "call_id", callID, "status", updated.Status, "ended_by", endedBy, "duration", updated.DurationSeconds)
	e.report(ctx, updated)
	e.notify(ctx, updated)
	return updated, true, resetErr
}

// loadLive loads a non-terminal record that by participates in. An empty by
// skips the participant check.
func (e *Engine) loadLive(ctx context.Context, callID, by string) (calls.CallRecord, bool, error) {
	rec, err := e.records.Get(ctx, callID)
	if errors.Is(err, calls.ErrNotFound) {
		return calls.CallRecord{}, false, nil
	}
	if err != nil {
		return calls.CallRecord{}, false, err
	}
	if rec.Status.IsTerminal() {
		return rec, false, nil
	}
	if by != "" && by != calls.EndedBySystem && !rec.HasParticipant(by) {
		logger.From(ctx).Warn("call event from non-participant ignored", "call_id", callID, "user_id", by)
		return rec, false, nil
	}
	return rec, true, nil
}

// ResetUser is the app-restart flow: it hangs up whatever call the user is
// recorded in and returns them to idle.
func (e *Engine) ResetUser(ctx context.Context, userID, endedBy string) error {
	info, err := e.status.GetActiveCallInfo(ctx, userID)
	if err != nil {
		return err
	}
	if info != nil {
		if _, _, err := e.EndCall(ctx, info.CallID, endedBy); err != nil {
			logger.From(ctx).Warn("ending active call during reset failed", "call_id", info.CallID, "err", err)
		}
	}
	return e.status.Reset(ctx, userID)
}

// Status returns a user's current call status.
func (e *Engine) Status(ctx context.Context, userID string) (callstatus.UserCallStatus, error) {
	return e.status.Get(ctx, userID)
}

// Call returns a single record.
func (e *Engine) Call(ctx context.Context, callID string) (calls.CallRecord, error) {
	return e.records.Get(ctx, callID)
}

// History returns a user's most recent calls.
func (e *Engine) History(ctx context.Context, userID string, limit int) ([]calls.CallRecord, error) {
	return e.records.ListForUser(ctx, userID, limit)
}

// Close cancels pending deferred work and waits for running work to finish.
// Locks and statuses left behind expire on their own.
func (e *Engine) Close() {
	e.mu.Lock()
	e.closed = true
	for id, t := range e.timers {
		t.Stop()
		delete(e.timers, id)
	}
	e.mu.Unlock()
	e.running.Wait()
}

func (e *Engine) schedule(d time.Duration, fn func(ctx context.Context)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	e.nextTimer++
	id := e.nextTimer
	e.timers[id] = e.sched.AfterFunc(d, func() {
		e.mu.Lock()
		if _, ok := e.timers[id]; !ok || e.closed {
			e.mu.Unlock()
			return
		}
		delete(e.timers, id)
		e.running.Add(1)
		e.mu.Unlock()
		defer e.running.Done()

		ctx, cancel := context.WithTimeout(e.cfg.BaseContext, e.cfg.OpTimeout)
		defer cancel()
		fn(ctx)
	})
}

func (e *Engine) releaseLocks(ctx context.Context, rec calls.CallRecord) {
	token := lock.Token(rec.CallerID, rec.ReceiverID, rec.CallID, rec.StartTime)
	if err := lock.ReleaseAll(ctx, e.locks, token, rec.CallerID, rec.ReceiverID); err != nil {
		logger.From(ctx).Warn("lock release failed", "call_id", rec.CallID, "err", err)
	}
}

func (e *Engine) resetParticipants(ctx context.Context, callID string, users ...string) error {
	var errs []error
	for _, u := range users {
		if _, err := e.status.ResetIfCall(ctx, u, callID); err != nil {
			logger.From(ctx).Error("status reset failed", "call_id", callID, "user_id", u, "err", err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (e *Engine) report(ctx context.Context, rec calls.CallRecord) {
	if e.reporter == nil {
		return
	}
	if err := e.reporter.Emit(ctx, rec); err != nil {
		logger.From(ctx).Error("call log emit failed", "call_id", rec.CallID, "err", err)
	}
}

func (e *Engine) notify(ctx context.Context, rec calls.CallRecord) {
	e.mu.Lock()
	ls := append([]Listener(nil), e.listeners...)
	e.mu.Unlock()
	for _, l := range ls {
		l.CallTransitioned(ctx, rec)
	}
}
