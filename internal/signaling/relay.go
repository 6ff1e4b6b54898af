// Package signaling is the real-time edge of the call engine: it maps
// connected users to websocket channels, turns inbound call events into
// engine operations and tells each side what happened.
package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"call-coordinator/internal/calls"
	"call-coordinator/internal/session"
	"call-coordinator/internal/users"
	"call-coordinator/pkg/logger"
)

// Engine is the subset of the call state machine driven by the relay.
type Engine interface {
	StartCall(ctx context.Context, req session.StartRequest) (calls.CallRecord, bool, error)
	AcceptCall(ctx context.Context, callID, by string) (calls.CallRecord, bool, error)
	RejectCall(ctx context.Context, callID, by string) (calls.CallRecord, bool, error)
	EndCall(ctx context.Context, callID, endedBy string) (calls.CallRecord, bool, error)
}

// Conversations resolves the conversation a call belongs to.
type Conversations interface {
	ResolveConversation(ctx context.Context, a, b string) (string, error)
}

var ErrMalformedEvent = errors.New("signaling: malformed event")

const (
	msgBusy      = "User is busy"
	msgOffline   = "User is offline"
	msgNotActive = "Call is no longer available"
)

// Relay handles inbound events for connected users.
type Relay struct {
	hub    *Hub
	engine Engine
	users  users.Directory
	convs  Conversations

	// ringing holds calls set up through this relay that have not reached a
	// terminal state, so a timeout can be announced to both sides.
	mu      sync.Mutex
	ringing map[string][2]string
}

func NewRelay(hub *Hub, engine Engine, dir users.Directory, convs Conversations) *Relay {
	return &Relay{hub: hub, engine: engine, users: dir, convs: convs, ringing: map[string][2]string{}}
}

// Handle dispatches one inbound envelope from userID. Malformed input is
// answered with an error event and returns ErrMalformedEvent.
func (r *Relay) Handle(ctx context.Context, userID string, env Envelope) error {
	var err error
	switch env.Event {
	case EventCallUser:
		err = r.callUser(ctx, userID, env.Data)
	case EventCallAccepted:
		err = r.callAccepted(ctx, userID, env.Data)
	case EventCallRejected:
		err = r.callRejected(ctx, userID, env.Data)
	case EventCallEnded:
		err = r.callEnded(ctx, userID, env.Data)
	default:
		err = fmt.Errorf("%w: unknown event %q", ErrMalformedEvent, env.Event)
	}
	if errors.Is(err, ErrMalformedEvent) {
		r.emit(ctx, userID, EventError, errorPayload{Event: env.Event, Message: err.Error()})
	}
	return err
}

func decode(data json.RawMessage, v any) error {
	if len(data) == 0 {
		return fmt.Errorf("%w: missing data", ErrMalformedEvent)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	return nil
}

func (r *Relay) callUser(ctx context.Context, from string, data json.RawMessage) error {
	var req callUserRequest
	if err := decode(data, &req); err != nil {
		return err
	}
	if req.UserToCall == "" {
		return fmt.Errorf("%w: userToCall required", ErrMalformedEvent)
	}
	callType := calls.CallType(req.CallType)
	if callType == "" {
		callType = calls.CallTypeAudio
	}
	if !callType.Valid() {
		return fmt.Errorf("%w: unsupported callType %q", ErrMalformedEvent, req.CallType)
	}

	start := session.StartRequest{
		CallID:          req.CallID,
		ConversationID:  req.ConversationID,
		CallerID:        from,
		ReceiverID:      req.UserToCall,
		CallType:        callType,
		CallerDisplay:   r.display(ctx, from),
		ReceiverDisplay: r.display(ctx, req.UserToCall),
	}
	if start.ConversationID == "" && r.convs != nil {
		id, err := r.convs.ResolveConversation(ctx, from, req.UserToCall)
		if err != nil {
			logger.From(ctx).Warn("conversation lookup failed", "user_id", from, "err", err)
		}
		start.ConversationID = id
	}

	rec, ok, err := r.engine.StartCall(ctx, start)
	if err != nil {
		if errors.Is(err, session.ErrInvalidRequest) {
			return fmt.Errorf("%w: %v", ErrMalformedEvent, err)
		}
		return err
	}
	if !ok {
		r.emit(ctx, from, EventCallBusy, callBusy{UserID: req.UserToCall, CallID: rec.CallID, Message: msgBusy})
		return nil
	}
	r.track(rec)

	// A receiver with no channel on this node still gets a live call; the
	// ring timeout turns it into a missed call. The notice is advisory.
	ack := callRinging{CallID: rec.CallID, To: req.UserToCall}
	if r.hub.Online(req.UserToCall) {
		callerName := req.CallerName
		if callerName == "" {
			callerName = rec.CallerDisplay.Username
		}
		r.emit(ctx, req.UserToCall, EventCallIncoming, callIncoming{
			Signal:     req.Signal,
			From:       from,
			CallType:   string(rec.CallType),
			CallerName: callerName,
			CallID:     rec.CallID,
		})
	} else {
		ack.Message = msgOffline
	}
	r.emit(ctx, from, EventCallRinging, ack)
	return nil
}

func (r *Relay) callAccepted(ctx context.Context, from string, data json.RawMessage) error {
	var req callAcceptedRequest
	if err := decode(data, &req); err != nil {
		return err
	}
	if req.CallID == "" {
		return fmt.Errorf("%w: callId required", ErrMalformedEvent)
	}

	rec, ok, err := r.engine.AcceptCall(ctx, req.CallID, from)
	if err != nil && !ok {
		return err
	}
	if !ok {
		r.emit(ctx, from, EventError, errorPayload{Event: EventCallAccepted, Message: msgNotActive})
		return nil
	}
	r.untrack(rec.CallID)
	r.emit(ctx, rec.PeerOf(from), EventCallAccepted, callAccepted{
		Signal:   req.Signal,
		CallType: string(rec.CallType),
		From:     from,
		CallID:   rec.CallID,
	})
	return nil
}

func (r *Relay) callRejected(ctx context.Context, from string, data json.RawMessage) error {
	var req callPeerRequest
	if err := decode(data, &req); err != nil {
		return err
	}
	if req.CallID == "" {
		return fmt.Errorf("%w: callId required", ErrMalformedEvent)
	}

	rec, ok, err := r.engine.RejectCall(ctx, req.CallID, from)
	if err != nil && !ok {
		return err
	}
	if !ok {
		return nil
	}
	r.untrack(rec.CallID)
	event := EventCallRejected
	if rec.Status == calls.StatusEnded {
		event = EventCallEnded
	}
	r.emit(ctx, rec.PeerOf(from), event, callFrom{From: from, CallID: rec.CallID})
	return nil
}

func (r *Relay) callEnded(ctx context.Context, from string, data json.RawMessage) error {
	var req callPeerRequest
	if err := decode(data, &req); err != nil {
		return err
	}
	if req.CallID == "" {
		return fmt.Errorf("%w: callId required", ErrMalformedEvent)
	}

	rec, ok, err := r.engine.EndCall(ctx, req.CallID, from)
	if err != nil && !ok {
		return err
	}
	if !ok {
		return nil
	}
	r.untrack(rec.CallID)
	r.emit(ctx, rec.PeerOf(from), EventCallEnded, callFrom{From: from, CallID: rec.CallID})
	return nil
}

// CallTransitioned announces ring timeouts of calls this relay set up.
func (r *Relay) CallTransitioned(ctx context.Context, rec calls.CallRecord) {
	if !rec.Status.IsTerminal() {
		return
	}
	if !r.untrack(rec.CallID) {
		return
	}
	if rec.Status != calls.StatusMissed || rec.EndedBy != calls.EndedBySystem {
		return
	}
	for _, u := range []string{rec.CallerID, rec.ReceiverID} {
		r.emit(ctx, u, EventCallEnded, callFrom{From: calls.EndedBySystem, CallID: rec.CallID})
	}
}

// Disconnected ends the still-ringing calls userID takes part in. Answered
// calls are left to the peer's hang-up or a status reset.
func (r *Relay) Disconnected(ctx context.Context, userID string) {
	r.mu.Lock()
	var ids []string
	for id, pair := range r.ringing {
		if pair[0] == userID || pair[1] == userID {
			ids = append(ids, id)
		}
	}
	r.mu.Unlock()

	for _, id := range ids {
		rec, ok, err := r.engine.EndCall(ctx, id, userID)
		if err != nil {
			logger.From(ctx).Warn("ending call on disconnect failed", "call_id", id, "user_id", userID, "err", err)
			continue
		}
		if ok {
			r.untrack(id)
			r.emit(ctx, rec.PeerOf(userID), EventCallEnded, callFrom{From: userID, CallID: id})
		}
	}
}

func (r *Relay) display(ctx context.Context, userID string) calls.Display {
	if r.users == nil {
		return calls.Display{}
	}
	d, err := r.users.Lookup(ctx, userID)
	if err != nil && !errors.Is(err, users.ErrNotFound) {
		logger.From(ctx).Warn("user lookup failed", "user_id", userID, "err", err)
	}
	return d
}

func (r *Relay) track(rec calls.CallRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ringing[rec.CallID] = [2]string{rec.CallerID, rec.ReceiverID}
}

func (r *Relay) untrack(callID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.ringing[callID]
	delete(r.ringing, callID)
	return ok
}

func (r *Relay) emit(ctx context.Context, userID, event string, payload any) {
	if userID == "" {
		return
	}
	if err := r.hub.Emit(ctx, userID, event, payload); err != nil && !errors.Is(err, ErrOffline) {
		logger.From(ctx).Warn("event delivery failed", "user_id", userID, "event", event, "err", err)
	}
}
