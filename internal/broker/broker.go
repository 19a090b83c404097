// Package broker orchestrates call signaling: it enforces the call state
// machine, authorizes every inbound event, fans notifications out through
// the delivery channel, and owns the ring-timeout watchdogs.
package broker

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"chatlink-backend/internal/call"
	"chatlink-backend/internal/domain"
	"chatlink-backend/internal/presence"
	apperrors "chatlink-backend/pkg/errors"
	"chatlink-backend/pkg/logger"
	"chatlink-backend/pkg/metrics"
	"chatlink-backend/pkg/push"
)

// Publisher is the delivery channel: it pushes an event to all connections
// of a user, all connections joined to a room, or everyone. Delivery to a
// user with no open connections is a silent drop, never an error.
type Publisher interface {
	ToUser(userID uuid.UUID, event string, payload interface{})
	ToRoom(roomID string, event string, payload interface{})
	ToRoomExcept(roomID string, except uuid.UUID, event string, payload interface{})
	Broadcast(event string, payload interface{})
}

// Directory is the user/group lookup collaborator. The broker only needs
// existence checks and group membership; everything else about users is
// someone else's problem.
type Directory interface {
	GetUser(ctx context.Context, userID uuid.UUID) (*domain.User, error)
	UserExists(ctx context.Context, userID uuid.UUID) (bool, error)
	GroupExists(ctx context.Context, groupID uuid.UUID) (bool, error)
	GroupMembers(ctx context.Context, groupID uuid.UUID) ([]uuid.UUID, error)
	GroupsFor(ctx context.Context, userID uuid.UUID) ([]uuid.UUID, error)
}

// Target addresses a call: exactly one of ReceiverID (1:1) or GroupID must be set
type Target struct {
	ReceiverID *uuid.UUID
	GroupID    *uuid.UUID
}

// RespondAction is the receiver's answer to a ringing call
type RespondAction string

const (
	ActionAccept  RespondAction = "accept"
	ActionDecline RespondAction = "decline"
)

// Broker is the call signaling core. One instance per process; safe for
// concurrent use, with all read-then-write paths delegated to the atomic
// call store.
type Broker struct {
	store     call.Store
	presence  *presence.Registry
	directory Directory
	publisher Publisher
	watchdogs *watchdogTable

	pushSvc     *push.Service    // optional
	appMetrics  *metrics.Metrics // optional
	ringTimeout time.Duration
}

// Option configures optional broker collaborators
type Option func(*Broker)

// WithPush enables ring push notifications for offline receivers
func WithPush(svc *push.Service) Option {
	return func(b *Broker) { b.pushSvc = svc }
}

// WithMetrics enables call metrics
func WithMetrics(m *metrics.Metrics) Option {
	return func(b *Broker) { b.appMetrics = m }
}

// WithRingTimeout overrides the default 30s ring watchdog
func WithRingTimeout(d time.Duration) Option {
	return func(b *Broker) { b.ringTimeout = d }
}

// New creates a broker
func New(store call.Store, reg *presence.Registry, dir Directory, pub Publisher, opts ...Option) *Broker {
	b := &Broker{
		store:       store,
		presence:    reg,
		directory:   dir,
		publisher:   pub,
		watchdogs:   newWatchdogTable(),
		ringTimeout: 30 * time.Second,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// PublishPresence is the registry change listener: global fan-out of the
// user's new online state
func (b *Broker) PublishPresence(userID uuid.UUID, online bool, lastSeen time.Time) {
	ev := UserStatusEvent{UserID: userID, Online: online}
	if !online && !lastSeen.IsZero() {
		ev.LastSeen = &lastSeen
	}
	b.publisher.Broadcast(EventUserStatus, ev)
	if b.appMetrics != nil {
		b.appMetrics.SetUsersOnline(b.presence.OnlineCount())
	}
}

// Initiate creates a call record in ringing, notifies the addressed
// receivers and arms the ring watchdog
func (b *Broker) Initiate(ctx context.Context, callerID uuid.UUID, target Target, kind domain.CallKind) (*domain.Call, error) {
	if !kind.Valid() {
		return nil, apperrors.InvalidInputError("Unknown call kind")
	}
	if (target.ReceiverID == nil) == (target.GroupID == nil) {
		return nil, apperrors.InvalidInputError("Exactly one of receiver or group must be set")
	}

	if target.ReceiverID != nil {
		return b.initiateDirect(ctx, callerID, *target.ReceiverID, kind)
	}
	return b.initiateGroup(ctx, callerID, *target.GroupID, kind)
}

func (b *Broker) initiateDirect(ctx context.Context, callerID, receiverID uuid.UUID, kind domain.CallKind) (*domain.Call, error) {
	if receiverID == callerID {
		b.countFailure("self_call")
		return nil, apperrors.SelfCallNotAllowedError()
	}

	exists, err := b.directory.UserExists(ctx, receiverID)
	if err != nil {
		return nil, apperrors.DatabaseError(err)
	}
	if !exists {
		b.countFailure("invalid_target")
		return nil, apperrors.InvalidTargetError()
	}

	// Uniqueness is pairwise: a live call with a different counterpart does
	// not block this one.
	active, err := b.store.ActiveBetween(ctx, callerID, receiverID)
	if err != nil {
		return nil, apperrors.DatabaseError(err)
	}
	if active {
		b.countFailure("concurrent_call")
		return nil, apperrors.ConcurrentCallExistsError()
	}

	c := &domain.Call{
		CallID:     uuid.New(),
		CallerID:   callerID,
		ReceiverID: &receiverID,
		Kind:       kind,
		Status:     domain.CallStatusRinging,
		StartedAt:  time.Now(),
	}
	if err := b.store.Create(ctx, c); err != nil {
		return nil, apperrors.DatabaseError(err)
	}

	b.publisher.ToUser(receiverID, EventIncomingCall, IncomingCallEvent{Call: c})
	if !b.presence.IsOnline(receiverID) {
		b.ringPush(ctx, c, receiverID)
	}
	b.armWatchdog(c.CallID)

	if b.appMetrics != nil {
		b.appMetrics.CallStarted()
	}
	logger.Info("Call initiated",
		zap.String("call_id", c.CallID.String()),
		zap.String("caller_id", callerID.String()),
		zap.String("kind", string(kind)))
	return c, nil
}

func (b *Broker) initiateGroup(ctx context.Context, callerID, groupID uuid.UUID, kind domain.CallKind) (*domain.Call, error) {
	exists, err := b.directory.GroupExists(ctx, groupID)
	if err != nil {
		return nil, apperrors.DatabaseError(err)
	}
	if !exists {
		b.countFailure("invalid_target")
		return nil, apperrors.InvalidTargetError()
	}

	members, err := b.directory.GroupMembers(ctx, groupID)
	if err != nil {
		return nil, apperrors.DatabaseError(err)
	}
	if !containsID(members, callerID) {
		b.countFailure("unauthorized")
		return nil, apperrors.UnauthorizedError("Not a member of this group")
	}

	c := &domain.Call{
		CallID:    uuid.New(),
		CallerID:  callerID,
		GroupID:   &groupID,
		Kind:      kind,
		Status:    domain.CallStatusRinging,
		StartedAt: time.Now(),
	}
	if err := b.store.Create(ctx, c); err != nil {
		return nil, apperrors.DatabaseError(err)
	}

	for _, member := range members {
		if member == callerID {
			continue
		}
		if b.presence.IsOnline(member) {
			b.publisher.ToUser(member, EventIncomingGroupCall, IncomingCallEvent{Call: c})
		} else {
			b.ringPush(ctx, c, member)
		}
	}
	b.armWatchdog(c.CallID)

	if b.appMetrics != nil {
		b.appMetrics.CallStarted()
	}
	logger.Info("Group call initiated",
		zap.String("call_id", c.CallID.String()),
		zap.String("group_id", groupID.String()),
		zap.String("caller_id", callerID.String()))
	return c, nil
}

// Respond applies the receiver's accept or decline to a ringing call
func (b *Broker) Respond(ctx context.Context, callID, actorID uuid.UUID, action RespondAction) (*domain.Call, error) {
	c, err := b.getCall(ctx, callID)
	if err != nil {
		return nil, err
	}

	authorized, err := b.mayRespond(ctx, c, actorID)
	if err != nil {
		return nil, err
	}
	if !authorized {
		b.countFailure("unauthorized")
		return nil, apperrors.UnauthorizedError("Not a party to this call")
	}

	switch action {
	case ActionAccept:
		return b.accept(ctx, c, actorID)
	case ActionDecline:
		return b.decline(ctx, c, actorID)
	default:
		return nil, apperrors.InvalidInputError("Unknown action")
	}
}

func (b *Broker) accept(ctx context.Context, c *domain.Call, actorID uuid.UUID) (*domain.Call, error) {
	updated, err := b.store.Accept(ctx, c.CallID, actorID)
	if err != nil {
		return nil, mapStoreError(err)
	}
	b.watchdogs.Disarm(c.CallID)

	ev := CallStateEvent{
		CallID: c.CallID,
		By:     actorID,
		Status: string(updated.Status),
		At:     time.Now(),
	}
	if c.IsGroup() {
		b.publisher.ToUser(c.CallerID, EventCallAccepted, ev)
		b.publisher.ToRoomExcept(c.RoomID(), actorID, EventCallAccepted, ev)
	} else {
		b.publisher.ToUser(c.CallerID, EventCallAccepted, ev)
		b.publisher.ToUser(*c.ReceiverID, EventCallAccepted, ev)
	}

	logger.Info("Call accepted",
		zap.String("call_id", c.CallID.String()),
		zap.String("by", actorID.String()))
	return updated, nil
}

func (b *Broker) decline(ctx context.Context, c *domain.Call, actorID uuid.UUID) (*domain.Call, error) {
	if c.IsGroup() {
		// Group members simply don't join; there is nothing to decline.
		return nil, apperrors.InvalidInputError("Group calls cannot be declined")
	}

	updated, err := b.store.Decline(ctx, c.CallID)
	if err != nil {
		return nil, mapStoreError(err)
	}
	b.watchdogs.Disarm(c.CallID)

	// Only the caller learns about a decline; third parties see nothing.
	b.publisher.ToUser(c.CallerID, EventCallDeclined, CallStateEvent{
		CallID: c.CallID,
		By:     actorID,
		Status: string(updated.Status),
		At:     time.Now(),
	})

	b.resolveMetrics(updated)
	logger.Info("Call declined", zap.String("call_id", c.CallID.String()))
	return updated, nil
}

// Cancel lets the original caller withdraw a still-ringing call
func (b *Broker) Cancel(ctx context.Context, callID, actorID uuid.UUID) (*domain.Call, error) {
	c, err := b.getCall(ctx, callID)
	if err != nil {
		return nil, err
	}
	if c.CallerID != actorID {
		b.countFailure("unauthorized")
		return nil, apperrors.UnauthorizedError("Only the caller may cancel")
	}

	updated, err := b.store.Cancel(ctx, callID)
	if err != nil {
		return nil, mapStoreError(err)
	}
	b.watchdogs.Disarm(callID)

	ev := CallStateEvent{CallID: callID, By: actorID, Status: string(updated.Status), At: time.Now()}
	if c.IsGroup() {
		b.publisher.ToRoomExcept(c.RoomID(), actorID, EventCallCancelled, ev)
	} else {
		b.publisher.ToUser(*c.ReceiverID, EventCallCancelled, ev)
	}

	b.resolveMetrics(updated)
	logger.Info("Call cancelled", zap.String("call_id", callID.String()))
	return updated, nil
}

// EndOrLeave ends an accepted call, or removes a non-caller participant
// from a group call without ending it for the rest
func (b *Broker) EndOrLeave(ctx context.Context, callID, actorID uuid.UUID) (*domain.Call, error) {
	c, err := b.getCall(ctx, callID)
	if err != nil {
		return nil, err
	}

	if !c.IsGroup() {
		if c.CallerID != actorID && *c.ReceiverID != actorID {
			b.countFailure("unauthorized")
			return nil, apperrors.UnauthorizedError("Not a party to this call")
		}

		updated, err := b.store.End(ctx, callID)
		if err != nil {
			return nil, mapStoreError(err)
		}

		other := *c.ReceiverID
		if actorID == other {
			other = c.CallerID
		}
		b.publisher.ToUser(other, EventCallEnded, CallStateEvent{
			CallID: callID, By: actorID, Status: string(updated.Status), At: time.Now(),
		})

		b.resolveMetrics(updated)
		logger.Info("Call ended",
			zap.String("call_id", callID.String()),
			zap.Int("duration", updated.Duration))
		return updated, nil
	}

	if actorID == c.CallerID {
		return b.endGroupCall(ctx, c, actorID)
	}

	if !c.HasParticipant(actorID) {
		b.countFailure("unauthorized")
		return nil, apperrors.UnauthorizedError("Not a participant of this call")
	}

	updated, emptied, err := b.store.Leave(ctx, callID, actorID)
	if err != nil {
		return nil, mapStoreError(err)
	}
	b.publisher.ToRoomExcept(c.RoomID(), actorID, EventParticipantLeft, CallStateEvent{
		CallID: callID, By: actorID, Status: string(updated.Status), At: time.Now(),
	})

	// Nobody left on the line: end the call rather than leave it dangling.
	if emptied {
		return b.endGroupCall(ctx, updated, actorID)
	}
	return updated, nil
}

func (b *Broker) endGroupCall(ctx context.Context, c *domain.Call, actorID uuid.UUID) (*domain.Call, error) {
	updated, err := b.store.End(ctx, c.CallID)
	if err != nil {
		return nil, mapStoreError(err)
	}
	b.watchdogs.Disarm(c.CallID)

	b.publisher.ToRoom(c.RoomID(), EventGroupCallEnded, CallStateEvent{
		CallID: c.CallID, By: actorID, Status: string(updated.Status), At: time.Now(),
	})

	b.resolveMetrics(updated)
	logger.Info("Group call ended",
		zap.String("call_id", c.CallID.String()),
		zap.Int("duration", updated.Duration))
	return updated, nil
}

// RelaySessionPayload forwards an offer/answer/candidate payload verbatim to
// the other party (1:1) or the rest of the signaling room (group). It never
// mutates call state, and authorization is checked at call time because
// relays are not ordered relative to state transitions.
func (b *Broker) RelaySessionPayload(ctx context.Context, callID, fromUserID uuid.UUID, payloadKind string, payload json.RawMessage) error {
	if !ValidSignal(payloadKind) {
		return apperrors.InvalidInputError("Unknown signal type")
	}

	c, err := b.getCall(ctx, callID)
	if err != nil {
		return err
	}
	if c.Status.Terminal() {
		return apperrors.CallNoLongerAvailableError()
	}
	if !b.isParticipant(c, fromUserID) {
		b.countFailure("unauthorized")
		return apperrors.UnauthorizedError("Not a participant of this call")
	}

	ev := SignalEvent{CallID: callID, From: fromUserID, Payload: payload}
	if c.IsGroup() {
		b.publisher.ToRoomExcept(c.RoomID(), fromUserID, payloadKind, ev)
	} else {
		other := *c.ReceiverID
		if fromUserID == other {
			other = c.CallerID
		}
		b.publisher.ToUser(other, payloadKind, ev)
	}

	if b.appMetrics != nil {
		b.appMetrics.SignalRelayed(payloadKind)
	}
	return nil
}

// ResyncRinging re-delivers still-ringing calls addressed to the user, so a
// reconnect mid-ring still shows the incoming call
func (b *Broker) ResyncRinging(ctx context.Context, userID uuid.UUID) {
	direct, err := b.store.RingingForReceiver(ctx, userID)
	if err != nil {
		logger.Warn("Ring resync lookup failed",
			zap.String("user_id", userID.String()), zap.Error(err))
		return
	}
	for _, c := range direct {
		b.publisher.ToUser(userID, EventIncomingCall, IncomingCallEvent{Call: c})
	}

	groups, err := b.directory.GroupsFor(ctx, userID)
	if err != nil {
		logger.Warn("Group lookup failed during ring resync",
			zap.String("user_id", userID.String()), zap.Error(err))
		return
	}
	if len(groups) == 0 {
		return
	}
	groupCalls, err := b.store.RingingForGroups(ctx, groups)
	if err != nil {
		logger.Warn("Ring resync lookup failed",
			zap.String("user_id", userID.String()), zap.Error(err))
		return
	}
	for _, c := range groupCalls {
		if c.CallerID == userID || c.HasParticipant(userID) {
			continue
		}
		b.publisher.ToUser(userID, EventIncomingGroupCall, IncomingCallEvent{Call: c})
	}
}

// History returns the user's call records, newest first
func (b *Broker) History(ctx context.Context, userID uuid.UUID, limit, offset int, activeOnly bool) ([]*domain.Call, error) {
	calls, err := b.store.ListByParticipant(ctx, userID, limit, offset, activeOnly)
	if err != nil {
		return nil, apperrors.DatabaseError(err)
	}
	return calls, nil
}

// GetCall returns a single call record, restricted to its participants
func (b *Broker) GetCall(ctx context.Context, callID, actorID uuid.UUID) (*domain.Call, error) {
	c, err := b.getCall(ctx, callID)
	if err != nil {
		return nil, err
	}
	if !b.isParticipant(c, actorID) {
		return nil, apperrors.UnauthorizedError("Not a party to this call")
	}
	return c, nil
}

// Shutdown disarms all pending watchdogs
func (b *Broker) Shutdown() {
	b.watchdogs.mu.Lock()
	defer b.watchdogs.mu.Unlock()
	for id, t := range b.watchdogs.timers {
		t.Stop()
		delete(b.watchdogs.timers, id)
	}
}

func (b *Broker) armWatchdog(callID uuid.UUID) {
	b.watchdogs.Arm(callID, b.ringTimeout, func() {
		b.fireWatchdog(callID)
	})
}

// fireWatchdog resolves a call nobody answered. The store re-checks status,
// so a timer racing a response is a no-op on the losing side.
func (b *Broker) fireWatchdog(callID uuid.UUID) {
	ctx := context.Background()

	updated, err := b.store.MarkMissed(ctx, callID)
	if err != nil {
		if errors.Is(err, call.ErrAlreadyResolved) || errors.Is(err, call.ErrNotFound) {
			return
		}
		logger.Error("Watchdog failed to mark call missed",
			zap.String("call_id", callID.String()), zap.Error(err))
		return
	}

	ev := CallStateEvent{CallID: callID, Status: string(updated.Status), At: time.Now()}
	b.publisher.ToUser(updated.CallerID, EventCallTimeout, ev)
	if updated.IsGroup() {
		b.publisher.ToRoom(updated.RoomID(), EventCallMissed, ev)
	} else {
		b.publisher.ToUser(*updated.ReceiverID, EventCallMissed, ev)
	}

	b.resolveMetrics(updated)
	logger.Info("Call timed out", zap.String("call_id", callID.String()))
}

// mayRespond is the authorization predicate for respond: the addressed
// receiver for 1:1, any non-caller group member for group calls
func (b *Broker) mayRespond(ctx context.Context, c *domain.Call, actorID uuid.UUID) (bool, error) {
	if !c.IsGroup() {
		return *c.ReceiverID == actorID, nil
	}
	if actorID == c.CallerID {
		return false, nil
	}
	members, err := b.directory.GroupMembers(ctx, *c.GroupID)
	if err != nil {
		return false, apperrors.DatabaseError(err)
	}
	return containsID(members, actorID), nil
}

// isParticipant is the relay/read authorization predicate: caller or
// receiver for 1:1, caller or any current participant for group calls
func (b *Broker) isParticipant(c *domain.Call, userID uuid.UUID) bool {
	if c.CallerID == userID {
		return true
	}
	if !c.IsGroup() {
		return *c.ReceiverID == userID
	}
	return c.HasParticipant(userID)
}

func (b *Broker) getCall(ctx context.Context, callID uuid.UUID) (*domain.Call, error) {
	c, err := b.store.Get(ctx, callID)
	if err != nil {
		if errors.Is(err, call.ErrNotFound) {
			b.countFailure("not_found")
			return nil, apperrors.CallNotFoundError()
		}
		return nil, apperrors.DatabaseError(err)
	}
	return c, nil
}

func (b *Broker) ringPush(ctx context.Context, c *domain.Call, userID uuid.UUID) {
	if b.pushSvc == nil {
		return
	}
	callerName := c.CallerID.String()
	if u, err := b.directory.GetUser(ctx, c.CallerID); err == nil && u != nil {
		callerName = u.Username
	}
	b.pushSvc.SendToUser(ctx, push.RingNotification(c.CallID, c.CallerID, callerName, string(c.Kind)), userID)
}

func (b *Broker) resolveMetrics(c *domain.Call) {
	if b.appMetrics == nil {
		return
	}
	b.appMetrics.CallResolved(string(c.Kind), string(c.Status), time.Duration(c.Duration)*time.Second)
}

func (b *Broker) countFailure(reason string) {
	if b.appMetrics != nil {
		b.appMetrics.CallFailed(reason)
	}
}

func mapStoreError(err error) error {
	switch {
	case errors.Is(err, call.ErrNotFound):
		return apperrors.CallNotFoundError()
	case errors.Is(err, call.ErrAlreadyResolved):
		return apperrors.CallNoLongerAvailableError()
	case errors.Is(err, call.ErrInvalidTransition):
		return apperrors.InvalidStateTransitionError("Transition not valid from current call status")
	default:
		return apperrors.DatabaseError(err)
	}
}

func containsID(ids []uuid.UUID, id uuid.UUID) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}
