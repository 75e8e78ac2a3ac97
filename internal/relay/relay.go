package relay

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mossy-p/telemed-signaling/internal/metrics"
	"github.com/mossy-p/telemed-signaling/internal/models"
	"github.com/rs/zerolog/log"
)

var (
	ErrRoomUnavailable     = errors.New("room unavailable")
	ErrInvalidMessage      = errors.New("invalid message")
	ErrInvalidSubscription = errors.New("invalid subscription")
	ErrNotSubscribed       = errors.New("sender is not subscribed to the room")
)

// Close reasons reported by Subscription.Reason.
const (
	ReasonLeft       = "left"
	ReasonReplaced   = "replaced"
	ReasonOverflow   = "overflow"
	ReasonIdle       = "idle"
	ReasonRoomClosed = "room_closed"
	ReasonShutdown   = "shutdown"
)

const storeTimeout = 5 * time.Second

// room is one entry of the arena. Its mutex is the synchronization boundary
// for membership and delivery; rooms never share a lock.
type room struct {
	id           string
	mu           sync.Mutex
	subs         map[string]*Subscription
	lastActivity time.Time
	closed       bool
}

type Options struct {
	Store       Store
	Bus         Bus
	BufferSize  int
	IdleTimeout time.Duration
}

// Relay fans signaling messages out to the other subscribers of a room.
type Relay struct {
	mu    sync.Mutex
	rooms map[string]*room

	store       Store
	bus         Bus
	instanceID  string
	bufferSize  int
	idleTimeout time.Duration
	now         func() time.Time
}

func New(opts Options) *Relay {
	if opts.Store == nil {
		opts.Store = NewMemoryStore()
	}
	if opts.BufferSize <= 0 {
		opts.BufferSize = 256
	}
	return &Relay{
		rooms:       make(map[string]*room),
		store:       opts.Store,
		bus:         opts.Bus,
		instanceID:  uuid.New().String(),
		bufferSize:  opts.BufferSize,
		idleTimeout: opts.IdleTimeout,
		now:         time.Now,
	}
}

// InstanceID identifies this relay on the bus.
func (r *Relay) InstanceID() string {
	return r.instanceID
}

// Subscribe registers clientID in roomID and announces it to the other
// members. A previous subscription with the same clientID is replaced.
func (r *Relay) Subscribe(ctx context.Context, roomID, clientID string, role models.Role) (*Subscription, error) {
	if roomID == "" || clientID == "" {
		return nil, fmt.Errorf("%w: roomId and clientId are required", ErrInvalidSubscription)
	}
	if !role.Valid() {
		return nil, fmt.Errorf("%w: unknown role %q", ErrInvalidSubscription, role)
	}

	sub := newSubscription(roomID, clientID, role, r.bufferSize, r.now())

	if err := r.store.Join(ctx, roomID, models.Member{ClientID: clientID, Role: role, JoinedAt: sub.JoinedAt}); err != nil {
		metrics.StoreErrorsTotal.WithLabelValues("join").Inc()
		return nil, fmt.Errorf("%w: %v", ErrRoomUnavailable, err)
	}

	rm := r.getOrCreateRoom(roomID)
	old := rm.subs[clientID]
	rm.subs[clientID] = sub
	rm.lastActivity = sub.JoinedAt
	rm.mu.Unlock()

	metrics.ActiveSubscriptions.WithLabelValues(string(role)).Inc()
	if old != nil {
		r.retire(old, ReasonReplaced)
		r.fanout(ctx, models.SignalMessage{
			Type:   models.SignalTypePeerLeft,
			From:   clientID,
			RoomID: roomID,
			Kind:   old.Role,
		})
	}

	log.Info().Str("module", "relay").Str("room", roomID).Str("client", clientID).Str("role", string(role)).Msg("subscribed")

	r.fanout(ctx, models.SignalMessage{
		Type:   models.SignalTypePeerJoined,
		From:   clientID,
		RoomID: roomID,
		Kind:   role,
	})

	members, err := r.store.Members(ctx, roomID)
	if err != nil {
		metrics.StoreErrorsTotal.WithLabelValues("members").Inc()
		log.Warn().Err(err).Str("module", "relay").Str("room", roomID).Msg("falling back to local membership")
		members = r.localMembers(roomID)
	}
	if models.HasBothRoles(members) {
		r.fanout(ctx, models.SignalMessage{Type: models.SignalTypeReady, RoomID: roomID})
	}

	return sub, nil
}

// Publish validates msg, stamps the sender and delivers it to every other
// subscriber of roomID.
func (r *Relay) Publish(ctx context.Context, roomID, from string, msg models.SignalMessage) error {
	if err := validate(msg); err != nil {
		metrics.InvalidMessagesTotal.Inc()
		return err
	}
	if roomID == "" || from == "" {
		metrics.InvalidMessagesTotal.Inc()
		return fmt.Errorf("%w: roomId and from are required", ErrInvalidMessage)
	}
	if _, err := r.Member(ctx, roomID, from); err != nil {
		if errors.Is(err, ErrNotSubscribed) {
			metrics.InvalidMessagesTotal.Inc()
		}
		return err
	}

	msg.From = from
	msg.RoomID = roomID
	metrics.SignalMessagesTotal.WithLabelValues(string(msg.Type), "in").Inc()
	r.fanout(ctx, msg)
	return nil
}

func validate(msg models.SignalMessage) error {
	if !msg.Type.Known() {
		return fmt.Errorf("%w: unknown type %q", ErrInvalidMessage, msg.Type)
	}
	if !msg.Type.ClientOriginated() {
		return fmt.Errorf("%w: %q is produced by the relay only", ErrInvalidMessage, msg.Type)
	}
	switch msg.Type {
	case models.SignalTypeOffer, models.SignalTypeAnswer:
		if msg.SDP == "" {
			return fmt.Errorf("%w: %s without sdp", ErrInvalidMessage, msg.Type)
		}
	case models.SignalTypeCandidate:
		if msg.Candidate == nil {
			return fmt.Errorf("%w: candidate without candidate", ErrInvalidMessage)
		}
	}
	return nil
}

// Member returns the membership record of clientID in roomID. Local
// subscriptions answer directly; otherwise the store is asked, so a sender
// subscribed through another instance is found too.
func (r *Relay) Member(ctx context.Context, roomID, clientID string) (models.Member, error) {
	r.mu.Lock()
	rm, ok := r.rooms[roomID]
	r.mu.Unlock()
	if ok {
		rm.mu.Lock()
		sub, found := rm.subs[clientID]
		rm.mu.Unlock()
		if found {
			return models.Member{ClientID: sub.ClientID, Role: sub.Role, JoinedAt: sub.JoinedAt}, nil
		}
	}

	members, err := r.store.Members(ctx, roomID)
	if err != nil {
		metrics.StoreErrorsTotal.WithLabelValues("members").Inc()
		return models.Member{}, fmt.Errorf("%w: %v", ErrRoomUnavailable, err)
	}
	for _, m := range members {
		if m.ClientID == clientID {
			return m, nil
		}
	}
	return models.Member{}, fmt.Errorf("%w: %q in room %q", ErrNotSubscribed, clientID, roomID)
}

// Unsubscribe removes clientID from roomID regardless of which subscription
// currently holds the slot.
func (r *Relay) Unsubscribe(ctx context.Context, roomID, clientID string) {
	r.remove(ctx, roomID, clientID, nil, ReasonLeft)
}

// Release ends sub. It is a no-op if sub was already replaced or evicted, so
// transports can defer it unconditionally.
func (r *Relay) Release(ctx context.Context, sub *Subscription) {
	r.remove(ctx, sub.RoomID, sub.ClientID, sub, ReasonLeft)
}

func (r *Relay) remove(ctx context.Context, roomID, clientID string, want *Subscription, reason string) {
	r.mu.Lock()
	rm, ok := r.rooms[roomID]
	r.mu.Unlock()
	if !ok {
		return
	}

	rm.mu.Lock()
	sub, ok := rm.subs[clientID]
	if !ok || (want != nil && sub != want) {
		rm.mu.Unlock()
		return
	}
	delete(rm.subs, clientID)
	empty := len(rm.subs) == 0
	if empty {
		rm.closed = true
	}
	rm.mu.Unlock()

	if empty {
		r.dropRoom(rm)
	}
	r.retire(sub, reason)
	r.leaveStore(ctx, sub)

	log.Info().Str("module", "relay").Str("room", roomID).Str("client", clientID).Str("reason", reason).Msg("unsubscribed")

	if !empty {
		r.fanout(ctx, models.SignalMessage{
			Type:   models.SignalTypePeerLeft,
			From:   clientID,
			RoomID: roomID,
			Kind:   sub.Role,
		})
	}
}

// CloseRoom ends every local subscription of roomID and forgets the room.
// It returns the number of subscriptions closed.
func (r *Relay) CloseRoom(ctx context.Context, roomID string) int {
	return r.closeRoom(ctx, roomID, ReasonRoomClosed)
}

func (r *Relay) closeRoom(ctx context.Context, roomID, reason string) int {
	r.mu.Lock()
	rm, ok := r.rooms[roomID]
	if ok {
		delete(r.rooms, roomID)
	}
	r.mu.Unlock()
	if !ok {
		return 0
	}
	metrics.ActiveRooms.Dec()

	rm.mu.Lock()
	rm.closed = true
	subs := make([]*Subscription, 0, len(rm.subs))
	for _, sub := range rm.subs {
		subs = append(subs, sub)
	}
	rm.subs = make(map[string]*Subscription)
	rm.mu.Unlock()

	for _, sub := range subs {
		r.retire(sub, reason)
		r.leaveStore(ctx, sub)
	}
	log.Info().Str("module", "relay").Str("room", roomID).Str("reason", reason).Int("subscriptions", len(subs)).Msg("room closed")
	return len(subs)
}

// Room reports the membership of roomID as seen by the store.
func (r *Relay) Room(ctx context.Context, roomID string) (models.RoomInfo, error) {
	members, err := r.store.Members(ctx, roomID)
	if err != nil {
		metrics.StoreErrorsTotal.WithLabelValues("members").Inc()
		return models.RoomInfo{}, fmt.Errorf("%w: %v", ErrRoomUnavailable, err)
	}
	return models.RoomInfo{
		ID:          roomID,
		Members:     members,
		MemberCount: len(members),
		Ready:       models.HasBothRoles(members),
	}, nil
}

// Run listens on the bus and closes idle rooms until ctx is cancelled. On
// return every local subscription has been closed.
func (r *Relay) Run(ctx context.Context) error {
	if r.bus != nil {
		go func() {
			err := r.bus.Listen(ctx, func(env Envelope) {
				if env.Origin == r.instanceID {
					return
				}
				r.deliver(env.Message)
			})
			if err != nil && ctx.Err() == nil {
				metrics.StoreErrorsTotal.WithLabelValues("listen").Inc()
				log.Error().Err(err).Str("module", "relay").Msg("bus listener stopped")
			}
		}()
	}

	var tick <-chan time.Time
	if r.idleTimeout > 0 {
		interval := r.idleTimeout / 4
		if interval < time.Second {
			interval = time.Second
		}
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			r.shutdown()
			return nil
		case <-tick:
			r.closeIdle(context.Background())
		}
	}
}

func (r *Relay) closeIdle(ctx context.Context) {
	cutoff := r.now().Add(-r.idleTimeout)

	r.mu.Lock()
	idle := make([]string, 0)
	for id, rm := range r.rooms {
		rm.mu.Lock()
		if rm.lastActivity.Before(cutoff) {
			idle = append(idle, id)
		}
		rm.mu.Unlock()
	}
	r.mu.Unlock()

	for _, id := range idle {
		r.closeRoom(ctx, id, ReasonIdle)
	}
}

func (r *Relay) shutdown() {
	r.mu.Lock()
	ids := make([]string, 0, len(r.rooms))
	for id := range r.rooms {
		ids = append(ids, id)
	}
	r.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	for _, id := range ids {
		r.closeRoom(ctx, id, ReasonShutdown)
	}
}

// getOrCreateRoom returns the live room for id with its mutex held.
func (r *Relay) getOrCreateRoom(id string) *room {
	r.mu.Lock()
	defer r.mu.Unlock()

	if rm, ok := r.rooms[id]; ok {
		rm.mu.Lock()
		if !rm.closed {
			return rm
		}
		rm.mu.Unlock()
	} else {
		metrics.ActiveRooms.Inc()
	}

	rm := &room{id: id, subs: make(map[string]*Subscription)}
	r.rooms[id] = rm
	log.Info().Str("module", "relay").Str("room", id).Msg("created room")
	rm.mu.Lock()
	return rm
}

func (r *Relay) dropRoom(rm *room) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.rooms[rm.id] == rm {
		delete(r.rooms, rm.id)
		metrics.ActiveRooms.Dec()
		log.Info().Str("module", "relay").Str("room", rm.id).Msg("removed empty room")
	}
}

func (r *Relay) localMembers(roomID string) []models.Member {
	r.mu.Lock()
	rm, ok := r.rooms[roomID]
	r.mu.Unlock()
	if !ok {
		return nil
	}

	rm.mu.Lock()
	defer rm.mu.Unlock()
	out := make([]models.Member, 0, len(rm.subs))
	for _, sub := range rm.subs {
		out = append(out, models.Member{ClientID: sub.ClientID, Role: sub.Role, JoinedAt: sub.JoinedAt})
	}
	models.SortMembers(out)
	return out
}

// fanout delivers locally, then forwards to the other instances.
func (r *Relay) fanout(ctx context.Context, msg models.SignalMessage) {
	r.deliver(msg)
	if r.bus == nil {
		return
	}
	if err := r.bus.Publish(ctx, Envelope{Origin: r.instanceID, Message: msg}); err != nil {
		metrics.StoreErrorsTotal.WithLabelValues("publish").Inc()
		log.Error().Err(err).Str("module", "relay").Str("room", msg.RoomID).Str("type", string(msg.Type)).Msg("failed to forward message")
	}
}

// deliver queues msg for every local subscriber except the sender. A
// subscriber whose queue is full is evicted rather than blocking the others.
func (r *Relay) deliver(msg models.SignalMessage) {
	r.mu.Lock()
	rm, ok := r.rooms[msg.RoomID]
	r.mu.Unlock()
	if !ok {
		return
	}

	rm.mu.Lock()
	if rm.closed {
		rm.mu.Unlock()
		return
	}
	rm.lastActivity = r.now()

	var evicted []*Subscription
	for clientID, sub := range rm.subs {
		if clientID == msg.From {
			continue
		}
		if msg.To != "" && clientID != msg.To {
			continue
		}
		if !sub.offer(msg) {
			evicted = append(evicted, sub)
			continue
		}
		metrics.SignalMessagesTotal.WithLabelValues(string(msg.Type), "out").Inc()
	}
	for _, sub := range evicted {
		delete(rm.subs, sub.ClientID)
	}
	empty := len(rm.subs) == 0
	if empty {
		rm.closed = true
	}
	rm.mu.Unlock()

	if len(evicted) == 0 {
		return
	}
	if empty {
		r.dropRoom(rm)
	}

	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	for _, sub := range evicted {
		log.Warn().Str("module", "relay").Str("room", sub.RoomID).Str("client", sub.ClientID).Msg("evicting subscriber, buffer full")
		r.retire(sub, ReasonOverflow)
		r.leaveStore(ctx, sub)
		if !empty {
			r.fanout(ctx, models.SignalMessage{
				Type:   models.SignalTypePeerLeft,
				From:   sub.ClientID,
				RoomID: sub.RoomID,
				Kind:   sub.Role,
			})
		}
	}
}

func (r *Relay) retire(sub *Subscription, reason string) {
	if !sub.close(reason) {
		return
	}
	metrics.ActiveSubscriptions.WithLabelValues(string(sub.Role)).Dec()
	metrics.SubscriptionDuration.Observe(r.now().Sub(sub.JoinedAt).Seconds())
	if reason != ReasonLeft {
		metrics.EvictionsTotal.WithLabelValues(reason).Inc()
	}
}

func (r *Relay) leaveStore(ctx context.Context, sub *Subscription) {
	if err := r.store.Leave(ctx, sub.RoomID, sub.ClientID); err != nil {
		metrics.StoreErrorsTotal.WithLabelValues("leave").Inc()
		log.Error().Err(err).Str("module", "relay").Str("room", sub.RoomID).Str("client", sub.ClientID).Msg("failed to remove member from store")
	}
}
