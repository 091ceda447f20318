package registry

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/swiftparcel/realtime/model"
)

// Member pairs a connection id with its outbound wire for fan-out.
type Member struct {
	ID   string
	Wire model.Wire
}

type entry struct {
	wire     model.Wire
	rooms    map[model.RoomKey]struct{}
	lastSeen time.Time
}

// Registry is the authoritative map of live connections and their
// room memberships. It keeps an inverse index (room -> connections)
// so fan-out lookups never walk every connection. Membership writes
// are serialized against fan-out reads with the RWMutex: a reader can
// never observe a half-applied join or unregister.
type Registry struct {
	logger zerolog.Logger
	mx     sync.RWMutex
	conns  map[string]*entry
	rooms  map[model.RoomKey]map[string]struct{}
}

func NewRegistry(logger *zerolog.Logger) *Registry {
	return &Registry{
		logger: logger.With().Str("component", "registry").Logger(),
		conns:  make(map[string]*entry),
		rooms:  make(map[model.RoomKey]map[string]struct{}),
	}
}

// Register creates an entry with empty membership. Registering an id
// twice keeps the original entry untouched, so client retries cannot
// corrupt state.
func (r *Registry) Register(connID string, wire model.Wire) {
	r.mx.Lock()
	defer r.mx.Unlock()

	if _, ok := r.conns[connID]; ok {
		r.logger.Debug().Str("connID", connID).Msg("already registered")
		return
	}
	r.conns[connID] = &entry{
		wire:     wire,
		rooms:    make(map[model.RoomKey]struct{}),
		lastSeen: time.Now(),
	}
	r.logger.Debug().Str("connID", connID).Msg("connection registered")
}

// Join adds the connection to a room. Joining twice is a no-op.
// Joining from an unregistered connection is swallowed: a join queued
// behind a disconnect must not take the router down.
func (r *Registry) Join(connID string, key model.RoomKey) {
	r.mx.Lock()
	defer r.mx.Unlock()

	ent, ok := r.conns[connID]
	if !ok {
		r.logger.Debug().
			Str("connID", connID).
			Str("room", key.String()).
			Msg("join from unregistered connection, dropped")
		return
	}
	ent.rooms[key] = struct{}{}
	members, ok := r.rooms[key]
	if !ok {
		members = make(map[string]struct{})
		r.rooms[key] = members
	}
	members[connID] = struct{}{}
	r.logger.Debug().
		Str("connID", connID).
		Str("room", key.String()).
		Msg("joined room")
}

// Leave removes the connection from a room. No-op if it was not a
// member or is not registered.
func (r *Registry) Leave(connID string, key model.RoomKey) {
	r.mx.Lock()
	defer r.mx.Unlock()

	ent, ok := r.conns[connID]
	if !ok {
		return
	}
	delete(ent.rooms, key)
	r.dropMember(connID, key)
	r.logger.Debug().
		Str("connID", connID).
		Str("room", key.String()).
		Msg("left room")
}

// Unregister clears every membership the connection held and deletes
// its entry. Duplicate disconnect signals from the transport make
// this a no-op the second time.
func (r *Registry) Unregister(connID string) {
	r.mx.Lock()
	defer r.mx.Unlock()

	ent, ok := r.conns[connID]
	if !ok {
		return
	}
	for key := range ent.rooms {
		r.dropMember(connID, key)
	}
	delete(r.conns, connID)
	r.logger.Debug().Str("connID", connID).Msg("connection unregistered")
}

// Touch refreshes the connection's liveness timestamp. Called by the
// transport on every pong.
func (r *Registry) Touch(connID string) {
	r.mx.Lock()
	defer r.mx.Unlock()

	if ent, ok := r.conns[connID]; ok {
		ent.lastSeen = time.Now()
	}
}

// MembersOf returns a snapshot of the room's members. A room nobody
// has joined yields an empty slice, not an error.
func (r *Registry) MembersOf(key model.RoomKey) []Member {
	r.mx.RLock()
	defer r.mx.RUnlock()

	ids, ok := r.rooms[key]
	if !ok {
		return nil
	}
	members := make([]Member, 0, len(ids))
	for id := range ids {
		if ent, ok := r.conns[id]; ok {
			members = append(members, Member{ID: id, Wire: ent.wire})
		}
	}
	return members
}

// Connections returns a snapshot of every registered connection, for
// broadcast delivery.
func (r *Registry) Connections() []Member {
	r.mx.RLock()
	defer r.mx.RUnlock()

	members := make([]Member, 0, len(r.conns))
	for id, ent := range r.conns {
		members = append(members, Member{ID: id, Wire: ent.wire})
	}
	return members
}

// Rooms returns the room keys a connection currently holds.
func (r *Registry) Rooms(connID string) []model.RoomKey {
	r.mx.RLock()
	defer r.mx.RUnlock()

	ent, ok := r.conns[connID]
	if !ok {
		return nil
	}
	keys := make([]model.RoomKey, 0, len(ent.rooms))
	for key := range ent.rooms {
		keys = append(keys, key)
	}
	return keys
}

type Stats struct {
	Connections int `json:"connections"`
	Rooms       int `json:"rooms"`
}

func (r *Registry) Stats() Stats {
	r.mx.RLock()
	defer r.mx.RUnlock()

	return Stats{
		Connections: len(r.conns),
		Rooms:       len(r.rooms),
	}
}

// dropMember removes a connection from the inverse index and reaps
// the room once its member set is empty. Caller holds the lock.
func (r *Registry) dropMember(connID string, key model.RoomKey) {
	members, ok := r.rooms[key]
	if !ok {
		return
	}
	delete(members, connID)
	if len(members) == 0 {
		delete(r.rooms, key)
	}
}
