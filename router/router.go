package router

import (
	"context"
	"sync"
	"time"

	"github.com/davecgh/go-spew/spew"
	"github.com/rs/zerolog"
	"github.com/swiftparcel/realtime/model"
	"github.com/swiftparcel/realtime/registry"
)

const (
	defaultSendTimeout = time.Second
	defaultQueueSize   = 256
)

type Config struct {
	Logger      *zerolog.Logger
	Registry    *registry.Registry
	SendTimeout time.Duration
}

// Router resolves each envelope into its target rooms per the routing
// table and pushes the serialized event to every member connection,
// plus the global broadcast set for the admin-interest kinds.
//
// Envelopes flow through a single queue consumed by Run, so two
// envelopes aimed at the same room always reach its members in emit
// order. Delivery is at-most-once: a connection that is not
// registered at dispatch time simply misses the event.
type Router struct {
	logger      zerolog.Logger
	reg         *registry.Registry
	queue       chan model.Envelope
	sendTimeout time.Duration
}

func NewRouter(cfg Config) *Router {
	sendTimeout := cfg.SendTimeout
	if sendTimeout == 0 {
		sendTimeout = defaultSendTimeout
	}
	return &Router{
		logger:      cfg.Logger.With().Str("component", "router").Logger(),
		reg:         cfg.Registry,
		queue:       make(chan model.Envelope, defaultQueueSize),
		sendTimeout: sendTimeout,
	}
}

// Emit enqueues one envelope for fan-out. Fire-and-forget: routing
// and delivery errors never travel back to the caller.
func (rt *Router) Emit(ctx context.Context, env model.Envelope) {
	select {
	case <-ctx.Done():
	case rt.queue <- env.Normalized():
	}
}

// Run drains the emit queue until the context is canceled. Exactly
// one Run loop must be active per router.
func (rt *Router) Run(ctx context.Context, wg *sync.WaitGroup) {
	defer func() {
		rt.logger.Debug().Msg("router stopped")
		wg.Done()
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case env := <-rt.queue:
			rt.dispatch(ctx, env)
		}
	}
}

// roomTarget pairs one resolved room with the event name its members
// receive.
type roomTarget struct {
	room  model.RoomKey
	event string
}

// resolve builds the fan-out plan for one envelope: the private room
// targets plus the broadcast event name ("" means no broadcast).
// Broadcasts always go out as the admin-oriented alias event, so a
// private room member can tell its own copy from the firehose copy.
//
//	parcel-booked    -> user room, broadcast admin alias
//	status-updated   -> parcel + user + agent rooms, broadcast admin alias
//	agent-assigned   -> agent room only
//	location-updated -> parcel room, agent room (multi-device relay)
func resolve(env model.Envelope) (targets []roomTarget, broadcast string) {
	switch env.Kind {
	case model.KindParcelBooked:
		if env.CustomerID != "" {
			targets = append(targets, roomTarget{model.UserRoom(env.CustomerID), model.EventParcelUpdate})
		}
		broadcast = model.EventAdminParcelUpdate

	case model.KindStatusUpdated:
		targets = append(targets, roomTarget{model.ParcelRoom(env.ParcelID), model.EventParcelStatusUpdated})
		if env.CustomerID != "" {
			targets = append(targets, roomTarget{model.UserRoom(env.CustomerID), model.EventParcelStatusUpdated})
		}
		if env.AgentID != "" {
			targets = append(targets, roomTarget{model.AgentRoom(env.AgentID), model.EventParcelStatusUpdated})
		}
		broadcast = model.EventAdminParcelUpdate

	case model.KindAgentAssigned:
		targets = append(targets, roomTarget{model.AgentRoom(env.AgentID), model.EventParcelAssigned})

	case model.KindLocationUpdated:
		if env.ParcelID != "" {
			targets = append(targets, roomTarget{model.ParcelRoom(env.ParcelID), model.EventLocationUpdate})
		}
		if env.AgentID != "" {
			targets = append(targets, roomTarget{model.AgentRoom(env.AgentID), model.EventAgentLocationUpdate})
		}
	}
	return targets, broadcast
}

func (rt *Router) dispatch(ctx context.Context, env model.Envelope) {
	logger := rt.logger.With().
		Str("kind", string(env.Kind)).
		Str("parcelID", env.ParcelID).
		Logger()

	if e := logger.Trace(); e.Enabled() {
		e.Str("envelope", spew.Sdump(env)).Msg("dispatching")
	}

	targets, broadcast := resolve(env)

	var reached bool
	for _, t := range targets {
		frame, err := model.NewFrame(t.event, env.Payload)
		if err != nil {
			logger.Error().Err(err).Str("event", t.event).Msg("failed to marshal payload")
			continue
		}
		for _, m := range rt.reg.MembersOf(t.room) {
			if rt.send(ctx, m, frame, &logger) {
				reached = true
			}
		}
	}

	if broadcast != "" {
		frame, err := model.NewFrame(broadcast, env.Payload)
		if err != nil {
			logger.Error().Err(err).Str("event", broadcast).Msg("failed to marshal payload")
			return
		}
		for _, m := range rt.reg.Connections() {
			if rt.send(ctx, m, frame, &logger) {
				reached = true
			}
		}
	}

	if !reached {
		logger.Debug().Msg("envelope did not reach anyone")
	}
}

// send pushes one frame to one member with a bounded wait, so a dead
// or stalled connection cannot starve the rest of the room. A failed
// send is logged and forgotten.
func (rt *Router) send(ctx context.Context, m registry.Member, frame model.Frame, logger *zerolog.Logger) bool {
	var sent bool
	t := time.NewTimer(rt.sendTimeout)
	select {
	case <-ctx.Done():
	case <-t.C:
		logger.Error().Str("connID", m.ID).Str("event", frame.Event).Msg("dead connection, delivery skipped")
	case m.Wire.TX <- frame:
		logger.Trace().Str("connID", m.ID).Str("event", frame.Event).Msg("delivered")
		sent = true
	}
	t.Stop()
	return sent
}
