package client

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/swiftparcel/realtime/model"
)

const (
	defaultReconnectMin = 500 * time.Millisecond
	defaultReconnectMax = 10 * time.Second

	defaultWriteDeadline      = 5 * time.Second
	defaultCloseWriteDeadline = 2 * time.Second

	defaultOutboundBuffer = 32
)

var (
	ErrNotAgent       = errors.New("location sharing requires an agent identity")
	ErrAlreadySharing = errors.New("location sharing already active")
)

type State string

const (
	StateDisconnected   State = "disconnected"
	StateConnecting     State = "connecting"
	StateConnected      State = "connected"
	StateTrackingActive State = "tracking-active"
)

type Role string

const (
	RoleCustomer Role = "customer"
	RoleAgent    Role = "agent"
	RoleAdmin    Role = "admin"
)

// Identity is the authenticated user this manager subscribes for. It
// comes from the session layer and is not re-verified here.
type Identity struct {
	Role Role
	ID   string
}

// ParcelView receives reconciled events. Satisfied by
// storage/memory.ParcelStore.
type ParcelView interface {
	Upsert(p model.Parcel)
	ApplyStatus(u model.StatusUpdate)
	ApplyLocation(loc model.Location)
}

// PositionFunc reports the device's current coordinates for location
// sharing.
type PositionFunc func() (latitude, longitude float64)

type Config struct {
	Logger       *zerolog.Logger
	URL          string // ws endpoint, e.g. ws://host:8888/ws
	Identity     Identity
	View         ParcelView
	ReconnectMin time.Duration
	ReconnectMax time.Duration
}

// Manager owns one client's subscriptions: it keeps the transport
// connected while an identity exists, joins the rooms the identity
// implies, tracks at most one parcel room for the active viewing
// context, and folds incoming events into the local view.
//
// Room membership is not preserved server-side across a physical
// reconnect (a fresh connection id is assigned), so every session
// re-issues all held joins.
type Manager struct {
	logger       zerolog.Logger
	url          string
	identity     Identity
	view         ParcelView
	reconnectMin time.Duration
	reconnectMax time.Duration

	mx            sync.Mutex
	state         State
	trackedParcel string
	outbound      chan model.Frame // nil while disconnected
	locStop       chan struct{}    // nil while not sharing
	locTicker     *time.Ticker
}

func NewManager(cfg Config) *Manager {
	m := &Manager{
		logger:       cfg.Logger.With().Str("component", "subscription-manager").Logger(),
		url:          cfg.URL,
		identity:     cfg.Identity,
		view:         cfg.View,
		reconnectMin: cfg.ReconnectMin,
		reconnectMax: cfg.ReconnectMax,
		state:        StateDisconnected,
	}
	if m.reconnectMin == 0 {
		m.reconnectMin = defaultReconnectMin
	}
	if m.reconnectMax == 0 {
		m.reconnectMax = defaultReconnectMax
	}
	return m
}

// Run keeps the manager connected until the context is canceled,
// reconnecting with capped exponential backoff. Canceling the context
// is the explicit-logout path and is terminal for this session.
func (m *Manager) Run(ctx context.Context, wg *sync.WaitGroup) {
	defer func() {
		m.setState(StateDisconnected)
		m.logger.Debug().Msg("subscription manager stopped")
		wg.Done()
	}()

	backoff := m.reconnectMin
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		m.setState(StateConnecting)
		conn, _, err := websocket.DefaultDialer.DialContext(ctx, m.attachURL(), nil)
		if err != nil {
			m.setState(StateDisconnected)
			if ctx.Err() != nil {
				return
			}
			m.logger.Warn().Err(err).Dur("retryIn", backoff).Msg("transport connect failed")
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > m.reconnectMax {
				backoff = m.reconnectMax
			}
			continue
		}

		backoff = m.reconnectMin
		m.runSession(ctx, conn)
		m.setState(StateDisconnected)
	}
}

// Connected reports transport liveness for presence indicators.
func (m *Manager) Connected() bool {
	m.mx.Lock()
	defer m.mx.Unlock()
	return m.state == StateConnected || m.state == StateTrackingActive
}

func (m *Manager) State() State {
	m.mx.Lock()
	defer m.mx.Unlock()
	return m.state
}

// Track joins the parcel room for the tracking page the user just
// opened. At most one parcel is tracked at a time; tracking a second
// parcel leaves the first room.
func (m *Manager) Track(parcelID string) {
	if parcelID == "" {
		return
	}
	m.mx.Lock()
	prev := m.trackedParcel
	m.trackedParcel = parcelID
	if m.state == StateConnected || m.state == StateTrackingActive {
		m.state = StateTrackingActive
	}
	out := m.outbound
	m.mx.Unlock()

	if out == nil {
		return // joins are re-issued when the session comes up
	}
	if prev != "" && prev != parcelID {
		m.enqueue(out, mustFrame(model.ControlLeaveParcel, model.JoinParcel{ParcelID: prev}))
	}
	m.enqueue(out, mustFrame(model.ControlJoinParcel, model.JoinParcel{ParcelID: parcelID}))
}

// Untrack leaves the active parcel room when the viewing context
// ends.
func (m *Manager) Untrack() {
	m.mx.Lock()
	parcelID := m.trackedParcel
	m.trackedParcel = ""
	if m.state == StateTrackingActive {
		m.state = StateConnected
	}
	out := m.outbound
	m.mx.Unlock()

	if parcelID == "" || out == nil {
		return
	}
	m.enqueue(out, mustFrame(model.ControlLeaveParcel, model.JoinParcel{ParcelID: parcelID}))
}

// StartLocationSharing begins periodic position pings for an agent.
// The pings are tied to the currently tracked parcel if any.
func (m *Manager) StartLocationSharing(interval time.Duration, position PositionFunc) error {
	if m.identity.Role != RoleAgent {
		return ErrNotAgent
	}

	m.mx.Lock()
	if m.locStop != nil {
		m.mx.Unlock()
		return ErrAlreadySharing
	}
	stop := make(chan struct{})
	ticker := time.NewTicker(interval)
	m.locStop = stop
	m.locTicker = ticker
	m.mx.Unlock()

	go func() {
		for {
			select {
			case <-stop:
				return
			case ts := <-ticker.C:
				select {
				case <-stop:
					return
				default:
				}
				m.sendLocation(position, ts)
			}
		}
	}()
	m.logger.Debug().Dur("interval", interval).Msg("location sharing started")
	return nil
}

// StopLocationSharing invalidates the ping timer. No further pings
// fire after it returns.
func (m *Manager) StopLocationSharing() {
	m.mx.Lock()
	stop := m.locStop
	ticker := m.locTicker
	m.locStop = nil
	m.locTicker = nil
	m.mx.Unlock()

	if stop == nil {
		return
	}
	ticker.Stop()
	close(stop)
	m.logger.Debug().Msg("location sharing stopped")
}

func (m *Manager) sendLocation(position PositionFunc, ts time.Time) {
	lat, lon := position()

	m.mx.Lock()
	out := m.outbound
	parcelID := m.trackedParcel
	m.mx.Unlock()

	if out == nil {
		m.logger.Debug().Msg("not connected, location ping dropped")
		return
	}
	frame, err := model.NewFrame(model.ControlAgentLocation, model.Location{
		AgentID:   m.identity.ID,
		ParcelID:  parcelID,
		Latitude:  lat,
		Longitude: lon,
		Timestamp: ts.UTC(),
	})
	if err != nil {
		m.logger.Error().Err(err).Msg("failed to build location ping")
		return
	}
	m.enqueue(out, frame)
}

func (m *Manager) attachURL() string {
	switch m.identity.Role {
	case RoleCustomer, RoleAgent:
		return m.url + "?role=" + string(m.identity.Role) + "&id=" + m.identity.ID
	case RoleAdmin:
		return m.url + "?role=" + string(RoleAdmin)
	}
	return m.url
}

// runSession drives one physical connection: re-issues all held
// joins, then pumps frames both ways until the transport drops or the
// context ends.
func (m *Manager) runSession(ctx context.Context, conn *websocket.Conn) {
	sessCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	out := make(chan model.Frame, defaultOutboundBuffer)

	m.mx.Lock()
	m.outbound = out
	tracked := m.trackedParcel
	if tracked != "" {
		m.state = StateTrackingActive
	} else {
		m.state = StateConnected
	}
	m.mx.Unlock()

	defer func() {
		m.mx.Lock()
		if m.outbound == out {
			m.outbound = nil
		}
		m.mx.Unlock()
	}()

	for _, frame := range m.joinFrames(tracked) {
		m.enqueue(out, frame)
	}
	m.logger.Debug().Str("state", string(m.State())).Msg("session established")

	wg := &sync.WaitGroup{}
	wg.Add(2)
	go func() {
		m.receiver(sessCtx, wg, conn)
		cancel()
	}()
	go func() {
		m.sender(sessCtx, wg, conn, out)
		cancel()
	}()
	wg.Wait()

	wsErr := conn.SetWriteDeadline(time.Now().Add(defaultCloseWriteDeadline))
	if wsErr == nil {
		_ = conn.WriteMessage(websocket.CloseMessage, []byte{})
	}
	_ = conn.Close()
	m.logger.Debug().Msg("session closed")
}

// joinFrames builds the joins this identity holds: the private room
// per role plus the active parcel room. The server also auto-joins by
// role on attach; the explicit frames keep the contract with servers
// that do not.
func (m *Manager) joinFrames(tracked string) []model.Frame {
	var frames []model.Frame
	switch m.identity.Role {
	case RoleCustomer:
		frames = append(frames, mustFrame(model.ControlJoinUser, model.JoinUser{UserID: m.identity.ID}))
	case RoleAgent:
		frames = append(frames, mustFrame(model.ControlJoinAgent, model.JoinAgent{AgentID: m.identity.ID}))
	}
	if tracked != "" {
		frames = append(frames, mustFrame(model.ControlJoinParcel, model.JoinParcel{ParcelID: tracked}))
	}
	return frames
}

func (m *Manager) enqueue(out chan<- model.Frame, frame model.Frame) {
	select {
	case out <- frame:
	default:
		m.logger.Warn().Str("event", frame.Event).Msg("outbound queue full, frame dropped")
	}
}

func (m *Manager) sender(ctx context.Context, wg *sync.WaitGroup, conn *websocket.Conn, out <-chan model.Frame) {
	defer wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case frame := <-out:
			b, err := json.Marshal(&frame)
			if err != nil {
				m.logger.Error().Err(err).Msg("failed to marshall outgoing frame")
				return
			}
			if err = conn.SetWriteDeadline(time.Now().Add(defaultWriteDeadline)); err != nil {
				m.logger.Error().Err(err).Msg("failed to set write deadline")
				return
			}
			if err = conn.WriteMessage(websocket.TextMessage, b); err != nil {
				m.logger.Error().Err(err).Msg("failed to write outgoing frame")
				return
			}
			m.logger.Trace().Str("event", frame.Event).Msg("frame sent")
		}
	}
}

func (m *Manager) receiver(ctx context.Context, wg *sync.WaitGroup, conn *websocket.Conn) {
	defer wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		default:
			_, msg, err := conn.ReadMessage()
			if err != nil {
				if websocket.IsCloseError(err,
					websocket.CloseNormalClosure,
					websocket.CloseGoingAway) {
					m.logger.Warn().Err(err).Msg("connection closed")
				} else {
					m.logger.Error().Err(err).Msg("unexpected error during receive")
				}
				return
			}
			var frame model.Frame
			if err = json.Unmarshal(msg, &frame); err != nil {
				m.logger.Error().Err(err).Msg("failed to unmarshall incoming frame")
				continue
			}
			m.apply(frame)
		}
	}
}

// apply reconciles one incoming event into the local view. Delivery
// can duplicate (room + broadcast), so every path is an idempotent
// upsert by parcel id.
func (m *Manager) apply(frame model.Frame) {
	switch frame.Event {
	case model.EventParcelUpdate, model.EventAdminParcelUpdate:
		var p model.Parcel
		if err := json.Unmarshal(frame.Data, &p); err != nil {
			m.logger.Error().Err(err).Str("event", frame.Event).Msg("malformed parcel payload")
			return
		}
		// admin broadcast of a status transition carries a status
		// payload, not a snapshot
		if p.ID == "" {
			var u model.StatusUpdate
			if err := json.Unmarshal(frame.Data, &u); err == nil && u.ParcelID != "" {
				m.view.ApplyStatus(u)
			}
			return
		}
		m.view.Upsert(p)

	case model.EventParcelStatusUpdated:
		var u model.StatusUpdate
		if err := json.Unmarshal(frame.Data, &u); err != nil {
			m.logger.Error().Err(err).Msg("malformed status payload")
			return
		}
		m.view.ApplyStatus(u)

	case model.EventParcelAssigned:
		var a model.Assignment
		if err := json.Unmarshal(frame.Data, &a); err != nil {
			m.logger.Error().Err(err).Msg("malformed assignment payload")
			return
		}
		p := a.Parcel
		if p.ID == "" {
			p = model.Parcel{ID: a.ParcelID, AgentID: a.AgentID}
		}
		m.view.Upsert(p)

	case model.EventLocationUpdate, model.EventAgentLocationUpdate:
		var loc model.Location
		if err := json.Unmarshal(frame.Data, &loc); err != nil {
			m.logger.Error().Err(err).Str("event", frame.Event).Msg("malformed location payload")
			return
		}
		m.view.ApplyLocation(loc)

	default:
		m.logger.Debug().Str("event", frame.Event).Msg("unknown event, dropped")
	}
}

func (m *Manager) setState(s State) {
	m.mx.Lock()
	m.state = s
	m.mx.Unlock()
}

// mustFrame is for control payloads built from plain structs, which
// cannot fail to marshal.
func mustFrame(event string, data any) model.Frame {
	frame, err := model.NewFrame(event, data)
	if err != nil {
		panic(err)
	}
	return frame
}
