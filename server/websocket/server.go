package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/swiftparcel/realtime/model"
)

const (
	defaultShutdownDeadline = 10 * time.Second

	defaultWebsocketReadBufferSize     = 10000
	defaultWebsocketWriteBufferSize    = 10000
	defaultWebSocketMaxMessageSize     = 9000
	defaultWebSocketHandshakeTimeout   = 3 * time.Second
	defaultWebSocketCloseWriteDeadline = 2 * time.Second
	defaultWebSocketWriteDeadline      = 5 * time.Second

	// defaultPongWait - defaultPingInterval == is how long we give client to respond
	defaultPingInterval = 5 * time.Second
	defaultPongWait     = 7 * time.Second
)

// Client roles accepted on attach.
const (
	RoleCustomer = "customer"
	RoleAgent    = "agent"
	RoleAdmin    = "admin"
)

var (
	ErrUnexpected = errors.New("unexpected server error")
)

type (
	ConnectionRegistry interface {
		Register(connID string, wire model.Wire)
		Join(connID string, key model.RoomKey)
		Leave(connID string, key model.RoomKey)
		Unregister(connID string)
		Touch(connID string)
	}

	EventEmitter interface {
		Emit(ctx context.Context, env model.Envelope) error
	}

	Config struct {
		Logger     *zerolog.Logger
		Registry   ConnectionRegistry
		Emitter    EventEmitter
		ListenAddr string
	}

	Server struct {
		reg     ConnectionRegistry
		emitter EventEmitter
		ws      *websocket.Upgrader
		*http.Server

		logger zerolog.Logger
	}
)

func NewServer(cfg Config) *Server {
	srv := &Server{
		logger:  cfg.Logger.With().Str("component", "websocket-server").Logger(),
		reg:     cfg.Registry,
		emitter: cfg.Emitter,
		ws: &websocket.Upgrader{
			HandshakeTimeout: defaultWebSocketHandshakeTimeout,
			ReadBufferSize:   defaultWebsocketReadBufferSize,
			WriteBufferSize:  defaultWebsocketWriteBufferSize,
			CheckOrigin:      func(r *http.Request) bool { return true },
		},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", srv.attach)

	srv.Server = &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: mux,
	}
	return srv
}

func (srv *Server) Run(ctx context.Context, wg *sync.WaitGroup, errc chan<- error) {
	defer func() {
		srv.logger.Debug().Msg("server stopped")
		wg.Done()
	}()

	errSrv := make(chan error)
	go func() {
		errSrv <- srv.ListenAndServe()
	}()

	srv.logger.Info().Str("addr", srv.Addr).Msg("server started")

	select {
	case err := <-errSrv:
		if !errors.Is(err, http.ErrServerClosed) {
			errc <- errors.Join(ErrUnexpected, err)
		}
	case <-ctx.Done():
		shCtx, shCancel := context.WithTimeout(context.Background(), defaultShutdownDeadline)
		defer shCancel()
		if err := srv.Shutdown(shCtx); err != nil {
			srv.logger.Error().Err(err).Msg("server shutdown failed")
		}
	}
}

// attach upgrades the request, registers the connection and joins the
// private room implied by the caller's role. Identity comes from the
// session layer via query params and is trusted as-is; anonymous
// tracking viewers attach with no role and join parcel rooms
// explicitly.
func (srv *Server) attach(w http.ResponseWriter, r *http.Request) {
	role := r.URL.Query().Get("role")
	subjectID := r.URL.Query().Get("id")

	conn, err := srv.ws.Upgrade(w, r, nil)
	if err != nil {
		srv.logger.Error().Err(err).Msg("websocket upgrade failed")
		return
	}

	connID := uuid.NewString()
	wire := model.NewWire()

	ctx, cancel := context.WithCancel(context.TODO()) // long-living connection context

	srv.reg.Register(connID, wire)
	switch role {
	case RoleCustomer:
		if subjectID != "" {
			srv.reg.Join(connID, model.UserRoom(subjectID))
		}
	case RoleAgent:
		if subjectID != "" {
			srv.reg.Join(connID, model.AgentRoom(subjectID))
		}
	}

	srv.logger.Debug().
		Str("connID", connID).
		Str("role", role).
		Str("subjectID", subjectID).
		Msg("client attached")

	go srv.handleWSConn(ctx, cancel, conn, connID, wire)
}

func (srv *Server) handleWSConn(
	ctx context.Context,
	cancel context.CancelFunc,
	conn *websocket.Conn,
	connID string,
	wire model.Wire,
) {
	wg := &sync.WaitGroup{}

	logger := srv.logger.With().
		Str("connID", connID).
		Logger()

	wg.Add(2)
	go func() {
		srv.webSocketReceiver(ctx, wg, conn, connID, &logger)
		cancel()
	}()
	go func() {
		webSocketSender(ctx, wg, conn, wire.TX, &logger)
		cancel()
	}()

	wg.Wait()
	webSocketCloser(conn, &logger)
	srv.reg.Unregister(connID)
	logger.Debug().Msg("client detached")
}

// handleControl applies one inbound frame: join/leave membership
// changes go to the registry, agent location pings are validated and
// relayed through the emitter. Malformed frames are logged and
// dropped.
func (srv *Server) handleControl(ctx context.Context, connID string, frame model.Frame, logger *zerolog.Logger) {
	switch frame.Event {
	case model.ControlJoinUser:
		var req model.JoinUser
		if err := json.Unmarshal(frame.Data, &req); err != nil || req.UserID == "" {
			logger.Error().Err(err).Msg("malformed join-user")
			return
		}
		srv.reg.Join(connID, model.UserRoom(req.UserID))

	case model.ControlJoinAgent:
		var req model.JoinAgent
		if err := json.Unmarshal(frame.Data, &req); err != nil || req.AgentID == "" {
			logger.Error().Err(err).Msg("malformed join-agent")
			return
		}
		srv.reg.Join(connID, model.AgentRoom(req.AgentID))

	case model.ControlJoinParcel:
		var req model.JoinParcel
		if err := json.Unmarshal(frame.Data, &req); err != nil || req.ParcelID == "" {
			logger.Error().Err(err).Msg("malformed join-parcel")
			return
		}
		srv.reg.Join(connID, model.ParcelRoom(req.ParcelID))

	case model.ControlLeaveParcel:
		var req model.JoinParcel
		if err := json.Unmarshal(frame.Data, &req); err != nil || req.ParcelID == "" {
			logger.Error().Err(err).Msg("malformed leave-parcel")
			return
		}
		srv.reg.Leave(connID, model.ParcelRoom(req.ParcelID))

	case model.ControlAgentLocation:
		var loc model.Location
		if err := json.Unmarshal(frame.Data, &loc); err != nil {
			logger.Error().Err(err).Msg("malformed agent-location-update")
			return
		}
		env, err := model.NewLocationUpdated(loc)
		if err != nil {
			logger.Warn().Err(err).Msg("rejected location ping")
			return
		}
		if err = srv.emitter.Emit(ctx, env); err != nil {
			logger.Warn().Err(err).Msg("location ping not relayed")
		}

	default:
		logger.Debug().Str("event", frame.Event).Msg("unknown control event, dropped")
	}
}

func webSocketSender(
	ctx context.Context,
	wg *sync.WaitGroup,
	conn *websocket.Conn,
	tx <-chan model.Frame,
	logger *zerolog.Logger,
) {
	pingTicker := time.NewTicker(defaultPingInterval)
	defer func() {
		pingTicker.Stop()
		wg.Done()
	}()
SendLoop:
	for {
		select {
		case <-ctx.Done():
			break SendLoop
		case <-pingTicker.C:
			wsErr := conn.SetWriteDeadline(time.Now().Add(defaultWebSocketWriteDeadline))
			if wsErr != nil {
				logger.Error().Err(wsErr).Msg("failed to set websocket write deadline")
				break SendLoop
			}
			wsErr = conn.WriteMessage(websocket.PingMessage, []byte{})
			if wsErr != nil {
				logger.Error().Err(wsErr).Msg("failed to send ping")
			}
			logger.Trace().Msg("ping sent")

		case frame, ok := <-tx:
			if !ok {
				break SendLoop
			}

			b, wsErr := json.Marshal(&frame)
			if wsErr != nil {
				logger.Error().Err(wsErr).Msg("failed to marshall outgoing frame")
				break SendLoop
			}

			wsErr = conn.SetWriteDeadline(time.Now().Add(defaultWebSocketWriteDeadline))
			if wsErr != nil {
				logger.Error().Err(wsErr).Msg("failed to set websocket write deadline")
				break SendLoop
			}
			wsW, wsErr := conn.NextWriter(websocket.TextMessage)
			if wsErr != nil {
				logger.Error().Err(wsErr).Msg("failed to get websocket text writer")
				break SendLoop
			}
			_, wsErr = wsW.Write(b)
			if wsErr != nil {
				logger.Error().Err(wsErr).Msg("failed to write outgoing frame")
				break SendLoop
			}
			wsErr = wsW.Close()
			if wsErr != nil {
				logger.Error().Err(wsErr).Msg("failed to close websocket writer")
				break SendLoop
			}
		}
	}
}

func (srv *Server) webSocketReceiver(
	ctx context.Context,
	wg *sync.WaitGroup,
	conn *websocket.Conn,
	connID string,
	logger *zerolog.Logger,
) {
	defer wg.Done()

	conn.SetReadLimit(defaultWebSocketMaxMessageSize)
	readDeadLineFunc := func(deadline time.Duration) error {
		return conn.SetReadDeadline(time.Now().Add(deadline))
	}
	conn.SetPongHandler(func(string) error {
		logger.Trace().Msg("got pong")
		srv.reg.Touch(connID)
		return readDeadLineFunc(defaultPongWait)
	})
	err := readDeadLineFunc(defaultPongWait)
	if err != nil {
		logger.Error().Err(err).Msg("failed to set websocket read deadline")
		return
	}

RecvLoop:
	for {
		select {
		case <-ctx.Done():
			break RecvLoop
		default:
			_, msg, wsErr := conn.ReadMessage()
			if wsErr != nil {
				if websocket.IsCloseError(wsErr,
					websocket.CloseNormalClosure,
					websocket.CloseGoingAway) {
					logger.Warn().Err(wsErr).Msg("connection closed")
				} else {
					logger.Error().Err(wsErr).Msg("unexpected error during receive")
				}
				break RecvLoop
			}

			var frame model.Frame
			if wsErr = json.Unmarshal(msg, &frame); wsErr != nil {
				logger.Error().Err(wsErr).Msg("failed to unmarshall incoming frame")
			} else {
				srv.handleControl(ctx, connID, frame, logger)
			}
		}
	}
}

func webSocketCloser(conn *websocket.Conn, logger *zerolog.Logger) {
	wsErr := conn.SetWriteDeadline(time.Now().Add(defaultWebSocketCloseWriteDeadline))
	if wsErr != nil {
		logger.Error().Err(wsErr).Msg("failed to set websocket write deadline during closing")
	} else {
		wsErr = conn.WriteMessage(websocket.CloseMessage, []byte{})
		if wsErr != nil {
			logger.Error().Err(wsErr).Msg("failed to close websocket connection")
		}
	}
	wsErr = conn.Close()
	if wsErr != nil {
		logger.Error().Err(wsErr).Msg("failed to close websocket connection")
	}
}
