package http

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/swiftparcel/realtime/model"
	"github.com/swiftparcel/realtime/registry"
)

const (
	defaultShutdownDeadline = 10 * time.Second
)

var (
	ErrUnexpected = errors.New("unexpected server error")
)

type EventEmitter interface {
	Emit(ctx context.Context, env model.Envelope) error
}

type StatsProvider interface {
	Stats() registry.Stats
}

type GenericResponse struct {
	Message string      `json:"message,omitempty"`
	Error   string      `json:"error,omitempty"`
	Data    interface{} `json:"data,omitempty"`
}

type Server struct {
	logger  zerolog.Logger
	emitter EventEmitter
	stats   StatsProvider
	*http.Server
}

type Config struct {
	Logger     *zerolog.Logger
	Emitter    EventEmitter
	Stats      StatsProvider
	ListenAddr string
}

// NewServer builds the collaborator-facing API. The CRUD layer POSTs
// an envelope to /api/emit after each persisted mutation; dashboards
// poll /api/stats for connection counts.
func NewServer(cfg Config) *Server {
	srv := &Server{
		logger:  cfg.Logger.With().Str("component", "api-server").Logger(),
		emitter: cfg.Emitter,
		stats:   cfg.Stats,
	}

	r := http.NewServeMux()
	r.HandleFunc("POST /api/emit", srv.emit)
	r.HandleFunc("GET /api/stats", srv.getStats)
	r.HandleFunc("OPTIONS /", corsHandler)

	srv.Server = &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: r,
	}
	return srv
}

func corsHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "POST, GET, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Origin, Content-Type, Accept")
	w.Header().Set("Access-Control-Max-Age", "86400")
	w.Header().Set("Access-Control-Allow-Credentials", "true")
	w.WriteHeader(http.StatusNoContent)
}

func (srv *Server) emit(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	var (
		body []byte
		env  model.Envelope
	)
	body, _ = io.ReadAll(r.Body)
	defer func() {
		_ = r.Body.Close()
	}()
	if err := json.Unmarshal(body, &env); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	env = retypePayload(env)

	srv.logger.Trace().Any("envelope", env).Msg("got emit request")

	if err := srv.emitter.Emit(r.Context(), env); err != nil {
		b, errJ := json.Marshal(&GenericResponse{Error: err.Error()})
		if errJ != nil {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		writeBytes(w, http.StatusUnprocessableEntity, b)
		return
	}

	b, err := json.Marshal(&GenericResponse{Message: "OK"})
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	writeBytes(w, http.StatusAccepted, b)
}

func (srv *Server) getStats(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	b, err := json.Marshal(&GenericResponse{Data: srv.stats.Stats()})
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	writeBytes(w, http.StatusOK, b)
}

// retypePayload decodes the location payload into its concrete type
// so envelope validation can check the coordinate ranges. Other kinds
// carry their payloads opaquely.
func retypePayload(env model.Envelope) model.Envelope {
	if env.Kind != model.KindLocationUpdated {
		return env
	}
	raw, err := json.Marshal(env.Payload)
	if err != nil {
		return env
	}
	var loc model.Location
	if err = json.Unmarshal(raw, &loc); err != nil {
		return env
	}
	env.Payload = loc
	return env
}

func writeBytes(w http.ResponseWriter, code int, b []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Length", strconv.Itoa(len(b)))
	w.WriteHeader(code)
	if _, err := w.Write(b); err != nil {
		log.Printf("failed to write response: %v", err)
	}
}

func (srv *Server) Run(ctx context.Context, wg *sync.WaitGroup, errc chan<- error) {
	defer func() {
		srv.logger.Debug().Msg("server stopped")
		wg.Done()
	}()

	hErr := make(chan error)
	go func() {
		hErr <- srv.ListenAndServe()
	}()

	srv.logger.Info().Str("addr", srv.Addr).Msg("server started")

	select {
	case err := <-hErr:
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
