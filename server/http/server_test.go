package http

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/swiftparcel/realtime/model"
	"github.com/swiftparcel/realtime/registry"
	"github.com/swiftparcel/realtime/service"
)

func newTestServer(t *testing.T) (*Server, *registry.Registry, *capturer) {
	t.Helper()
	logger := zerolog.Nop()
	reg := registry.NewRegistry(&logger)
	cap := &capturer{}
	emitter := service.NewEmitter(service.Config{Router: cap, Logger: &logger})
	srv := NewServer(Config{
		Logger:     &logger,
		Emitter:    emitter,
		Stats:      reg,
		ListenAddr: ":0",
	})
	return srv, reg, cap
}

type capturer struct {
	emitted []model.Envelope
}

func (c *capturer) Emit(_ context.Context, env model.Envelope) {
	c.emitted = append(c.emitted, env)
}

func TestEmitEndpoint(t *testing.T) {
	srv, _, cap := newTestServer(t)

	body := `{"kind":"parcel-booked","parcelId":"p1","customerId":"c1","payload":{"_id":"p1","status":"booked"}}`
	req := httptest.NewRequest(http.MethodPost, "/api/emit", strings.NewReader(body))
	rec := httptest.NewRecorder()
	srv.Handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusAccepted, rec.Code)
	require.Len(t, cap.emitted, 1)
	assert.Equal(t, model.KindParcelBooked, cap.emitted[0].Kind)
	assert.Equal(t, "c1", cap.emitted[0].CustomerID)
}

func TestEmitEndpointRejectsMalformedEnvelope(t *testing.T) {
	srv, _, cap := newTestServer(t)

	// status-updated without a parcel id
	body := `{"kind":"status-updated","customerId":"c1","payload":{"status":"x"}}`
	req := httptest.NewRequest(http.MethodPost, "/api/emit", strings.NewReader(body))
	rec := httptest.NewRecorder()
	srv.Handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Contains(t, rec.Body.String(), "error")
	assert.Empty(t, cap.emitted)
}

func TestEmitEndpointValidatesCoordinates(t *testing.T) {
	srv, _, cap := newTestServer(t)

	body := `{"kind":"location-updated","parcelId":"p1","agentId":"a1","payload":{"latitude":95,"longitude":10}}`
	req := httptest.NewRequest(http.MethodPost, "/api/emit", strings.NewReader(body))
	rec := httptest.NewRecorder()
	srv.Handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Contains(t, rec.Body.String(), "latitude")
	assert.Empty(t, cap.emitted)
}

func TestEmitEndpointBadJSON(t *testing.T) {
	srv, _, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/api/emit", strings.NewReader("{nope"))
	rec := httptest.NewRecorder()
	srv.Handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestStatsEndpoint(t *testing.T) {
	srv, reg, _ := newTestServer(t)

	reg.Register("c1", model.NewWire())
	reg.Join("c1", model.ParcelRoom("p1"))

	req := httptest.NewRequest(http.MethodGet, "/api/stats", nil)
	rec := httptest.NewRecorder()
	srv.Handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"data":{"connections":1,"rooms":1}}`, rec.Body.String())
}
