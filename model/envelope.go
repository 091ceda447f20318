package model

import (
	"errors"
	"fmt"
	"time"
)

// EventKind enumerates the four parcel lifecycle transitions the
// router knows how to fan out. The set is closed: anything else is
// rejected at validation time.
type EventKind string

const (
	KindParcelBooked    EventKind = "parcel-booked"
	KindStatusUpdated   EventKind = "status-updated"
	KindAgentAssigned   EventKind = "agent-assigned"
	KindLocationUpdated EventKind = "location-updated"
)

var ErrValidation = errors.New("envelope validation failed")

// ValidationError reports a malformed envelope field. It is raised at
// construction so bad envelopes never reach the router.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error {
	return ErrValidation
}

// Parcel is the snapshot shape carried by booking and assignment
// events. Field set mirrors what the dashboards render.
type Parcel struct {
	ID              string    `json:"_id"`
	CustomerID      string    `json:"customerId,omitempty"`
	AgentID         string    `json:"agentId,omitempty"`
	Status          string    `json:"status,omitempty"`
	Notes           string    `json:"notes,omitempty"`
	PickupAddress   string    `json:"pickupAddress,omitempty"`
	DeliveryAddress string    `json:"deliveryAddress,omitempty"`
	UpdatedAt       time.Time `json:"updatedAt,omitempty"`

	LastLocation *Location `json:"lastLocation,omitempty"`
}

type StatusUpdate struct {
	ParcelID  string    `json:"parcelId"`
	Status    string    `json:"status"`
	Notes     string    `json:"notes,omitempty"`
	UpdatedAt time.Time `json:"updatedAt"`
}

type Assignment struct {
	ParcelID string `json:"parcelId"`
	AgentID  string `json:"agentId"`
	Parcel   Parcel `json:"parcel"`
}

type Location struct {
	AgentID   string    `json:"agentId,omitempty"`
	ParcelID  string    `json:"parcelId,omitempty"`
	Latitude  float64   `json:"latitude"`
	Longitude float64   `json:"longitude"`
	Timestamp time.Time `json:"timestamp"`
}

// Envelope is one immutable event record. Collaborators build it with
// the New* constructors (which validate), the router consumes it
// exactly once, nobody stores it.
type Envelope struct {
	Kind       EventKind `json:"kind"`
	ParcelID   string    `json:"parcelId,omitempty"`
	CustomerID string    `json:"customerId,omitempty"`
	AgentID    string    `json:"agentId,omitempty"`
	Payload    any       `json:"payload,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

func NewParcelBooked(customerID string, parcel Parcel) (Envelope, error) {
	env := Envelope{
		Kind:       KindParcelBooked,
		ParcelID:   parcel.ID,
		CustomerID: customerID,
		Payload:    parcel,
		Timestamp:  time.Now().UTC(),
	}
	if err := env.Validate(); err != nil {
		return Envelope{}, err
	}
	return env, nil
}

func NewStatusUpdated(parcelID, customerID, agentID string, update StatusUpdate) (Envelope, error) {
	update.ParcelID = parcelID
	if update.UpdatedAt.IsZero() {
		update.UpdatedAt = time.Now().UTC()
	}
	env := Envelope{
		Kind:       KindStatusUpdated,
		ParcelID:   parcelID,
		CustomerID: customerID,
		AgentID:    agentID,
		Payload:    update,
		Timestamp:  time.Now().UTC(),
	}
	if err := env.Validate(); err != nil {
		return Envelope{}, err
	}
	return env, nil
}

func NewAgentAssigned(parcelID, agentID string, parcel Parcel) (Envelope, error) {
	env := Envelope{
		Kind:     KindAgentAssigned,
		ParcelID: parcelID,
		AgentID:  agentID,
		Payload: Assignment{
			ParcelID: parcelID,
			AgentID:  agentID,
			Parcel:   parcel,
		},
		Timestamp: time.Now().UTC(),
	}
	if err := env.Validate(); err != nil {
		return Envelope{}, err
	}
	return env, nil
}

func NewLocationUpdated(loc Location) (Envelope, error) {
	if loc.Timestamp.IsZero() {
		loc.Timestamp = time.Now().UTC()
	}
	env := Envelope{
		Kind:      KindLocationUpdated,
		ParcelID:  loc.ParcelID,
		AgentID:   loc.AgentID,
		Payload:   loc,
		Timestamp: time.Now().UTC(),
	}
	if err := env.Validate(); err != nil {
		return Envelope{}, err
	}
	return env, nil
}

// Normalized returns a copy with the timestamp defaulted to now if
// the producer did not set one. The envelope itself never mutates.
func (e Envelope) Normalized() Envelope {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	return e
}

// Validate enforces the per-kind required-field set. Envelopes built
// by the New* constructors always pass; envelopes arriving over the
// emit API are checked here before they touch the router.
func (e Envelope) Validate() error {
	switch e.Kind {
	case KindParcelBooked:
		if e.CustomerID == "" {
			return &ValidationError{Field: "customerId", Reason: "required for parcel-booked"}
		}
	case KindStatusUpdated:
		if e.ParcelID == "" {
			return &ValidationError{Field: "parcelId", Reason: "required for status-updated"}
		}
	case KindAgentAssigned:
		if e.ParcelID == "" {
			return &ValidationError{Field: "parcelId", Reason: "required for agent-assigned"}
		}
		if e.AgentID == "" {
			return &ValidationError{Field: "agentId", Reason: "required for agent-assigned"}
		}
	case KindLocationUpdated:
		loc, ok := e.Payload.(Location)
		if ok {
			if loc.Latitude < -90 || loc.Latitude > 90 {
				return &ValidationError{Field: "latitude", Reason: "must be within [-90, 90]"}
			}
			if loc.Longitude < -180 || loc.Longitude > 180 {
				return &ValidationError{Field: "longitude", Reason: "must be within [-180, 180]"}
			}
		}
		if e.ParcelID == "" && e.AgentID == "" {
			return &ValidationError{Field: "parcelId", Reason: "location-updated needs a parcelId or agentId"}
		}
	default:
		return &ValidationError{Field: "kind", Reason: fmt.Sprintf("unknown event kind %q", string(e.Kind))}
	}
	return nil
}
