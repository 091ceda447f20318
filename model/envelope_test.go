package model

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoomKeyStructuralEquality(t *testing.T) {
	assert.Equal(t, ParcelRoom("p1"), RoomKey{Kind: RoomParcel, Subject: "p1"})
	assert.Equal(t, "parcel:p1", ParcelRoom("p1").String())
	assert.NotEqual(t, UserRoom("x"), AgentRoom("x"))

	m := map[RoomKey]int{}
	m[UserRoom("u1")]++
	m[UserRoom("u1")]++
	assert.Equal(t, 2, m[RoomKey{Kind: RoomUser, Subject: "u1"}])
}

func TestNewStatusUpdatedRequiresParcelID(t *testing.T) {
	_, err := NewStatusUpdated("", "c1", "a1", StatusUpdate{Status: "picked-up"})
	require.Error(t, err)

	var vErr *ValidationError
	require.True(t, errors.As(err, &vErr))
	assert.Equal(t, "parcelId", vErr.Field)
	assert.True(t, errors.Is(err, ErrValidation))
}

func TestNewAgentAssignedValidation(t *testing.T) {
	_, err := NewAgentAssigned("", "a1", Parcel{})
	require.Error(t, err)

	_, err = NewAgentAssigned("p1", "", Parcel{})
	require.Error(t, err)

	env, err := NewAgentAssigned("p1", "a1", Parcel{ID: "p1"})
	require.NoError(t, err)
	assert.Equal(t, KindAgentAssigned, env.Kind)
	assert.Equal(t, "a1", env.AgentID)
}

func TestNewLocationUpdatedRejectsOutOfRangeCoordinates(t *testing.T) {
	_, err := NewLocationUpdated(Location{AgentID: "a1", Latitude: 95, Longitude: 10})
	require.Error(t, err)
	var vErr *ValidationError
	require.True(t, errors.As(err, &vErr))
	assert.Equal(t, "latitude", vErr.Field)

	_, err = NewLocationUpdated(Location{AgentID: "a1", Latitude: 45, Longitude: -199})
	require.Error(t, err)
	require.True(t, errors.As(err, &vErr))
	assert.Equal(t, "longitude", vErr.Field)

	_, err = NewLocationUpdated(Location{Latitude: 45, Longitude: 10})
	require.Error(t, err, "needs a parcel or agent subject")

	env, err := NewLocationUpdated(Location{AgentID: "a1", ParcelID: "p1", Latitude: -90, Longitude: 180})
	require.NoError(t, err)
	assert.Equal(t, "p1", env.ParcelID)
}

func TestNewParcelBookedRequiresCustomer(t *testing.T) {
	_, err := NewParcelBooked("", Parcel{ID: "p1"})
	require.Error(t, err)

	env, err := NewParcelBooked("c1", Parcel{ID: "p1"})
	require.NoError(t, err)
	assert.Equal(t, "p1", env.ParcelID)
	assert.False(t, env.Timestamp.IsZero())
}

func TestNormalizedDefaultsTimestampOnce(t *testing.T) {
	env := Envelope{Kind: KindParcelBooked, CustomerID: "c1"}
	norm := env.Normalized()
	require.False(t, norm.Timestamp.IsZero())
	assert.True(t, env.Timestamp.IsZero(), "original envelope is untouched")

	fixed := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	env.Timestamp = fixed
	assert.Equal(t, fixed, env.Normalized().Timestamp)
}

func TestValidateUnknownKind(t *testing.T) {
	err := Envelope{Kind: "parcel-exploded"}.Validate()
	require.Error(t, err)
}
