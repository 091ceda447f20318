package memory

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/swiftparcel/realtime/model"
)

func TestUpsertPrependsUnknownParcel(t *testing.T) {
	ps := NewParcelStore()
	ps.Upsert(model.Parcel{ID: "p1", Status: "booked"})
	ps.Upsert(model.Parcel{ID: "p2", Status: "booked"})

	snap := ps.Snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, "p2", snap[0].ID, "newest first")
	assert.Equal(t, "p1", snap[1].ID)
}

func TestUpsertMergesKnownParcel(t *testing.T) {
	ps := NewParcelStore()
	ps.Upsert(model.Parcel{ID: "p1", Status: "booked", CustomerID: "c1", PickupAddress: "12 North Rd"})
	ps.Upsert(model.Parcel{ID: "p1", Status: "in-transit", AgentID: "a1"})

	p, err := ps.Get("p1")
	require.NoError(t, err)
	assert.Equal(t, "in-transit", p.Status)
	assert.Equal(t, "a1", p.AgentID)
	assert.Equal(t, "c1", p.CustomerID, "empty incoming fields keep held values")
	assert.Equal(t, "12 North Rd", p.PickupAddress)
	assert.Equal(t, 1, ps.Len())
}

func TestUpsertIgnoresEmptyID(t *testing.T) {
	ps := NewParcelStore()
	ps.Upsert(model.Parcel{Status: "booked"})
	assert.Equal(t, 0, ps.Len())
}

func TestApplyStatus(t *testing.T) {
	ps := NewParcelStore()
	ps.Upsert(model.Parcel{ID: "p1", Status: "booked", Notes: "fragile"})

	ts := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	ps.ApplyStatus(model.StatusUpdate{ParcelID: "p1", Status: "delivered", UpdatedAt: ts})

	p, err := ps.Get("p1")
	require.NoError(t, err)
	assert.Equal(t, "delivered", p.Status)
	assert.Equal(t, "fragile", p.Notes)
	assert.Equal(t, ts, p.UpdatedAt)
}

func TestApplyStatusCreatesStubForUnknownParcel(t *testing.T) {
	ps := NewParcelStore()
	ps.ApplyStatus(model.StatusUpdate{ParcelID: "p9", Status: "in-transit"})

	p, err := ps.Get("p9")
	require.NoError(t, err)
	assert.Equal(t, "in-transit", p.Status)

	snap := ps.Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, "p9", snap[0].ID)
}

func TestApplyLocation(t *testing.T) {
	ps := NewParcelStore()
	ps.Upsert(model.Parcel{ID: "p1"})

	loc := model.Location{ParcelID: "p1", AgentID: "a1", Latitude: 52.3, Longitude: 4.9}
	ps.ApplyLocation(loc)

	p, err := ps.Get("p1")
	require.NoError(t, err)
	require.NotNil(t, p.LastLocation)
	assert.Equal(t, 52.3, p.LastLocation.Latitude)

	// unknown parcel: dropped
	ps.ApplyLocation(model.Location{ParcelID: "p2", Latitude: 1, Longitude: 1})
	assert.Equal(t, 1, ps.Len())
}

func TestGetUnknownParcel(t *testing.T) {
	ps := NewParcelStore()
	_, err := ps.Get("nope")
	assert.True(t, errors.Is(err, ErrParcelNotFound))
}
