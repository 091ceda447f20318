package memory

import (
	"errors"
	"sync"

	"github.com/swiftparcel/realtime/model"
)

var (
	ErrParcelNotFound = errors.New("parcel is not found")
)

// ParcelStore is the client-side view of parcels, reconciled from
// incoming events. Upserts merge by parcel id; parcels the store has
// never seen are inserted at the front, matching how dashboards show
// the newest activity first.
type ParcelStore struct {
	mx    *sync.Mutex
	byID  map[string]*model.Parcel
	order []string // newest first
}

func NewParcelStore() *ParcelStore {
	return &ParcelStore{
		mx:   &sync.Mutex{},
		byID: make(map[string]*model.Parcel),
	}
}

// Upsert merges a parcel snapshot into the view. Known id: non-empty
// incoming fields replace the held ones. Unknown id: the snapshot is
// prepended as a new entry.
func (ps *ParcelStore) Upsert(p model.Parcel) {
	if p.ID == "" {
		return
	}
	ps.mx.Lock()
	defer ps.mx.Unlock()

	held, ok := ps.byID[p.ID]
	if !ok {
		cp := p
		ps.byID[p.ID] = &cp
		ps.order = append([]string{p.ID}, ps.order...)
		return
	}
	merge(held, p)
}

// ApplyStatus folds a status transition into the held parcel, or
// creates a stub entry if the parcel is not known yet (the full
// snapshot arrives on the next refetch).
func (ps *ParcelStore) ApplyStatus(u model.StatusUpdate) {
	if u.ParcelID == "" {
		return
	}
	ps.mx.Lock()
	defer ps.mx.Unlock()

	held, ok := ps.byID[u.ParcelID]
	if !ok {
		ps.byID[u.ParcelID] = &model.Parcel{
			ID:        u.ParcelID,
			Status:    u.Status,
			Notes:     u.Notes,
			UpdatedAt: u.UpdatedAt,
		}
		ps.order = append([]string{u.ParcelID}, ps.order...)
		return
	}
	held.Status = u.Status
	if u.Notes != "" {
		held.Notes = u.Notes
	}
	held.UpdatedAt = u.UpdatedAt
}

// ApplyLocation records the latest position for the parcel, if it is
// known locally. Location pings for unknown parcels are dropped: they
// carry no renderable context on their own.
func (ps *ParcelStore) ApplyLocation(loc model.Location) {
	if loc.ParcelID == "" {
		return
	}
	ps.mx.Lock()
	defer ps.mx.Unlock()

	held, ok := ps.byID[loc.ParcelID]
	if !ok {
		return
	}
	cp := loc
	held.LastLocation = &cp
}

func (ps *ParcelStore) Get(parcelID string) (model.Parcel, error) {
	ps.mx.Lock()
	defer ps.mx.Unlock()

	held, ok := ps.byID[parcelID]
	if !ok {
		return model.Parcel{}, ErrParcelNotFound
	}
	return *held, nil
}

// Snapshot returns a copy of the view, newest first.
func (ps *ParcelStore) Snapshot() []model.Parcel {
	ps.mx.Lock()
	defer ps.mx.Unlock()

	out := make([]model.Parcel, 0, len(ps.order))
	for _, id := range ps.order {
		if held, ok := ps.byID[id]; ok {
			out = append(out, *held)
		}
	}
	return out
}

func (ps *ParcelStore) Len() int {
	ps.mx.Lock()
	defer ps.mx.Unlock()
	return len(ps.byID)
}

func merge(dst *model.Parcel, src model.Parcel) {
	if src.CustomerID != "" {
		dst.CustomerID = src.CustomerID
	}
	if src.AgentID != "" {
		dst.AgentID = src.AgentID
	}
	if src.Status != "" {
		dst.Status = src.Status
	}
	if src.Notes != "" {
		dst.Notes = src.Notes
	}
	if src.PickupAddress != "" {
		dst.PickupAddress = src.PickupAddress
	}
	if src.DeliveryAddress != "" {
		dst.DeliveryAddress = src.DeliveryAddress
	}
	if !src.UpdatedAt.IsZero() {
		dst.UpdatedAt = src.UpdatedAt
	}
	if src.LastLocation != nil {
		cp := *src.LastLocation
		dst.LastLocation = &cp
	}
}
