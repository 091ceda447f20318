package model

import "encoding/json"

type RoomKind string

const (
	RoomUser   RoomKind = "user"
	RoomAgent  RoomKind = "agent"
	RoomParcel RoomKind = "parcel"
)

// RoomKey identifies one broadcast group. Keys are compared
// structurally: two keys with equal kind and subject always resolve
// to the same logical room, regardless of where they were built.
type RoomKey struct {
	Kind    RoomKind
	Subject string
}

func UserRoom(userID string) RoomKey {
	return RoomKey{Kind: RoomUser, Subject: userID}
}

func AgentRoom(agentID string) RoomKey {
	return RoomKey{Kind: RoomAgent, Subject: agentID}
}

func ParcelRoom(parcelID string) RoomKey {
	return RoomKey{Kind: RoomParcel, Subject: parcelID}
}

func (k RoomKey) String() string {
	return string(k.Kind) + ":" + k.Subject
}

// Client -> server control events.
const (
	ControlJoinUser      = "join-user"
	ControlJoinAgent     = "join-agent"
	ControlJoinParcel    = "join-parcel"
	ControlLeaveParcel   = "leave-parcel"
	ControlAgentLocation = "agent-location-update"
)

// Server -> client events.
const (
	EventParcelUpdate        = "parcel-update"
	EventParcelStatusUpdated = "parcel-status-updated"
	EventAdminParcelUpdate   = "admin-parcel-update"
	EventParcelAssigned      = "parcel-assigned"
	EventLocationUpdate      = "location-update"
	EventAgentLocationUpdate = "agent-location-update"
)

// Frame is one message on the websocket, in either direction.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

func NewFrame(event string, data any) (Frame, error) {
	b, err := json.Marshal(data)
	if err != nil {
		return Frame{}, err
	}
	return Frame{Event: event, Data: b}, nil
}

// Control payloads carried in inbound frames.
type (
	JoinUser struct {
		UserID string `json:"userId"`
	}

	JoinAgent struct {
		AgentID string `json:"agentId"`
	}

	JoinParcel struct {
		ParcelID string `json:"parcelId"`
	}
)

type Wire struct {
	RX chan Frame
	TX chan Frame
}

// defaultWireBuffer absorbs fan-out bursts so one slow reader does not
// immediately hit the router's send timeout.
const defaultWireBuffer = 32

func NewWire() Wire {
	return Wire{
		RX: make(chan Frame, defaultWireBuffer),
		TX: make(chan Frame, defaultWireBuffer),
	}
}
