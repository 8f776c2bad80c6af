// Package protocol defines the server-to-client frames and the close codes
// of the room websocket protocol. Client-to-server events live in the board
// package next to the rules that apply them.
package protocol

import (
	"encoding/json"

	"github.com/manpreetbhatti/lattice-board/internal/board"
)

// Frame kinds sent by the server. Upsert and delete frames are
// board.Response values.
const (
	KindInit = "init"
	KindJoin = "join"
	KindQuit = "quit"
)

// Close codes.
const (
	// Policy-driven disconnects (room went inactive or cold, duplicate session).
	CloseGoingAway = 1001
	// Protocol violation by the client.
	CloseInvalidData = 1007
	// Internal failure while handling a frame.
	CloseUnexpected = 1011
	// Occupancy cap reached at upgrade time.
	CloseRoomIsFull = 4000
	// Lifecycle rejections raised by the outer routing layer.
	CloseRoomNotActive = 4003
	CloseRoomNotFound  = 4004
)

// Close reasons.
const (
	ReasonRoomGotInactive  = "room_got_inactive"
	ReasonNoRecentActivity = "no_recent_activity"
	ReasonDuplicatedSelf   = "duplicated_self"
	ReasonInvalidData      = "invalid_data"
	ReasonUnexpected       = "unexpected"
	ReasonRoomIsFull       = "room_is_full"
	ReasonRoomNotActive    = "room_not_active"
	ReasonRoomNotFound     = "room_not_found"
	ReasonServerShutdown   = "server_shutdown"
)

// Member is the public identity of a connected user.
type Member struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Image string `json:"image,omitempty"`
}

// Init is the first frame every session receives.
type Init struct {
	Kind    string                   `json:"kind"`
	Objects map[string]*board.Object `json:"objects"`
	Members []Member                 `json:"members"`
	Self    string                   `json:"self"`
}

type Join struct {
	Kind string `json:"kind"`
	User Member `json:"user"`
}

type Quit struct {
	Kind string `json:"kind"`
	ID   string `json:"id"`
}

func NewInit(objects map[string]*board.Object, members []Member, self string) Init {
	if objects == nil {
		objects = map[string]*board.Object{}
	}
	if members == nil {
		members = []Member{}
	}
	return Init{Kind: KindInit, Objects: objects, Members: members, Self: self}
}

func NewJoin(user Member) Join {
	return Join{Kind: KindJoin, User: user}
}

func NewQuit(id string) Quit {
	return Quit{Kind: KindQuit, ID: id}
}

// Encode marshals a frame. Frames are plain structs, so this only fails on
// programmer error.
func Encode(frame any) ([]byte, error) {
	return json.Marshal(frame)
}

// ParseKind extracts the kind of a server frame; used by clients and tests.
func ParseKind(data []byte) string {
	var head struct {
		Kind string `json:"kind"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return ""
	}
	return head.Kind
}
