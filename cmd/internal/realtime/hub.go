package realtime

import (
	"log/slog"
	"sort"
	"sync"

	"github.com/samber/lo"
)

// Member is one connection registered in a room.
type Member struct {
	SessionID   string `json:"session_id"`
	Username    string `json:"username"`
	DisplayName string `json:"display_name"`
}

// RoomInfo summarizes a room's transport-level membership.
type RoomInfo struct {
	Name    string `json:"name"`
	Members int    `json:"members"`
}

// Hub is the transport-level membership table: which live connections are bound to which room.
// It mirrors the relay channel bindings held by the gateway and is shared by all connections.
type Hub struct {
	log *slog.Logger

	mu    sync.RWMutex
	rooms map[string]map[string]Member
}

// NewHub constructs a Hub instance.
func NewHub(log *slog.Logger) *Hub {
	if log == nil {
		log = slog.Default()
	}
	return &Hub{
		log:   log,
		rooms: make(map[string]map[string]Member),
	}
}

// Join registers c in room.
func (h *Hub) Join(room string, c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	set, ok := h.rooms[room]
	if !ok {
		set = make(map[string]Member)
		h.rooms[room] = set
	}
	set[c.SessionID] = Member{SessionID: c.SessionID, Username: c.Username, DisplayName: c.DisplayName}
	h.log.Debug("hub.join", "room", room, "session_id", c.SessionID, "members", len(set))
}

// Leave removes sessionID from room; empty rooms are dropped from the table.
func (h *Hub) Leave(room, sessionID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	set, ok := h.rooms[room]
	if !ok {
		return
	}
	delete(set, sessionID)
	if len(set) == 0 {
		delete(h.rooms, room)
	}
	h.log.Debug("hub.leave", "room", room, "session_id", sessionID, "members", len(set))
}

// Members lists room's members ordered by username, then session id.
func (h *Hub) Members(room string) []Member {
	h.mu.RLock()
	out := lo.Values(h.rooms[room])
	h.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Username != out[j].Username {
			return out[i].Username < out[j].Username
		}
		return out[i].SessionID < out[j].SessionID
	})
	return out
}

// Rooms lists rooms with at least one member, ordered by name.
func (h *Hub) Rooms() []RoomInfo {
	h.mu.RLock()
	out := lo.MapToSlice(h.rooms, func(name string, set map[string]Member) RoomInfo {
		return RoomInfo{Name: name, Members: len(set)}
	})
	h.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
