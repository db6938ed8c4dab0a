package realtime

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"strings"

	"roomrelay/cmd/identity"
	"roomrelay/cmd/internal/relay"
	v1 "roomrelay/shared/contracts/relay/v1"

	"github.com/samber/lo"
)

// APIHandler serves the read-only HTTP query surface next to the websocket gateway:
// room history, rooms, room members and the contact list.
type APIHandler struct {
	log   *slog.Logger
	relay *relay.Relay
	hub   *Hub
	dir   identity.Directory
}

// NewAPIHandler constructs an APIHandler. hub and dir must be the ones the gateway uses.
func NewAPIHandler(log *slog.Logger, rel *relay.Relay, hub *Hub, dir identity.Directory) *APIHandler {
	if log == nil {
		log = slog.Default()
	}
	return &APIHandler{log: log, relay: rel, hub: hub, dir: dir}
}

// Register mounts the API routes on mux.
func (h *APIHandler) Register(mux *http.ServeMux) {
	if h == nil || mux == nil {
		return
	}
	mux.HandleFunc("GET /api/rooms", h.handleRooms)
	mux.HandleFunc("GET /api/rooms/{room}/messages", h.handleHistory)
	mux.HandleFunc("GET /api/messages/{room}", h.handleHistory)
	mux.HandleFunc("GET /api/rooms/{room}/members", h.handleMembers)
	mux.HandleFunc("GET /api/contacts", h.handleContacts)
	mux.HandleFunc("GET /api/user-info", h.handleUserInfo)
}

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type errorResponse struct {
	Error apiError `json:"error"`
}

type roomsResponse struct {
	Rooms []RoomInfo `json:"rooms"`
}

type membersResponse struct {
	Room    string   `json:"room"`
	Members []Member `json:"members"`
}

type contactsResponse struct {
	Contacts []identity.Profile `json:"contacts"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, errorResponse{Error: apiError{Code: code, Message: msg}})
}

// handleRooms lists every room this process knows, declared or currently populated.
func (h *APIHandler) handleRooms(w http.ResponseWriter, _ *http.Request) {
	live := h.hub.Rooms()
	counts := lo.SliceToMap(live, func(ri RoomInfo) (string, int) { return ri.Name, ri.Members })
	names := lo.Union(h.relay.Registry().Rooms(), lo.Keys(counts))
	sort.Strings(names)

	writeJSON(w, http.StatusOK, roomsResponse{
		Rooms: lo.Map(names, func(n string, _ int) RoomInfo {
			return RoomInfo{Name: n, Members: counts[n]}
		}),
	})
}

// handleHistory returns the newest messages of a room, oldest first.
func (h *APIHandler) handleHistory(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "bad_limit", "limit must be a non-negative integer")
			return
		}
		limit = n
	}

	room := r.PathValue("room")
	msgs, err := h.relay.History(r.Context(), room, limit)
	if err != nil {
		code := relay.Code(err)
		status := http.StatusInternalServerError
		switch {
		case code == "invalid_room":
			status = http.StatusBadRequest
		case relay.IsPersistenceFailure(err):
			status = http.StatusServiceUnavailable
		}
		h.log.Info("api.history.fail", "room", room, "err", err)
		writeError(w, status, code, err.Error())
		return
	}

	name, _ := relay.NormalizeRoom(room)
	self := identity.NormalizeUsername(requestUsername(r))
	writeJSON(w, http.StatusOK, v1.HistoryPayload{
		Room: name,
		Messages: lo.Map(msgs, func(m relay.Message, _ int) v1.MessagePayload {
			return messagePayload(relay.FromMessage(m, ""), self)
		}),
	})
}

func (h *APIHandler) handleMembers(w http.ResponseWriter, r *http.Request) {
	room, err := relay.NormalizeRoom(r.PathValue("room"))
	if err != nil {
		writeError(w, http.StatusBadRequest, relay.Code(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, membersResponse{Room: room, Members: h.hub.Members(room)})
}

func (h *APIHandler) handleContacts(w http.ResponseWriter, r *http.Request) {
	list, err := h.dir.List(r.Context())
	if err != nil {
		h.log.Error("api.contacts.fail", "err", err)
		writeError(w, http.StatusServiceUnavailable, "directory_unavailable", "contact list unavailable")
		return
	}

	// The caller is not its own contact.
	self := identity.NormalizeUsername(requestUsername(r))
	writeJSON(w, http.StatusOK, contactsResponse{
		Contacts: lo.Reject(list, func(p identity.Profile, _ int) bool { return p.Username == self }),
	})
}

func (h *APIHandler) handleUserInfo(w http.ResponseWriter, r *http.Request) {
	username := requestUsername(r)
	if username == "" {
		writeError(w, http.StatusUnauthorized, "unauthorized", "missing username")
		return
	}
	p, err := h.dir.Lookup(r.Context(), username)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, p)
	case identity.IsInvalidInput(err):
		writeError(w, http.StatusBadRequest, "invalid_input", err.Error())
	case identity.IsNotFound(err):
		writeError(w, http.StatusNotFound, "not_found", "unknown user")
	default:
		writeError(w, http.StatusServiceUnavailable, "directory_unavailable", "directory unavailable")
	}
}

// requestUsername reads the caller identity the same way the gateway does.
func requestUsername(r *http.Request) string {
	if u := strings.TrimSpace(r.URL.Query().Get("username")); u != "" {
		return u
	}
	return strings.TrimSpace(r.Header.Get(UserHeader))
}
