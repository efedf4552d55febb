package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/razat249/king-of-tokyo-player-mats/internal/game"
	"github.com/razat249/king-of-tokyo-player-mats/internal/rowstore"
)

// maxBodyBytes bounds request bodies; a player row is well under 1 KiB.
const maxBodyBytes = 16 << 10

// CreateRoomRequest is the body of POST /api/rooms.
type CreateRoomRequest struct {
	RoomCode string `json:"room_code"`
}

func (h *routerHandlers) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *routerHandlers) handleCreateRoom(w http.ResponseWriter, r *http.Request) {
	var req CreateRoomRequest
	if !h.decode(w, r, &req) {
		return
	}
	if !game.ValidRoomCode(req.RoomCode) {
		writeError(w, "room_code must be 4 digits", http.StatusBadRequest)
		return
	}

	start := time.Now()
	room, err := h.store.InsertRoom(r.Context(), req.RoomCode)
	h.observe("insert_room", start, err)
	if err != nil {
		h.storeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, room)
}

func (h *routerHandlers) handleGetRoom(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	room, err := h.store.GetRoom(r.Context(), chi.URLParam(r, "code"))
	h.observe("get_room", start, err)
	if err != nil {
		h.storeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, room)
}

func (h *routerHandlers) handleDeactivateRoom(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	err := h.store.DeactivateRoom(r.Context(), chi.URLParam(r, "code"))
	h.observe("deactivate_room", start, err)
	if err != nil {
		h.storeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *routerHandlers) handleQueryPlayers(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := rowstore.PlayerFilter{
		RoomCode: q.Get("room_code"),
		PlayerID: q.Get("player_id"),
	}
	if v := q.Get("active"); v != "" {
		active, err := strconv.ParseBool(v)
		if err != nil {
			writeError(w, "active must be a boolean", http.StatusBadRequest)
			return
		}
		filter.ActiveOnly = active
	}

	start := time.Now()
	players, err := h.store.QueryPlayers(r.Context(), filter)
	h.observe("query_players", start, err)
	if err != nil {
		h.storeError(w, err)
		return
	}
	if players == nil {
		players = []game.Player{}
	}
	writeJSON(w, http.StatusOK, players)
}

func (h *routerHandlers) handleInsertPlayer(w http.ResponseWriter, r *http.Request) {
	var p game.Player
	if !h.decode(w, r, &p) {
		return
	}

	start := time.Now()
	row, err := h.store.InsertPlayer(r.Context(), p)
	h.observe("insert_player", start, err)
	if err != nil {
		h.storeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, row)
}

func (h *routerHandlers) handleUpdatePlayer(w http.ResponseWriter, r *http.Request) {
	var u game.PlayerUpdate
	if !h.decode(w, r, &u) {
		return
	}

	start := time.Now()
	row, err := h.store.UpdatePlayer(r.Context(), chi.URLParam(r, "id"), u)
	h.observe("update_player", start, err)
	if err != nil {
		h.storeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, row)
}

func (h *routerHandlers) handleDeletePlayer(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	err := h.store.DeletePlayer(r.Context(), chi.URLParam(r, "id"))
	h.observe("delete_player", start, err)
	if err != nil {
		h.storeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *routerHandlers) handleFeed(w http.ResponseWriter, r *http.Request) {
	code := chi.URLParam(r, "code")
	if !game.ValidRoomCode(code) {
		writeError(w, "room_code must be 4 digits", http.StatusBadRequest)
		return
	}
	h.feed.Serve(w, r, h.store, code)
}

func (h *routerHandlers) decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return false
	}
	return true
}

func (h *routerHandlers) observe(op string, start time.Time, err error) {
	RecordStoreOp(op, resultLabel(err), time.Since(start))
}

func (h *routerHandlers) storeError(w http.ResponseWriter, err error) {
	status := StatusFor(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("Row store call failed", zap.Error(err))
	}
	writeError(w, err.Error(), status)
}

// StatusFor maps row store errors onto HTTP status codes.
func StatusFor(err error) int {
	switch {
	case errors.Is(err, rowstore.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, rowstore.ErrDuplicateRoom):
		return http.StatusConflict
	case errors.Is(err, rowstore.ErrInvalidRow):
		return http.StatusBadRequest
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func resultLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, rowstore.ErrNotFound):
		return "not_found"
	case errors.Is(err, rowstore.ErrDuplicateRoom):
		return "conflict"
	case errors.Is(err, rowstore.ErrInvalidRow):
		return "invalid"
	default:
		return "error"
	}
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, message string, code int) {
	writeJSON(w, code, map[string]string{"error": message})
}
