package httpapi

import (
	"crypto/rand"
	"encoding/json"
	"math/big"
	"net/http"

	"go.uber.org/zap"

	"github.com/emberchat/ember/internal/relay"
	"github.com/emberchat/ember/internal/store"
)

func generateRoomID() (string, error) {
	const charset = "abcdefghijklmnopqrstuvwxyz0123456789"

	code := make([]byte, 8)
	for i := 0; i < 8; i++ {
		num, err := rand.Int(rand.Reader, big.NewInt(int64(len(charset))))
		if err != nil {
			return "", err
		}
		code[i] = charset[num.Int64()]
	}
	return string(code), nil
}

type createRoomRequest struct {
	Topic     string `json:"topic"`
	Duration  int    `json:"duration"`
	MaxClient int    `json:"max_client"`
}

type createRoomResponse struct {
	RoomID string `json:"room_id"`
}

type roomEntry struct {
	RoomID    string `json:"room_id"`
	Topic     string `json:"topic"`
	MaxClient int    `json:"max_client"`
}

type intentRequest struct {
	UserID string `json:"user_id"`
	RoomID string `json:"room_id"`
	Match  string `json:"match"`
}

type confirmResponse struct {
	Matched bool `json:"matched"`
}

type karmaRequest struct {
	UserID string `json:"user_id"`
	RoomID string `json:"room_id"`
	Karma  int    `json:"karma"`
}

// CreateRoom allocates a dedicated pairing room in the hub and records
// it in the store.
func CreateRoom(h *relay.Hub, st store.Store, log *zap.SugaredLogger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req createRoomRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		if req.MaxClient == 0 {
			req.MaxClient = 2
		}

		roomID, err := generateRoomID()
		if err != nil {
			http.Error(w, "failed to generate room id", http.StatusInternalServerError)
			return
		}

		reply := make(chan *relay.Room, 1)
		h.Inbox() <- relay.EnsureRoom{
			RoomID:    roomID,
			Topic:     req.Topic,
			Duration:  req.Duration,
			MaxClient: req.MaxClient,
			Reply:     reply,
		}
		if <-reply == nil {
			http.Error(w, "failed to create room", http.StatusInternalServerError)
			return
		}

		if err := st.CreateRoom(r.Context(), roomID, req.Topic, req.Duration, req.MaxClient); err != nil {
			log.Warnw("persist room", "room", roomID, "err", err)
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(createRoomResponse{RoomID: roomID})
	}
}

func ListRooms(st store.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rooms, err := st.ListRooms(r.Context())
		if err != nil {
			http.Error(w, "failed to list rooms", http.StatusInternalServerError)
			return
		}
		out := make([]roomEntry, 0, len(rooms))
		for _, room := range rooms {
			out = append(out, roomEntry{RoomID: room.RoomID, Topic: room.Topic, MaxClient: room.MaxClient})
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(out)
	}
}

// RecordIntent is the backend half of the consent exchange: a
// best-effort, eventually-consistent record of one side's reveal intent.
func RecordIntent(st store.Store, log *zap.SugaredLogger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req intentRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.UserID == "" || req.RoomID == "" {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		if req.Match != "yes" {
			http.Error(w, "unsupported intent", http.StatusBadRequest)
			return
		}
		if err := st.RecordIntent(r.Context(), req.UserID, req.RoomID); err != nil {
			log.Warnw("record intent", "room", req.RoomID, "err", err)
			http.Error(w, "failed to record intent", http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// Confirm reports whether both sides of a room recorded intent. Clients
// poll this as a fallback when the peer-to-peer consent signal is lost.
func Confirm(st store.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		roomID := r.URL.Query().Get("room_id")
		if roomID == "" {
			http.Error(w, "missing room_id", http.StatusBadRequest)
			return
		}
		matched, err := st.Confirmed(r.Context(), roomID)
		if err != nil {
			http.Error(w, "failed to check confirmation", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(confirmResponse{Matched: matched})
	}
}

func SubmitKarma(st store.Store, log *zap.SugaredLogger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req karmaRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.RoomID == "" {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		if err := st.AddKarma(r.Context(), req.UserID, req.RoomID, req.Karma); err != nil {
			log.Warnw("add karma", "room", req.RoomID, "err", err)
			http.Error(w, "failed to record karma", http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func Healthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}
