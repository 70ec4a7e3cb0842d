package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/emberchat/ember/internal/relay"
	"github.com/emberchat/ember/internal/store"
	"github.com/emberchat/ember/internal/ws"
)

// SetupRoutes builds the relay's router with the hub and store injected.
// A non-empty token gates the REST API behind bearer auth; the ws
// endpoint stays open (tokens on browser websockets are impractical).
func SetupRoutes(h *relay.Hub, st store.Store, token string, log *zap.SugaredLogger) http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", Healthz)
	r.Get("/ws", ws.Handler(h, log))

	r.Route("/api", func(r chi.Router) {
		if token != "" {
			r.Use(bearerAuth(token))
		}
		r.Post("/rooms", CreateRoom(h, st, log))
		r.Get("/rooms", ListRooms(st))
		r.Post("/match/intent", RecordIntent(st, log))
		r.Get("/match/confirm", Confirm(st))
		r.Post("/karma", SubmitKarma(st, log))
	})

	return r
}

func bearerAuth(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Header.Get("Authorization") != "Bearer "+token {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
