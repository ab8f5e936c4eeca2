package handler

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"examhub/internal/apperr"
	"examhub/internal/auth"
	"examhub/internal/blob"
	"examhub/internal/config"
	"examhub/internal/forum"
	"examhub/internal/hub"
	"examhub/internal/logger"
	"examhub/internal/model"
	"examhub/internal/order"
	"examhub/internal/presence"
	"examhub/internal/token"
)

// Deps are the services the HTTP layer is built on.
type Deps struct {
	Auth     *auth.Verifier
	Hub      *hub.Hub
	Forum    *forum.Service
	Presence *presence.Tracker
	Tokens   *token.Service
	Items    order.Items
	Orders   *order.Confirmer
	// Packs holds the purchasable files; it is never served publicly.
	Packs *blob.Store
	Clock clockwork.Clock
	// BaseContext outlives requests; WebSocket sessions run under it.
	BaseContext context.Context
}

// Handler holds application dependencies
type Handler struct {
	Deps
	Config config.Config
}

// New creates a new Handler with the given dependencies
func New(cfg config.Config, d Deps) *Handler {
	if d.Clock == nil {
		d.Clock = clockwork.NewRealClock()
	}
	if d.BaseContext == nil {
		d.BaseContext = context.Background()
	}
	return &Handler{Deps: d, Config: cfg}
}

// SetupRouter configures and returns the HTTP router
func (h *Handler) SetupRouter() *mux.Router {
	r := mux.NewRouter()

	r.HandleFunc("/health", h.Health).Methods("GET")
	r.Handle("/metrics", promhttp.Handler()).Methods("GET")

	// WebSocket (認証はクエリパラメータも可)
	r.HandleFunc("/ws", h.HandleWebSocket).Methods("GET")

	api := r.NewRoute().Subrouter()
	api.Use(h.Auth.Middleware)

	// フォーラム
	api.HandleFunc("/forum/messages", h.GetMessages).Methods("GET")
	api.HandleFunc("/forum/messages", h.CreateMessage).Methods("POST")
	api.HandleFunc("/forum/messages/{id}/edit", h.EditMessage).Methods("POST")
	api.HandleFunc("/forum/messages/{id}/delete", h.DeleteMessage).Methods("POST")
	api.HandleFunc("/forum/messages/{id}/attachments.zip", h.ExportAttachments).Methods("GET")
	api.HandleFunc("/forum/presence/{user_id}", h.GetPresence).Methods("GET")

	api.HandleFunc("/forum/attachments", h.UploadAttachment).Methods("POST")
	api.HandleFunc("/forum/attachments/{id}", h.ServeAttachment).Methods("GET")
	api.HandleFunc("/forum/attachments/{id}/delete", h.DeleteAttachment).Methods("POST")
	api.HandleFunc("/forum/attachments/{id}/zip/manifest", h.ZipManifest).Methods("GET")
	api.HandleFunc("/forum/attachments/{id}/zip/file", h.ZipFile).Methods("GET")

	// ダウンロード
	api.HandleFunc("/download/{token}", h.Download).Methods("GET")
	api.HandleFunc("/orders/{id}/confirm", h.ConfirmOrder).Methods("POST")

	return r
}

// Health handles GET /health
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":      true,
		"clients": h.Hub.Members(hub.ForumRoom),
	})
}

func identity(r *http.Request) model.Identity {
	id, _ := auth.FromContext(r.Context())
	return id
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError logs err under the request's prefix and answers with the
// status of its kind.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := apperr.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		logger.Errorf("[%s %s] ❌ %v", r.Method, r.URL.Path, err)
	} else {
		logger.Warnf("[%s %s] ❌ %v", r.Method, r.URL.Path, err)
	}
	writeJSON(w, status, map[string]any{"ok": false, "error": apperr.Message(err)})
}
