package handler

import (
	"net/http"

	"github.com/gorilla/mux"

	"examhub/internal/forum"
)

// GetPresence handles GET /forum/presence/{user_id}
func (h *Handler) GetPresence(w http.ResponseWriter, r *http.Request) {
	viewer := identity(r)
	if !viewer.ForumAccess && !viewer.IsStaff {
		writeError(w, r, forum.ErrNoAccess)
		return
	}

	p, err := h.Presence.Status(r.Context(), mux.Vars(r)["user_id"])
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "presence": p})
}
