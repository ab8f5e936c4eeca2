package handler

import (
	"encoding/json"
	"fmt"
	"mime"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"examhub/internal/apperr"
	"examhub/internal/forum"
	"examhub/internal/logger"
)

// リクエストボディサイズは1MBまで
const maxJSONBody = 1 << 20

var errBadBody = apperr.Invalid("Invalid request body")

// GetMessages handles GET /forum/messages?before_id=&limit=
func (h *Handler) GetMessages(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))

	page, err := h.Forum.ListPage(r.Context(), identity(r), q.Get("before_id"), limit)
	if err != nil {
		writeError(w, r, err)
		return
	}
	logger.Debugf("[GET /forum/messages] ✅ Returned %d messages (has_more=%v)", len(page.Messages), page.HasMore)
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":       true,
		"messages": page.Messages,
		"has_more": page.HasMore,
	})
}

// CreateMessage handles POST /forum/messages
func (h *Handler) CreateMessage(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBody)

	var in forum.PostInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeError(w, r, apperr.Wrap(errBadBody, err))
		return
	}

	view, err := h.Forum.Post(r.Context(), identity(r), in)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"ok":         true,
		"created":    1,
		"message_id": view.ID,
		"message":    view,
	})
}

// EditMessage handles POST /forum/messages/{id}/edit
func (h *Handler) EditMessage(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBody)

	var body struct {
		Content string `json:"content"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, r, apperr.Wrap(errBadBody, err))
		return
	}

	view, err := h.Forum.Edit(r.Context(), identity(r), id, body.Content)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "message": view})
}

// DeleteMessage handles POST /forum/messages/{id}/delete
func (h *Handler) DeleteMessage(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	res, err := h.Forum.Delete(r.Context(), identity(r), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":              true,
		"deleted":         true,
		"deleted_for_all": res.DeletedForAll,
		"message_id":      res.MessageID,
	})
}

// ExportAttachments handles GET /forum/messages/{id}/attachments.zip
func (h *Handler) ExportAttachments(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	export, err := h.Forum.ExportZip(r.Context(), identity(r), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if export.Len() == 0 {
		writeError(w, r, apperr.NotFound("message has no attachments"))
		return
	}

	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", contentDisposition("attachment", export.Filename))
	// ヘッダー送信後のエラーはログのみ
	if err := export.Stream(r.Context(), w); err != nil {
		logger.Errorf("[GET /forum/messages/%s/attachments.zip] ❌ %v", id, err)
		return
	}
	logger.Infof("[GET /forum/messages/%s/attachments.zip] ✅ Exported %d file(s)", id, export.Len())
}

func contentDisposition(kind, name string) string {
	if v := mime.FormatMediaType(kind, map[string]string{"filename": name}); v != "" {
		return v
	}
	return fmt.Sprintf("%s; filename=%q", kind, "download")
}
