package handler

import (
	"errors"
	"io"
	"mime"
	"net/http"
	"path"
	"strconv"

	"github.com/gorilla/mux"

	"examhub/internal/apperr"
	"examhub/internal/logger"
)

var errMissingFile = apperr.Invalid("file is required")

// UploadAttachment handles POST /forum/attachments (multipart, field "file")
func (h *Handler) UploadAttachment(w http.ResponseWriter, r *http.Request) {
	limit := int64(h.Config.MaxUploadMB) << 20
	// multipart の境界分だけ余裕を持たせる
	r.Body = http.MaxBytesReader(w, r.Body, limit+maxJSONBody)

	mr, err := r.MultipartReader()
	if err != nil {
		writeError(w, r, apperr.Wrap(errBadBody, err))
		return
	}
	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			writeError(w, r, errMissingFile)
			return
		}
		if err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				writeError(w, r, apperr.Invalid("file too large"))
				return
			}
			writeError(w, r, apperr.Wrap(errBadBody, err))
			return
		}
		if part.FormName() != "file" || part.FileName() == "" {
			part.Close()
			continue
		}

		view, err := h.Forum.Upload(r.Context(), identity(r), part.FileName(), part)
		part.Close()
		if err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				err = apperr.Invalid("file too large")
			}
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{"ok": true, "attachment": view})
		return
	}
}

// ServeAttachment handles GET /forum/attachments/{id}
func (h *Handler) ServeAttachment(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	f, err := h.Forum.OpenAttachment(r.Context(), identity(r), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	defer f.File.Close()

	disposition := "attachment"
	if f.Inline {
		disposition = "inline"
	}
	w.Header().Set("Content-Type", f.ContentType)
	w.Header().Set("Content-Disposition", contentDisposition(disposition, f.Attachment.Name))
	w.Header().Set("X-Content-Type-Options", "nosniff")
	// 直接開かれてもスクリプトを実行させない
	w.Header().Set("Content-Security-Policy", "sandbox")
	// 動画のシークのため Range に対応する
	http.ServeContent(w, r, f.Attachment.Name, f.Info.ModTime(), f.File)
}

// DeleteAttachment handles POST /forum/attachments/{id}/delete
func (h *Handler) DeleteAttachment(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	if err := h.Forum.DeleteAttachment(r.Context(), identity(r), id); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "deleted": true, "attachment_id": id})
}

// ZipManifest handles GET /forum/attachments/{id}/zip/manifest
func (h *Handler) ZipManifest(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	entries, err := h.Forum.ZipManifest(r.Context(), identity(r), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "files": entries})
}

// ZipFile handles GET /forum/attachments/{id}/zip/file?file=
func (h *Handler) ZipFile(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	member, err := h.Forum.ZipMember(r.Context(), identity(r), id, r.URL.Query().Get("file"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	defer member.Close()

	ctype := mime.TypeByExtension(path.Ext(member.Name))
	if ctype == "" {
		ctype = "application/octet-stream"
	}
	w.Header().Set("Content-Type", ctype)
	w.Header().Set("Content-Length", strconv.FormatInt(member.Size, 10))
	w.Header().Set("Content-Disposition", contentDisposition("attachment", member.Name))
	w.Header().Set("X-Content-Type-Options", "nosniff")
	if _, err := io.Copy(w, member); err != nil {
		logger.Errorf("[GET /forum/attachments/%s/zip/file] ❌ %v", id, err)
	}
}
