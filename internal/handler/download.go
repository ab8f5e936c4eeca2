package handler

import (
	"errors"
	"io"
	"net/http"
	"path"
	"strconv"

	"github.com/gorilla/mux"

	"examhub/internal/apperr"
	"examhub/internal/logger"
	"examhub/internal/metrics"
	"examhub/internal/order"
	"examhub/internal/token"
)

var (
	// 存在しない・期限切れ・使用済みは区別しない
	errLinkInvalid  = apperr.NotFound("download link invalid or expired")
	errNotPurchaser = apperr.Forbidden("not allowed to download this item")
	errStaffOnly    = apperr.Forbidden("staff only")
)

// Download handles GET /download/{token}
func (h *Handler) Download(w http.ResponseWriter, r *http.Request) {
	tok := mux.Vars(r)["token"]
	ctx := r.Context()
	user := identity(r)

	t, err := h.Tokens.Validate(ctx, tok)
	if errors.Is(err, token.ErrNotFound) || errors.Is(err, token.ErrInvalidToken) {
		metrics.Downloads.WithLabelValues("invalid").Inc()
		writeError(w, r, errLinkInvalid)
		return
	}
	if err != nil {
		metrics.Downloads.WithLabelValues("error").Inc()
		writeError(w, r, err)
		return
	}

	item, err := h.Items.Get(ctx, t.ItemID)
	if errors.Is(err, order.ErrItemNotFound) {
		metrics.Downloads.WithLabelValues("invalid").Inc()
		writeError(w, r, errLinkInvalid)
		return
	}
	if err != nil {
		metrics.Downloads.WithLabelValues("error").Inc()
		writeError(w, r, err)
		return
	}
	if item.OwnerID != user.UserID && !user.IsStaff {
		metrics.Downloads.WithLabelValues("forbidden").Inc()
		writeError(w, r, errNotPurchaser)
		return
	}

	f, info, err := h.Packs.Open(ctx, item.PackFile)
	if err != nil {
		metrics.Downloads.WithLabelValues("error").Inc()
		writeError(w, r, err)
		return
	}
	defer f.Close()

	// ファイルが開けてから回数を消費する
	if err := h.Tokens.Consume(ctx, tok); err != nil {
		if errors.Is(err, token.ErrConflict) || errors.Is(err, token.ErrNotFound) {
			metrics.Downloads.WithLabelValues("conflict").Inc()
			writeError(w, r, errLinkInvalid)
			return
		}
		metrics.Downloads.WithLabelValues("error").Inc()
		writeError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Length", strconv.FormatInt(info.Size(), 10))
	w.Header().Set("Content-Disposition", contentDisposition("attachment", path.Base(item.PackFile)))
	w.Header().Set("X-Content-Type-Options", "nosniff")
	if _, err := io.Copy(w, f); err != nil {
		metrics.Downloads.WithLabelValues("aborted").Inc()
		logger.Errorf("[GET /download] ❌ transfer of item %s aborted: %v", item.ID, err)
		return
	}
	metrics.Downloads.WithLabelValues("ok").Inc()
	logger.Infof("[GET /download] ✅ item %s downloaded by %s", item.ID, user.UserID)
}

// ConfirmOrder handles POST /orders/{id}/confirm
func (h *Handler) ConfirmOrder(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if !identity(r).IsStaff {
		writeError(w, r, errStaffOnly)
		return
	}

	grants, err := h.Orders.Confirm(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "order_id": id, "downloads": grants})
}
