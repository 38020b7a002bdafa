package admin

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/maxpert/tpc/cfg"
	"github.com/maxpert/tpc/driver"
	"github.com/maxpert/tpc/participant"
	"github.com/rs/zerolog/log"
)

func (h *AdminHandlers) preparedItem(txn driver.PreparedTransaction) map[string]interface{} {
	return map[string]interface{}{
		"xid":         txn.XID,
		"prepared_at": formatTimestamp(txn.PreparedAt),
		"age_seconds": int64(h.now().Sub(txn.PreparedAt).Seconds()),
		"owner":       txn.Owner,
		"resource":    txn.Resource,
	}
}

// handleListPrepared returns the resource's prepared catalog, oldest first
func (h *AdminHandlers) handleListPrepared(w http.ResponseWriter, r *http.Request) {
	txns, err := h.scanner.ListPrepared(r.Context())
	if err != nil {
		writeProtocolError(w, err)
		return
	}

	response := make([]map[string]interface{}, 0, len(txns))
	for _, txn := range txns {
		response = append(response, h.preparedItem(txn))
	}
	writeJSONResponse(w, response)
}

// handleGetPrepared returns one catalog entry
func (h *AdminHandlers) handleGetPrepared(w http.ResponseWriter, r *http.Request) {
	xid := chi.URLParam(r, "xid")
	txn, found, err := h.scanner.FindPrepared(r.Context(), xid)
	if err != nil {
		writeProtocolError(w, err)
		return
	}
	if !found {
		writeErrorResponse(w, http.StatusNotFound, "prepared transaction not found")
		return
	}
	writeJSONResponse(w, h.preparedItem(txn))
}

func (h *AdminHandlers) handleCommitPrepared(w http.ResponseWriter, r *http.Request) {
	h.resolve(w, r, "commit", h.scanner.CommitByXID)
}

func (h *AdminHandlers) handleRollbackPrepared(w http.ResponseWriter, r *http.Request) {
	h.resolve(w, r, "rollback", h.scanner.RollbackByXID)
}

func (h *AdminHandlers) resolve(w http.ResponseWriter, r *http.Request, action string, fn func(ctx context.Context, xid string) (participant.Resolution, error)) {
	xid := chi.URLParam(r, "xid")
	res, err := fn(r.Context(), xid)
	if err != nil {
		log.Warn().Err(err).Str("xid", xid).Str("action", action).Msg("Admin resolution failed")
		writeProtocolError(w, err)
		return
	}

	log.Info().Str("xid", xid).Str("action", action).Str("resolution", res.String()).Msg("Prepared transaction resolved by operator")
	writeJSONResponse(w, map[string]interface{}{
		"xid":        xid,
		"action":     action,
		"resolution": res.String(),
	})
}

// handleCleanup rolls back stale prepared transactions. max_age defaults to
// the configured recovery window.
func (h *AdminHandlers) handleCleanup(w http.ResponseWriter, r *http.Request) {
	maxAge, err := parseMaxAge(r, cfg.Config.Recovery.MaxAge())
	if err != nil {
		writeErrorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	pattern := r.URL.Query().Get("pattern")
	cleaned, err := h.scanner.Cleanup(r.Context(), participant.CleanupOptions{MaxAge: maxAge, Pattern: pattern})
	if err != nil {
		writeProtocolError(w, err)
		return
	}

	writeJSONResponse(w, map[string]interface{}{
		"rolled_back": cleaned,
		"max_age":     maxAge.String(),
		"pattern":     pattern,
	})
}
