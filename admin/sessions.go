package admin

import "net/http"

// handleSessions lists the registry's live sessions
func (h *AdminHandlers) handleSessions(w http.ResponseWriter, r *http.Request) {
	sessions := h.registry.Sessions()

	response := make([]map[string]interface{}, 0, len(sessions))
	for _, s := range sessions {
		response = append(response, map[string]interface{}{
			"xid":      s.XID,
			"state":    s.State,
			"begun_at": formatTimestamp(s.BegunAt),
		})
	}
	writeJSONResponse(w, response)
}

// handleStats returns session counts by state and the prepared catalog size
func (h *AdminHandlers) handleStats(w http.ResponseWriter, r *http.Request) {
	p := h.registry.Participant()

	prepared, err := h.scanner.PreparedCount(r.Context())
	if err != nil {
		writeProtocolError(w, err)
		return
	}

	writeJSONResponse(w, map[string]interface{}{
		"resource":       p.Resource(),
		"driver":         p.Driver().Name(),
		"sessions":       h.registry.SessionCounts(),
		"prepared_count": prepared,
	})
}
