package server

import (
	"net/http"

	httpmiddleware "github.com/wolfeidau/chatgate/internal/http"
)

// guestCountResponse reports guest usage. Registered users receive nulls.
type guestCountResponse struct {
	Count       *int   `json:"count"`
	Limit       *int   `json:"limit"`
	WindowMs    *int64 `json:"windowMs"`
	RemainingMs *int64 `json:"remainingMs,omitempty"`
}

func (s *Server) guestCount(w http.ResponseWriter, r *http.Request) {
	_, identity, apiErr := s.currentIdentity(r)
	if apiErr != nil {
		s.writeError(w, apiErr)
		return
	}

	if !identity.IsGuest {
		httpmiddleware.WriteJSON(w, http.StatusOK, guestCountResponse{})
		return
	}

	length := s.cfg.Usage.WindowLength()
	count := 0
	limit := s.cfg.Usage.Limit()
	windowMs := length.Milliseconds()
	remainingMs := windowMs

	if window, ok := s.cfg.Usage.Snapshot(identity.ID); ok {
		count = window.Count
		if left := window.Start.Add(length).Sub(s.cfg.Now()); left > 0 {
			remainingMs = left.Milliseconds()
		}
	}

	httpmiddleware.WriteJSON(w, http.StatusOK, guestCountResponse{
		Count:       &count,
		Limit:       &limit,
		WindowMs:    &windowMs,
		RemainingMs: &remainingMs,
	})
}
