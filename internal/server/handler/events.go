package handler

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/kestrel-labs/kestrel/internal/domain"
)

// EventReader defines the durable event stream reads the handler requires.
type EventReader interface {
	ReadStream(ctx context.Context, lastID string, count int) ([]domain.StreamEvent, error)
}

// EventsHandler serves the replayable event stream. Clients poll with the
// last stream ID they have seen; WebSocket delivery covers the live tail.
type EventsHandler struct {
	events EventReader
	logger *slog.Logger
}

// NewEventsHandler creates an EventsHandler.
func NewEventsHandler(events EventReader, logger *slog.Logger) *EventsHandler {
	return &EventsHandler{
		events: events,
		logger: logger,
	}
}

// eventEntry pairs an event with its stream cursor.
type eventEntry struct {
	ID    string       `json:"id"`
	Event domain.Event `json:"event"`
}

// ListEvents returns stream entries after last_id.
// GET /api/events?last_id=1693500000000-0&count=100
func (h *EventsHandler) ListEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	count := 100
	if v := q.Get("count"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 1000 {
			count = n
		}
	}

	entries, err := h.events.ReadStream(r.Context(), q.Get("last_id"), count)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: read event stream failed",
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to read events")
		return
	}

	out := make([]eventEntry, len(entries))
	for i, e := range entries {
		out[i] = eventEntry{ID: e.ID, Event: e.Event}
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": out})
}
