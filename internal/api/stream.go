package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/clinicsync/appointment-engine/internal/engine"
	"github.com/clinicsync/appointment-engine/internal/view"
)

// StreamHandler serves live appointment views over Server-Sent Events. Each
// connection holds one view handle; every snapshot the coordinator delivers
// becomes one "snapshot" event, and a degraded view becomes a "sync_lost"
// event until the backing subscription recovers.
type StreamHandler struct {
	svc       *engine.Service
	heartbeat time.Duration
	logger    zerolog.Logger
}

func NewStreamHandler(svc *engine.Service, heartbeat time.Duration, logger zerolog.Logger) *StreamHandler {
	if heartbeat <= 0 {
		heartbeat = 30 * time.Second
	}
	return &StreamHandler{
		svc:       svc,
		heartbeat: heartbeat,
		logger:    logger.With().Str("component", "stream-handler").Logger(),
	}
}

// PatientStream handles GET /patients/{id}/appointments/stream
func (h *StreamHandler) PatientStream(w http.ResponseWriter, r *http.Request) {
	h.stream(w, r, h.svc.ViewForPatient)
}

// DoctorStream handles GET /doctors/{id}/appointments/stream
func (h *StreamHandler) DoctorStream(w http.ResponseWriter, r *http.Request) {
	h.stream(w, r, h.svc.ViewForDoctor)
}

func (h *StreamHandler) stream(w http.ResponseWriter, r *http.Request, open func(uuid.UUID) *view.Handle) {
	viewerID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_viewer_id", "id must be a valid UUID")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming_unsupported", "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	handle := open(viewerID)
	defer h.svc.CloseView(handle)

	sendEvent(w, "connected", map[string]any{
		"viewer_id": viewerID,
		"timestamp": time.Now(),
	})
	flusher.Flush()

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			h.logger.Debug().Str("viewer_id", viewerID.String()).Msg("stream client disconnected")
			return
		case <-ticker.C:
			sendEvent(w, "heartbeat", map[string]any{"timestamp": time.Now()})
			flusher.Flush()
		case update, ok := <-handle.Updates():
			if !ok {
				return
			}
			if update.SyncLost {
				sendEvent(w, "sync_lost", map[string]any{
					"timestamp":    time.Now(),
					"appointments": toSnapshotResponse(update.Appointments),
				})
			} else {
				sendEvent(w, "snapshot", toSnapshotResponse(update.Appointments))
			}
			flusher.Flush()
		}
	}
}

func sendEvent(w http.ResponseWriter, eventType string, data any) {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\n", eventType)
	fmt.Fprintf(w, "data: %s\n\n", jsonData)
}
