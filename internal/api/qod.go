package api

import (
	"net/http"

	"github.com/goodtune/qodfleet/internal/device"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
)

// QoDHandler handles QoD session API requests.
type QoDHandler struct {
	service *device.Service
	logger  zerolog.Logger
}

// NewQoDHandler creates a new QoD handler.
func NewQoDHandler(service *device.Service, logger zerolog.Logger) *QoDHandler {
	return &QoDHandler{
		service: service,
		logger:  logger.With().Str("handler", "qod").Logger(),
	}
}

func (h *QoDHandler) fail(w http.ResponseWriter, err error, msg string) {
	status, kind := classify(err)
	if status >= http.StatusInternalServerError || status == http.StatusBadGateway {
		h.logger.Error().Err(err).Str("kind", kind).Msg(msg)
	}
	writeError(w, status, kind, err.Error())
}

// Profiles lists the profiles offered upstream.
func (h *QoDHandler) Profiles(w http.ResponseWriter, r *http.Request) {
	profiles, err := h.service.ListQoDProfiles(r.Context())
	if err != nil {
		h.fail(w, err, "Failed to list QoD profiles")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{"profiles": profiles})
}

// Get returns the device's active session.
func (h *QoDHandler) Get(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	session, err := h.service.GetQoDSession(r.Context(), id)
	if err != nil {
		h.fail(w, err, "Failed to get QoD session")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"device_id": id,
		"active":    session != nil,
		"session":   session,
	})
}

// Create starts a QoD session on the device.
func (h *QoDHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req device.SessionRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "validation", "Invalid request body: "+err.Error())
		return
	}

	session, err := h.service.CreateQoDSession(r.Context(), mux.Vars(r)["id"], req)
	if err != nil {
		h.fail(w, err, "Failed to create QoD session")
		return
	}

	writeJSON(w, http.StatusCreated, session)
}

// Delete terminates the device's QoD session, if any.
func (h *QoDHandler) Delete(w http.ResponseWriter, r *http.Request) {
	if err := h.service.DeleteQoDSession(r.Context(), mux.Vars(r)["id"]); err != nil {
		h.fail(w, err, "Failed to terminate QoD session")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}
