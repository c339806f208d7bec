package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/goodtune/qodfleet/internal/device"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
)

// DeviceHandler handles device-related API requests.
type DeviceHandler struct {
	service *device.Service
	logger  zerolog.Logger
}

// NewDeviceHandler creates a new device handler.
func NewDeviceHandler(service *device.Service, logger zerolog.Logger) *DeviceHandler {
	return &DeviceHandler{
		service: service,
		logger:  logger.With().Str("handler", "device").Logger(),
	}
}

// fail logs server-side failures and writes the mapped error.
func (h *DeviceHandler) fail(w http.ResponseWriter, err error, msg string) {
	status, kind := classify(err)
	if status >= http.StatusInternalServerError || status == http.StatusBadGateway {
		h.logger.Error().Err(err).Str("kind", kind).Msg(msg)
	}
	writeError(w, status, kind, err.Error())
}

// List returns all devices.
func (h *DeviceHandler) List(w http.ResponseWriter, r *http.Request) {
	devices, err := h.service.ListDevices(r.Context())
	if err != nil {
		h.fail(w, err, "Failed to list devices")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"devices": devices,
		"count":   len(devices),
	})
}

// Get returns a single device by ID.
func (h *DeviceHandler) Get(w http.ResponseWriter, r *http.Request) {
	device, err := h.service.GetDevice(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.fail(w, err, "Failed to get device")
		return
	}

	writeJSON(w, http.StatusOK, device)
}

// Create registers a new device.
func (h *DeviceHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req device.CreateRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "validation", "Invalid request body: "+err.Error())
		return
	}

	created, err := h.service.CreateDevice(r.Context(), req)
	if err != nil {
		h.fail(w, err, "Failed to create device")
		return
	}

	writeJSON(w, http.StatusCreated, created)
}

// Update applies a partial update to a device.
func (h *DeviceHandler) Update(w http.ResponseWriter, r *http.Request) {
	var req device.UpdateRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "validation", "Invalid request body: "+err.Error())
		return
	}

	updated, err := h.service.UpdateDevice(r.Context(), mux.Vars(r)["id"], req)
	if err != nil {
		h.fail(w, err, "Failed to update device")
		return
	}

	writeJSON(w, http.StatusOK, updated)
}

// Delete removes a device after terminating its QoD session.
func (h *DeviceHandler) Delete(w http.ResponseWriter, r *http.Request) {
	if err := h.service.DeleteDevice(r.Context(), mux.Vars(r)["id"]); err != nil {
		h.fail(w, err, "Failed to delete device")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// Status refreshes and returns the device's connectivity status.
func (h *DeviceHandler) Status(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	status, err := h.service.GetStatus(r.Context(), id)
	if err != nil {
		h.fail(w, err, "Failed to refresh device status")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"device_id": id,
		"status":    status,
	})
}

// Location refreshes and returns the device's position.
func (h *DeviceHandler) Location(w http.ResponseWriter, r *http.Request) {
	var maxAge time.Duration
	if raw := r.URL.Query().Get("max_age"); raw != "" {
		seconds, err := strconv.Atoi(raw)
		if err != nil || seconds <= 0 {
			writeError(w, http.StatusBadRequest, "validation", "max_age must be a positive number of seconds")
			return
		}
		maxAge = time.Duration(seconds) * time.Second
	}

	result, err := h.service.GetLocation(r.Context(), mux.Vars(r)["id"], maxAge)
	if err != nil {
		h.fail(w, err, "Failed to refresh device location")
		return
	}

	if result.Unavailable {
		writeJSON(w, http.StatusOK, map[string]bool{"unavailable": true})
		return
	}
	writeJSON(w, http.StatusOK, result.Location)
}

type verifyRequest struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Radius    float64 `json:"radius"`
}

// VerifyLocation checks the device is within a radius of a point.
func (h *DeviceHandler) VerifyLocation(w http.ResponseWriter, r *http.Request) {
	var req verifyRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "validation", "Invalid request body: "+err.Error())
		return
	}

	result, err := h.service.VerifyLocation(r.Context(), mux.Vars(r)["id"], req.Latitude, req.Longitude, req.Radius)
	if err != nil {
		h.fail(w, err, "Failed to verify device location")
		return
	}

	writeJSON(w, http.StatusOK, result)
}
