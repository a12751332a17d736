package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/jdtait/nest-protect-gateway/internal/pkg/logging"
	"github.com/jdtait/nest-protect-gateway/internal/pkg/protect"
	"github.com/jdtait/nest-protect-gateway/version"
)

// StatusHandler serves the local health and status routes.  These sit
// outside the gateway core: they only read service state.
type StatusHandler struct {
	svc *protect.Service
}

func NewStatusHandler(svc *protect.Service) StatusHandler {
	return StatusHandler{svc: svc}
}

// Register attaches the handler's routes to the router.
func (h *StatusHandler) Register(r *mux.Router) {
	r.HandleFunc("/healthz", h.healthz).Methods(http.MethodGet)
	r.HandleFunc("/status", h.status).Methods(http.MethodGet)
}

func (h *StatusHandler) healthz(rw http.ResponseWriter, r *http.Request) {
	rw.WriteHeader(http.StatusOK)
	_, _ = rw.Write([]byte("ok"))
}

type statusResponse struct {
	Version       string `json:"version"`
	Authenticated bool   `json:"authenticated"`
	DeviceCount   int    `json:"device_count"`
}

func (h *StatusHandler) status(rw http.ResponseWriter, r *http.Request) {
	resp := statusResponse{
		Version:       version.Version,
		Authenticated: h.svc.Authenticated(),
		DeviceCount:   h.svc.DeviceCount(),
	}

	rw.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(rw).Encode(resp); err != nil {
		logging.Logger(r.Context()).WithError(err).Error("writing status response")
	}
}
