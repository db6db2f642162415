// Package api serves the arbiter status and control HTTP API.
package api

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"net/http"
	"strconv"
	"time"

	"github.com/containerd/errdefs"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"vistara-arbiter/pkg/arbiter"
	"vistara-arbiter/pkg/client"
	"vistara-arbiter/pkg/errors"
	"vistara-arbiter/pkg/models"
	"vistara-arbiter/pkg/partition"
)

// Arbiter is the part of the arbiter the API exposes.
type Arbiter interface {
	VMs() []arbiter.VMStatus
	Resources() []arbiter.ResourceStatus
	Powered() bool
	Revoke(ctx context.Context, r models.ResourceID, force bool) error
	Repartition(ctx context.Context, r models.ResourceID, profile partition.Profile) error
}

// Clients is the emulated client manager. It may be absent.
type Clients interface {
	Sessions() []client.SessionInfo
	RequestAgainTimeout() time.Duration
	SetRequestAgainTimeout(d time.Duration)
}

// API provides the HTTP handlers.
type API struct {
	arb      Arbiter
	clients  Clients
	gatherer prometheus.Gatherer
	logger   *logrus.Entry
}

// New creates the API. clients and gatherer may be nil.
func New(arb Arbiter, clients Clients, gatherer prometheus.Gatherer, logger *logrus.Entry) *API {
	return &API{arb: arb, clients: clients, gatherer: gatherer, logger: logger.WithField("component", "api")}
}

// RepartitionRequest is the body of a repartition call.
type RepartitionRequest struct {
	Profile string `json:"profile"`
}

// RequestAgainTimeout is the body of the request-again timeout calls.
type RequestAgainTimeout struct {
	Timeout string `json:"timeout"`
}

// Router returns a router with every route registered.
func (api *API) Router() *mux.Router {
	router := mux.NewRouter()
	api.RegisterRoutes(router)

	return router
}

// RegisterRoutes registers all API routes.
func (api *API) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/api/v1/health", api.HealthCheck).Methods("GET")
	router.HandleFunc("/api/v1/vms", api.ListVMs).Methods("GET")
	router.HandleFunc("/api/v1/resources", api.ListResources).Methods("GET")
	router.HandleFunc("/api/v1/resources/{id}/revoke", api.RevokeResource).Methods("POST")
	router.HandleFunc("/api/v1/resources/{id}/repartition", api.RepartitionResource).Methods("POST")

	router.HandleFunc("/api/v1/clients", api.ListClients).Methods("GET")
	router.HandleFunc("/api/v1/clients/request-again-timeout", api.GetRequestAgainTimeout).Methods("GET")
	router.HandleFunc("/api/v1/clients/request-again-timeout", api.SetRequestAgainTimeout).Methods("PUT")

	if api.gatherer != nil {
		router.Handle("/metrics", promhttp.HandlerFor(api.gatherer, promhttp.HandlerOpts{})).Methods("GET")
	}
}

// HealthCheck provides health status
func (api *API) HealthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().Unix(),
		"service":   "arbiterd",
		"powered":   api.arb.Powered(),
	})
}

// ListVMs returns every registered VM.
func (api *API) ListVMs(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, api.arb.VMs())
}

// ListResources returns the ownership of every resource.
func (api *API) ListResources(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, api.arb.Resources())
}

// RevokeResource stops the owner of a resource. With force=true the owner
// loses it immediately.
func (api *API) RevokeResource(w http.ResponseWriter, r *http.Request) {
	id, ok := api.resourceID(w, r)
	if !ok {
		return
	}

	force := false
	if v := r.URL.Query().Get("force"); v != "" {
		parsed, err := strconv.ParseBool(v)
		if err != nil {
			api.writeError(w, errors.ErrInvalidArgument)
			return
		}
		force = parsed
	}

	if err := api.arb.Revoke(r.Context(), id, force); err != nil {
		api.writeError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// RepartitionResource applies a partition profile.
func (api *API) RepartitionResource(w http.ResponseWriter, r *http.Request) {
	id, ok := api.resourceID(w, r)
	if !ok {
		return
	}

	var req RepartitionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	profile, err := partition.ParseProfile(req.Profile)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error()})
		return
	}

	if err := api.arb.Repartition(r.Context(), id, profile); err != nil {
		api.writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, profile)
}

// ListClients returns the emulated client sessions.
func (api *API) ListClients(w http.ResponseWriter, r *http.Request) {
	if api.clients == nil {
		writeJSON(w, http.StatusOK, []client.SessionInfo{})
		return
	}

	writeJSON(w, http.StatusOK, api.clients.Sessions())
}

// GetRequestAgainTimeout returns the client request-again timeout.
func (api *API) GetRequestAgainTimeout(w http.ResponseWriter, r *http.Request) {
	if api.clients == nil {
		api.writeError(w, errors.ErrNotSupported)
		return
	}

	writeJSON(w, http.StatusOK, RequestAgainTimeout{Timeout: api.clients.RequestAgainTimeout().String()})
}

// SetRequestAgainTimeout changes the client request-again timeout.
func (api *API) SetRequestAgainTimeout(w http.ResponseWriter, r *http.Request) {
	if api.clients == nil {
		api.writeError(w, errors.ErrNotSupported)
		return
	}

	var req RequestAgainTimeout
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	d, err := time.ParseDuration(req.Timeout)
	if err != nil || d < 0 {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "timeout must be a non-negative duration"})
		return
	}

	api.clients.SetRequestAgainTimeout(d)

	writeJSON(w, http.StatusOK, RequestAgainTimeout{Timeout: d.String()})
}

func (api *API) resourceID(w http.ResponseWriter, r *http.Request) (models.ResourceID, bool) {
	raw := mux.Vars(r)["id"]

	id, err := strconv.ParseUint(raw, 10, 32)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid resource id " + strconv.Quote(raw)})
		return 0, false
	}

	return models.ResourceID(id), true
}

type errorBody struct {
	Error string `json:"error"`
}

func (api *API) writeError(w http.ResponseWriter, err error) {
	status := StatusFor(err)
	if status >= http.StatusInternalServerError {
		api.logger.WithError(err).Error("request failed")
	}

	writeJSON(w, status, errorBody{Error: err.Error()})
}

// StatusFor maps an arbiter error to an HTTP status code.
func StatusFor(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.IsBackend(err):
		return backendStatus(err)
	case stderrors.Is(err, context.DeadlineExceeded), errdefs.IsDeadlineExceeded(err):
		return http.StatusGatewayTimeout
	case errdefs.IsInvalidArgument(err):
		return http.StatusBadRequest
	case errdefs.IsNotFound(err):
		return http.StatusNotFound
	case errdefs.IsAlreadyExists(err), errdefs.IsFailedPrecondition(err):
		return http.StatusConflict
	case errdefs.IsResourceExhausted(err):
		return http.StatusTooManyRequests
	case errdefs.IsNotImplemented(err):
		return http.StatusNotImplemented
	case errdefs.IsUnavailable(err):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func backendStatus(err error) int {
	code, _ := errors.BackendCode(err)
	switch code {
	case unix.EINVAL:
		return http.StatusConflict
	case unix.ENODEV:
		return http.StatusServiceUnavailable
	default:
		return http.StatusBadGateway
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
