// Package handler exposes the control-plane HTTP API: fleet
// registration, provisioning triggers, task polling, and deployment
// unit management.
package handler

import (
	"encoding/json"
	"errors"
	"net/http"

	"kelda/api/deploy"
	"kelda/api/errs"
	"kelda/api/fleet"
	"kelda/api/gateway"
	"kelda/api/model"
	"kelda/api/provision"
	"kelda/api/task"
)

// ServerStore is model.ServerDirectory plus the registration
// operations only the HTTP layer performs.
type ServerStore interface {
	model.ServerDirectory
	Insert(rec *model.ServerRecord) error
	Delete(id string) error
}

type Handler struct {
	servers  ServerStore
	units    model.UnitStore
	fleet    *fleet.Registry
	tasks    *task.Registry
	orch     *provision.Orchestrator
	pipeline *deploy.Pipeline
	dialer   gateway.Dialer
	version  string
}

func New(servers ServerStore, units model.UnitStore, fl *fleet.Registry, tasks *task.Registry,
	orch *provision.Orchestrator, pipeline *deploy.Pipeline, dialer gateway.Dialer, version string) *Handler {
	return &Handler{
		servers:  servers,
		units:    units,
		fleet:    fl,
		tasks:    tasks,
		orch:     orch,
		pipeline: pipeline,
		dialer:   dialer,
		version:  version,
	}
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]string{"status": "ok"})
}

func (h *Handler) Version(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]string{"version": h.version})
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

// writeError maps domain errors onto status codes. The body carries
// both a machine error kind and the human message.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	kind := "internal"

	var (
		ve   *errs.ValidationError
		nf   *errs.NotFoundError
		busy *errs.BusyError
		ae   *errs.AuthError
		te   *errs.TimeoutError
	)
	switch {
	case errors.As(err, &ve):
		status, kind = http.StatusBadRequest, "validation"
	case errors.As(err, &nf):
		status, kind = http.StatusNotFound, "not_found"
	case errors.As(err, &busy):
		status, kind = http.StatusTooManyRequests, "busy"
	case errors.As(err, &ae):
		status, kind = http.StatusBadGateway, "auth"
	case errors.As(err, &te):
		status, kind = http.StatusGatewayTimeout, "timeout"
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": kind, "message": err.Error()})
}
