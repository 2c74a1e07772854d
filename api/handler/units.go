package handler

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"kelda/api/deploy"
	"kelda/api/errs"
	"kelda/api/model"
)

type CreateUnitRequest struct {
	OwnerID           string             `json:"ownerId"`
	ProjectID         string             `json:"projectId"`
	Component         string             `json:"component"`
	Framework         model.Framework    `json:"frameworkType"`
	Method            model.DeployMethod `json:"deploymentMethod"`
	Image             string             `json:"imageReference"`
	Domain            string             `json:"domain"`
	Namespace         string             `json:"namespace"`
	SourceArchivePath string             `json:"sourceArchivePath"`
}

func (h *Handler) ListUnits(w http.ResponseWriter, r *http.Request) {
	units, err := h.units.List()
	if err != nil {
		writeError(w, err)
		return
	}
	if units == nil {
		units = []*model.DeploymentUnit{}
	}
	writeJSON(w, units)
}

// CreateUnit registers the unit and kicks its deployment off in the
// background. The caller gets the BUILDING record straight away and
// follows progress over the event hub.
func (h *Handler) CreateUnit(w http.ResponseWriter, r *http.Request) {
	var req CreateUnitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, errs.Validation("invalid request body"))
		return
	}
	if err := validateUnit(&req); err != nil {
		writeError(w, err)
		return
	}

	shortID, err := deploy.NewShortID(h.units)
	if err != nil {
		writeError(w, err)
		return
	}

	unit := &model.DeploymentUnit{
		ID:                uuid.NewString(),
		ShortID:           shortID,
		OwnerID:           req.OwnerID,
		ProjectID:         req.ProjectID,
		Component:         req.Component,
		Framework:         req.Framework,
		Method:            req.Method,
		Image:             req.Image,
		Domain:            req.Domain,
		Namespace:         req.Namespace,
		SourceArchivePath: req.SourceArchivePath,
		Status:            model.UnitBuilding,
		CreatedAt:         time.Now(),
	}
	if err := h.units.Save(unit); err != nil {
		writeError(w, err)
		return
	}

	// The pipeline mutates its unit as it progresses, so the goroutine
	// gets its own copy while the handler encodes the saved record.
	pipelineUnit := *unit
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Minute)
		defer cancel()
		if err := h.pipeline.Deploy(ctx, &pipelineUnit); err != nil {
			log.Printf("handler: deploy %s: %v", pipelineUnit.ShortID, err)
		}
	}()

	w.WriteHeader(http.StatusAccepted)
	writeJSON(w, unit)
}

func (h *Handler) GetUnit(w http.ResponseWriter, r *http.Request) {
	unit, err := h.loadUnit(r)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, unit)
}

func (h *Handler) DeleteUnit(w http.ResponseWriter, r *http.Request) {
	unit, err := h.loadUnit(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := h.pipeline.Delete(r.Context(), unit); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, map[string]string{"status": "deleted"})
}

type ScaleUnitRequest struct {
	Replicas int `json:"replicas"`
}

func (h *Handler) ScaleUnit(w http.ResponseWriter, r *http.Request) {
	unit, err := h.loadUnit(r)
	if err != nil {
		writeError(w, err)
		return
	}

	var req ScaleUnitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, errs.Validation("invalid request body"))
		return
	}
	if req.Replicas < 0 || req.Replicas > 10 {
		writeError(w, errs.Validation("replicas must be between 0 and 10"))
		return
	}

	if err := h.pipeline.Scale(r.Context(), unit, int32(req.Replicas)); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, unit)
}

func validateUnit(req *CreateUnitRequest) error {
	switch {
	case req.OwnerID == "" || req.ProjectID == "":
		return errs.Validation("ownerId and projectId are required")
	case req.Component != "backend" && req.Component != "frontend":
		return errs.Validation("component must be backend or frontend")
	case req.Namespace == "":
		return errs.Validation("namespace is required")
	}
	switch req.Framework {
	case model.FrameworkSpringBoot, model.FrameworkNode, model.FrameworkStatic:
	default:
		return errs.Validation("unknown framework %q", req.Framework)
	}
	switch req.Method {
	case model.MethodDocker:
		if req.Image == "" {
			return errs.Validation("imageReference required for DOCKER method")
		}
	case model.MethodFile:
		if req.SourceArchivePath == "" {
			return errs.Validation("sourceArchivePath required for FILE method")
		}
	default:
		return errs.Validation("unknown deployment method %q", req.Method)
	}
	return nil
}

func (h *Handler) loadUnit(r *http.Request) (*model.DeploymentUnit, error) {
	id := chi.URLParam(r, "id")
	unit, err := h.units.FindByID(id)
	if err != nil {
		return nil, err
	}
	if unit == nil {
		// ids in URLs may be short ids too
		unit, err = h.units.FindByShortID(id)
		if err != nil {
			return nil, err
		}
	}
	if unit == nil {
		return nil, errs.NotFound("unit", id)
	}
	return unit, nil
}
