package handler

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"kelda/api/errs"
	"kelda/api/gateway"
	"kelda/api/model"
)

type RegisterServerRequest struct {
	Name         string `json:"name"`
	Host         string `json:"host"`
	Port         int    `json:"port"`
	Username     string `json:"username"`
	Password     string `json:"password"`
	PrivateKey   string `json:"privateKey"`
	SudoNopasswd bool   `json:"sudoNopasswd"`
}

func (h *Handler) ListServers(w http.ResponseWriter, r *http.Request) {
	servers, err := h.servers.List()
	if err != nil {
		writeError(w, err)
		return
	}
	if servers == nil {
		servers = []*model.ServerRecord{}
	}
	writeJSON(w, servers)
}

func (h *Handler) RegisterServer(w http.ResponseWriter, r *http.Request) {
	var req RegisterServerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, errs.Validation("invalid request body"))
		return
	}
	if req.Host == "" || req.Username == "" {
		writeError(w, errs.Validation("host and username are required"))
		return
	}
	if req.Password == "" && req.PrivateKey == "" {
		writeError(w, errs.Validation("a password or private key is required"))
		return
	}
	if req.Port == 0 {
		req.Port = 22
	}
	if req.Name == "" {
		req.Name = req.Host
	}

	rec := &model.ServerRecord{
		ID:            uuid.NewString(),
		Name:          req.Name,
		Host:          req.Host,
		Port:          req.Port,
		Username:      req.Username,
		Password:      req.Password,
		PrivateKey:    req.PrivateKey,
		Status:        model.StatusOffline,
		ClusterStatus: model.ClusterUnavailable,
		SudoNopasswd:  req.SudoNopasswd,
		CreatedAt:     time.Now(),
		UpdatedAt:     time.Now(),
	}
	if err := h.servers.Insert(rec); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusCreated)
	writeJSON(w, rec)
}

func (h *Handler) GetServer(w http.ResponseWriter, r *http.Request) {
	rec, err := h.loadServer(r)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, rec)
}

// DeleteServer refuses to drop a server still participating in the
// cluster so the fleet invariants keep holding.
func (h *Handler) DeleteServer(w http.ResponseWriter, r *http.Request) {
	rec, err := h.loadServer(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if rec.ClusterStatus == model.ClusterAvailable {
		writeError(w, errs.Validation("server %s is AVAILABLE; unassign it first", rec.ID))
		return
	}
	if err := h.servers.Delete(rec.ID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, map[string]string{"status": "deleted"})
}

type AssignRequest struct {
	Role model.ServerRole `json:"role"`
}

func (h *Handler) AssignServer(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req AssignRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, errs.Validation("invalid request body"))
		return
	}
	if err := h.fleet.Assign(id, req.Role); err != nil {
		writeError(w, err)
		return
	}
	rec, err := h.servers.FindByID(id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, rec)
}

func (h *Handler) UnassignServer(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.fleet.Unassign(id); err != nil {
		writeError(w, err)
		return
	}
	rec, err := h.servers.FindByID(id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, rec)
}

// PingServer dials the machine over SSH and runs a trivial command to
// prove the stored credentials work, not just that the port is open.
func (h *Handler) PingServer(w http.ResponseWriter, r *http.Request) {
	rec, err := h.loadServer(r)
	if err != nil {
		writeError(w, err)
		return
	}

	sess, err := h.dialer.Dial(r.Context(), gateway.TargetFor(rec))
	if err != nil {
		h.servers.UpdateStatus(rec.ID, model.StatusOffline)
		writeError(w, err)
		return
	}
	defer sess.Close()

	if _, _, err := sess.Run(r.Context(), "true", gateway.RunOpts{Timeout: 10 * time.Second, Strict: true}); err != nil {
		h.servers.UpdateStatus(rec.ID, model.StatusOffline)
		writeError(w, err)
		return
	}
	h.servers.UpdateStatus(rec.ID, model.StatusOnline)
	writeJSON(w, map[string]string{"status": string(model.StatusOnline)})
}

func (h *Handler) loadServer(r *http.Request) (*model.ServerRecord, error) {
	id := chi.URLParam(r, "id")
	rec, err := h.servers.FindByID(id)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, errs.NotFound("server", id)
	}
	return rec, nil
}
