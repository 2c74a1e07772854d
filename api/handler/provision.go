package handler

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"kelda/api/errs"
)

// AnsibleStep routes the numbered setup steps to the orchestrator.
// The response carries only the task id; progress is polled or pushed
// over the event hub.
func (h *Handler) AnsibleStep(w http.ResponseWriter, r *http.Request) {
	step := chi.URLParam(r, "step")

	var submit func() (string, error)
	switch step {
	case "install", "1":
		submit = h.orch.SubmitInstallAnsible
	case "directories", "2":
		submit = h.orch.SubmitCreateDirectories
	case "inventory", "3":
		submit = h.orch.SubmitWriteInventory
	case "keys", "4":
		submit = h.orch.SubmitDistributeKeys
	case "verify", "5":
		submit = h.orch.SubmitVerifyHosts
	default:
		writeError(w, errs.Validation("unknown provisioning step %q", step))
		return
	}

	taskID, err := submit()
	if err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
	writeJSON(w, map[string]string{"taskId": taskID})
}

type PlaybookRequest struct {
	Name string `json:"name"`
}

func (h *Handler) RunPlaybook(w http.ResponseWriter, r *http.Request) {
	var req PlaybookRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, errs.Validation("invalid request body"))
		return
	}
	taskID, err := h.orch.SubmitRunPlaybook(req.Name)
	if err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
	writeJSON(w, map[string]string{"taskId": taskID})
}

func (h *Handler) InstallCluster(w http.ResponseWriter, r *http.Request) {
	taskID, err := h.orch.SubmitInstallCluster()
	if err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
	writeJSON(w, map[string]string{"taskId": taskID})
}

func (h *Handler) JoinWorkers(w http.ResponseWriter, r *http.Request) {
	taskID, err := h.orch.SubmitJoinWorkers()
	if err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
	writeJSON(w, map[string]string{"taskId": taskID})
}

// Kubeconfig fetches the cluster credentials from the master, with the
// loopback endpoint rewritten to the master's address.
func (h *Handler) Kubeconfig(w http.ResponseWriter, r *http.Request) {
	data, err := h.orch.FetchKubeconfig(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/yaml")
	w.Write(data)
}

func (h *Handler) ProvisionState(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, h.orch.State.Snapshot())
}

// GetTask returns the task snapshot. Unknown and evicted ids report
// status not_found with HTTP 200 so pollers see one shape throughout.
func (h *Handler) GetTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	writeJSON(w, h.tasks.Status(id))
}
