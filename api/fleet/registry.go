// Package fleet guards mutations of the server registry. Role and
// cluster-status changes are serialized behind one mutex so two
// concurrent unassignments cannot both pass a stale master count.
package fleet

import (
	"sync"

	"kelda/api/errs"
	"kelda/api/model"
)

type Registry struct {
	mu  sync.Mutex
	dir model.ServerDirectory
}

func NewRegistry(dir model.ServerDirectory) *Registry {
	return &Registry{dir: dir}
}

// Assign gives the server a role and marks it AVAILABLE for cluster
// operations.
func (r *Registry) Assign(id string, role model.ServerRole) error {
	if !role.Valid() {
		return errs.Validation("unknown role %q", role)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	rec, err := r.dir.FindByID(id)
	if err != nil {
		return err
	}
	if rec == nil {
		return errs.NotFound("server", id)
	}
	if rec.Status == model.StatusDisabled {
		return errs.Validation("server %s is disabled", id)
	}

	// Demoting the last master is an unassign in disguise.
	if rec.Role == model.RoleMaster && role != model.RoleMaster && rec.ClusterStatus == model.ClusterAvailable {
		if err := r.requireAnotherMaster(id); err != nil {
			return err
		}
	}
	return r.dir.UpdateAssignment(id, role, model.ClusterAvailable)
}

// Unassign removes the server from cluster participation. The role is
// kept in place; records are never silently deleted.
func (r *Registry) Unassign(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, err := r.dir.FindByID(id)
	if err != nil {
		return err
	}
	if rec == nil {
		return errs.NotFound("server", id)
	}
	if rec.ClusterStatus != model.ClusterAvailable {
		return nil // already out, idempotent
	}

	if rec.Role == model.RoleMaster {
		if err := r.requireAnotherMaster(id); err != nil {
			return err
		}
	}
	return r.dir.UpdateAssignment(id, rec.Role, model.ClusterUnavailable)
}

// requireAnotherMaster re-validates the invariant under the lock: at
// least one AVAILABLE master must remain besides the excluded server.
func (r *Registry) requireAnotherMaster(excludeID string) error {
	servers, err := r.dir.FindAvailable()
	if err != nil {
		return err
	}
	for _, s := range servers {
		if s.ID != excludeID && s.Role == model.RoleMaster {
			return nil
		}
	}
	return errs.Validation("cannot remove the last AVAILABLE master")
}
