package fleet

import (
	"errors"
	"sync"
	"testing"

	"kelda/api/errs"
	"kelda/api/model"
)

// memDir is an in-memory ServerDirectory.
type memDir struct {
	mu      sync.Mutex
	servers map[string]*model.ServerRecord
}

func newMemDir(recs ...*model.ServerRecord) *memDir {
	d := &memDir{servers: make(map[string]*model.ServerRecord)}
	for _, r := range recs {
		cp := *r
		d.servers[r.ID] = &cp
	}
	return d
}

func (d *memDir) FindByID(id string) (*model.ServerRecord, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if r, ok := d.servers[id]; ok {
		cp := *r
		return &cp, nil
	}
	return nil, nil
}

func (d *memDir) FindByRole(role model.ServerRole) (*model.ServerRecord, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, r := range d.servers {
		if r.Role == role {
			cp := *r
			return &cp, nil
		}
	}
	return nil, nil
}

func (d *memDir) FindAvailable() ([]*model.ServerRecord, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []*model.ServerRecord
	for _, r := range d.servers {
		if r.ClusterStatus == model.ClusterAvailable {
			cp := *r
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (d *memDir) List() ([]*model.ServerRecord, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []*model.ServerRecord
	for _, r := range d.servers {
		cp := *r
		out = append(out, &cp)
	}
	return out, nil
}

func (d *memDir) UpdateStatus(id string, status model.ServerStatus) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if r, ok := d.servers[id]; ok {
		r.Status = status
	}
	return nil
}

func (d *memDir) UpdateAssignment(id string, role model.ServerRole, cs model.ClusterStatus) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if r, ok := d.servers[id]; ok {
		r.Role = role
		r.ClusterStatus = cs
	}
	return nil
}

func master(id string) *model.ServerRecord {
	return &model.ServerRecord{ID: id, Role: model.RoleMaster, Status: model.StatusOnline, ClusterStatus: model.ClusterAvailable}
}

func TestAssignThenFindAvailable(t *testing.T) {
	dir := newMemDir(&model.ServerRecord{ID: "s1", Status: model.StatusOnline, Role: model.RoleWorker, ClusterStatus: model.ClusterUnavailable})
	r := NewRegistry(dir)

	if err := r.Assign("s1", model.RoleWorker); err != nil {
		t.Fatal(err)
	}

	avail, err := dir.FindAvailable()
	if err != nil {
		t.Fatal(err)
	}
	if len(avail) != 1 || avail[0].ID != "s1" || avail[0].Role != model.RoleWorker {
		t.Errorf("FindAvailable = %+v, want s1 as WORKER", avail)
	}
}

func TestUnassignLastMasterRejected(t *testing.T) {
	dir := newMemDir(master("m1"))
	r := NewRegistry(dir)

	err := r.Unassign("m1")
	var ve *errs.ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("got %v, want ValidationError", err)
	}

	// State unchanged: the rejection is idempotent.
	rec, _ := dir.FindByID("m1")
	if rec.ClusterStatus != model.ClusterAvailable {
		t.Error("rejected unassign mutated cluster status")
	}
}

func TestUnassignMasterWithBackupAllowed(t *testing.T) {
	dir := newMemDir(master("m1"), master("m2"))
	r := NewRegistry(dir)

	if err := r.Unassign("m1"); err != nil {
		t.Fatal(err)
	}
	rec, _ := dir.FindByID("m1")
	if rec.ClusterStatus != model.ClusterUnavailable {
		t.Error("unassign did not take effect")
	}
	if rec.Role != model.RoleMaster {
		t.Error("unassign changed the role; roles change in place only")
	}
}

// With two masters, two concurrent unassigns must not both pass the
// count check: exactly one master survives.
func TestConcurrentUnassignKeepsOneMaster(t *testing.T) {
	for i := 0; i < 50; i++ {
		dir := newMemDir(master("m1"), master("m2"))
		r := NewRegistry(dir)

		var wg sync.WaitGroup
		for _, id := range []string{"m1", "m2"} {
			wg.Add(1)
			go func(id string) {
				defer wg.Done()
				r.Unassign(id)
			}(id)
		}
		wg.Wait()

		avail, _ := dir.FindAvailable()
		masters := 0
		for _, s := range avail {
			if s.Role == model.RoleMaster {
				masters++
			}
		}
		if masters != 1 {
			t.Fatalf("run %d: %d AVAILABLE masters remain, want exactly 1", i, masters)
		}
	}
}

func TestDemoteLastMasterRejected(t *testing.T) {
	dir := newMemDir(master("m1"))
	r := NewRegistry(dir)

	err := r.Assign("m1", model.RoleWorker)
	var ve *errs.ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("got %v, want ValidationError", err)
	}
}

func TestAssignRejectsUnknownRoleAndServer(t *testing.T) {
	r := NewRegistry(newMemDir())
	if err := r.Assign("s1", "JESTER"); err == nil {
		t.Error("invalid role accepted")
	}
	err := r.Assign("ghost", model.RoleWorker)
	var nf *errs.NotFoundError
	if !errors.As(err, &nf) {
		t.Errorf("got %v, want NotFoundError", err)
	}
}

func TestAssignDisabledServerRejected(t *testing.T) {
	dir := newMemDir(&model.ServerRecord{ID: "s1", Status: model.StatusDisabled})
	r := NewRegistry(dir)
	if err := r.Assign("s1", model.RoleWorker); err == nil {
		t.Error("disabled server accepted into the cluster")
	}
}
