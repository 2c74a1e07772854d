package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"k8s.io/client-go/kubernetes/fake"

	"kelda/api/deploy"
	"kelda/api/errs"
	"kelda/api/fleet"
	"kelda/api/gateway"
	"kelda/api/kube"
	"kelda/api/model"
	"kelda/api/provision"
	"kelda/api/task"
)

type memServers struct {
	mu      sync.Mutex
	servers map[string]*model.ServerRecord
}

func newMemServers() *memServers { return &memServers{servers: make(map[string]*model.ServerRecord)} }

func (m *memServers) Insert(rec *model.ServerRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *rec
	m.servers[rec.ID] = &cp
	return nil
}

func (m *memServers) FindByID(id string) (*model.ServerRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec, ok := m.servers[id]; ok {
		cp := *rec
		return &cp, nil
	}
	return nil, nil
}

func (m *memServers) FindByRole(role model.ServerRole) (*model.ServerRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, rec := range m.servers {
		if rec.Role == role && rec.ClusterStatus == model.ClusterAvailable {
			cp := *rec
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *memServers) FindAvailable() ([]*model.ServerRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*model.ServerRecord
	for _, rec := range m.servers {
		if rec.ClusterStatus == model.ClusterAvailable {
			cp := *rec
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *memServers) List() ([]*model.ServerRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*model.ServerRecord
	for _, rec := range m.servers {
		cp := *rec
		out = append(out, &cp)
	}
	return out, nil
}

func (m *memServers) UpdateStatus(id string, status model.ServerStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec, ok := m.servers[id]; ok {
		rec.Status = status
	}
	return nil
}

func (m *memServers) UpdateAssignment(id string, role model.ServerRole, cs model.ClusterStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec, ok := m.servers[id]; ok {
		rec.Role = role
		rec.ClusterStatus = cs
	}
	return nil
}

func (m *memServers) Delete(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.servers, id)
	return nil
}

type memUnits struct {
	mu    sync.Mutex
	units map[string]*model.DeploymentUnit
}

func newMemUnits() *memUnits { return &memUnits{units: make(map[string]*model.DeploymentUnit)} }

func (m *memUnits) Save(u *model.DeploymentUnit) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *u
	m.units[u.ID] = &cp
	return nil
}

func (m *memUnits) FindByID(id string) (*model.DeploymentUnit, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if u, ok := m.units[id]; ok {
		cp := *u
		return &cp, nil
	}
	return nil, nil
}

func (m *memUnits) FindByShortID(shortID string) (*model.DeploymentUnit, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.units {
		if u.ShortID == shortID {
			cp := *u
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *memUnits) List() ([]*model.DeploymentUnit, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*model.DeploymentUnit
	for _, u := range m.units {
		cp := *u
		out = append(out, &cp)
	}
	return out, nil
}

func (m *memUnits) Delete(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.units, id)
	return nil
}

type okSession struct{}

func (okSession) Run(context.Context, string, gateway.RunOpts) (string, int, error) {
	return "", 0, nil
}
func (okSession) Upload(context.Context, []byte, string) error { return nil }
func (okSession) Shell(int, int) (*gateway.ShellPipes, error)  { return nil, nil }
func (okSession) Close() error                                 { return nil }

type okDialer struct{}

func (okDialer) Dial(context.Context, gateway.Target) (gateway.Session, error) {
	return okSession{}, nil
}

type env struct {
	servers  *memServers
	units    *memUnits
	tasks    *task.Registry
	pipeline *deploy.Pipeline
	router   *chi.Mux
}

func newTestEnv(t *testing.T) *env {
	t.Helper()
	servers := newMemServers()
	units := newMemUnits()
	tasks := task.NewRegistry(task.Options{BootstrapWorkers: 1, PlaybookWorkers: 1})
	t.Cleanup(tasks.Shutdown)

	dialer := okDialer{}
	orch := &provision.Orchestrator{
		Dialer:  dialer,
		Servers: servers,
		Tasks:   tasks,
		State:   provision.NewState(),
	}
	pipeline := &deploy.Pipeline{
		Dialer:       dialer,
		Servers:      servers,
		Units:        units,
		Kube:         kube.NewClientForTesting(fake.NewSimpleClientset()),
		RegistryUser: "kelda",
		UploadsDir:   "uploads",
	}
	h := New(servers, units, fleet.NewRegistry(servers), tasks, orch, pipeline, dialer, "test")

	r := chi.NewRouter()
	h.Mount(r)
	return &env{servers: servers, units: units, tasks: tasks, pipeline: pipeline, router: r}
}

func (e *env) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, bytes.NewBufferString(body))
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func TestRegisterServerValidation(t *testing.T) {
	e := newTestEnv(t)

	w := e.do(t, "POST", "/api/servers", `{"host":"10.0.0.1","username":"ops"}`)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400 (no credential)", w.Code)
	}
	var body map[string]string
	json.NewDecoder(w.Body).Decode(&body)
	if body["error"] != "validation" {
		t.Errorf("error kind = %q, want validation", body["error"])
	}
}

func TestServerLifecycle(t *testing.T) {
	e := newTestEnv(t)

	w := e.do(t, "POST", "/api/servers", `{"host":"10.0.0.1","username":"ops","password":"pw"}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("register: status = %d; body = %s", w.Code, w.Body.String())
	}
	var rec model.ServerRecord
	json.NewDecoder(w.Body).Decode(&rec)
	if rec.ID == "" {
		t.Fatal("empty id")
	}
	if rec.ClusterStatus != model.ClusterUnavailable {
		t.Errorf("new server clusterStatus = %s, want UNAVAILABLE", rec.ClusterStatus)
	}

	// Assign MASTER.
	w = e.do(t, "POST", "/api/servers/"+rec.ID+"/assign", `{"role":"MASTER"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("assign: status = %d; body = %s", w.Code, w.Body.String())
	}
	var assigned model.ServerRecord
	json.NewDecoder(w.Body).Decode(&assigned)
	if assigned.ClusterStatus != model.ClusterAvailable {
		t.Errorf("clusterStatus after assign = %s", assigned.ClusterStatus)
	}

	// An AVAILABLE server cannot be deleted.
	w = e.do(t, "DELETE", "/api/servers/"+rec.ID, "")
	if w.Code != http.StatusBadRequest {
		t.Errorf("delete AVAILABLE: status = %d, want 400", w.Code)
	}

	// The only master cannot be unassigned either.
	w = e.do(t, "POST", "/api/servers/"+rec.ID+"/unassign", "")
	if w.Code != http.StatusBadRequest {
		t.Errorf("unassign last master: status = %d, want 400; body = %s", w.Code, w.Body.String())
	}
}

func TestDeleteUnknownServer(t *testing.T) {
	e := newTestEnv(t)
	w := e.do(t, "DELETE", "/api/servers/nope", "")
	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", w.Code)
	}
}

func TestTaskPollingUnknownID(t *testing.T) {
	e := newTestEnv(t)
	w := e.do(t, "GET", "/api/tasks/does-not-exist", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	var snap task.Snapshot
	json.NewDecoder(w.Body).Decode(&snap)
	if snap.Status != task.StatusNotFound {
		t.Errorf("status = %q, want not_found", snap.Status)
	}
}

func TestAnsibleStepUnknown(t *testing.T) {
	e := newTestEnv(t)
	w := e.do(t, "POST", "/api/provision/ansible/99", "")
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
}

func TestAnsibleStepReturnsTaskID(t *testing.T) {
	e := newTestEnv(t)
	e.servers.Insert(&model.ServerRecord{
		ID: "a1", Name: "ctl", Host: "10.0.0.9", Username: "ops", Password: "pw",
		Role: model.RoleAnsible, ClusterStatus: model.ClusterAvailable,
	})

	w := e.do(t, "POST", "/api/provision/ansible/1", "")
	if w.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202; body = %s", w.Code, w.Body.String())
	}
	var body map[string]string
	json.NewDecoder(w.Body).Decode(&body)
	if body["taskId"] == "" {
		t.Fatal("no taskId in response")
	}

	// The submitted task must be pollable straight away.
	w = e.do(t, "GET", "/api/tasks/"+body["taskId"], "")
	var snap task.Snapshot
	json.NewDecoder(w.Body).Decode(&snap)
	if snap.Status == task.StatusNotFound {
		t.Error("freshly submitted task polls as not_found")
	}
}

func TestCreateUnitValidation(t *testing.T) {
	e := newTestEnv(t)

	cases := []struct {
		name string
		body string
	}{
		{"missing owner", `{"projectId":"p","component":"backend","frameworkType":"NODE","deploymentMethod":"DOCKER","imageReference":"x","namespace":"n"}`},
		{"bad component", `{"ownerId":"o","projectId":"p","component":"sidecar","frameworkType":"NODE","deploymentMethod":"DOCKER","imageReference":"x","namespace":"n"}`},
		{"docker without image", `{"ownerId":"o","projectId":"p","component":"backend","frameworkType":"NODE","deploymentMethod":"DOCKER","namespace":"n"}`},
		{"file without archive", `{"ownerId":"o","projectId":"p","component":"backend","frameworkType":"NODE","deploymentMethod":"FILE","namespace":"n"}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w := e.do(t, "POST", "/api/units", tc.body)
			if w.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400; body = %s", w.Code, w.Body.String())
			}
		})
	}
}

func TestCreateUnitDeploysInBackground(t *testing.T) {
	e := newTestEnv(t)
	e.servers.Insert(&model.ServerRecord{
		ID: "m1", Name: "master", Host: "10.0.0.1", Username: "ops", Password: "pw",
		Role: model.RoleMaster, ClusterStatus: model.ClusterAvailable,
	})

	body := `{"ownerId":"alice","projectId":"proj1","component":"frontend","frameworkType":"STATIC","deploymentMethod":"DOCKER","imageReference":"alice/web:1","domain":"web.example.com","namespace":"team-a"}`
	w := e.do(t, "POST", "/api/units", body)
	if w.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202; body = %s", w.Code, w.Body.String())
	}
	var unit model.DeploymentUnit
	json.NewDecoder(w.Body).Decode(&unit)
	if unit.Status != model.UnitBuilding {
		t.Errorf("initial status = %s, want BUILDING", unit.Status)
	}
	if len(unit.ShortID) != 12 {
		t.Errorf("shortId = %q", unit.ShortID)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		got, _ := e.units.FindByID(unit.ID)
		if got != nil && got.Status == model.UnitRunning {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	got, _ := e.units.FindByID(unit.ID)
	t.Fatalf("unit never reached RUNNING; last = %+v", got)
}

// Before a cluster exists the pipeline has no Kubernetes client. The
// create still returns 202 and the background deploy lands the unit in
// ERROR instead of crashing the process.
func TestCreateUnitWithoutClusterEndsError(t *testing.T) {
	e := newTestEnv(t)
	e.pipeline.Kube = nil
	e.servers.Insert(&model.ServerRecord{
		ID: "m1", Name: "master", Host: "10.0.0.1", Username: "ops", Password: "pw",
		Role: model.RoleMaster, ClusterStatus: model.ClusterAvailable,
	})

	body := `{"ownerId":"alice","projectId":"proj1","component":"frontend","frameworkType":"STATIC","deploymentMethod":"DOCKER","imageReference":"alice/web:1","domain":"web.example.com","namespace":"team-a"}`
	w := e.do(t, "POST", "/api/units", body)
	if w.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202; body = %s", w.Code, w.Body.String())
	}
	var unit model.DeploymentUnit
	json.NewDecoder(w.Body).Decode(&unit)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		got, _ := e.units.FindByID(unit.ID)
		if got != nil && got.Status == model.UnitError {
			if got.Error == "" {
				t.Error("unit error message empty")
			}
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	got, _ := e.units.FindByID(unit.ID)
	t.Fatalf("unit never reached ERROR; last = %+v", got)
}

func TestScaleUnitBounds(t *testing.T) {
	e := newTestEnv(t)
	e.units.Save(&model.DeploymentUnit{ID: "u1", ShortID: "aaaabbbbcccc", Namespace: "n"})

	w := e.do(t, "POST", "/api/units/u1/scale", `{"replicas":11}`)
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
}

func TestErrorMapping(t *testing.T) {
	w := httptest.NewRecorder()
	writeError(w, errs.NotFound("server", "x"))
	if w.Code != http.StatusNotFound {
		t.Errorf("NotFoundError → %d", w.Code)
	}

	w = httptest.NewRecorder()
	writeError(w, &errs.BusyError{Pool: "bootstrap"})
	if w.Code != http.StatusTooManyRequests {
		t.Errorf("BusyError → %d", w.Code)
	}

	w = httptest.NewRecorder()
	writeError(w, &errs.AuthError{Host: "h", Reason: "denied"})
	if w.Code != http.StatusBadGateway {
		t.Errorf("AuthError → %d", w.Code)
	}
}
