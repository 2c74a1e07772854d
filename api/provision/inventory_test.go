package provision

import (
	"strings"
	"testing"

	"gopkg.in/yaml.v3"

	"kelda/api/model"
)

func TestRenderInventoryGroupsByRole(t *testing.T) {
	servers := []*model.ServerRecord{
		{Name: "m1", Host: "10.0.0.1", Port: 22, Username: "ops", Role: model.RoleMaster},
		{Name: "w1", Host: "10.0.0.2", Username: "ops", Role: model.RoleWorker},
		{Name: "w2", Host: "10.0.0.3", Port: 2222, Username: "ops", Role: model.RoleWorker},
		{Name: "ctl", Host: "10.0.0.9", Username: "ops", Role: model.RoleAnsible},
	}

	out := RenderInventory(servers)

	if !strings.Contains(out, "[masters]\nm1 ansible_host=10.0.0.1 ansible_port=22 ansible_user=ops") {
		t.Errorf("masters group wrong:\n%s", out)
	}
	if !strings.Contains(out, "[workers]\n") {
		t.Errorf("missing workers group:\n%s", out)
	}
	if !strings.Contains(out, "ansible_port=2222") {
		t.Errorf("custom port dropped:\n%s", out)
	}
	// The controller never inventories itself.
	if strings.Contains(out, "10.0.0.9") {
		t.Errorf("controller leaked into inventory:\n%s", out)
	}
	// Default port fills in.
	if !strings.Contains(out, "w1 ansible_host=10.0.0.2 ansible_port=22") {
		t.Errorf("default port missing:\n%s", out)
	}
}

func TestRenderInventoryDeterministic(t *testing.T) {
	servers := []*model.ServerRecord{
		{Name: "w2", Host: "10.0.0.3", Username: "ops", Role: model.RoleWorker},
		{Name: "w1", Host: "10.0.0.2", Username: "ops", Role: model.RoleWorker},
	}
	a := RenderInventory(servers)
	b := RenderInventory([]*model.ServerRecord{servers[1], servers[0]})
	if a != b {
		t.Error("inventory depends on input order")
	}
}

func TestRenderGroupVarsParses(t *testing.T) {
	out, err := RenderGroupVars("ops")
	if err != nil {
		t.Fatal(err)
	}
	var vars map[string]interface{}
	if err := yaml.Unmarshal([]byte(out), &vars); err != nil {
		t.Fatalf("group_vars not valid yaml: %v", err)
	}
	if vars["ansible_user"] != "ops" {
		t.Errorf("ansible_user = %v", vars["ansible_user"])
	}
}
