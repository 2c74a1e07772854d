package provision

import (
	"fmt"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"kelda/api/model"
)

// RenderInventory produces the Ansible INI inventory from the servers
// currently assigned to the cluster. Only AVAILABLE records are
// passed in; grouping follows role.
func RenderInventory(servers []*model.ServerRecord) string {
	groups := map[string][]string{}
	for _, s := range servers {
		var group string
		switch s.Role {
		case model.RoleMaster:
			group = "masters"
		case model.RoleWorker:
			group = "workers"
		case model.RoleDocker:
			group = "builders"
		case model.RoleDatabase:
			group = "databases"
		default:
			continue // the controller does not inventory itself
		}
		line := fmt.Sprintf("%s ansible_host=%s ansible_port=%d ansible_user=%s",
			s.Name, s.Host, portOr22(s.Port), s.Username)
		groups[group] = append(groups[group], line)
	}

	names := make([]string, 0, len(groups))
	for g := range groups {
		names = append(names, g)
	}
	sort.Strings(names)

	var b strings.Builder
	for i, g := range names {
		if i > 0 {
			b.WriteString("\n")
		}
		fmt.Fprintf(&b, "[%s]\n", g)
		lines := groups[g]
		sort.Strings(lines)
		for _, l := range lines {
			b.WriteString(l)
			b.WriteString("\n")
		}
	}
	return b.String()
}

// RenderGroupVars produces group_vars/all.yml.
func RenderGroupVars(sshUser string) (string, error) {
	vars := map[string]interface{}{
		"ansible_user":                 sshUser,
		"ansible_ssh_common_args":      "-o StrictHostKeyChecking=no",
		"ansible_python_interpreter":   "/usr/bin/python3",
		"ansible_ssh_private_key_file": "~/.ssh/id_rsa",
	}
	out, err := yaml.Marshal(vars)
	if err != nil {
		return "", fmt.Errorf("render group_vars: %w", err)
	}
	return string(out), nil
}

func portOr22(p int) int {
	if p == 0 {
		return 22
	}
	return p
}
