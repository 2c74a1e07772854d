// Package provision sequences the gateway calls that bootstrap the
// controller node's Ansible tooling and install the Kubernetes
// cluster. Each step is a discrete task so a failed step can be
// retried without re-running the ones before it.
package provision

import (
	"context"
	"fmt"
	"strings"
	"time"

	"kelda/api/errs"
	"kelda/api/gateway"
	"kelda/api/hub"
	"kelda/api/model"
	"kelda/api/task"
)

var ansibleDirs = []string{
	"/etc/ansible/playbooks",
	"/etc/ansible/roles",
	"/etc/ansible/group_vars",
	"/etc/ansible/host_vars",
}

type Orchestrator struct {
	Dialer         gateway.Dialer
	Servers        model.ServerDirectory
	Tasks          *task.Registry
	WS             *hub.Hub
	State          *State
	CommandTimeout time.Duration
}

func (o *Orchestrator) timeout() time.Duration {
	if o.CommandTimeout == 0 {
		return 5 * time.Minute
	}
	return o.CommandTimeout
}

// controller resolves the server designated to run the provisioning
// tooling.
func (o *Orchestrator) controller() (*model.ServerRecord, error) {
	rec, err := o.Servers.FindByRole(model.RoleAnsible)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, errs.NotFound("server with role", string(model.RoleAnsible))
	}
	return rec, nil
}

// submit wraps a step for the bootstrap pool: prerequisite warning,
// error capture at the step boundary, state bookkeeping, hub event.
func (o *Orchestrator) submit(pool, step string, fn func(context.Context, *task.Task) error) (string, error) {
	return o.Tasks.Submit(pool, func(t *task.Task) {
		if warn := o.State.MissingPrereqs(step); warn != "" {
			t.Append("warning: " + warn)
		}
		t.Append("starting " + step)

		err := fn(context.Background(), t)
		if err != nil {
			t.Fail(err.Error())
		} else {
			o.State.MarkDone(step)
			t.Complete()
		}

		if o.WS != nil {
			snap := o.Tasks.Status(t.ID())
			o.WS.Broadcast(hub.Event{Type: "task.update", Subject: t.ID(), Payload: map[string]interface{}{
				"step":     step,
				"status":   string(snap.Status),
				"progress": snap.Progress,
				"error":    snap.Error,
			}})
		}
	})
}

func (o *Orchestrator) SubmitInstallAnsible() (string, error) {
	return o.submit(task.PoolBootstrap, StepInstallAnsible, o.installAnsible)
}

func (o *Orchestrator) SubmitCreateDirectories() (string, error) {
	return o.submit(task.PoolBootstrap, StepCreateDirectories, o.createDirectories)
}

func (o *Orchestrator) SubmitWriteInventory() (string, error) {
	return o.submit(task.PoolBootstrap, StepWriteInventory, o.writeInventory)
}

func (o *Orchestrator) SubmitDistributeKeys() (string, error) {
	return o.submit(task.PoolBootstrap, StepDistributeKeys, o.distributeKeys)
}

func (o *Orchestrator) SubmitVerifyHosts() (string, error) {
	return o.submit(task.PoolBootstrap, StepVerifyHosts, o.verifyHosts)
}

// SubmitRunPlaybook executes a single named playbook on the playbook
// pool, which is capped tighter than bootstrap work.
func (o *Orchestrator) SubmitRunPlaybook(name string) (string, error) {
	if name == "" || strings.ContainsAny(name, "/ ") {
		return "", errs.Validation("invalid playbook name %q", name)
	}
	return o.submit(task.PoolPlaybook, "playbook-"+name, func(ctx context.Context, t *task.Task) error {
		return o.runPlaybook(ctx, t, name)
	})
}

func (o *Orchestrator) installAnsible(ctx context.Context, t *task.Task) error {
	rec, err := o.controller()
	if err != nil {
		return err
	}
	sess, err := o.Dialer.Dial(ctx, gateway.TargetFor(rec))
	if err != nil {
		return err
	}
	defer sess.Close()

	policy := policyFor(rec)
	t.SetProgress(10)

	cmd := policy.Wrap("apt-get update") + " && " + policy.Wrap("apt-get install -y ansible")
	if out, code, err := sess.Run(ctx, cmd, gateway.RunOpts{Timeout: o.timeout(), OnChunk: t.AppendRaw}); err != nil {
		return err
	} else if code != 0 {
		return fmt.Errorf("ansible install exited %d: %s", code, lastLine(out))
	}
	t.SetProgress(80)

	out, code, err := sess.Run(ctx, "ansible --version", gateway.RunOpts{Timeout: time.Minute})
	if err != nil {
		return err
	}
	if code != 0 {
		return fmt.Errorf("ansible not on PATH after install: %s", lastLine(out))
	}
	t.Append("installed " + firstLine(out))
	return nil
}

func (o *Orchestrator) createDirectories(ctx context.Context, t *task.Task) error {
	rec, err := o.controller()
	if err != nil {
		return err
	}
	sess, err := o.Dialer.Dial(ctx, gateway.TargetFor(rec))
	if err != nil {
		return err
	}
	defer sess.Close()

	policy := policyFor(rec)
	for i, dir := range ansibleDirs {
		cmd := policy.Wrap(fmt.Sprintf("mkdir -p %s", dir))
		if _, _, err := sess.Run(ctx, cmd, gateway.RunOpts{Timeout: time.Minute, OnChunk: t.AppendRaw}); err != nil {
			return err
		}
		t.SetProgress((i + 1) * 20)
	}

	// Verification runs unprivileged on purpose: when no escalation
	// path existed the mkdirs above silently failed, and this is where
	// that surfaces.
	check := fmt.Sprintf("for d in %s; do [ -d $d ] || echo MISSING:$d; done", strings.Join(ansibleDirs, " "))
	out, _, err := sess.Run(ctx, check, gateway.RunOpts{Timeout: time.Minute})
	if err != nil {
		return err
	}
	if missing := missingDirs(out); len(missing) > 0 {
		return fmt.Errorf("directories not created: %s", strings.Join(missing, ", "))
	}
	t.Append("ansible directory layout verified")
	return nil
}

func missingDirs(out string) []string {
	var missing []string
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, "MISSING:") {
			missing = append(missing, line)
		}
	}
	return missing
}

func (o *Orchestrator) writeInventory(ctx context.Context, t *task.Task) error {
	rec, err := o.controller()
	if err != nil {
		return err
	}
	servers, err := o.Servers.FindAvailable()
	if err != nil {
		return err
	}
	if len(servers) == 0 {
		return errs.Validation("no servers assigned to the cluster")
	}

	sess, err := o.Dialer.Dial(ctx, gateway.TargetFor(rec))
	if err != nil {
		return err
	}
	defer sess.Close()

	inventory := RenderInventory(servers)
	groupVars, err := RenderGroupVars(rec.Username)
	if err != nil {
		return err
	}

	policy := policyFor(rec)
	files := []struct {
		tmp, dst, content string
	}{
		{"/tmp/kelda-hosts", "/etc/ansible/hosts", inventory},
		{"/tmp/kelda-group-vars", "/etc/ansible/group_vars/all.yml", groupVars},
	}
	for i, f := range files {
		if err := sess.Upload(ctx, []byte(f.content), f.tmp); err != nil {
			return err
		}
		cmd := policy.Wrap(fmt.Sprintf("mv %s %s", f.tmp, f.dst))
		if out, code, err := sess.Run(ctx, cmd, gateway.RunOpts{Timeout: time.Minute}); err != nil {
			return err
		} else if code != 0 {
			return fmt.Errorf("install %s exited %d: %s", f.dst, code, lastLine(out))
		}
		t.SetProgress((i + 1) * 40)
	}

	t.Append(fmt.Sprintf("inventory written for %d server(s)", len(servers)))
	return nil
}

// distributeKeys generates the controller's keypair when absent and
// appends its public key to every assigned server's authorized_keys,
// dialing each with the stored credential.
func (o *Orchestrator) distributeKeys(ctx context.Context, t *task.Task) error {
	rec, err := o.controller()
	if err != nil {
		return err
	}
	servers, err := o.Servers.FindAvailable()
	if err != nil {
		return err
	}

	ctl, err := o.Dialer.Dial(ctx, gateway.TargetFor(rec))
	if err != nil {
		return err
	}
	defer ctl.Close()

	keygen := `[ -f ~/.ssh/id_rsa ] || ssh-keygen -t rsa -b 4096 -N "" -f ~/.ssh/id_rsa -q`
	if _, _, err := ctl.Run(ctx, keygen, gateway.RunOpts{Timeout: time.Minute, Strict: true}); err != nil {
		return fmt.Errorf("generate controller key: %w", err)
	}
	pub, _, err := ctl.Run(ctx, "cat ~/.ssh/id_rsa.pub", gateway.RunOpts{Timeout: time.Minute, Strict: true})
	if err != nil {
		return fmt.Errorf("read controller public key: %w", err)
	}
	pubKey := strings.TrimSpace(pub)

	var failed []string
	for i, s := range servers {
		t.Append("pushing key to " + s.Host)
		if err := o.pushKey(ctx, s, pubKey); err != nil {
			t.Append(fmt.Sprintf("  %s: %v", s.Host, err))
			failed = append(failed, s.Host)
		}
		t.SetProgress((i + 1) * 100 / len(servers))
	}
	if len(failed) > 0 {
		return fmt.Errorf("key distribution failed for: %s", strings.Join(failed, ", "))
	}
	return nil
}

func (o *Orchestrator) pushKey(ctx context.Context, s *model.ServerRecord, pubKey string) error {
	sess, err := o.Dialer.Dial(ctx, gateway.TargetFor(s))
	if err != nil {
		return err
	}
	defer sess.Close()

	cmd := fmt.Sprintf(
		`mkdir -p ~/.ssh && chmod 700 ~/.ssh && grep -qF '%s' ~/.ssh/authorized_keys 2>/dev/null || echo '%s' >> ~/.ssh/authorized_keys`,
		pubKey, pubKey)
	_, _, err = sess.Run(ctx, cmd, gateway.RunOpts{Timeout: time.Minute, Strict: true})
	return err
}

func (o *Orchestrator) verifyHosts(ctx context.Context, t *task.Task) error {
	rec, err := o.controller()
	if err != nil {
		return err
	}
	sess, err := o.Dialer.Dial(ctx, gateway.TargetFor(rec))
	if err != nil {
		return err
	}
	defer sess.Close()

	out, _, err := sess.Run(ctx, "ansible all -m ping", gateway.RunOpts{Timeout: o.timeout(), OnChunk: t.AppendRaw})
	if err != nil {
		return err
	}
	if failures := ParsePingFailures(out); len(failures) > 0 {
		return fmt.Errorf("unreachable hosts:\n%s", Summary(failures))
	}
	t.Append("all hosts reachable")
	return nil
}

func (o *Orchestrator) runPlaybook(ctx context.Context, t *task.Task, name string) error {
	rec, err := o.controller()
	if err != nil {
		return err
	}
	sess, err := o.Dialer.Dial(ctx, gateway.TargetFor(rec))
	if err != nil {
		return err
	}
	defer sess.Close()

	cmd := fmt.Sprintf("ansible-playbook /etc/ansible/playbooks/%s.yml", name)
	out, code, err := sess.Run(ctx, cmd, gateway.RunOpts{Timeout: o.timeout(), OnChunk: t.AppendRaw})
	if err != nil {
		return err
	}
	if code != 0 {
		if failures := ParsePingFailures(out); len(failures) > 0 {
			return fmt.Errorf("playbook %s failed:\n%s", name, Summary(failures))
		}
		return fmt.Errorf("playbook %s exited %d", name, code)
	}
	return nil
}

func policyFor(rec *model.ServerRecord) gateway.SudoPolicy {
	return gateway.SudoPolicy{Nopasswd: rec.SudoNopasswd, Password: rec.Password}
}

func firstLine(s string) string {
	if idx := strings.IndexByte(s, '\n'); idx >= 0 {
		return s[:idx]
	}
	return s
}

func lastLine(s string) string {
	s = strings.TrimRight(s, "\n")
	if idx := strings.LastIndexByte(s, '\n'); idx >= 0 {
		return s[idx+1:]
	}
	return s
}
