package provision

import (
	"context"
	"fmt"
	"strings"
	"time"

	"kelda/api/errs"
	"kelda/api/gateway"
	"kelda/api/model"
	"kelda/api/task"
)

// SubmitInstallCluster installs the Kubernetes server on the master
// node.
func (o *Orchestrator) SubmitInstallCluster() (string, error) {
	return o.submit(task.PoolBootstrap, StepInstallCluster, o.installCluster)
}

// SubmitJoinWorkers attaches every assigned worker to the cluster.
func (o *Orchestrator) SubmitJoinWorkers() (string, error) {
	return o.submit(task.PoolBootstrap, StepJoinWorkers, o.joinWorkers)
}

func (o *Orchestrator) master() (*model.ServerRecord, error) {
	rec, err := o.Servers.FindByRole(model.RoleMaster)
	if err != nil {
		return nil, err
	}
	if rec == nil || rec.ClusterStatus != model.ClusterAvailable {
		return nil, errs.Validation("no AVAILABLE master assigned")
	}
	return rec, nil
}

func (o *Orchestrator) installCluster(ctx context.Context, t *task.Task) error {
	rec, err := o.master()
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

	// Idempotent: the installer upgrades in place when already present.
	cmd := policy.Wrap("sh -c 'curl -sfL https://get.k3s.io | sh -'")
	if out, code, err := sess.Run(ctx, cmd, gateway.RunOpts{Timeout: o.timeout(), OnChunk: t.AppendRaw}); err != nil {
		return err
	} else if code != 0 {
		return fmt.Errorf("k3s install exited %d: %s", code, lastLine(out))
	}
	t.SetProgress(70)

	check := policy.Wrap("kubectl get nodes --no-headers")
	out, code, err := sess.Run(ctx, check, gateway.RunOpts{Timeout: 2 * time.Minute})
	if err != nil {
		return err
	}
	if code != 0 {
		return fmt.Errorf("cluster not responding after install: %s", lastLine(out))
	}
	t.Append("cluster nodes:\n" + out)
	return nil
}

// joinCredentials reads the live join token off the master. Never a
// stored or hardcoded token: the file is the source of truth.
func (o *Orchestrator) joinCredentials(ctx context.Context, master *model.ServerRecord) (string, error) {
	sess, err := o.Dialer.Dial(ctx, gateway.TargetFor(master))
	if err != nil {
		return "", err
	}
	defer sess.Close()

	policy := policyFor(master)
	out, code, err := sess.Run(ctx, policy.Wrap("cat /var/lib/rancher/k3s/server/node-token"), gateway.RunOpts{Timeout: time.Minute})
	if err != nil {
		return "", err
	}
	if code != 0 || strings.TrimSpace(out) == "" {
		return "", fmt.Errorf("join token not readable on %s (is the cluster installed?)", master.Host)
	}
	return strings.TrimSpace(out), nil
}

func (o *Orchestrator) joinWorkers(ctx context.Context, t *task.Task) error {
	masterRec, err := o.master()
	if err != nil {
		return err
	}
	token, err := o.joinCredentials(ctx, masterRec)
	if err != nil {
		return err
	}

	servers, err := o.Servers.FindAvailable()
	if err != nil {
		return err
	}
	var workers []*model.ServerRecord
	for _, s := range servers {
		if s.Role == model.RoleWorker {
			workers = append(workers, s)
		}
	}
	if len(workers) == 0 {
		return errs.Validation("no AVAILABLE workers to join")
	}

	var failed []string
	for i, w := range workers {
		t.Append("joining " + w.Host)
		if err := o.joinOne(ctx, t, w, masterRec.Host, token); err != nil {
			t.Append(fmt.Sprintf("  %s: %v", w.Host, err))
			failed = append(failed, w.Host)
		}
		t.SetProgress((i + 1) * 100 / len(workers))
	}
	if len(failed) > 0 {
		return fmt.Errorf("join failed for: %s", strings.Join(failed, ", "))
	}
	return nil
}

func (o *Orchestrator) joinOne(ctx context.Context, t *task.Task, w *model.ServerRecord, masterHost, token string) error {
	sess, err := o.Dialer.Dial(ctx, gateway.TargetFor(w))
	if err != nil {
		return err
	}
	defer sess.Close()

	policy := policyFor(w)
	cmd := policy.Wrap(fmt.Sprintf(
		"sh -c 'curl -sfL https://get.k3s.io | K3S_URL=https://%s:6443 K3S_TOKEN=%s sh -'",
		masterHost, token))
	out, code, err := sess.Run(ctx, cmd, gateway.RunOpts{Timeout: o.timeout(), OnChunk: t.AppendRaw})
	if err != nil {
		return err
	}
	if code != 0 {
		return fmt.Errorf("agent install exited %d: %s", code, lastLine(out))
	}
	return nil
}

// FetchKubeconfig reads the cluster's kubeconfig off the master with
// the server address rewritten to the master's reachable host.
func (o *Orchestrator) FetchKubeconfig(ctx context.Context) ([]byte, error) {
	rec, err := o.master()
	if err != nil {
		return nil, err
	}
	sess, err := o.Dialer.Dial(ctx, gateway.TargetFor(rec))
	if err != nil {
		return nil, err
	}
	defer sess.Close()

	policy := policyFor(rec)
	out, code, err := sess.Run(ctx, policy.Wrap("cat /etc/rancher/k3s/k3s.yaml"), gateway.RunOpts{Timeout: time.Minute})
	if err != nil {
		return nil, err
	}
	if code != 0 {
		return nil, fmt.Errorf("kubeconfig not readable on %s", rec.Host)
	}
	cfg := strings.ReplaceAll(out, "127.0.0.1", rec.Host)
	return []byte(cfg), nil
}
