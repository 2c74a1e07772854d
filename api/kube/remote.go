package kube

import (
	"context"
	"fmt"
	"log"
	"time"

	"kelda/api/gateway"
)

const applyTimeout = 2 * time.Minute

// Apply runs kubectl apply on the control node against a manifest
// already uploaded through the gateway.
func Apply(ctx context.Context, sess gateway.Session, manifestPath string) (string, error) {
	out, _, err := sess.Run(ctx, fmt.Sprintf("kubectl apply -f %q", manifestPath), gateway.RunOpts{
		Timeout: applyTimeout,
		Strict:  true,
	})
	if err != nil {
		return out, err
	}
	return out, nil
}

// Teardown deletes the unit's objects and manifest file. Every delete
// is best effort: a failure is logged and the remaining deletions
// still run, so repeated teardowns converge.
func Teardown(ctx context.Context, sess gateway.Session, namespace, deployment, service, ingress, manifestPath string) {
	cmds := []string{
		fmt.Sprintf("kubectl delete deployment %q -n %q --ignore-not-found", deployment, namespace),
		fmt.Sprintf("kubectl delete service %q -n %q --ignore-not-found", service, namespace),
		fmt.Sprintf("kubectl delete ingress %q -n %q --ignore-not-found", ingress, namespace),
	}
	if manifestPath != "" {
		cmds = append(cmds, fmt.Sprintf("rm -f %q", manifestPath))
	}
	for _, cmd := range cmds {
		if out, code, err := sess.Run(ctx, cmd, gateway.RunOpts{Timeout: applyTimeout}); err != nil {
			log.Printf("kube: teardown %q: %v", cmd, err)
		} else if code != 0 {
			log.Printf("kube: teardown %q exited %d: %s", cmd, code, out)
		}
	}
}
