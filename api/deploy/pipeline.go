// Package deploy runs the backend/frontend deployment pipelines: image
// validation, manifest rendering and upload, remote apply, and for
// FILE-method units the build-and-push leg on a build node.
package deploy

import (
	"context"
	"errors"
	"fmt"
	"log"
	"path"
	"time"

	corev1 "k8s.io/api/core/v1"

	"kelda/api/errs"
	"kelda/api/gateway"
	"kelda/api/hub"
	"kelda/api/kube"
	"kelda/api/model"
)

// ArchiveFetcher hands back uploaded source archives by path. Backed
// by the S3 store in production.
type ArchiveFetcher interface {
	Fetch(ctx context.Context, path string) ([]byte, error)
}

type Pipeline struct {
	Dialer         gateway.Dialer
	Servers        model.ServerDirectory
	Units          model.UnitStore
	Kube           *kube.Client
	Archives       ArchiveFetcher
	WS             *hub.Hub
	RegistryUser   string
	UploadsDir     string
	CommandTimeout time.Duration
}

func (p *Pipeline) timeout() time.Duration {
	if p.CommandTimeout == 0 {
		return 10 * time.Minute
	}
	return p.CommandTimeout
}

// clusterReady reports whether a Kubernetes client is wired. The API
// boots without one when no cluster is installed yet, so unit
// operations must fail with an error, not a nil dereference.
func (p *Pipeline) clusterReady() error {
	if p.Kube == nil {
		return &errs.ClusterAPIError{Op: "connect", Err: errors.New("no cluster client configured, install a cluster first")}
	}
	return nil
}

// Deploy runs the pipeline matching the unit's method. The unit ends
// RUNNING on success and ERROR with the triggering message otherwise;
// both outcomes are persisted before returning.
func (p *Pipeline) Deploy(ctx context.Context, unit *model.DeploymentUnit) error {
	if err := p.clusterReady(); err != nil {
		unit.Status = model.UnitError
		unit.Error = err.Error()
		if saveErr := p.Units.Save(unit); saveErr != nil {
			log.Printf("deploy: persist %s: %v", unit.ShortID, saveErr)
		}
		p.notify(unit)
		return err
	}

	unit.Status = model.UnitBuilding
	unit.Error = ""
	if err := p.Units.Save(unit); err != nil {
		return err
	}
	p.notify(unit)

	var err error
	switch unit.Method {
	case model.MethodFile:
		err = p.deployFile(ctx, unit)
	case model.MethodDocker:
		err = p.deployDocker(ctx, unit)
	default:
		err = errs.Validation("unknown deployment method %q", unit.Method)
	}

	if err != nil {
		unit.Status = model.UnitError
		unit.Error = err.Error()
	} else {
		unit.Status = model.UnitRunning
		unit.Error = ""
	}
	if saveErr := p.Units.Save(unit); saveErr != nil {
		log.Printf("deploy: persist %s after pipeline: %v", unit.ShortID, saveErr)
	}
	p.notify(unit)
	return err
}

func (p *Pipeline) deployDocker(ctx context.Context, unit *model.DeploymentUnit) error {
	if unit.Image == "" {
		return errs.Validation("image reference required for DOCKER method")
	}

	master, err := p.controlNode()
	if err != nil {
		return err
	}
	sess, err := p.Dialer.Dial(ctx, gateway.TargetFor(master))
	if err != nil {
		return err
	}
	defer sess.Close()

	manifest, err := kube.GenerateManifest(kube.ManifestInput{
		ShortID:   unit.ShortID,
		Framework: unit.Framework,
		Image:     unit.Image,
		Domain:    unit.Domain,
		Namespace: unit.Namespace,
		Env:       p.databaseEnv(unit),
	})
	if err != nil {
		return err
	}

	manifestPath := p.manifestPath(master.Username, unit)
	if err := sess.Upload(ctx, []byte(manifest), manifestPath); err != nil {
		return err
	}
	unit.ManifestPath = manifestPath

	if err := p.Kube.EnsureNamespace(ctx, unit.Namespace); err != nil {
		return err
	}
	if out, err := kube.Apply(ctx, sess, manifestPath); err != nil {
		return fmt.Errorf("apply failed: %w (%s)", err, out)
	}
	return nil
}

const buildRoot = "/tmp/kelda-build"

func (p *Pipeline) deployFile(ctx context.Context, unit *model.DeploymentUnit) error {
	if unit.SourceArchivePath == "" {
		return errs.Validation("source archive required for FILE method")
	}

	builder, err := p.Servers.FindByRole(model.RoleDocker)
	if err != nil {
		return err
	}
	if builder == nil {
		return errs.NotFound("server with role", string(model.RoleDocker))
	}

	archive, err := p.Archives.Fetch(ctx, unit.SourceArchivePath)
	if err != nil {
		return fmt.Errorf("fetch archive %s: %w", unit.SourceArchivePath, err)
	}

	sess, err := p.Dialer.Dial(ctx, gateway.TargetFor(builder))
	if err != nil {
		return err
	}
	defer sess.Close()

	srcDir := path.Join(buildRoot, unit.ShortID)
	archivePath := srcDir + "/src.tar.gz"
	if err := sess.Upload(ctx, archive, archivePath); err != nil {
		return err
	}
	if _, _, err := sess.Run(ctx, fmt.Sprintf("tar -xzf %q -C %q", archivePath, srcDir), gateway.RunOpts{
		Timeout: p.timeout(), Strict: true,
	}); err != nil {
		return fmt.Errorf("extract archive: %w", err)
	}

	// The descriptor check runs before any build so a bad archive
	// fails fast and nothing gets pushed.
	if _, code, err := sess.Run(ctx, fmt.Sprintf("[ -f %q ]", srcDir+"/Dockerfile"), gateway.RunOpts{Timeout: time.Minute}); err != nil {
		return err
	} else if code != 0 {
		p.cleanupBuild(ctx, sess, srcDir, "")
		return &errs.MissingBuildDescriptorError{Path: srcDir}
	}

	tag := fmt.Sprintf("%s/%s:latest", p.RegistryUser, unit.ShortID)
	build := fmt.Sprintf("docker build -t %q %q && docker push %q", tag, srcDir, tag)
	if out, code, err := sess.Run(ctx, build, gateway.RunOpts{Timeout: p.timeout()}); err != nil {
		return err
	} else if code != 0 {
		p.cleanupBuild(ctx, sess, srcDir, tag)
		return fmt.Errorf("image build failed: %s", tail(out))
	}

	p.cleanupBuild(ctx, sess, srcDir, tag)

	unit.Image = tag
	return p.deployDocker(ctx, unit)
}

// cleanupBuild removes the uploaded sources and the locally built
// image. Best effort: the pushed tag is what matters, so failures are
// logged and swallowed.
func (p *Pipeline) cleanupBuild(ctx context.Context, sess gateway.Session, srcDir, tag string) {
	cmds := []string{fmt.Sprintf("rm -rf %q", srcDir)}
	if tag != "" {
		cmds = append(cmds, fmt.Sprintf("docker rmi %q", tag))
	}
	for _, cmd := range cmds {
		if _, code, err := sess.Run(ctx, cmd, gateway.RunOpts{Timeout: 2 * time.Minute}); err != nil {
			log.Printf("deploy: cleanup %q: %v", cmd, err)
		} else if code != 0 {
			log.Printf("deploy: cleanup %q exited %d", cmd, code)
		}
	}
}

// Scale stops (0) or starts (1) a unit and records the matching
// status.
func (p *Pipeline) Scale(ctx context.Context, unit *model.DeploymentUnit, replicas int32) error {
	if err := p.clusterReady(); err != nil {
		return err
	}
	if err := p.Kube.Scale(ctx, unit.Namespace, unit.DeploymentName(), replicas); err != nil {
		return err
	}
	if replicas == 0 {
		unit.Status = model.UnitStopped
	} else {
		unit.Status = model.UnitRunning
	}
	if err := p.Units.Save(unit); err != nil {
		return err
	}
	p.notify(unit)
	return nil
}

// Delete tears the unit's Kubernetes objects and manifest down, then
// removes the record. Teardown is best effort by design.
func (p *Pipeline) Delete(ctx context.Context, unit *model.DeploymentUnit) error {
	master, err := p.controlNode()
	if err != nil {
		return err
	}
	sess, err := p.Dialer.Dial(ctx, gateway.TargetFor(master))
	if err != nil {
		return err
	}
	defer sess.Close()

	kube.Teardown(ctx, sess, unit.Namespace, unit.DeploymentName(), unit.ServiceName(), unit.IngressName(), unit.ManifestPath)
	return p.Units.Delete(unit.ID)
}

func (p *Pipeline) controlNode() (*model.ServerRecord, error) {
	master, err := p.Servers.FindByRole(model.RoleMaster)
	if err != nil {
		return nil, err
	}
	if master == nil {
		return nil, errs.NotFound("server with role", string(model.RoleMaster))
	}
	return master, nil
}

// manifestPath builds the remote path namespaced by owner, project,
// component and unit.
func (p *Pipeline) manifestPath(user string, unit *model.DeploymentUnit) string {
	return path.Join("/home", user, p.UploadsDir, unit.OwnerID, unit.ProjectID, unit.Component, unit.ShortID, unit.ShortID+".yaml")
}

// databaseEnv injects connection variables when the fleet carries a
// DATABASE server and the unit is a backend.
func (p *Pipeline) databaseEnv(unit *model.DeploymentUnit) []corev1.EnvVar {
	if unit.Component != "backend" {
		return nil
	}
	db, err := p.Servers.FindByRole(model.RoleDatabase)
	if err != nil || db == nil {
		return nil
	}
	return []corev1.EnvVar{
		{Name: "DB_HOST", Value: db.Host},
		{Name: "DB_PORT", Value: "5432"},
	}
}

func (p *Pipeline) notify(unit *model.DeploymentUnit) {
	if p.WS == nil {
		return
	}
	p.WS.Broadcast(hub.Event{Type: "unit.status", Subject: unit.ShortID, Payload: map[string]string{
		"status": string(unit.Status),
		"error":  unit.Error,
	}})
}

func tail(s string) string {
	if len(s) > 400 {
		return "..." + s[len(s)-400:]
	}
	return s
}
