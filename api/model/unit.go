package model

import "time"

type Framework string

const (
	FrameworkSpringBoot Framework = "SPRING_BOOT"
	FrameworkNode       Framework = "NODE"
	FrameworkStatic     Framework = "STATIC"
)

// ListenPort is the container port a framework serves on.
func (f Framework) ListenPort() int {
	switch f {
	case FrameworkSpringBoot:
		return 8080
	case FrameworkNode:
		return 3000
	default:
		return 80
	}
}

type DeployMethod string

const (
	MethodDocker DeployMethod = "DOCKER"
	MethodFile   DeployMethod = "FILE"
)

type UnitStatus string

const (
	UnitBuilding UnitStatus = "BUILDING"
	UnitRunning  UnitStatus = "RUNNING"
	UnitStopped  UnitStatus = "STOPPED"
	UnitError    UnitStatus = "ERROR"
)

// DeploymentUnit is one deployed workload. ShortID names every
// Kubernetes object it owns: app-<shortId>, app-<shortId>-svc,
// app-<shortId>-ing.
type DeploymentUnit struct {
	ID                string       `json:"id"`
	ShortID           string       `json:"shortId"`
	OwnerID           string       `json:"ownerId"`
	ProjectID         string       `json:"projectId"`
	Component         string       `json:"component"` // backend | frontend
	Framework         Framework    `json:"frameworkType"`
	Method            DeployMethod `json:"deploymentMethod"`
	Image             string       `json:"imageReference"`
	Domain            string       `json:"domain"`
	Namespace         string       `json:"namespace"`
	Status            UnitStatus   `json:"status"`
	SourceArchivePath string       `json:"sourceArchivePath,omitempty"`
	ManifestPath      string       `json:"manifestPath,omitempty"`
	Error             string       `json:"error,omitempty"`
	CreatedAt         time.Time    `json:"createdAt"`
	UpdatedAt         time.Time    `json:"updatedAt"`
}

// DeploymentName returns the Kubernetes Deployment name. Object names
// must start with a letter, hence the app- prefix.
func (u *DeploymentUnit) DeploymentName() string { return "app-" + u.ShortID }
func (u *DeploymentUnit) ServiceName() string    { return "app-" + u.ShortID + "-svc" }
func (u *DeploymentUnit) IngressName() string    { return "app-" + u.ShortID + "-ing" }

// UnitStore is the persistence boundary for deployment units.
type UnitStore interface {
	Save(unit *DeploymentUnit) error
	FindByID(id string) (*DeploymentUnit, error)
	FindByShortID(shortID string) (*DeploymentUnit, error)
	List() ([]*DeploymentUnit, error)
	Delete(id string) error
}
