package model

import "time"

type ServerRole string

const (
	RoleMaster   ServerRole = "MASTER"
	RoleWorker   ServerRole = "WORKER"
	RoleDocker   ServerRole = "DOCKER"
	RoleAnsible  ServerRole = "ANSIBLE"
	RoleDatabase ServerRole = "DATABASE"
)

func (r ServerRole) Valid() bool {
	switch r {
	case RoleMaster, RoleWorker, RoleDocker, RoleAnsible, RoleDatabase:
		return true
	}
	return false
}

type ServerStatus string

const (
	StatusOnline   ServerStatus = "ONLINE"
	StatusOffline  ServerStatus = "OFFLINE"
	StatusDisabled ServerStatus = "DISABLED"
)

type ClusterStatus string

const (
	ClusterAvailable   ClusterStatus = "AVAILABLE"
	ClusterUnavailable ClusterStatus = "UNAVAILABLE"
)

// ServerRecord is a registered fleet machine reachable over SSH.
// Exactly the records with ClusterStatus AVAILABLE participate in
// inventory generation and cluster operations.
type ServerRecord struct {
	ID            string        `json:"id"`
	Name          string        `json:"name"`
	Host          string        `json:"host"`
	Port          int           `json:"port"`
	Username      string        `json:"username"`
	Password      string        `json:"-"`
	PrivateKey    string        `json:"-"` // PEM text, empty when password-only
	Role          ServerRole    `json:"role"`
	Status        ServerStatus  `json:"status"`
	ClusterStatus ClusterStatus `json:"clusterStatus"`
	SudoNopasswd  bool          `json:"sudoNopasswd"`
	CreatedAt     time.Time     `json:"createdAt"`
	UpdatedAt     time.Time     `json:"updatedAt"`
}

// ServerDirectory is the persistence boundary for the fleet registry.
// The core never talks to the database directly.
type ServerDirectory interface {
	FindByID(id string) (*ServerRecord, error)
	FindByRole(role ServerRole) (*ServerRecord, error)
	FindAvailable() ([]*ServerRecord, error)
	List() ([]*ServerRecord, error)
	UpdateStatus(id string, status ServerStatus) error
	UpdateAssignment(id string, role ServerRole, cs ClusterStatus) error
}
