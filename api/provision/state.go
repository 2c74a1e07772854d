package provision

import (
	"strings"
	"sync"
	"time"
)

// Bootstrap step names. Steps are triggered independently by the
// caller; nothing auto-chains them.
const (
	StepInstallAnsible    = "install-ansible"
	StepCreateDirectories = "create-directories"
	StepWriteInventory    = "write-inventory"
	StepDistributeKeys    = "distribute-keys"
	StepVerifyHosts       = "verify-hosts"
	StepInstallCluster    = "install-cluster"
	StepJoinWorkers       = "join-workers"
)

// prereqs lists which steps each step expects to have run first. A
// missing prerequisite produces a warning in the task log, never a
// hard failure: the caller drives sequencing and steps are written to
// be idempotent.
var prereqs = map[string][]string{
	StepCreateDirectories: {StepInstallAnsible},
	StepWriteInventory:    {StepCreateDirectories},
	StepDistributeKeys:    {StepWriteInventory},
	StepVerifyHosts:       {StepDistributeKeys},
	StepInstallCluster:    {StepVerifyHosts},
	StepJoinWorkers:       {StepInstallCluster},
}

// State records which bootstrap steps have completed for the one
// pipeline instance this control plane manages.
type State struct {
	mu   sync.Mutex
	done map[string]time.Time
}

func NewState() *State {
	return &State{done: make(map[string]time.Time)}
}

func (s *State) MarkDone(step string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.done[step] = time.Now()
}

func (s *State) Done(step string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.done[step]
	return ok
}

// MissingPrereqs returns a warning string naming any prerequisite of
// step that has not completed, or the empty string.
func (s *State) MissingPrereqs(step string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var missing []string
	for _, pre := range prereqs[step] {
		if _, ok := s.done[pre]; !ok {
			missing = append(missing, pre)
		}
	}
	if len(missing) == 0 {
		return ""
	}
	return "prerequisite step(s) not completed: " + strings.Join(missing, ", ")
}

// Snapshot reports completion times per step for the state endpoint.
func (s *State) Snapshot() map[string]time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]time.Time, len(s.done))
	for k, v := range s.done {
		out[k] = v
	}
	return out
}
