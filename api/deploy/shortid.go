package deploy

import (
	"fmt"
	"strings"

	"github.com/google/uuid"

	"kelda/api/model"
)

const shortIDLen = 12

// NewShortID derives a 12-character identifier from fresh uuid entropy
// and retries until it is absent from the unit store. Short ids name
// every Kubernetes object a unit owns, so a collision would cross two
// units' workloads.
func NewShortID(units model.UnitStore) (string, error) {
	for attempt := 0; attempt < 10; attempt++ {
		id := strings.ReplaceAll(uuid.NewString(), "-", "")[:shortIDLen]
		existing, err := units.FindByShortID(id)
		if err != nil {
			return "", fmt.Errorf("short id lookup: %w", err)
		}
		if existing == nil {
			return id, nil
		}
	}
	return "", fmt.Errorf("short id space exhausted after 10 attempts")
}
