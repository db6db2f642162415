package ports

import (
	"time"

	"vistara-arbiter/pkg/models"
)

// Collection is the set of collaborators an arbiter is built from.
type Collection struct {
	// Power is optional; nil means the GPU is always powered.
	Power PowerService
	// Repartition is optional; nil means hardware separation is unsupported.
	Repartition RepartitionService
	// AssignBackends are registered when the arbiter is created. More can
	// be added later through RegisterAssignInterface.
	AssignBackends map[models.ResourceID]AssignBackend
	Policy         Policy
	Clock          func() time.Time
}
