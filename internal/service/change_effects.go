package service

import (
	"fmt"

	"github.com/noah-isme/sma-student-changes/internal/models"
)

// studentEffectFor derives the student mutation a change applies when it takes
// effect. Transfers keep the current class.
func studentEffectFor(change *models.StudentChange) (models.StudentStatusChange, error) {
	if change.Detail == nil || change.Detail.Type() != change.Type {
		return models.StudentStatusChange{}, fmt.Errorf("change %s has no %s detail", change.ID, change.Type)
	}

	switch d := change.Detail.(type) {
	case models.TransferOutDetail:
		return models.StudentStatusChange{Status: models.StudentStatusTransferred}, nil
	case models.LeaveDetail:
		return models.StudentStatusChange{Status: models.StudentStatusOnLeave}, nil
	case models.ReinstateDetail:
		effect := models.StudentStatusChange{Status: models.StudentStatusOnCampus}
		if d.PlacementPolicy == models.PlacementNewClass && d.TargetClassID != nil && *d.TargetClassID != "" {
			classID := *d.TargetClassID
			effect.CurrentClassID = &classID
		}
		return effect, nil
	default:
		return models.StudentStatusChange{}, fmt.Errorf("unsupported change detail %T", d)
	}
}
