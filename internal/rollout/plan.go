package rollout

import (
	"context"

	"fleetd.sh/internal/domain"
	"fleetd.sh/internal/ferrors"
)

// Plan computes a full rollout plan for a newly admitted image push:
// affected-device enumeration, policy filtering, and batch assignment
// (§4.4 steps 1-3). It does not persist anything; callers combine the
// result with Store.Create.
func (p *Planner) Plan(ctx context.Context, imageName, newTag string, policy *domain.Policy) (*domain.Rollout, []*domain.DeviceRolloutRow, error) {
	affected, err := p.FindAffectedDevices(ctx, imageName, newTag)
	if err != nil {
		return nil, nil, err
	}
	affected = Filter(affected, policy.AllowedUUIDs)
	if len(affected) == 0 {
		return nil, nil, nil
	}

	batchOf, totalBatches := AssignBatches(affected, policy.Strategy, policy.StagedBatches, policy.BatchPercentages)

	r := &domain.Rollout{
		ImageName:    imageName,
		OldTag:       dominantOldTag(affected),
		NewTag:       newTag,
		Strategy:     policy.Strategy,
		TotalBatches: totalBatches,
		CurrentBatch: 0,
		Status:       domain.RolloutPending,
		PolicyID:     policy.ID,
	}

	rows := make([]*domain.DeviceRolloutRow, 0, len(affected))
	for _, d := range affected {
		batch, ok := batchOf[d.DeviceUUID]
		if !ok {
			return nil, nil, ferrors.New(ferrors.CodeInternal, "device missing batch assignment: "+d.DeviceUUID)
		}
		rows = append(rows, &domain.DeviceRolloutRow{
			DeviceUUID:  d.DeviceUUID,
			AppID:       d.AppID,
			ServiceID:   d.ServiceID,
			BatchNumber: batch,
			Status:      domain.RowPending,
		})
	}

	return r, rows, nil
}
