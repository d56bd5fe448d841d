package rollout

import (
	"context"
	"sort"

	"fleetd.sh/internal/database"
	"fleetd.sh/internal/domain"
	"fleetd.sh/internal/ferrors"
)

// AffectedDevice is one device the Planner found whose target state
// references the image under rollout.
type AffectedDevice struct {
	DeviceUUID string
	AppID      int
	ServiceID  int
	OldTag     string
}

// Planner computes rollout plans (§4.4).
type Planner struct {
	db *database.DB
}

// NewPlanner creates a Rollout Planner.
func NewPlanner(db *database.DB) *Planner {
	return &Planner{db: db}
}

// FindAffectedDevices scans every device's target state for services
// whose image base-name matches imageName and whose tag differs from
// newTag (§4.4 step 1). Image reference may live in either the
// service-level field or nested config.image; each service is matched
// on the single reference domain.TargetState.EachServiceImage yields,
// which is the service-level one when both fields are set.
func (p *Planner) FindAffectedDevices(ctx context.Context, imageName, newTag string) ([]AffectedDevice, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT device_uuid, apps FROM device_target_state`)
	if err != nil {
		return nil, ferrors.Wrap(err, ferrors.CodeInternal, "failed to scan target states")
	}
	defer rows.Close()

	var affected []AffectedDevice
	for rows.Next() {
		var deviceUUID, appsRaw string
		if err := rows.Scan(&deviceUUID, &appsRaw); err != nil {
			return nil, ferrors.Wrap(err, ferrors.CodeInternal, "failed to scan target state row")
		}

		full := []byte(`{"apps":` + appsRaw + `,"config":{}}`)
		ts, err := domain.UnmarshalTargetState(deviceUUID, full)
		if err != nil {
			return nil, ferrors.Wrap(err, ferrors.CodeInternal, "failed to decode target state")
		}

		var matched *AffectedDevice
		ts.EachServiceImage(func(appID, serviceID int, img domain.Image) {
			if matched != nil {
				return
			}
			if img.Repository == imageName && img.Tag != newTag {
				matched = &AffectedDevice{DeviceUUID: deviceUUID, AppID: appID, ServiceID: serviceID, OldTag: img.Tag}
			}
		})
		if matched != nil {
			affected = append(affected, *matched)
		}
	}
	return affected, rows.Err()
}

// dominantOldTag picks the old tag shared by the most affected
// devices as the rollout's single rollback target (§4.5: rollback
// reverts a row to the rollout's old_tag, not a per-device value).
// Ties break on the lexicographically smallest tag for determinism.
func dominantOldTag(devices []AffectedDevice) string {
	counts := make(map[string]int, len(devices))
	for _, d := range devices {
		counts[d.OldTag]++
	}
	tags := make([]string, 0, len(counts))
	for t := range counts {
		tags = append(tags, t)
	}
	sort.Strings(tags)

	best, bestCount := "", -1
	for _, t := range tags {
		if counts[t] > bestCount {
			best, bestCount = t, counts[t]
		}
	}
	return best
}

// Filter applies a policy's fleet/tag/uuid-allowlist filters (§4.4
// step 2). fleetID and tagFilter match against nothing in this
// minimal device schema beyond the uuid allow-list, which is the one
// filter with data to act on; fleetID/tagFilter are accepted for
// forward compatibility with richer device metadata.
func Filter(devices []AffectedDevice, allowedUUIDs []string) []AffectedDevice {
	if len(allowedUUIDs) == 0 {
		return devices
	}
	allow := make(map[string]bool, len(allowedUUIDs))
	for _, u := range allowedUUIDs {
		allow[u] = true
	}
	var out []AffectedDevice
	for _, d := range devices {
		if allow[d.DeviceUUID] {
			out = append(out, d)
		}
	}
	return out
}

// AssignBatches implements §4.4 step 3: deterministic uuid-sorted
// partitioning into batches per strategy. Returns, for each device in
// uuid order, its assigned batch number (1-indexed), along with the
// resulting total batch count (after trailing-empty-batch elision).
func AssignBatches(devices []AffectedDevice, strategy domain.RolloutStrategy, stagedBatches int, batchPercentages []int) (batchOf map[string]int, totalBatches int) {
	sorted := make([]AffectedDevice, len(devices))
	copy(sorted, devices)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].DeviceUUID < sorted[j].DeviceUUID })

	n := len(sorted)
	batchOf = make(map[string]int, n)

	if strategy == domain.StrategyAuto || n == 0 {
		for _, d := range sorted {
			batchOf[d.DeviceUUID] = 1
		}
		if n == 0 {
			return batchOf, 0
		}
		return batchOf, 1
	}

	cumulative := cumulativePercentages(stagedBatches, batchPercentages)
	boundaries := make([]int, len(cumulative))
	for i, pct := range cumulative {
		boundaries[i] = (n*pct + 99) / 100 // ceil
		if boundaries[i] > n {
			boundaries[i] = n
		}
	}
	// Rounding policy: last batch absorbs remainder.
	if len(boundaries) > 0 {
		boundaries[len(boundaries)-1] = n
	}

	start := 0
	batchNum := 0
	for _, end := range boundaries {
		if end <= start {
			// Empty batch: elide it, reducing the effective batch count.
			continue
		}
		batchNum++
		for i := start; i < end; i++ {
			batchOf[sorted[i].DeviceUUID] = batchNum
		}
		start = end
	}
	return batchOf, batchNum
}

// cumulativePercentages resolves the configured batch sizing into a
// monotonic, 100-terminated cumulative percentage sequence.
func cumulativePercentages(stagedBatches int, explicit []int) []int {
	if len(explicit) > 0 {
		return explicit
	}
	if stagedBatches <= 0 {
		stagedBatches = 3
	}
	if stagedBatches == 3 {
		return []int{10, 50, 100}
	}
	// Evenly spaced cumulative percentages for a non-default batch count.
	out := make([]int, stagedBatches)
	for i := 0; i < stagedBatches; i++ {
		out[i] = ((i + 1) * 100) / stagedBatches
	}
	out[stagedBatches-1] = 100
	return out
}
