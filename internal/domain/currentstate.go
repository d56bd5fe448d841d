package domain

import (
	"encoding/json"
	"time"
)

// ServiceStatus is a device's self-reported runtime status for one
// service.
type ServiceStatus struct {
	ID     int    `json:"id"`
	Name   string `json:"name,omitempty"`
	Image  string `json:"image,omitempty"`
	Status string `json:"status"` // e.g. "running", "stopped", "crashed"
}

// SystemInfo is the device's self-reported host telemetry.
type SystemInfo struct {
	IP          string         `json:"ip,omitempty"`
	Uptime      int64          `json:"uptime_seconds,omitempty"`
	CPUPercent  float64        `json:"cpu_percent,omitempty"`
	MemPercent  float64        `json:"mem_percent,omitempty"`
	DiskPercent float64        `json:"disk_percent,omitempty"`
	Extra       map[string]any `json:"extra,omitempty"`
}

// CurrentState mirrors the apps shape of TargetState (service-id ->
// runtime status) plus system_info. Partial-update invariant (§3):
// a report with no apps must never clear previously stored apps.
type CurrentState struct {
	DeviceUUID string                   `json:"-"`
	Apps       map[int][]ServiceStatus  `json:"-"`
	SystemInfo SystemInfo               `json:"-"`
	ReportedAt time.Time                `json:"-"`
}

type currentStateDoc struct {
	Apps       map[string][]ServiceStatus `json:"apps,omitempty"`
	SystemInfo *SystemInfo                `json:"system_info,omitempty"`
}

// UnmarshalCurrentStateReport parses an inbound device report. A report
// with an absent or empty "apps" key is distinguishable (HasApps=false)
// so ReportCurrentState can apply the partial-update rule.
func UnmarshalCurrentStateReport(data []byte) (apps map[int][]ServiceStatus, hasApps bool, sysInfo *SystemInfo, err error) {
	var doc currentStateDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, false, nil, err
	}
	if len(doc.Apps) > 0 {
		apps = make(map[int][]ServiceStatus, len(doc.Apps))
		for k, v := range doc.Apps {
			apps[atoiOrZero(k)] = v
		}
	}
	return apps, len(doc.Apps) > 0, doc.SystemInfo, nil
}

// Merge applies a report onto the stored current state per the
// partial-update invariant: absent/empty apps preserves existing apps;
// system_info always overwrites.
func (c *CurrentState) Merge(apps map[int][]ServiceStatus, hasApps bool, sysInfo *SystemInfo, at time.Time) {
	if hasApps {
		c.Apps = apps
	} else if c.Apps == nil {
		c.Apps = map[int][]ServiceStatus{}
	}
	if sysInfo != nil {
		c.SystemInfo = *sysInfo
	}
	c.ReportedAt = at
}

// ReportedTagFor returns the tag the device last reported for the
// service with the given id within an app. ok is false when the app or
// service is absent or the reported image carries no tag.
func (c *CurrentState) ReportedTagFor(appID int, serviceID int) (tag string, ok bool) {
	statuses, found := c.Apps[appID]
	if !found {
		return "", false
	}
	for _, s := range statuses {
		if s.ID == serviceID {
			_, tag := ParseImageRef(s.Image)
			return tag, tag != ""
		}
	}
	return "", false
}
