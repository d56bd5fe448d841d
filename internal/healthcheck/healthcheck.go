// Package healthcheck implements the Health Evaluator (§4.6): bounded
// concurrency HTTP/TCP/container-report liveness checks run against a
// rollout's not-yet-checked `updated` device rows.
package healthcheck

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"fleetd.sh/internal/currentstate"
	"fleetd.sh/internal/domain"
	"fleetd.sh/internal/events"
	"fleetd.sh/internal/repository"
	"fleetd.sh/internal/rollout"
)

const defaultWorkers = 5
const defaultTimeout = 5 * time.Minute

// Evaluator runs the Health Evaluator over a rollout's unchecked rows.
type Evaluator struct {
	store      *rollout.Store
	devices    repository.DeviceRepository
	current    *currentstate.Store
	publisher  events.Publisher
	workers    int
	httpClient *http.Client
	logger     *slog.Logger
}

// New creates a Health Evaluator. workers <= 0 uses the spec default
// of 5 concurrent checks.
func New(store *rollout.Store, devices repository.DeviceRepository, current *currentstate.Store, publisher events.Publisher, workers int) *Evaluator {
	if workers <= 0 {
		workers = defaultWorkers
	}
	return &Evaluator{
		store:      store,
		devices:    devices,
		current:    current,
		publisher:  publisher,
		workers:    workers,
		httpClient: &http.Client{},
		logger:     slog.Default().With("component", "health-evaluator"),
	}
}

// EvaluateRollout scans rolloutID's `updated`/unchecked rows and runs
// the policy's configured check against each, bounded to e.workers
// concurrent checks (§4.6).
func (e *Evaluator) EvaluateRollout(ctx context.Context, rolloutID string, pol *domain.Policy) error {
	rows, err := e.store.ListUpdatedUnchecked(ctx, rolloutID)
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		return nil
	}

	sem := make(chan struct{}, e.workers)
	var wg sync.WaitGroup
	for _, row := range rows {
		row := row
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			e.evaluateRow(ctx, row, pol)
		}()
	}
	wg.Wait()
	return nil
}

func (e *Evaluator) evaluateRow(ctx context.Context, row *domain.DeviceRolloutRow, pol *domain.Policy) {
	timeout := defaultTimeout
	if t, ok := pol.HealthCheckConfig["timeout_seconds"].(float64); ok && t > 0 {
		timeout = time.Duration(t) * time.Second
	}
	checkCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	passed, skipped, checkErr := e.runCheck(checkCtx, row, pol)
	now := time.Now()

	status := domain.RowHealthy
	eventType := "health_check_passed"
	errMsg := ""
	switch {
	case skipped:
		status = domain.RowSkipped
		eventType = "health_check_skipped"
	case !passed:
		status = domain.RowUnhealthy
		eventType = "health_check_failed"
		if checkErr != nil {
			errMsg = checkErr.Error()
		}
	}

	if err := e.store.UpdateRowStatus(ctx, row.RolloutID, row.DeviceUUID, status, now, errMsg); err != nil {
		e.logger.Error("failed to record health check result", "rollout_id", row.RolloutID, "device_uuid", row.DeviceUUID, "error", err)
		return
	}
	e.publisher.Publish(ctx, domain.DomainEvent{
		Type: eventType, AggregateType: "device_rollout_row", AggregateID: row.RolloutID + ":" + row.DeviceUUID,
		Data: map[string]any{"device_uuid": row.DeviceUUID, "error": errMsg},
	})
}

// runCheck dispatches to the policy's configured check type. skipped
// reports a misconfigured check (missing required config), distinct
// from a check that ran and failed.
func (e *Evaluator) runCheck(ctx context.Context, row *domain.DeviceRolloutRow, pol *domain.Policy) (passed, skipped bool, err error) {
	switch pol.HealthCheckType {
	case "http":
		return e.checkHTTP(ctx, row, pol)
	case "tcp":
		return e.checkTCP(ctx, row, pol)
	case "container", "container-report", "":
		return e.checkContainerReport(ctx, row)
	default:
		return false, true, fmt.Errorf("unknown health check type %q", pol.HealthCheckType)
	}
}

func (e *Evaluator) checkHTTP(ctx context.Context, row *domain.DeviceRolloutRow, pol *domain.Policy) (passed, skipped bool, err error) {
	urlTemplate, _ := pol.HealthCheckConfig["url"].(string)
	if urlTemplate == "" {
		return false, true, fmt.Errorf("http health check missing url config")
	}

	resolvedURL, err := e.resolvePlaceholders(ctx, row.DeviceUUID, urlTemplate)
	if err != nil {
		return false, true, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, resolvedURL, nil)
	if err != nil {
		return false, true, err
	}
	resp, err := e.httpClient.Do(req)
	if err != nil {
		return false, false, err
	}
	defer resp.Body.Close()

	expected := expectedStatusCodes(pol.HealthCheckConfig)
	for _, code := range expected {
		if resp.StatusCode == code {
			return true, false, nil
		}
	}
	return false, false, fmt.Errorf("unexpected status code %d", resp.StatusCode)
}

func (e *Evaluator) checkTCP(ctx context.Context, row *domain.DeviceRolloutRow, pol *domain.Policy) (passed, skipped bool, err error) {
	hostTemplate, _ := pol.HealthCheckConfig["host"].(string)
	portVal, hasPort := pol.HealthCheckConfig["port"]
	if hostTemplate == "" || !hasPort {
		return false, true, fmt.Errorf("tcp health check missing host/port config")
	}
	port, ok := toInt(portVal)
	if !ok {
		return false, true, fmt.Errorf("tcp health check has non-numeric port")
	}

	host, err := e.resolvePlaceholders(ctx, row.DeviceUUID, hostTemplate)
	if err != nil {
		return false, true, err
	}

	addr := net.JoinHostPort(host, strconv.Itoa(port))
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return false, false, err
	}
	conn.Close()
	return true, false, nil
}

// checkContainerReport compares the device's most recently reported
// current state against the rollout's target: the service must be
// present, running, and tagged with exactly the rollout's new_tag
// (§4.6).
func (e *Evaluator) checkContainerReport(ctx context.Context, row *domain.DeviceRolloutRow) (passed, skipped bool, err error) {
	r, err := e.store.Get(ctx, row.RolloutID)
	if err != nil {
		return false, false, err
	}
	state, err := e.current.Get(ctx, row.DeviceUUID)
	if err != nil {
		return false, false, err
	}
	statuses, ok := state.Apps[row.AppID]
	if !ok {
		return false, false, fmt.Errorf("device has not reported app %d", row.AppID)
	}
	for _, s := range statuses {
		if s.ID != row.ServiceID {
			continue
		}
		if s.Status != "running" {
			return false, false, fmt.Errorf("service %d status is %q, not running", row.ServiceID, s.Status)
		}
		_, tag := domain.ParseImageRef(s.Image)
		if tag == "" {
			return false, false, fmt.Errorf("service %d reported no tag", row.ServiceID)
		}
		if tag != r.NewTag {
			return false, false, fmt.Errorf("service %d reported tag %q, want %q", row.ServiceID, tag, r.NewTag)
		}
		return true, false, nil
	}
	return false, false, fmt.Errorf("device has not reported service %d", row.ServiceID)
}

// resolvePlaceholders substitutes {device_ip} and {device_name} from
// the device's reported system info / registry metadata (§4.6).
func (e *Evaluator) resolvePlaceholders(ctx context.Context, deviceUUID, template string) (string, error) {
	out := template
	if strings.Contains(out, "{device_ip}") {
		state, err := e.current.Get(ctx, deviceUUID)
		if err != nil {
			return "", err
		}
		if state.SystemInfo.IP == "" {
			return "", fmt.Errorf("device %s has not reported an ip", deviceUUID)
		}
		out = strings.ReplaceAll(out, "{device_ip}", state.SystemInfo.IP)
	}
	if strings.Contains(out, "{device_name}") {
		device, err := e.devices.Get(ctx, deviceUUID)
		if err != nil {
			return "", err
		}
		out = strings.ReplaceAll(out, "{device_name}", device.Name)
	}
	return out, nil
}

func expectedStatusCodes(cfg map[string]any) []int {
	raw, ok := cfg["expected_status"].([]any)
	if !ok || len(raw) == 0 {
		return []int{http.StatusOK}
	}
	codes := make([]int, 0, len(raw))
	for _, v := range raw {
		if n, ok := toInt(v); ok {
			codes = append(codes, n)
		}
	}
	if len(codes) == 0 {
		return []int{http.StatusOK}
	}
	return codes
}

func toInt(v any) (int, bool) {
	switch n := v.(type) {
	case float64:
		return int(n), true
	case int:
		return n, true
	case string:
		i, err := strconv.Atoi(n)
		return i, err == nil
	default:
		return 0, false
	}
}
