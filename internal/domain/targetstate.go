// Package domain holds the tagged-tree representation of the data the
// rollout control loop reasons about: target/current state documents,
// rollouts, registry entries, and policies. Nothing in this package
// leaks raw JSON into business logic; serialization boundaries live in
// the packages that read and write these types.
package domain

import (
	"encoding/json"
	"sort"
	"time"
)

// Image is the dual-field image reference described by the source
// schema's "imageName vs config.image" quirk. A service's image may be
// populated at the service level, nested under config, or (rarely)
// both. Source reads from whichever field is populated and writes back
// to the same field it was read from — normalization to a single field
// is an explicit migration, not something this accessor performs.
type Image struct {
	Repository string `json:"-"`
	Tag        string `json:"-"`

	// source records which field(s) this Image was populated from so
	// that a write preserves the document's original shape.
	source imageSource
}

type imageSource int

const (
	sourceNone imageSource = iota
	sourceServiceField
	sourceConfigField
	sourceBoth
)

// Full returns "repository:tag", or "" if empty.
func (i Image) Full() string {
	if i.Repository == "" {
		return ""
	}
	if i.Tag == "" {
		return i.Repository
	}
	return i.Repository + ":" + i.Tag
}

func (i Image) IsZero() bool {
	return i.Repository == "" && i.Tag == ""
}

// ParseImageRef splits "repo:tag" into its parts. A missing tag yields "".
func ParseImageRef(ref string) (repo, tag string) {
	if ref == "" {
		return "", ""
	}
	// Find the last ':' that isn't part of a registry port, i.e. the
	// one after the last '/'.
	lastSlash := -1
	for idx := len(ref) - 1; idx >= 0; idx-- {
		if ref[idx] == '/' {
			lastSlash = idx
			break
		}
	}
	for idx := len(ref) - 1; idx > lastSlash; idx-- {
		if ref[idx] == ':' {
			return ref[:idx], ref[idx+1:]
		}
	}
	return ref, ""
}

// Service is one of an App's running containers, as declared by the
// target state document or reported by the current state document.
type Service struct {
	ID     int            `json:"id"`
	Name   string         `json:"name"`
	Image  Image          `json:"-"`
	Config map[string]any `json:"config,omitempty"`

	// imageName mirrors the raw `imageName` field for round-trip
	// encoding; Service.MarshalJSON / UnmarshalJSON populate Image
	// from this and from Config["image"].
	imageName string
}

// resolveImage sets Image from the service-level field or config.image,
// whichever is populated. When both are, Image is parsed from the
// service-level field only; config.image is not consulted, so
// EachServiceImage (and the rollout planner) sees just that reference.
func (s *Service) resolveImage() {
	var fromService, fromConfig string
	haveService := s.imageName != ""
	if haveService {
		fromService = s.imageName
	}
	if s.Config != nil {
		if v, ok := s.Config["image"]; ok {
			if str, ok := v.(string); ok {
				fromConfig = str
			}
		}
	}
	switch {
	case haveService && fromConfig != "":
		s.Image.source = sourceBoth
		repo, tag := ParseImageRef(fromService)
		s.Image.Repository, s.Image.Tag = repo, tag
	case haveService:
		s.Image.source = sourceServiceField
		repo, tag := ParseImageRef(fromService)
		s.Image.Repository, s.Image.Tag = repo, tag
	case fromConfig != "":
		s.Image.source = sourceConfigField
		repo, tag := ParseImageRef(fromConfig)
		s.Image.Repository, s.Image.Tag = repo, tag
	default:
		s.Image.source = sourceNone
	}
}

// SetImage rewrites the service's image reference, preserving the
// field(s) it was originally stored in. If the service has no image
// field at all, ok is false and the caller should treat this as the
// "service-not-updatable" case from the target state contract.
func (s *Service) SetImage(repo, tag string) (ok bool) {
	ref := repo
	if tag != "" {
		ref = repo + ":" + tag
	}
	switch s.Image.source {
	case sourceServiceField:
		s.imageName = ref
	case sourceConfigField:
		if s.Config == nil {
			s.Config = map[string]any{}
		}
		s.Config["image"] = ref
	case sourceBoth:
		s.imageName = ref
		if s.Config == nil {
			s.Config = map[string]any{}
		}
		s.Config["image"] = ref
	default:
		return false
	}
	s.Image.Repository, s.Image.Tag = repo, tag
	return true
}

type serviceDoc struct {
	ID        int            `json:"id"`
	Name      string         `json:"name"`
	ImageName string         `json:"imageName,omitempty"`
	Config    map[string]any `json:"config,omitempty"`
}

func (s Service) MarshalJSON() ([]byte, error) {
	return json.Marshal(serviceDoc{ID: s.ID, Name: s.Name, ImageName: s.imageName, Config: s.Config})
}

func (s *Service) UnmarshalJSON(data []byte) error {
	var doc serviceDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return err
	}
	s.ID = doc.ID
	s.Name = doc.Name
	s.imageName = doc.ImageName
	s.Config = doc.Config
	s.resolveImage()
	return nil
}

// App is a named collection of services, keyed in the document by its
// integer app-id (>=1 for user apps, >=1000 in the catalog namespace).
type App struct {
	ID       int       `json:"-"`
	Name     string    `json:"name"`
	Services []Service `json:"services"`
}

// TargetState is the authoritative declarative document for a device:
// what apps/services/images it should be running, plus device-level
// config. Version increases strictly on every accepted mutation.
type TargetState struct {
	DeviceUUID string         `json:"-"`
	Apps       map[int]*App   `json:"-"`
	Config     map[string]any `json:"-"`
	Version    int64          `json:"-"`
	UpdatedAt  time.Time      `json:"-"`
}

// NewTargetState returns an empty, version-0 document.
func NewTargetState(deviceUUID string) *TargetState {
	return &TargetState{
		DeviceUUID: deviceUUID,
		Apps:       map[int]*App{},
		Config:     map[string]any{},
	}
}

// Clone deep-copies apps/config so callers can mutate a working copy
// without affecting the stored document.
func (t *TargetState) Clone() *TargetState {
	clone := &TargetState{
		DeviceUUID: t.DeviceUUID,
		Apps:       make(map[int]*App, len(t.Apps)),
		Config:     map[string]any{},
		Version:    t.Version,
		UpdatedAt:  t.UpdatedAt,
	}
	for k, v := range t.Config {
		clone.Config[k] = v
	}
	for id, app := range t.Apps {
		na := &App{ID: app.ID, Name: app.Name, Services: make([]Service, len(app.Services))}
		for i, svc := range app.Services {
			cfg := map[string]any{}
			for k, v := range svc.Config {
				cfg[k] = v
			}
			ns := Service{ID: svc.ID, Name: svc.Name, Config: cfg, imageName: svc.imageName}
			ns.resolveImage()
			na.Services[i] = ns
		}
		clone.Apps[id] = na
	}
	return clone
}

// targetStateDoc is the wire encoding: `{"apps": {"<id>": {...}}, "config": {...}}`.
type targetStateDoc struct {
	Apps   map[string]appDoc `json:"apps"`
	Config map[string]any    `json:"config"`
}

type appDoc struct {
	ID       int       `json:"id"`
	Name     string    `json:"name"`
	Services []Service `json:"services"`
}

// MarshalCanonical renders the document with sorted map keys and no
// insignificant whitespace, suitable both for the wire response and
// for ETag hashing (§3: "keys sorted, UTF-8").
func (t *TargetState) MarshalCanonical() ([]byte, error) {
	doc := targetStateDoc{Apps: map[string]appDoc{}, Config: t.Config}
	if doc.Config == nil {
		doc.Config = map[string]any{}
	}
	ids := make([]int, 0, len(t.Apps))
	for id := range t.Apps {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	for _, id := range ids {
		app := t.Apps[id]
		doc.Apps[itoa(id)] = appDoc{ID: app.ID, Name: app.Name, Services: app.Services}
	}
	// encoding/json sorts map keys lexicographically already, and
	// marshals structs field-order-stable, giving a canonical encoding.
	return json.Marshal(doc)
}

// MarshalAppsJSON renders just the apps map, keyed by app id, with
// sorted keys — the shape stored in the target state table's apps
// column.
func (t *TargetState) MarshalAppsJSON() ([]byte, error) {
	apps := map[string]appDoc{}
	ids := make([]int, 0, len(t.Apps))
	for id := range t.Apps {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	for _, id := range ids {
		app := t.Apps[id]
		apps[itoa(id)] = appDoc{ID: app.ID, Name: app.Name, Services: app.Services}
	}
	return json.Marshal(apps)
}

// MarshalConfigJSON renders just the config map, the shape stored in
// the target state table's config column.
func (t *TargetState) MarshalConfigJSON() ([]byte, error) {
	cfg := t.Config
	if cfg == nil {
		cfg = map[string]any{}
	}
	return json.Marshal(cfg)
}

// UnmarshalTargetState parses the wire document shape into a TargetState.
func UnmarshalTargetState(deviceUUID string, data []byte) (*TargetState, error) {
	var doc targetStateDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	ts := NewTargetState(deviceUUID)
	ts.Config = doc.Config
	if ts.Config == nil {
		ts.Config = map[string]any{}
	}
	for key, app := range doc.Apps {
		id := app.ID
		if id == 0 {
			id = atoiOrZero(key)
		}
		services := make([]Service, len(app.Services))
		for i, svc := range app.Services {
			svc.resolveImage()
			services[i] = svc
		}
		ts.Apps[id] = &App{ID: id, Name: app.Name, Services: services}
	}
	return ts, nil
}

func itoa(i int) string {
	if i == 0 {
		return "0"
	}
	neg := i < 0
	if neg {
		i = -i
	}
	var buf [20]byte
	pos := len(buf)
	for i > 0 {
		pos--
		buf[pos] = byte('0' + i%10)
		i /= 10
	}
	if neg {
		pos--
		buf[pos] = '-'
	}
	return string(buf[pos:])
}

func atoiOrZero(s string) int {
	n := 0
	neg := false
	for i, c := range s {
		if i == 0 && c == '-' {
			neg = true
			continue
		}
		if c < '0' || c > '9' {
			return 0
		}
		n = n*10 + int(c-'0')
	}
	if neg {
		n = -n
	}
	return n
}

// FindService locates a service by (appID, serviceID) across the
// document's apps.
func (t *TargetState) FindService(appID, serviceID int) (*Service, bool) {
	app, ok := t.Apps[appID]
	if !ok {
		return nil, false
	}
	for i := range app.Services {
		if app.Services[i].ID == serviceID {
			return &app.Services[i], true
		}
	}
	return nil, false
}

// EachServiceImage visits every service's resolved image reference
// (see resolveImage) across all apps; the Rollout Planner uses it to
// find affected devices (§4.4).
func (t *TargetState) EachServiceImage(visit func(appID, serviceID int, img Image)) {
	for appID, app := range t.Apps {
		for i := range app.Services {
			visit(appID, app.Services[i].ID, app.Services[i].Image)
		}
	}
}
