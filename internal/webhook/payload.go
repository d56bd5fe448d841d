package webhook

import (
	"encoding/json"
	"fmt"
)

// PushNotification is the provider-agnostic shape a payload parser
// produces: which registry, which image, and which tag was just
// pushed (§4.9 step 1).
type PushNotification struct {
	Registry string
	Image    string
	Tag      string
}

// PayloadParser turns one provider's raw webhook body into a
// PushNotification.
type PayloadParser func(payload []byte) (PushNotification, error)

// Parsers is the pluggable provider registry. Callers may add more at
// startup.
var Parsers = map[string]PayloadParser{
	"dockerhub": ParseDockerHub,
	"ghcr":      ParseGHCR,
}

type dockerHubPayload struct {
	PushData struct {
		Tag string `json:"tag"`
	} `json:"push_data"`
	Repository struct {
		RepoName string `json:"repo_name"`
	} `json:"repository"`
}

// ParseDockerHub parses Docker Hub's repository push webhook.
func ParseDockerHub(payload []byte) (PushNotification, error) {
	var p dockerHubPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return PushNotification{}, fmt.Errorf("invalid dockerhub payload: %w", err)
	}
	if p.Repository.RepoName == "" || p.PushData.Tag == "" {
		return PushNotification{}, fmt.Errorf("dockerhub payload missing repo_name or tag")
	}
	return PushNotification{Registry: "docker.io", Image: p.Repository.RepoName, Tag: p.PushData.Tag}, nil
}

type ghcrPayload struct {
	Action  string `json:"action"`
	Package struct {
		Name           string `json:"name"`
		PackageVersion struct {
			Version          string `json:"version"`
			ContainerMetadata struct {
				Tag struct {
					Name string `json:"name"`
				} `json:"tag"`
			} `json:"container_metadata"`
		} `json:"package_version"`
		Registry struct {
			URL string `json:"url"`
		} `json:"registry"`
	} `json:"package"`
	Repository struct {
		FullName string `json:"full_name"`
	} `json:"repository"`
}

// ParseGHCR parses a GitHub Container Registry package event.
func ParseGHCR(payload []byte) (PushNotification, error) {
	var p ghcrPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return PushNotification{}, fmt.Errorf("invalid ghcr payload: %w", err)
	}
	tag := p.Package.PackageVersion.ContainerMetadata.Tag.Name
	if tag == "" {
		tag = p.Package.PackageVersion.Version
	}
	image := p.Repository.FullName
	if image == "" {
		image = p.Package.Name
	}
	if image == "" || tag == "" {
		return PushNotification{}, fmt.Errorf("ghcr payload missing image or tag")
	}
	return PushNotification{Registry: "ghcr.io", Image: image, Tag: tag}, nil
}
