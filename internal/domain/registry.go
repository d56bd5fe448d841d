package domain

import "time"

// ImageApprovalStatus is the admission status of an (registry,
// namespace, image_name) entry (§3, §4.3).
type ImageApprovalStatus string

const (
	ImageStatusPending  ImageApprovalStatus = "pending"
	ImageStatusApproved ImageApprovalStatus = "approved"
	ImageStatusRejected ImageApprovalStatus = "rejected"
)

// ImageRegistryEntry is the unique (registry, namespace, image_name)
// admission record.
type ImageRegistryEntry struct {
	ID         string
	Registry   string
	Namespace  string
	ImageName  string
	Status     ImageApprovalStatus
	Category   string
	IsOfficial bool
	CreatedAt  time.Time
}

// ImageTag is the unique (image_entry, tag) record.
type ImageTag struct {
	ID            string
	ImageEntryID  string
	Tag           string
	IsDeprecated  bool
	IsRecommended bool
	CreatedAt     time.Time
}

// ApprovalRequest tracks an outstanding request created for an unknown
// image (§4.3). At most one is created per unknown image.
type ApprovalRequest struct {
	ID        string
	Registry  string
	ImageName string
	Tag       string
	CreatedAt time.Time
	Resolved  bool
}

// AdmitDecision is the result of the Image Registry Gate's admission
// check (§4.3).
type AdmitDecision string

const (
	DecisionAdmit           AdmitDecision = "admit"
	DecisionPendingApproval AdmitDecision = "pending-approval"
	DecisionReject          AdmitDecision = "reject"
	DecisionDeprecated      AdmitDecision = "deprecated"
)
