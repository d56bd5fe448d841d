// Package webhook implements the Webhook Intake (§4.9): the adapter
// from an external registry's push notification into a planned,
// persisted Rollout.
package webhook

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"

	"fleetd.sh/internal/domain"
	"fleetd.sh/internal/events"
	"fleetd.sh/internal/ferrors"
	"fleetd.sh/internal/policy"
	"fleetd.sh/internal/registry"
	"fleetd.sh/internal/rollout"
)

// Result is returned from a successful Receive call.
type Result struct {
	RolloutID string
	Created   bool // false when an existing active rollout satisfied idempotency
}

// Intake wires the Webhook Intake's components together.
type Intake struct {
	policies  *policy.Store
	gate      *registry.Gate
	planner   *rollout.Planner
	store     *rollout.Store
	publisher events.Publisher
	logger    *slog.Logger
}

// New creates a Webhook Intake.
func New(policies *policy.Store, gate *registry.Gate, planner *rollout.Planner, store *rollout.Store, publisher events.Publisher) *Intake {
	return &Intake{
		policies:  policies,
		gate:      gate,
		planner:   planner,
		store:     store,
		publisher: publisher,
		logger:    slog.Default().With("component", "webhook-intake"),
	}
}

// Receive parses, admits, plans, and persists a rollout for a
// provider's push notification (§4.9).
func (in *Intake) Receive(ctx context.Context, provider string, payload []byte) (*Result, error) {
	parser, ok := Parsers[provider]
	if !ok {
		return nil, ferrors.New(ferrors.CodeInvalidArgument, fmt.Sprintf("unknown webhook provider %q", provider))
	}
	push, err := parser(payload)
	if err != nil {
		return nil, ferrors.Wrap(err, ferrors.CodeInvalidArgument, "failed to parse webhook payload")
	}

	in.publisher.Publish(ctx, domain.DomainEvent{
		Type: "image.webhook_received", AggregateType: "image", AggregateID: push.Registry + "/" + push.Image,
		Data: map[string]any{"provider": provider, "tag": push.Tag},
	})

	// Idempotency: a duplicate webhook for an already-active rollout of
	// the same (image, new_tag) returns the existing rollout (§4.9).
	if existing, err := in.store.FindActiveByImageAndTag(ctx, push.Image, push.Tag); err != nil {
		return nil, err
	} else if existing != nil {
		return &Result{RolloutID: existing.ID, Created: false}, nil
	}

	pol, err := in.matchPolicy(ctx, push.Image, push.Tag)
	if err != nil {
		return nil, err
	}

	decision, err := in.gate.Admit(ctx, push.Registry, push.Image, push.Tag)
	if err != nil {
		return nil, err
	}
	switch decision {
	case domain.DecisionReject:
		return nil, ferrors.New(ferrors.CodeImageNotApproved, "image is rejected by the registry gate")
	case domain.DecisionDeprecated:
		return nil, ferrors.New(ferrors.CodeImageTagDeprecated, "tag is deprecated")
	case domain.DecisionPendingApproval:
		return nil, ferrors.New(ferrors.CodeImageNotApproved, "image is pending approval")
	}

	r, rows, err := in.planner.Plan(ctx, push.Image, push.Tag, pol)
	if err != nil {
		return nil, err
	}
	if r == nil {
		// No device currently runs an older tag of this image: nothing
		// to roll out (§4.9 step 4).
		return &Result{RolloutID: "", Created: false}, nil
	}

	if err := in.store.Create(ctx, r, rows); err != nil {
		return nil, err
	}

	in.publisher.Publish(ctx, domain.DomainEvent{
		Type: "image.rollout_created", AggregateType: "rollout", AggregateID: r.ID,
		Data: map[string]any{"image_name": r.ImageName, "old_tag": r.OldTag, "new_tag": r.NewTag, "device_count": len(rows)},
	})

	return &Result{RolloutID: r.ID, Created: true}, nil
}

// matchPolicy selects the most specific enabled policy matching
// image:tag — most specific meaning the longest literal prefix before
// the pattern's first glob metacharacter (§4.9 step 2).
func (in *Intake) matchPolicy(ctx context.Context, image, tag string) (*domain.Policy, error) {
	candidates, err := in.policies.ListEnabled(ctx)
	if err != nil {
		return nil, err
	}

	target := image + ":" + tag
	var best *domain.Policy
	bestPrefix := -1
	for _, p := range candidates {
		matched, err := filepath.Match(p.ImagePattern, target)
		if err != nil || !matched {
			continue
		}
		prefix := literalPrefixLen(p.ImagePattern)
		if prefix > bestPrefix {
			best = p
			bestPrefix = prefix
		}
	}
	if best == nil {
		return nil, ferrors.New(ferrors.CodePolicyNotMatched, "no policy matches "+target)
	}
	return best, nil
}

// literalPrefixLen returns the length of a glob pattern's prefix
// before its first metacharacter.
func literalPrefixLen(pattern string) int {
	if idx := strings.IndexAny(pattern, "*?["); idx >= 0 {
		return idx
	}
	return len(pattern)
}
