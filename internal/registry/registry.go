// Package registry implements the Image Registry Gate (§4.3): the
// admission controller that decides whether a rollout may be created
// for a given image and tag.
package registry

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"fleetd.sh/internal/database"
	"fleetd.sh/internal/domain"
	"fleetd.sh/internal/ferrors"
)

// Gate evaluates image admission requests.
type Gate struct {
	db                *database.DB
	internalNamespaces []string
	logger            *slog.Logger
}

// New creates an Image Registry Gate. internalNamespaces is the
// configured prefix set that bypasses registry admission entirely
// (§4.3 rule 1), e.g. "internal/", "company-internal/".
func New(db *database.DB, internalNamespaces []string) *Gate {
	return &Gate{
		db:                db,
		internalNamespaces: internalNamespaces,
		logger:            slog.Default().With("component", "registry-gate"),
	}
}

// Admit decides whether rollout creation may proceed for this image
// and tag, evaluating the rules in spec order: internal-namespace
// bypass, then image-level admission, then tag-level admission.
func (g *Gate) Admit(ctx context.Context, registryName, image, tag string) (domain.AdmitDecision, error) {
	if g.isInternal(image) {
		return domain.DecisionAdmit, nil
	}

	entry, err := g.getOrCreateImageEntry(ctx, registryName, image, tag)
	if err != nil {
		return "", err
	}
	if entry.Status != domain.ImageStatusApproved {
		return domain.DecisionPendingApproval, nil
	}

	return g.admitTag(ctx, entry.ID, tag)
}

func (g *Gate) isInternal(image string) bool {
	for _, prefix := range g.internalNamespaces {
		if prefix != "" && strings.HasPrefix(image, prefix) {
			return true
		}
	}
	return false
}

// getOrCreateImageEntry looks up (registry, image). If absent, it
// creates a pending approval request and a pending image entry so the
// next Admit call for the same image is idempotent instead of
// creating a second request.
func (g *Gate) getOrCreateImageEntry(ctx context.Context, registryName, image, tag string) (*domain.ImageRegistryEntry, error) {
	entry, err := g.findImageEntry(ctx, registryName, image)
	if err == nil {
		return entry, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, ferrors.Wrap(err, ferrors.CodeInternal, "failed to look up image entry")
	}

	namespace, _ := splitNamespace(image)
	id := uuid.New().String()
	now := time.Now()
	_, execErr := g.db.ExecContext(ctx, `
		INSERT INTO images (id, registry, namespace, image_name, status, category, is_official, created_at)
		VALUES (?, ?, ?, ?, ?, '', 0, ?)
		ON CONFLICT (registry, image_name) DO NOTHING
	`, id, registryName, namespace, image, domain.ImageStatusPending, now)
	if execErr != nil {
		return nil, ferrors.Wrap(execErr, ferrors.CodeInternal, "failed to create image entry")
	}

	g.createApprovalRequestOnce(ctx, registryName, image, tag)

	entry, err = g.findImageEntry(ctx, registryName, image)
	if err != nil {
		return nil, ferrors.Wrap(err, ferrors.CodeInternal, "failed to reload image entry after insert")
	}
	return entry, nil
}

func (g *Gate) createApprovalRequestOnce(ctx context.Context, registryName, image, tag string) {
	id := uuid.New().String()
	_, err := g.db.ExecContext(ctx, `
		INSERT INTO image_approval_requests (id, registry, image_name, tag, resolved, created_at)
		VALUES (?, ?, ?, ?, 0, ?)
		ON CONFLICT (registry, image_name) DO NOTHING
	`, id, registryName, image, tag, time.Now())
	if err != nil {
		g.logger.Warn("failed to create approval request", "image", image, "error", err)
	}
}

func (g *Gate) findImageEntry(ctx context.Context, registryName, image string) (*domain.ImageRegistryEntry, error) {
	row := g.db.QueryRowContext(ctx, `
		SELECT id, registry, namespace, image_name, status, category, is_official, created_at
		FROM images WHERE registry = ? AND image_name = ?
	`, registryName, image)

	var e domain.ImageRegistryEntry
	var status string
	if err := row.Scan(&e.ID, &e.Registry, &e.Namespace, &e.ImageName, &status, &e.Category, &e.IsOfficial, &e.CreatedAt); err != nil {
		return nil, err
	}
	e.Status = domain.ImageApprovalStatus(status)
	return &e, nil
}

// admitTag evaluates rule 3: unknown tags auto-admit (and get
// inserted), deprecated tags reject, everything else admits.
func (g *Gate) admitTag(ctx context.Context, imageEntryID, tag string) (domain.AdmitDecision, error) {
	row := g.db.QueryRowContext(ctx, `
		SELECT is_deprecated FROM image_tags WHERE image_id = ? AND tag = ?
	`, imageEntryID, tag)

	var deprecated bool
	err := row.Scan(&deprecated)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		if insertErr := g.insertTagOnce(ctx, imageEntryID, tag); insertErr != nil {
			return "", insertErr
		}
		return domain.DecisionAdmit, nil
	case err != nil:
		return "", ferrors.Wrap(err, ferrors.CodeInternal, "failed to look up image tag")
	case deprecated:
		return domain.DecisionDeprecated, nil
	default:
		return domain.DecisionAdmit, nil
	}
}

func (g *Gate) insertTagOnce(ctx context.Context, imageEntryID, tag string) error {
	_, err := g.db.ExecContext(ctx, `
		INSERT INTO image_tags (id, image_id, tag, is_deprecated, is_recommended, created_at)
		VALUES (?, ?, ?, 0, 0, ?)
		ON CONFLICT (image_id, tag) DO NOTHING
	`, uuid.New().String(), imageEntryID, tag, time.Now())
	if err != nil {
		return ferrors.Wrap(err, ferrors.CodeInternal, "failed to insert image tag")
	}
	return nil
}

// splitNamespace separates a Docker-style image reference's leading
// namespace ("library/nginx" -> "library", "nginx") from its name. An
// unqualified name ("nginx") has an empty namespace.
func splitNamespace(image string) (namespace, name string) {
	idx := strings.LastIndex(image, "/")
	if idx == -1 {
		return "", image
	}
	return image[:idx], image[idx+1:]
}

// Approve marks an image entry approved, unblocking future Admit
// calls for it. Used by the admin image-registry CRUD surface.
func (g *Gate) Approve(ctx context.Context, registryName, image string) error {
	res, err := g.db.ExecContext(ctx,
		`UPDATE images SET status = ? WHERE registry = ? AND image_name = ?`,
		domain.ImageStatusApproved, registryName, image,
	)
	if err != nil {
		return ferrors.Wrap(err, ferrors.CodeInternal, "failed to approve image")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return ferrors.Wrap(err, ferrors.CodeInternal, "failed to read update result")
	}
	if affected == 0 {
		return ferrors.New(ferrors.CodeNotFound, "image entry not found")
	}
	return nil
}

// Reject marks an image entry rejected.
func (g *Gate) Reject(ctx context.Context, registryName, image string) error {
	res, err := g.db.ExecContext(ctx,
		`UPDATE images SET status = ? WHERE registry = ? AND image_name = ?`,
		domain.ImageStatusRejected, registryName, image,
	)
	if err != nil {
		return ferrors.Wrap(err, ferrors.CodeInternal, "failed to reject image")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return ferrors.Wrap(err, ferrors.CodeInternal, "failed to read update result")
	}
	if affected == 0 {
		return ferrors.New(ferrors.CodeNotFound, "image entry not found")
	}
	return nil
}

// DeprecateTag marks a tag deprecated, so future Admit calls reject it.
func (g *Gate) DeprecateTag(ctx context.Context, registryName, image, tag string) error {
	entry, err := g.findImageEntry(ctx, registryName, image)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ferrors.New(ferrors.CodeNotFound, "image entry not found")
		}
		return ferrors.Wrap(err, ferrors.CodeInternal, "failed to look up image entry")
	}
	res, err := g.db.ExecContext(ctx,
		`UPDATE image_tags SET is_deprecated = 1 WHERE image_id = ? AND tag = ?`,
		entry.ID, tag,
	)
	if err != nil {
		return ferrors.Wrap(err, ferrors.CodeInternal, "failed to deprecate tag")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return ferrors.Wrap(err, ferrors.CodeInternal, "failed to read update result")
	}
	if affected == 0 {
		return ferrors.New(ferrors.CodeNotFound, "image tag not found")
	}
	return nil
}
