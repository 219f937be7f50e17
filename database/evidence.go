package database

import (
	"context"

	"github.com/apgms/escrow/model"
	"github.com/pkg/errors"
)

func (q *queries) InsertEvidenceArtifact(ctx context.Context, artifact *model.EvidenceArtifact) error {
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO escrow.evidence_artifacts (id, org_id, kind, sha256, immutable_uri, payload, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, artifact.ID, artifact.OrgID, artifact.Kind, artifact.SHA256, artifact.ImmutableURI, string(artifact.Payload), artifact.CreatedAt)
	return mapPgError(err)
}

// SealEvidenceLocator replaces the pending locator. A sealed locator is never rewritten.
func (q *queries) SealEvidenceLocator(ctx context.Context, id, uri string) error {
	result, err := q.db.ExecContext(ctx, `
		UPDATE escrow.evidence_artifacts
		SET immutable_uri = $1
		WHERE id = $2 AND immutable_uri = $3
	`, uri, id, model.PendingEvidenceLocator)
	if err != nil {
		return mapPgError(err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return errors.Wrapf(ErrConflict, "evidence artifact %s is missing or already sealed", id)
	}
	return nil
}

func (q *queries) GetEvidenceArtifact(ctx context.Context, id string) (*model.EvidenceArtifact, error) {
	artifact := &model.EvidenceArtifact{}
	var payload string
	err := q.db.QueryRowContext(ctx, `
		SELECT id, org_id, kind, sha256, immutable_uri, payload, created_at
		FROM escrow.evidence_artifacts
		WHERE id = $1
	`, id).Scan(&artifact.ID, &artifact.OrgID, &artifact.Kind, &artifact.SHA256, &artifact.ImmutableURI, &payload, &artifact.CreatedAt)
	if err != nil {
		return nil, mapPgError(err)
	}
	artifact.Payload = []byte(payload)
	artifact.CreatedAt = artifact.CreatedAt.UTC()
	return artifact, nil
}
