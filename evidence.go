/*
Copyright 2024 Blnk Finance Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package escrow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/apgms/escrow/database"
	"github.com/apgms/escrow/internal/apierror"
	"github.com/apgms/escrow/internal/cache"
	"github.com/apgms/escrow/model"
	"github.com/sirupsen/logrus"
)

func evidenceCacheKey(id string) string {
	return "evidence:" + id
}

// createArtifactTx stores the summary under a pending locator. The digest covers exactly the
// stored bytes and never the id. Without an archive the locator is sealed to the internal
// form before the transaction commits.
func (e *Escrow) createArtifactTx(ctx context.Context, q database.Queries, orgID string, summary *model.ReconciliationSummary, now time.Time) (*model.EvidenceArtifact, error) {
	payload, err := marshalSummary(summary)
	if err != nil {
		return nil, err
	}

	artifact := &model.EvidenceArtifact{
		ID:           model.GenerateUUIDWithSuffix("evd"),
		OrgID:        orgID,
		Kind:         model.EvidenceKindReconciliation,
		SHA256:       model.SHA256Hex(payload),
		ImmutableURI: model.PendingEvidenceLocator,
		Payload:      payload,
		CreatedAt:    now,
	}
	if err := q.InsertEvidenceArtifact(ctx, artifact); err != nil {
		return nil, err
	}

	if e.archive == nil {
		uri := model.InternalEvidenceLocator(artifact.ID)
		if err := q.SealEvidenceLocator(ctx, artifact.ID, uri); err != nil {
			return nil, err
		}
		artifact.ImmutableURI = uri
	}
	return artifact, nil
}

// archiveArtifact copies a committed artifact to the archive and seals its locator. When the
// archive is unavailable the internal locator is sealed instead.
func (e *Escrow) archiveArtifact(ctx context.Context, artifact *model.EvidenceArtifact) {
	uri, err := e.archive.Put(ctx, artifact)
	if err != nil {
		logrus.WithFields(logrus.Fields{"org_id": artifact.OrgID, "artifact_id": artifact.ID}).Errorf("evidence archive failed, sealing internal locator: %v", err)
		uri = model.InternalEvidenceLocator(artifact.ID)
	}
	if err := e.datasource.SealEvidenceLocator(ctx, artifact.ID, uri); err != nil {
		logrus.WithField("artifact_id", artifact.ID).Errorf("sealing evidence locator: %v", err)
		return
	}
	artifact.ImmutableURI = uri
}

// GetEvidenceArtifact returns a sealed artifact by id, reading through the cache when one is
// configured. Artifacts still awaiting their locator are never cached.
func (e *Escrow) GetEvidenceArtifact(ctx context.Context, id string) (*model.EvidenceArtifact, error) {
	ctx, span := tracer.Start(ctx, "GetEvidenceArtifact")
	defer span.End()

	if e.cache != nil {
		cached := &model.EvidenceArtifact{}
		err := e.cache.Get(ctx, evidenceCacheKey(id), cached)
		if err == nil {
			return cached, nil
		}
		if !errors.Is(err, cache.ErrMiss) {
			logrus.WithField("artifact_id", id).Warnf("evidence cache read: %v", err)
		}
	}

	artifact, err := e.datasource.GetEvidenceArtifact(ctx, id)
	if errors.Is(err, database.ErrNotFound) {
		return nil, apierror.NewAPIError(apierror.ErrNotFound, fmt.Sprintf("evidence artifact %s not found", id), nil)
	}
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	if e.cache != nil && artifact.ImmutableURI != model.PendingEvidenceLocator {
		if err := e.cache.Set(ctx, evidenceCacheKey(id), artifact, e.settings.EvidenceCacheTTL); err != nil {
			logrus.WithField("artifact_id", id).Warnf("evidence cache write: %v", err)
		}
	}
	return artifact, nil
}
