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

// Package auditlog exports committed audit entries as OTel log records.
package auditlog

import (
	"context"
	"encoding/json"

	"github.com/apgms/escrow/model"
	"go.opentelemetry.io/otel/log"
)

const loggerName = "github.com/apgms/escrow/audit"

type Sink struct {
	logger log.Logger
}

func New(provider log.LoggerProvider) *Sink {
	return &Sink{logger: provider.Logger(loggerName)}
}

// Emit writes one record per entry. The body is the action; chain fields travel as attributes.
func (s *Sink) Emit(ctx context.Context, entry *model.AuditLogEntry) error {
	metadata, err := json.Marshal(entry.Metadata)
	if err != nil {
		return err
	}

	var record log.Record
	record.SetTimestamp(entry.CreatedAt)
	record.SetSeverity(log.SeverityInfo)
	record.SetBody(log.StringValue(entry.Action))
	record.AddAttributes(
		log.String("audit.id", entry.ID),
		log.String("org_id", entry.OrgID),
		log.Int64("audit.sequence", entry.Sequence),
		log.String("actor_id", entry.ActorID),
		log.String("audit.hash", entry.Hash),
		log.String("audit.prev_hash", entry.PrevHash),
		log.String("audit.metadata", string(metadata)),
	)
	s.logger.Emit(ctx, record)
	return nil
}
