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

// Package metrics exposes the filing and reconciliation outcome counters.
package metrics

import (
	"context"
	"fmt"

	"github.com/apgms/escrow/model"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/apgms/escrow"

// Recorder implements the engine's Metrics hook on top of OTel counters.
type Recorder struct {
	filed       map[model.FilingKind]metric.Int64Counter
	blocked     map[model.FilingKind]metric.Int64Counter
	discrepancy metric.Int64Counter
}

// New registers the counters on provider.
func New(provider metric.MeterProvider) (*Recorder, error) {
	meter := provider.Meter(meterName)
	r := &Recorder{
		filed:   make(map[model.FilingKind]metric.Int64Counter),
		blocked: make(map[model.FilingKind]metric.Int64Counter),
	}

	for _, kind := range []model.FilingKind{model.FilingWithholding, model.FilingStatement} {
		filed, err := meter.Int64Counter(fmt.Sprintf("%s_filed_total", kind.Slug()),
			metric.WithDescription(fmt.Sprintf("%s filings accepted by the regulator", kind.Slug())))
		if err != nil {
			return nil, err
		}
		blocked, err := meter.Int64Counter(fmt.Sprintf("%s_escrow_blocked_total", kind.Slug()),
			metric.WithDescription(fmt.Sprintf("%s filings held back by the escrow check", kind.Slug())))
		if err != nil {
			return nil, err
		}
		r.filed[kind] = filed
		r.blocked[kind] = blocked
	}

	discrepancy, err := meter.Int64Counter("designated_discrepancy_escalated_total",
		metric.WithDescription("reconciliation records escalated for a balance discrepancy"))
	if err != nil {
		return nil, err
	}
	r.discrepancy = discrepancy
	return r, nil
}

func (r *Recorder) FilingFiled(ctx context.Context, kind model.FilingKind) {
	if c, ok := r.filed[kind]; ok {
		c.Add(ctx, 1)
	}
}

func (r *Recorder) EscrowBlocked(ctx context.Context, kind model.FilingKind, reason string) {
	if c, ok := r.blocked[kind]; ok {
		c.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
	}
}

func (r *Recorder) DiscrepancyEscalated(ctx context.Context, orgID string, count int) {
	if count <= 0 {
		return
	}
	r.discrepancy.Add(ctx, int64(count), metric.WithAttributes(attribute.String("org_id", orgID)))
}
