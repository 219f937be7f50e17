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

package main

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/spf13/cobra"
)

// reconcileCommands runs reconciliation for one org, or every org when --org is empty.
// With --async the run is queued for the workers instead.
func reconcileCommands(a *escrowInstance) *cobra.Command {
	var (
		orgID string
		actor string
		async bool
	)

	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "reconcile designated accounts and seal the evidence artifact",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			if async {
				return a.queue.EnqueueReconcile(ctx, orgID)
			}

			if orgID != "" {
				result, err := a.escrow.Reconcile(ctx, orgID, actor)
				if err != nil {
					return err
				}
				return printJSON(result)
			}

			results, err := a.escrow.ReconcileAll(ctx)
			if len(results) > 0 {
				if pErr := printJSON(results); pErr != nil {
					return errors.Join(err, pErr)
				}
			}
			return err
		},
	}

	cmd.Flags().StringVar(&orgID, "org", "", "org to reconcile; all orgs when empty")
	cmd.Flags().StringVar(&actor, "actor", "cli", "actor recorded in the audit trail")
	cmd.Flags().BoolVar(&async, "async", false, "queue the run for the workers")

	return cmd
}

func printJSON(v interface{}) error {
	data, err := json.MarshalIndent(v, "", "    ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}
