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
	"context"
	"errors"
	"fmt"

	"github.com/apgms/escrow/model"
	"github.com/spf13/cobra"
)

type chainCheck struct {
	name   string
	verify func(ctx context.Context, orgID string) (*model.ChainBreak, error)
}

// verifyCommands walks the journal and audit hash chains of one org and fails on the first break.
func verifyCommands(a *escrowInstance) *cobra.Command {
	var orgID string

	cmd := &cobra.Command{
		Use:   "verify",
		Short: "verify the journal and audit hash chains of an org",
		RunE: func(cmd *cobra.Command, args []string) error {
			if orgID == "" {
				return errors.New("--org is required")
			}
			ctx := cmd.Context()

			checks := []chainCheck{
				{name: "journal", verify: a.escrow.VerifyJournalChain},
				{name: "audit", verify: a.escrow.VerifyAuditChain},
			}

			broken := false
			for _, check := range checks {
				brk, err := check.verify(ctx, orgID)
				if err != nil {
					return fmt.Errorf("verifying %s chain: %w", check.name, err)
				}
				if brk != nil {
					broken = true
					fmt.Printf("%s chain broken at sequence %d (entry %s): %s\n", check.name, brk.Sequence, brk.EntryID, brk.Reason)
					continue
				}
				fmt.Printf("%s chain ok\n", check.name)
			}

			if broken {
				return fmt.Errorf("hash chain verification failed for org %s", orgID)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&orgID, "org", "", "org whose chains are verified")
	return cmd
}
