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

package api

import (
	"net/http"

	"github.com/apgms/escrow/model"
	"github.com/gin-gonic/gin"
)

// chainReport is the body of both verify endpoints.
type chainReport struct {
	OrgID string            `json:"org_id"`
	Valid bool              `json:"valid"`
	Break *model.ChainBreak `json:"break,omitempty"`
}

// GetEvidence returns a sealed evidence artifact. integrity_ok recomputes the digest over the
// stored payload.
func (a Api) GetEvidence(c *gin.Context) {
	id, passed := c.Params.Get("id")
	if !passed {
		c.JSON(http.StatusBadRequest, gin.H{"error": "id is required. pass id in the route /:id"})
		return
	}

	artifact, err := a.escrow.GetEvidenceArtifact(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"artifact":     artifact,
		"integrity_ok": artifact.Verify(),
	})
}

func (a Api) VerifyJournal(c *gin.Context) {
	orgID := c.Param("org_id")
	brk, err := a.escrow.VerifyJournalChain(c.Request.Context(), orgID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, chainReport{OrgID: orgID, Valid: brk == nil, Break: brk})
}

func (a Api) VerifyAudit(c *gin.Context) {
	orgID := c.Param("org_id")
	brk, err := a.escrow.VerifyAuditChain(c.Request.Context(), orgID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, chainReport{OrgID: orgID, Valid: brk == nil, Break: brk})
}
