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
	"errors"
	"net/http"

	"github.com/apgms/escrow"
	"github.com/apgms/escrow/api/middleware"
	"github.com/apgms/escrow/config"
	"github.com/apgms/escrow/internal/apierror"
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
)

// Api serves read access to evidence, chain verification and filing status.
type Api struct {
	escrow *escrow.Escrow
	router *gin.Engine
}

func (a Api) Router() *gin.Engine {
	router := a.router
	router.GET("/evidence/:id", a.GetEvidence)
	router.GET("/filings/:id", a.GetFiling)
	router.GET("/orgs/:org_id/journal/verify", a.VerifyJournal)
	router.GET("/orgs/:org_id/audit/verify", a.VerifyAudit)
	return a.router
}

// NewAPI builds the router from conf. A nil conf serves without auth or rate limits.
func NewAPI(e *escrow.Escrow, conf *config.Configuration) *Api {
	gin.SetMode(gin.ReleaseMode)
	if conf == nil {
		conf = &config.Configuration{}
	}

	r := gin.Default()
	r.Use(otelgin.Middleware(conf.ProjectName))
	r.Use(middleware.RateLimitMiddleware(conf))
	if conf.Server.Secure {
		r.Use(middleware.SecretKeyAuthMiddleware(conf.Server.SecretKey))
	}

	r.GET("/", func(c *gin.Context) {
		c.JSON(http.StatusOK, "server running...")
	})

	return &Api{escrow: e, router: r}
}

// respondError writes err with the status its code maps to.
func respondError(c *gin.Context, err error) {
	var apiErr apierror.APIError
	if errors.As(err, &apiErr) {
		c.JSON(apierror.MapErrorToHTTPStatus(err), gin.H{"error": apiErr.Message, "code": apiErr.Code})
		return
	}
	c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
}
