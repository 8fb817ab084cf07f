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
	"github.com/blnkfinance/esb"
	"github.com/blnkfinance/esb/api/middleware"
	"github.com/blnkfinance/esb/config"
	"github.com/blnkfinance/esb/metrics"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
)

type Api struct {
	bus    *esb.Bus
	router *gin.Engine
}

func (a Api) Router() *gin.Engine {
	router := a.router
	router.POST("/messages", a.SubmitMessage)
	router.GET("/messages/:id", a.GetMessage)
	router.GET("/messages/:id/children", a.GetChildMessages)
	router.POST("/messages/:id/cancel", a.CancelMessage)

	router.POST("/repair", a.TriggerRepair)
	router.GET("/circuits/:name", a.GetCircuit)
	router.GET("/queues", a.GetQueues)

	router.GET("/health", a.Health)
	router.GET("/metrics", gin.WrapH(metrics.Handler()))
	return a.router
}

func NewAPI(b *esb.Bus) *Api {
	gin.SetMode(gin.ReleaseMode)
	conf, err := config.Fetch()
	if err != nil {
		return nil
	}
	r := gin.Default()
	if conf.Telemetry {
		r.Use(otelgin.Middleware(conf.ProjectName))
	}
	r.Use(middleware.RateLimitMiddleware(conf))
	if conf.Server.Secure {
		r.Use(middleware.SecretKeyAuthMiddleware(conf))
	}

	r.GET("/", func(c *gin.Context) {
		c.JSON(200, "server running...")
	})

	return &Api{bus: b, router: r}
}
