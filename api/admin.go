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

	"github.com/blnkfinance/esb/internal/apierror"

	"github.com/gin-gonic/gin"
)

// TriggerRepair runs the message and external call repair sweeps on this node.
func (a Api) TriggerRepair(c *gin.Context) {
	resp, err := a.bus.TriggerRepair(c.Request.Context())
	if err != nil {
		c.JSON(apierror.MapErrorToHTTPStatus(err), gin.H{"error": err.Error(), "repaired": resp})
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (a Api) GetCircuit(c *gin.Context) {
	name := c.Param("name")
	if q := c.Query("uri"); q != "" {
		// circuit names are usually URIs, which do not fit in a path segment
		name = q
	}

	resp, err := a.bus.Circuit(c.Request.Context(), name)
	if err != nil {
		c.JSON(apierror.MapErrorToHTTPStatus(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, resp)
}

// GetQueues lists the shard queues with their task counts.
func (a Api) GetQueues(c *gin.Context) {
	queue := a.bus.Queue()
	if queue == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "this node does not own the message queue"})
		return
	}
	resp, err := queue.Stats()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, resp)
}

// Health reports whether the database and redis answer.
func (a Api) Health(c *gin.Context) {
	if err := a.bus.Ping(c.Request.Context()); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
