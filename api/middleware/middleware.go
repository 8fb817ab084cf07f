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
package middleware

import (
	"crypto/subtle"
	"net/http"
	"time"

	"github.com/blnkfinance/esb/config"
	"github.com/didip/tollbooth/v7"
	"github.com/didip/tollbooth/v7/limiter"
	"github.com/gin-gonic/gin"
)

const KeyHeader = "X-ESB-Key"

// RateLimitMiddleware limits requests per client address. It lets everything
// through when no rate or burst is configured.
func RateLimitMiddleware(conf *config.Configuration) gin.HandlerFunc {
	rl := conf.RateLimit
	if rl.RequestsPerSecond == nil || rl.Burst == nil {
		return func(c *gin.Context) { c.Next() }
	}

	ttl := time.Hour
	if rl.CleanupIntervalSec != nil {
		ttl = config.Seconds(*rl.CleanupIntervalSec)
	}

	lmt := tollbooth.NewLimiter(*rl.RequestsPerSecond, &limiter.ExpirableOptions{DefaultExpirationTTL: ttl})
	lmt.SetBurst(*rl.Burst)
	lmt.SetMessage("too many requests, slow down")

	return func(c *gin.Context) {
		if httpError := tollbooth.LimitByRequest(lmt, c.Writer, c.Request); httpError != nil {
			c.AbortWithStatusJSON(httpError.StatusCode, gin.H{"error": httpError.Message})
			return
		}
		c.Next()
	}
}

type access int

const (
	accessNone access = iota
	accessRead
	accessAll
)

func readOnly(method string) bool {
	return method == http.MethodGet || method == http.MethodHead
}

// SecretKeyAuthMiddleware checks the X-ESB-Key header. The secret key opens
// every route; the optional read-only key opens GET and HEAD requests. The
// root path stays open for health checks.
func SecretKeyAuthMiddleware(conf *config.Configuration) gin.HandlerFunc {
	resolve := func(key string) access {
		switch {
		case secureCompare(conf.Server.SecretKey, key):
			return accessAll
		case conf.Server.ReadOnlyKey != "" && secureCompare(conf.Server.ReadOnlyKey, key):
			return accessRead
		}
		return accessNone
	}

	return func(c *gin.Context) {
		if c.Request.URL.Path == "/" {
			c.Next()
			return
		}
		if conf.Server.SecretKey == "" {
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "Secret key is not configured"})
			return
		}

		key := c.GetHeader(KeyHeader)
		if key == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Authentication required. Use X-ESB-Key header"})
			return
		}

		switch resolve(key) {
		case accessAll:
			c.Next()
		case accessRead:
			if !readOnly(c.Request.Method) {
				c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "Read-only key cannot change messages"})
				return
			}
			c.Next()
		default:
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Invalid secret key"})
		}
	}
}

func secureCompare(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
