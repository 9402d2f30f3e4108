// Package httpapi is the thin HTTP boundary (spec.md §9's "HTTP
// request -> ExecuteInstantOrder/Close" entry point): a gin router
// exposing the Order Execution Engine over a synchronous REST contract.
// Adapted from internal/api/middleware.go's gin-middleware idiom (CORS,
// request id, rate limit, timeout, request logger); auth is a stub that
// trusts an upstream-verified principal header rather than internal/api's
// dropped JWT path, since issuing/verifying credentials is external per
// the Non-goals.
package httpapi

import (
	"context"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

var (
	ipLimiters = make(map[string]*rate.Limiter)
	ipLimitMu  sync.RWMutex
)

func getIPLimiter(ip string) *rate.Limiter {
	ipLimitMu.RLock()
	limiter, exists := ipLimiters[ip]
	ipLimitMu.RUnlock()
	if exists {
		return limiter
	}

	ipLimitMu.Lock()
	defer ipLimitMu.Unlock()
	if limiter, exists := ipLimiters[ip]; exists {
		return limiter
	}
	limiter = rate.NewLimiter(rate.Limit(20), 50)
	ipLimiters[ip] = limiter
	return limiter
}

// CORSMiddleware handles Cross-Origin Resource Sharing.
func CORSMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Credentials", "true")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID, X-Principal-ID")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}
		c.Next()
	}
}

// RequestIDMiddleware stamps every request with a correlation id.
func RequestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		c.Set("RequestID", requestID)
		c.Writer.Header().Set("X-Request-ID", requestID)
		c.Next()
	}
}

// RateLimitMiddleware enforces a per-IP token bucket.
func RateLimitMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !getIPLimiter(c.ClientIP()).Allow() {
			c.JSON(http.StatusTooManyRequests, gin.H{"error": "rate limit exceeded"})
			c.Abort()
			return
		}
		c.Next()
	}
}

// TimeoutMiddleware bounds request handling so a stuck downstream
// collaborator (Redis, RabbitMQ, the provider socket) can't pin a
// connection open forever.
func TimeoutMiddleware(timeout time.Duration) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), timeout)
		defer cancel()
		c.Request = c.Request.WithContext(ctx)

		finished := make(chan struct{})
		panicked := make(chan any, 1)

		go func() {
			defer func() {
				if p := recover(); p != nil {
					panicked <- p
				}
			}()
			c.Next()
			close(finished)
		}()

		select {
		case <-panicked:
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
			c.Abort()
		case <-finished:
		case <-ctx.Done():
			c.JSON(http.StatusRequestTimeout, gin.H{"error": "request timeout"})
			c.Abort()
		}
	}
}

// RequestLogger logs every request's method, path, status, and latency.
func RequestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		method := c.Request.Method

		c.Next()

		log.Printf("[httpapi] %s %s | %d | %v | %s",
			method, path, c.Writer.Status(), time.Since(start), c.ClientIP())
	}
}

// PrincipalAuth trusts an upstream-verified principal header rather
// than validating a credential itself (issuing/verifying tokens is
// external per the Non-goals); it only rejects requests that never went
// through that upstream check.
func PrincipalAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		principal := c.GetHeader("X-Principal-ID")
		if principal == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "missing principal"})
			c.Abort()
			return
		}
		c.Set("PrincipalID", principal)
		c.Next()
	}
}
