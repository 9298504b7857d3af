// Package auth reads the caller's identity from headers set by the upstream
// gateway. Authentication itself happens before requests reach this service.
package auth

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/prooflab/prooflab/internal/market"
)

const (
	// HeaderUserID carries the authenticated user id.
	HeaderUserID = "X-User-ID"
	// HeaderUserRole carries the role the user acts in.
	HeaderUserRole = "X-User-Role"

	// ContextKeyActor is the key for storing the actor in gin context
	ContextKeyActor = "authActor"
)

// Middleware extracts the actor from identity headers.
// Sets authActor in context if both headers are present and the role is known.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := strings.TrimSpace(c.GetHeader(HeaderUserID))
		role := market.Role(strings.ToLower(strings.TrimSpace(c.GetHeader(HeaderUserRole))))
		// The system role is reserved for in-process callers.
		if id != "" && role.Valid() && role != market.RoleSystem {
			c.Set(ContextKeyActor, market.Actor{ID: id, Role: role})
		}
		c.Next()
	}
}

// RequireActor rejects requests without an identity.
func RequireActor() gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, ok := GetActor(c); !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "Identity required. Include '" + HeaderUserID + "' and '" + HeaderUserRole + "' headers.",
			})
			return
		}
		c.Next()
	}
}

// RequireRole rejects requests whose actor does not have role.
func RequireRole(role market.Role) gin.HandlerFunc {
	return func(c *gin.Context) {
		actor, ok := GetActor(c)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "Identity required.",
			})
			return
		}
		if actor.Role != role {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":   "forbidden",
				"message": "This endpoint requires role " + string(role) + ", caller has " + string(actor.Role) + ".",
			})
			return
		}
		c.Next()
	}
}

// RequireSelfOrAdmin requires the :param path value to be the caller's own
// id, unless the caller is an admin.
func RequireSelfOrAdmin(param string) gin.HandlerFunc {
	return func(c *gin.Context) {
		actor, ok := GetActor(c)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "Identity required.",
			})
			return
		}
		if actor.Role != market.RoleAdmin && actor.ID != c.Param(param) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":   "forbidden",
				"message": "You can only access your own resources.",
			})
			return
		}
		c.Next()
	}
}

// GetActor returns the actor from context (if identified)
func GetActor(c *gin.Context) (market.Actor, bool) {
	v, exists := c.Get(ContextKeyActor)
	if !exists {
		return market.Actor{}, false
	}
	actor, ok := v.(market.Actor)
	return actor, ok
}
