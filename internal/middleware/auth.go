package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"chat-service/internal/policy"
)

const (
	userIDKey   = "userID"
	userRoleKey = "userRole"
)

// TokenValidator resolves a bearer token to an actor.
type TokenValidator interface {
	ValidateToken(ctx context.Context, token string) (policy.Actor, error)
}

// AuthMiddleware validates the Authorization header with the identity service
// and stores the resolved actor on the context.
func AuthMiddleware(auth TokenValidator) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if header == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing authorization"})
			return
		}

		parts := strings.SplitN(header, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") || parts[1] == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid authorization header"})
			return
		}

		actor, err := auth.ValidateToken(c.Request.Context(), parts[1])
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}

		SetActor(c, actor)
		c.Next()
	}
}

// SetActor stores the authenticated actor on the context.
func SetActor(c *gin.Context, actor policy.Actor) {
	c.Set(userIDKey, actor.ID)
	c.Set(userRoleKey, actor.Role)
}

// ActorFromContext returns the actor set by AuthMiddleware.
func ActorFromContext(c *gin.Context) (policy.Actor, bool) {
	id, ok := c.Get(userIDKey)
	if !ok {
		return policy.Actor{}, false
	}
	userID, ok := id.(int64)
	if !ok || userID == 0 {
		return policy.Actor{}, false
	}
	role, _ := c.Get(userRoleKey)
	r, _ := role.(policy.Role)
	if r == "" {
		r = policy.RoleClient
	}
	return policy.Actor{ID: userID, Role: r}, true
}
