package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// FeatureGate answers every request with 501 while the feature is off.
func FeatureGate(enabled func() bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !enabled() {
			c.AbortWithStatusJSON(http.StatusNotImplemented, gin.H{"error": "feature disabled"})
			return
		}
		c.Next()
	}
}
