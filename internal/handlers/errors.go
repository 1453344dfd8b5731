package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"chat-service/internal/chat"
)

// respondError maps service errors onto the HTTP error taxonomy.
func respondError(c *gin.Context, err error, fallback string) {
	var verr *chat.ValidationError
	switch {
	case errors.As(err, &verr):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "validation failed", "field": verr.Field, "reason": verr.Reason})
	case errors.Is(err, chat.ErrFeatureDisabled):
		c.JSON(http.StatusNotImplemented, gin.H{"error": "feature disabled"})
	case errors.Is(err, chat.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
	case errors.Is(err, chat.ErrForbidden):
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden"})
	case errors.Is(err, chat.ErrStorage):
		c.JSON(http.StatusBadGateway, gin.H{"error": "storage unavailable"})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": fallback})
	}
}

func validationFailed(c *gin.Context, field, reason string) {
	c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "validation failed", "field": field, "reason": reason})
}
