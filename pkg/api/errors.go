package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/menagerie-sh/menagerie/pkg/fleet"
)

// respondError maps domain errors to HTTP statuses. Messages stay short;
// nothing internal leaks past them.
func respondError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, fleet.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, fleet.ErrExists):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}

func badRequest(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, gin.H{"error": msg})
}

func notFound(c *gin.Context) {
	c.JSON(http.StatusNotFound, gin.H{"error": "creature not found"})
}
