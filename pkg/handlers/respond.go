// Package handlers maps the HTTP API onto the auth and book services.
package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"grimoire/pkg/apperr"
	"grimoire/pkg/middleware"
)

var errBadBody = apperr.Validation("invalid request body")

// respondError writes err as {message}. Internal failures are logged with
// their cause and reported to the client generically.
func respondError(c *gin.Context, err error) {
	status, message := apperr.Describe(err)
	if status >= http.StatusInternalServerError {
		middleware.Logger(c).WithError(err).Error("Request failed")
	}
	c.AbortWithStatusJSON(status, gin.H{"message": message})
}
