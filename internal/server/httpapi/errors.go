package httpapi

import (
	"errors"
	"net/http"

	"github.com/dmitrijs2005/otpkeeper/internal/common"
	"github.com/dmitrijs2005/otpkeeper/internal/logging"
	"github.com/gin-gonic/gin"
)

// writeError maps service errors to status codes. Anything unrecognised is a
// 500 with a generic message; details only go to the log.
func writeError(c *gin.Context, logger logging.Logger, err error) {
	switch {
	case errors.Is(err, common.ErrorNotFound):
		abort(c, http.StatusNotFound, "Not found")
	case errors.Is(err, common.ErrForbidden):
		abort(c, http.StatusForbidden, common.ErrForbidden.Error())
	case errors.Is(err, common.ErrValidation):
		abort(c, http.StatusBadRequest, err.Error())
	case errors.Is(err, common.ErrorUnauthorized):
		abort(c, http.StatusUnauthorized, "Invalid authentication token")
	default:
		logger.Error(c.Request.Context(), "request failed", "path", c.FullPath(), "error", err)
		abort(c, http.StatusInternalServerError, "Internal server error")
	}
}

func respond(c *gin.Context, status int, data any) {
	c.JSON(status, gin.H{"success": true, "data": data})
}
