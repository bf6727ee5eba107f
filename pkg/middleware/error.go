package middleware

import (
	"errors"
	"net/http"

	"treit-clickplane/pkg/errutil"

	"github.com/gin-gonic/gin"
)

// Error renders the last handler error. BaseError carries its own HTTP
// status; anything else becomes an opaque 500.
func Error() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		last := c.Errors.Last()
		if last == nil {
			return
		}

		var be errutil.BaseError
		if errors.As(last.Err, &be) {
			c.JSON(be.Code.HTTPStatus(), be.JSON())
			return
		}

		c.JSON(http.StatusInternalServerError, errutil.BaseError{
			Code:    errutil.StatusInternal,
			Message: "internal server error",
		}.JSON())
	}
}
