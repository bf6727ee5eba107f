package middleware

import (
	"context"
	"strings"

	"treit-clickplane/pkg/errutil"

	"github.com/gin-gonic/gin"
)

const userIDKey = "auth.user_id"

// Verifier resolves a bearer token to a participant ID. The tracking API
// ships tokens minted by the platform's auth service; only resolution lives
// here.
type Verifier interface {
	Verify(ctx context.Context, token string) (userID string, err error)
}

// Auth authenticates the request and stores the participant ID on the
// context. Missing or unverifiable tokens abort with 401.
func Auth(v Verifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := bearerToken(c)
		if token == "" {
			c.AbortWithStatusJSON(401, errutil.BaseError{
				Code:    errutil.StatusUnauthorized,
				Message: "missing bearer token",
			}.JSON())
			return
		}

		userID, err := v.Verify(c.Request.Context(), token)
		if err != nil {
			c.AbortWithStatusJSON(401, errutil.BaseError{
				Code:    errutil.StatusUnauthorized,
				Message: "invalid bearer token",
			}.JSON())
			return
		}

		c.Set(userIDKey, userID)
		c.Next()
	}
}

// UserID returns the authenticated participant ID, empty when the route is
// unauthenticated.
func UserID(c *gin.Context) string {
	v, ok := c.Get(userIDKey)
	if !ok {
		return ""
	}
	id, _ := v.(string)
	return id
}

func bearerToken(c *gin.Context) string {
	h := c.GetHeader("Authorization")
	if h == "" {
		return ""
	}
	parts := strings.SplitN(h, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
