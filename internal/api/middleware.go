package api

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// authMiddleware validates the Bearer token in the Authorization header.
// When allowQuery is set, a "token" query parameter is accepted as well so
// subscription URLs work in clients that cannot send headers.
func authMiddleware(token string, allowQuery bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		if token == "" {
			c.Next()
			return
		}

		if allowQuery {
			if q := c.Query("token"); q != "" {
				if !tokenEqual(q, token) {
					writeError(c, http.StatusUnauthorized, "UNAUTHORIZED", "invalid token")
					return
				}
				c.Next()
				return
			}
		}

		auth := c.GetHeader("Authorization")
		if auth == "" {
			writeError(c, http.StatusUnauthorized, "UNAUTHORIZED", "missing Authorization header")
			return
		}

		const prefix = "Bearer "
		if !strings.HasPrefix(auth, prefix) {
			writeError(c, http.StatusUnauthorized, "UNAUTHORIZED", "invalid Authorization header format")
			return
		}

		if !tokenEqual(auth[len(prefix):], token) {
			writeError(c, http.StatusUnauthorized, "UNAUTHORIZED", "invalid token")
			return
		}
		c.Next()
	}
}

func tokenEqual(got, want string) bool {
	return subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
}

// requestLogger logs every request at debug level.
func requestLogger(log logrus.FieldLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()
		log.WithFields(logrus.Fields{
			"method": c.Request.Method,
			"path":   c.FullPath(),
			"status": c.Writer.Status(),
		}).Debug("request")
	}
}
