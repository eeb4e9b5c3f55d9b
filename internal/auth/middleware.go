package auth

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const subjectContextKey = "auth_subject"

// Realm is sent in the WWW-Authenticate challenge.
const Realm = "hacluster"

// BasicAuth returns middleware that authenticates every request with HTTP
// basic credentials and stores the subject in the gin context.
func BasicAuth(subjects *Subjects, logger *zap.Logger) gin.HandlerFunc {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(c *gin.Context) {
		name, password, ok := c.Request.BasicAuth()
		if !ok {
			c.Header("WWW-Authenticate", `Basic realm="`+Realm+`"`)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "authentication required"})
			return
		}

		subject, err := subjects.Authenticate(c.Request.Context(), name, password)
		if err != nil {
			logger.Warn("authentication failed",
				zap.String("subject", name),
				zap.String("path", c.FullPath()),
				zap.Error(err))
			c.Header("WWW-Authenticate", `Basic realm="`+Realm+`"`)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid credentials"})
			return
		}

		SetSubject(c, subject)
		c.Next()
	}
}

// SetSubject stores the authenticated subject in the context.
func SetSubject(c *gin.Context, subject Subject) {
	c.Set(subjectContextKey, subject)
}

// SubjectFrom returns the subject stored by BasicAuth.
func SubjectFrom(c *gin.Context) (Subject, bool) {
	v, ok := c.Get(subjectContextKey)
	if !ok {
		return Subject{}, false
	}
	subject, ok := v.(Subject)
	return subject, ok
}

// SubjectName returns the authenticated subject's name, or "" if the request
// was not authenticated.
func SubjectName(c *gin.Context) string {
	subject, _ := SubjectFrom(c)
	return subject.Name
}
