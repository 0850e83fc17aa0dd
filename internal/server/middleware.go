package server

import (
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/mooose/corrector/internal/auth"
)

const (
	headerAnonID   = "X-Anon-ID"
	headerDeviceID = "X-Device-ID"

	contextUserKey = "current_user"
)

func bearerToken(c *gin.Context) string {
	header := c.GetHeader("Authorization")
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}

// AuthRequired rejects requests without a live session.
func (s *Server) AuthRequired() gin.HandlerFunc {
	return func(c *gin.Context) {
		user, err := s.resolveUser(c)
		if err != nil {
			AbortWithError(c, err)
			return
		}
		if user == nil {
			AbortWithError(c, ErrUnauthorized)
			return
		}
		c.Set(contextUserKey, user)
		c.Next()
	}
}

// OptionalAuth resolves the session when a token is present and lets
// anonymous requests through. A stale token counts as anonymous rather
// than failing the request, matching the gate semantics.
func (s *Server) OptionalAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		user, err := s.resolveUser(c)
		if err == nil && user != nil {
			c.Set(contextUserKey, user)
		}
		c.Next()
	}
}

func (s *Server) resolveUser(c *gin.Context) (*auth.User, error) {
	token := bearerToken(c)
	if token == "" {
		return nil, nil
	}
	session, err := s.authSvc.Authenticate(c.Request.Context(), token)
	if err != nil {
		return nil, err
	}
	return s.authSvc.GetUser(c.Request.Context(), session.UserID)
}

func currentUser(c *gin.Context) *auth.User {
	v, ok := c.Get(contextUserKey)
	if !ok {
		return nil
	}
	user, _ := v.(*auth.User)
	return user
}
