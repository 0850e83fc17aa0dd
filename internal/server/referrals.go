package server

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	activateRateLimit  = 5
	activateRateWindow = time.Minute
)

func (s *Server) registerReferralRoutes() {
	s.engine.GET("/me/referral", s.AuthRequired(), s.handleReferralOverview)
	s.engine.POST("/referrals/activate", s.AuthRequired(), s.handleReferralActivate)
}

func (s *Server) handleReferralOverview(c *gin.Context) {
	overview, err := s.referralSvc.GetOverview(c.Request.Context(), currentUser(c).ID)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, overview)
}

func (s *Server) handleReferralActivate(c *gin.Context) {
	ip := c.ClientIP()
	if ip != "" {
		allowed, err := s.limiter.Hit(c.Request.Context(), "referral-activate:"+ip, activateRateLimit, activateRateWindow)
		if err != nil {
			s.log.Warn("referral activate rate limit check failed", zap.Error(err))
		} else if !allowed {
			AbortWithError(c, ErrRateLimited)
			return
		}
	}

	result, err := s.referralSvc.Activate(c.Request.Context(), currentUser(c).ID, "manual", ip)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}
