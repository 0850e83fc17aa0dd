package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/mooose/corrector/internal/auth"
)

const (
	registerRateLimit  = 5
	registerRateWindow = time.Minute
)

func (s *Server) registerAuthRoutes() {
	grp := s.engine.Group("/auth")
	grp.POST("/register", s.handleRegister)
	grp.POST("/login", s.handleLogin)
	grp.GET("/me", s.AuthRequired(), s.handleMe)
	grp.POST("/verify", s.AuthRequired(), s.handleVerify)
	grp.POST("/logout", s.handleLogout)
}

type registerRequest struct {
	Email             string `json:"email"`
	Password          string `json:"password"`
	FullName          string `json:"full_name"`
	Ref               string `json:"ref"`
	DeviceFingerprint string `json:"device_fingerprint"`
}

type userResponse struct {
	ID           string  `json:"id"`
	Email        string  `json:"email"`
	DisplayName  string  `json:"display_name"`
	Credits      int     `json:"credits"`
	FreeUsed     int     `json:"free_used"`
	IsVerified   bool    `json:"is_verified"`
	ReferralCode *string `json:"referral_code,omitempty"`
}

func toUserResponse(u *auth.User) userResponse {
	return userResponse{
		ID:           u.ID.String(),
		Email:        u.Email,
		DisplayName:  u.DisplayName,
		Credits:      u.CreditBalance(),
		FreeUsed:     u.FreeUsed,
		IsVerified:   u.IsVerified,
		ReferralCode: u.ReferralCode,
	}
}

func (s *Server) handleRegister(c *gin.Context) {
	var req registerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, fmt.Errorf("%w: %v", ErrInvalidRequest, err))
		return
	}

	ip := c.ClientIP()
	if ip != "" {
		allowed, err := s.limiter.Hit(c.Request.Context(), "auth-register:"+ip, registerRateLimit, registerRateWindow)
		if err != nil {
			s.log.Warn("register rate limit check failed", zap.Error(err))
		} else if !allowed {
			AbortWithError(c, ErrRateLimited)
			return
		}
	}

	user, err := s.authSvc.Register(c.Request.Context(), auth.RegisterRequest{
		Email:             req.Email,
		Password:          req.Password,
		DisplayName:       req.FullName,
		SignupIP:          ip,
		DeviceFingerprint: req.DeviceFingerprint,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	if code, err := s.referralSvc.EnsureCode(c.Request.Context(), user.ID); err != nil {
		s.log.Warn("referral code assignment failed", zap.Int64("user_id", int64(user.ID)), zap.Error(err))
	} else {
		user.ReferralCode = &code
	}

	if _, err := s.referralSvc.ApplyOnSignup(c.Request.Context(), user, req.Ref, ip, req.DeviceFingerprint); err != nil {
		s.log.Warn("referral apply failed", zap.Int64("user_id", int64(user.ID)), zap.Error(err))
	}

	s.mergeAnonSession(c, user.ID)

	s.sendVerificationMail(user)

	c.JSON(http.StatusCreated, toUserResponse(user))
}

// mergeAnonSession folds the device's anonymous usage into the account
// whenever a request arrives with a known anonymous id. A failed merge
// never blocks signup or login.
func (s *Server) mergeAnonSession(c *gin.Context, userID snowflake.ID) {
	anonID := c.GetHeader(headerAnonID)
	if anonID == "" {
		return
	}
	if err := s.ledgerSvc.MergeAnonToUser(c.Request.Context(), userID, anonID); err != nil {
		s.log.Warn("anon merge failed", zap.Int64("user_id", int64(userID)), zap.Error(err))
	}
}

// sendVerificationMail is fire-and-forget. Signup never fails because
// the mail provider is down.
func (s *Server) sendVerificationMail(user *auth.User) {
	link := s.cfg.FrontendURL + "/verificar"
	subject := "Confirme seu e-mail no Mooose"
	body := fmt.Sprintf(
		"<p>Olá, %s!</p><p>Confirme seu e-mail para liberar os recursos da sua conta: <a href=%q>%s</a></p>",
		user.DisplayName, link, link,
	)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := s.mailer.Send(ctx, []string{user.Email}, subject, body); err != nil {
			s.log.Warn("verification mail failed", zap.String("email", user.Email), zap.Error(err))
		}
	}()
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (s *Server) handleLogin(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, fmt.Errorf("%w: %v", ErrInvalidRequest, err))
		return
	}

	result, err := s.authSvc.Login(c.Request.Context(), auth.LoginRequest{
		Email:     req.Email,
		Password:  req.Password,
		UserAgent: c.Request.UserAgent(),
		IPAddress: c.ClientIP(),
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	s.mergeAnonSession(c, result.User.ID)

	c.JSON(http.StatusOK, gin.H{
		"access_token": result.RawToken,
		"token_type":   "bearer",
		"expires_at":   result.ExpiresAt,
		"user":         toUserResponse(result.User),
	})
}

func (s *Server) handleMe(c *gin.Context) {
	c.JSON(http.StatusOK, toUserResponse(currentUser(c)))
}

func (s *Server) handleVerify(c *gin.Context) {
	user := currentUser(c)
	if err := s.authSvc.MarkVerified(c.Request.Context(), user.ID); err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handleLogout(c *gin.Context) {
	token := bearerToken(c)
	if token == "" {
		AbortWithError(c, ErrUnauthorized)
		return
	}
	if err := s.authSvc.Logout(c.Request.Context(), token); err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
