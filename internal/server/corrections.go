package server

import (
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/mooose/corrector/internal/essay"
	"github.com/mooose/corrector/internal/grading"
	"github.com/mooose/corrector/internal/ledger"
)

func (s *Server) registerCorrectionRoutes() {
	s.engine.POST("/corrections", s.OptionalAuth(), s.handleCorrectionText)
	s.engine.POST("/corrections/file", s.OptionalAuth(), s.handleCorrectionFile)
	s.engine.GET("/corrections", s.AuthRequired(), s.handleCorrectionHistory)
	s.engine.POST("/corrections/:id/review", s.AuthRequired(), s.handleReview)
}

type correctionTextRequest struct {
	Tema     string `json:"tema"`
	Texto    string `json:"texto"`
	DeviceID string `json:"device_id"`
}

type correctionResponse struct {
	ledger.Decision
	Resultado *grading.Result `json:"resultado,omitempty"`
	EssayID   *snowflake.ID   `json:"essay_id,omitempty"`
	Credits   *int            `json:"credits,omitempty"`
}

func (s *Server) handleCorrectionText(c *gin.Context) {
	var req correctionTextRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, fmt.Errorf("%w: %v", ErrInvalidRequest, err))
		return
	}
	anonID := c.GetHeader(headerAnonID)
	if anonID == "" {
		AbortWithError(c, fmt.Errorf("%w: %s header is required", ErrInvalidRequest, headerAnonID))
		return
	}
	deviceID := req.DeviceID
	if deviceID == "" {
		deviceID = c.GetHeader(headerDeviceID)
	}

	out, err := s.essaySvc.CorrectText(c.Request.Context(), essay.CorrectInput{
		User:     currentUser(c),
		AnonID:   anonID,
		DeviceID: deviceID,
		IP:       c.ClientIP(),
		Topic:    req.Tema,
		Text:     req.Texto,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	s.respondCorrection(c, out)
}

func (s *Server) handleCorrectionFile(c *gin.Context) {
	anonID := c.GetHeader(headerAnonID)
	if anonID == "" {
		AbortWithError(c, fmt.Errorf("%w: %s header is required", ErrInvalidRequest, headerAnonID))
		return
	}
	tema := c.PostForm("tema")
	deviceID := c.PostForm("device_id")
	if deviceID == "" {
		deviceID = c.GetHeader(headerDeviceID)
	}

	fileHeader, err := c.FormFile("file")
	if err != nil {
		AbortWithError(c, fmt.Errorf("%w: file field is required", ErrInvalidRequest))
		return
	}
	file, err := fileHeader.Open()
	if err != nil {
		AbortWithError(c, err)
		return
	}
	defer file.Close()
	data, err := io.ReadAll(file)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	out, err := s.essaySvc.CorrectFile(c.Request.Context(), essay.CorrectInput{
		User:     currentUser(c),
		AnonID:   anonID,
		DeviceID: deviceID,
		IP:       c.ClientIP(),
		Topic:    tema,
		FileName: fileHeader.Filename,
		FileData: data,
		FileMime: fileHeader.Header.Get("Content-Type"),
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	s.respondCorrection(c, out)
}

func (s *Server) respondCorrection(c *gin.Context, out *essay.Outcome) {
	resp := correctionResponse{
		Decision:  out.Decision,
		Resultado: out.Result,
		EssayID:   out.EssayID,
		Credits:   out.Credits,
	}
	// Gate refusals are a regular answer, the client renders the
	// next_action prompt.
	c.JSON(http.StatusOK, resp)

	if out.Decision.Admitted {
		if user := currentUser(c); user != nil {
			s.activateReferralAfterCorrection(c, user.ID)
		}
	}
}

// activateReferralAfterCorrection fires the first-correction trigger.
// The correction already succeeded, so failures here are only logged.
func (s *Server) activateReferralAfterCorrection(c *gin.Context, userID snowflake.ID) {
	if _, err := s.referralSvc.Activate(c.Request.Context(), userID, "first_correction_done", c.ClientIP()); err != nil {
		s.log.Warn("referral activation after correction failed",
			zap.Int64("user_id", int64(userID)), zap.Error(err))
	}
}

func (s *Server) handleCorrectionHistory(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "0"))
	essays, err := s.essaySvc.History(c.Request.Context(), currentUser(c).ID, limit)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"corrections": essays})
}

type reviewRequest struct {
	Stars   int    `json:"stars"`
	Comment string `json:"comment"`
}

func (s *Server) handleReview(c *gin.Context) {
	essayID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		AbortWithError(c, fmt.Errorf("%w: invalid essay id", ErrInvalidRequest))
		return
	}
	var req reviewRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, fmt.Errorf("%w: %v", ErrInvalidRequest, err))
		return
	}

	review, err := s.essaySvc.Rate(c.Request.Context(), currentUser(c).ID, snowflake.ID(essayID), req.Stars, req.Comment)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, review)
}
