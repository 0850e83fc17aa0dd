package server

import (
	"fmt"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mooose/corrector/internal/demo"
	"github.com/mooose/corrector/internal/essay"
	"github.com/mooose/corrector/internal/grading"
	"github.com/mooose/corrector/internal/providers/ocr"
)

func (s *Server) registerDemoRoutes() {
	grp := s.engine.Group("/demo")
	grp.POST("/validate-key", s.handleDemoValidateKey)
	grp.POST("/enem/corrigir-texto", s.handleDemoText)
	grp.POST("/enem/corrigir-arquivo", s.handleDemoFile)
}

type demoKeyRequest struct {
	Key string `json:"key"`
}

func (s *Server) handleDemoValidateKey(c *gin.Context) {
	var req demoKeyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, fmt.Errorf("%w: %v", ErrInvalidRequest, err))
		return
	}
	status, err := s.demoSvc.ValidateKey(c.Request.Context(), req.Key)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, status)
}

type demoTextRequest struct {
	Key   string `json:"key"`
	Tema  string `json:"tema"`
	Texto string `json:"texto"`
}

type demoCorrectionResponse struct {
	Resultado *grading.Result `json:"resultado"`
	Remaining int             `json:"remaining"`
	MaxUses   int             `json:"max_uses"`
}

func (s *Server) handleDemoText(c *gin.Context) {
	var req demoTextRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, fmt.Errorf("%w: %v", ErrInvalidRequest, err))
		return
	}
	if req.Tema == "" {
		AbortWithError(c, essay.ErrMissingTopic)
		return
	}
	if req.Texto == "" {
		AbortWithError(c, essay.ErrMissingText)
		return
	}

	out, err := s.demoSvc.Correct(c.Request.Context(), req.Key, req.Tema, req.Texto, false)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, demoCorrectionResponse{Resultado: out.Result, Remaining: out.Remaining, MaxUses: out.MaxUses})
}

func (s *Server) handleDemoFile(c *gin.Context) {
	key := c.PostForm("key")
	tema := c.PostForm("tema")
	if tema == "" {
		AbortWithError(c, essay.ErrMissingTopic)
		return
	}

	// Reject bad keys before spending an extraction call.
	status, err := s.demoSvc.ValidateKey(c.Request.Context(), key)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	if !status.Valid {
		if status.Remaining != nil {
			AbortWithError(c, demo.ErrKeyExhausted)
			return
		}
		AbortWithError(c, demo.ErrInvalidKey)
		return
	}

	fileHeader, err := c.FormFile("file")
	if err != nil {
		AbortWithError(c, fmt.Errorf("%w: file field is required", ErrInvalidRequest))
		return
	}
	mime := fileHeader.Header.Get("Content-Type")
	if !ocr.Supported(mime) {
		AbortWithError(c, ocr.ErrUnsupportedType)
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
	if len(data) == 0 {
		AbortWithError(c, essay.ErrEmptyFile)
		return
	}
	if len(data) > 5<<20 {
		AbortWithError(c, essay.ErrFileTooLarge)
		return
	}

	text, err := s.ocrExt.ExtractText(c.Request.Context(), data, mime)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	out, err := s.demoSvc.Correct(c.Request.Context(), key, tema, text, true)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, demoCorrectionResponse{Resultado: out.Result, Remaining: out.Remaining, MaxUses: out.MaxUses})
}
