package essay

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/mooose/corrector/internal/anonsession"
	"github.com/mooose/corrector/internal/auth"
	"github.com/mooose/corrector/internal/config"
	"github.com/mooose/corrector/internal/grading"
	"github.com/mooose/corrector/internal/ledger"
	"github.com/mooose/corrector/internal/observability/metrics"
	"github.com/mooose/corrector/internal/providers/ocr"
	"github.com/mooose/corrector/internal/providers/storage"
	"github.com/mooose/corrector/internal/ratelimit"
)

const maxFileSizeBytes = 5 << 20

var (
	ErrMissingTopic = errors.New("topic is required")
	ErrMissingText  = errors.New("essay text is required")
	ErrFileTooLarge = errors.New("file exceeds the 5 MB limit")
	ErrEmptyFile    = errors.New("file is empty")
)

// CorrectInput is one correction attempt after identity resolution.
type CorrectInput struct {
	User     *auth.User
	AnonID   string
	DeviceID string
	IP       string

	Topic string
	Text  string

	// File fields, set only for upload corrections.
	FileName string
	FileData []byte
	FileMime string
}

// Outcome carries the gate decision and, when admitted, the correction.
type Outcome struct {
	Decision ledger.Decision
	Result   *grading.Result
	EssayID  *snowflake.ID
	Credits  *int
}

// ServiceParams groups the orchestration dependencies.
type ServiceParams struct {
	fx.In

	Log     *zap.Logger
	Cfg     config.Config
	Repo    Repository
	Anon    anonsession.Repository
	Ledger  *ledger.Service
	Limiter ratelimit.Limiter
	Oracle  grading.Oracle
	OCR     ocr.Extractor
	Storage storage.Provider
	Metrics *metrics.Metrics
	GenID   *snowflake.Node
}

// Service runs the gated correction flow: throttle, admission, grading,
// persistence, charge.
type Service struct {
	log     *zap.Logger
	cfg     config.Config
	repo    Repository
	anon    anonsession.Repository
	ledger  *ledger.Service
	limiter ratelimit.Limiter
	oracle  grading.Oracle
	ocr     ocr.Extractor
	storage storage.Provider
	metrics *metrics.Metrics
	genID   *snowflake.Node
}

func NewService(p ServiceParams) *Service {
	return &Service{
		log:     p.Log.Named("essay.service"),
		cfg:     p.Cfg,
		repo:    p.Repo,
		anon:    p.Anon,
		ledger:  p.Ledger,
		limiter: p.Limiter,
		oracle:  p.Oracle,
		ocr:     p.OCR,
		storage: p.Storage,
		metrics: p.Metrics,
		genID:   p.GenID,
	}
}

// CorrectText grades a typed essay.
func (s *Service) CorrectText(ctx context.Context, in CorrectInput) (*Outcome, error) {
	if err := validateTextInput(in); err != nil {
		return nil, err
	}
	return s.correct(ctx, in, in.Text, nil, InputText)
}

// CorrectFile stores the upload, transcribes it and grades the result.
func (s *Service) CorrectFile(ctx context.Context, in CorrectInput) (*Outcome, error) {
	if strings.TrimSpace(in.Topic) == "" {
		return nil, ErrMissingTopic
	}
	if len(in.FileData) == 0 {
		return nil, ErrEmptyFile
	}
	if len(in.FileData) > maxFileSizeBytes {
		return nil, ErrFileTooLarge
	}
	if !ocr.Supported(in.FileMime) {
		return nil, ocr.ErrUnsupportedType
	}

	// Admission is checked before the expensive extraction so gated
	// visitors never burn an upstream call.
	anon, decision, err := s.admit(ctx, in)
	if err != nil {
		return nil, err
	}
	if !decision.Admitted {
		return &Outcome{Decision: decision}, nil
	}

	owner := "anon"
	if in.User != nil {
		owner = in.User.ID.String()
	}
	name := fmt.Sprintf("uploads/redacao_%s_%d%s", owner, time.Now().UnixNano(), extensionFor(in.FileMime, in.FileName))

	fileURL, err := s.storage.Store(ctx, name, in.FileData, in.FileMime)
	if err != nil {
		return nil, err
	}

	text, err := s.ocr.ExtractText(ctx, in.FileData, in.FileMime)
	if err != nil {
		return nil, err
	}

	var urlPtr *string
	if fileURL != "" {
		urlPtr = &fileURL
	}
	return s.grade(ctx, in, anon, decision, text, urlPtr, InputFile)
}

func (s *Service) correct(ctx context.Context, in CorrectInput, text string, fileURL *string, inputType string) (*Outcome, error) {
	anon, decision, err := s.admit(ctx, in)
	if err != nil {
		return nil, err
	}
	if !decision.Admitted {
		return &Outcome{Decision: decision}, nil
	}
	return s.grade(ctx, in, anon, decision, text, fileURL, inputType)
}

// admit resolves the anonymous identity and applies the admission policy.
func (s *Service) admit(ctx context.Context, in CorrectInput) (*anonsession.AnonymousSession, ledger.Decision, error) {
	anon, err := s.anon.GetOrCreate(ctx, in.AnonID, in.IP, in.DeviceID)
	if err != nil {
		return nil, ledger.Decision{}, err
	}

	throttled := false
	if in.User == nil && in.IP != "" {
		allowed, err := s.limiter.Hit(ctx, "anon-free:"+in.IP, s.cfg.AnonIPSoftLimit, s.cfg.AnonIPWindow)
		if err != nil {
			// A broken limiter must not block corrections.
			s.log.Warn("rate limiter unavailable", zap.Error(err))
		} else if !allowed {
			throttled = true
		}
	}

	decision := s.ledger.Decide(ledger.DecideInput{User: in.User, Anon: anon, Throttled: throttled})
	if !decision.Admitted {
		s.metrics.RateLimitDecisionsTotal.WithLabelValues(string(decision.NextAction)).Inc()
	}
	return anon, decision, nil
}

func (s *Service) grade(ctx context.Context, in CorrectInput, anon *anonsession.AnonymousSession, decision ledger.Decision, text string, fileURL *string, inputType string) (*Outcome, error) {
	start := time.Now()
	result, err := s.oracle.Grade(ctx, in.Topic, text, inputType == InputFile)
	if err != nil {
		return nil, err
	}
	s.metrics.GradingDuration.Observe(time.Since(start).Seconds())

	record := &Essay{
		ID:         s.genID.Generate(),
		AnonID:     &in.AnonID,
		Topic:      in.Topic,
		InputType:  inputType,
		Body:       text,
		FileURL:    fileURL,
		FinalScore: result.FinalScore,
		ScoreC1:    result.CriterionScoreByID(1),
		ScoreC2:    result.CriterionScoreByID(2),
		ScoreC3:    result.CriterionScoreByID(3),
		ScoreC4:    result.CriterionScoreByID(4),
		ScoreC5:    result.CriterionScoreByID(5),
		ResultJSON: []byte(result.Raw),
	}
	if in.User != nil {
		record.UserID = &in.User.ID
	}
	if err := s.repo.Create(ctx, record); err != nil {
		return nil, err
	}

	outcome := &Outcome{
		Decision: decision,
		Result:   result,
		EssayID:  &record.ID,
	}

	switch decision.ChargeSource {
	case ledger.ChargeFree:
		var userID *snowflake.ID
		if in.User != nil {
			userID = &in.User.ID
		}
		if err := s.ledger.ConsumeFree(ctx, userID, in.AnonID); err != nil {
			return nil, err
		}
		used := ledger.EffectiveFreeUsed(in.User, anon) + 1
		outcome.Decision.FreeRemaining = ledger.FreeRemaining(s.ledger.FreeLimit(), used)
		if in.User != nil {
			credits := in.User.CreditBalance()
			outcome.Credits = &credits
		}
	case ledger.ChargeCredit:
		remaining, err := s.ledger.Debit(ctx, in.User.ID)
		if err != nil {
			return nil, err
		}
		outcome.Credits = &remaining
		outcome.Decision.FreeRemaining = 0
	}

	s.metrics.CorrectionsTotal.WithLabelValues(string(decision.ChargeSource)).Inc()

	return outcome, nil
}

// History returns the user's corrections, newest first.
func (s *Service) History(ctx context.Context, userID snowflake.ID, limit int) ([]Essay, error) {
	return s.repo.ListByUser(ctx, userID, limit)
}

// Rate records a star review for one of the user's essays.
func (s *Service) Rate(ctx context.Context, userID, essayID snowflake.ID, stars int, comment string) (*Review, error) {
	if stars < 1 || stars > 5 {
		return nil, ErrInvalidReview
	}

	essay, err := s.repo.FindByID(ctx, essayID)
	if err != nil {
		return nil, err
	}
	if essay.UserID == nil || *essay.UserID != userID {
		return nil, ErrNotFound
	}

	review := &Review{
		ID:      s.genID.Generate(),
		UserID:  userID,
		EssayID: essayID,
		Stars:   stars,
		Comment: strings.TrimSpace(comment),
	}
	if err := s.repo.UpsertReview(ctx, review); err != nil {
		return nil, err
	}
	return review, nil
}

func validateTextInput(in CorrectInput) error {
	if strings.TrimSpace(in.Topic) == "" {
		return ErrMissingTopic
	}
	if strings.TrimSpace(in.Text) == "" {
		return ErrMissingText
	}
	return nil
}

func extensionFor(mime, name string) string {
	switch strings.ToLower(mime) {
	case "image/jpeg", "image/jpg":
		return ".jpg"
	case "image/png":
		return ".png"
	case "application/pdf":
		return ".pdf"
	}
	if dot := strings.LastIndexByte(name, '.'); dot >= 0 {
		return name[dot:]
	}
	return ""
}
