// Package grading calls the essay grading model and parses its verdict.
package grading

import (
	"context"
	"encoding/json"
	"errors"
)

var (
	// ErrUpstream marks grading failures callers should surface as a
	// bad-gateway condition. Corrections are never retried automatically.
	ErrUpstream = errors.New("grading upstream failure")
	// ErrMalformedVerdict is returned when the model answer is not the
	// required JSON object.
	ErrMalformedVerdict = errors.New("malformed grading verdict")
)

// CriterionScore holds one of the five competency scores.
type CriterionScore struct {
	ID       int    `json:"id"`
	Score    int    `json:"nota"`
	Feedback string `json:"feedback"`
}

// Result is the parsed grading verdict. Raw keeps the exact model
// payload for the client.
type Result struct {
	FinalScore *int             `json:"nota_final"`
	Overall    string           `json:"analise_geral"`
	Criteria   []CriterionScore `json:"competencias"`
	Raw        json.RawMessage  `json:"-"`
}

// CriterionScoreByID returns the score for a competency, nil when absent.
func (r *Result) CriterionScoreByID(id int) *int {
	for _, c := range r.Criteria {
		if c.ID == id {
			score := c.Score
			return &score
		}
	}
	return nil
}

// Oracle grades one essay against a topic.
type Oracle interface {
	Grade(ctx context.Context, topic, text string, fromFile bool) (*Result, error)
}
