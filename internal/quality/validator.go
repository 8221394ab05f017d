package quality

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"unicode/utf8"

	"studyloop/internal/generation"
)

type Decision string

const (
	DecisionAccept Decision = "accept"
	DecisionReview Decision = "review"
	DecisionReject Decision = "reject"
)

const (
	weightFactual     = 0.4
	weightEducational = 0.3
	weightReadability = 0.2
	weightAge         = 0.1

	fallbackScore    = 70
	fallbackFeedback = "automatic quality scoring failed; manual review required"

	// maxContentChars keeps the scoring prompt well inside model limits.
	maxContentChars = 20000
)

type Thresholds struct {
	Accept     float64
	Reject     float64
	Regenerate float64
}

var (
	DefaultThresholds = Thresholds{Accept: 80, Reject: 40, Regenerate: 50}
	StrictThresholds  = Thresholds{Accept: 90, Reject: 60, Regenerate: 70}
)

type Options struct {
	Strict bool
	// Audience describes the intended learners, e.g. "first-year undergraduates".
	Audience string
}

func (o Options) thresholds() Thresholds {
	if o.Strict {
		return StrictThresholds
	}
	return DefaultThresholds
}

type Metrics struct {
	FactualAccuracy    float64  `json:"factualAccuracy"`
	Readability        float64  `json:"readability"`
	EducationalValue   float64  `json:"educationalValue"`
	AgeAppropriateness float64  `json:"ageAppropriateness"`
	OverallQuality     float64  `json:"overallQuality"`
	Feedback           []string `json:"feedback"`
	ShouldRegenerate   bool     `json:"shouldRegenerate"`
	Decision           Decision `json:"decision"`

	// The two regenerate signals are kept apart so callers can see which fired.
	ModelRegenerate bool `json:"modelRegenerate"`
	ScoreRegenerate bool `json:"scoreRegenerate"`
	Fallback        bool `json:"fallback"`
}

type assessment struct {
	FactualAccuracy    float64  `json:"factualAccuracy"`
	Readability        float64  `json:"readability"`
	EducationalValue   float64  `json:"educationalValue"`
	AgeAppropriateness float64  `json:"ageAppropriateness"`
	Feedback           []string `json:"feedback"`
	ShouldRegenerate   bool     `json:"shouldRegenerate"`
}

var assessmentSchema = generation.Object(
	[]string{"factualAccuracy", "readability", "educationalValue", "ageAppropriateness"},
	map[string]*generation.Schema{
		"factualAccuracy":    score("accuracy against the source, 0-100"),
		"readability":        score("clarity for the audience, 0-100"),
		"educationalValue":   score("usefulness for learning, 0-100"),
		"ageAppropriateness": score("fit for the audience, 0-100"),
		"feedback":           generation.ArrayOf(generation.String("one concrete improvement")),
		"shouldRegenerate":   {Type: generation.TypeBoolean, Description: "true if the content should be generated again"},
	},
)

func score(desc string) *generation.Schema {
	return &generation.Schema{Type: generation.TypeNumber, Description: desc}
}

const systemPrompt = `You review AI-generated study material for a university learning platform.
Score each dimension from 0 to 100 and list concrete feedback. Answer with a single JSON object.`

// Validator scores generated content with a model. It never fails: backend or
// parse errors produce a neutral fallback that asks for manual review.
type Validator struct {
	gen   generation.Generator
	model string
}

func NewValidator(gen generation.Generator, model string) *Validator {
	return &Validator{gen: gen, model: model}
}

func (v *Validator) Assess(ctx context.Context, content, contentType string, opts Options) Metrics {
	audience := opts.Audience
	if audience == "" {
		audience = "university students"
	}
	if len(content) > maxContentChars {
		content = content[:maxContentChars]
		for !utf8.ValidString(content) {
			content = content[:len(content)-1]
		}
	}

	resp, err := v.gen.Generate(ctx, generation.Request{
		Model:  v.model,
		System: systemPrompt,
		User: fmt.Sprintf("Content type: %s\nAudience: %s\n\nContent to review:\n%s",
			contentType, audience, content),
		Schema: assessmentSchema,
	})
	if err != nil {
		slog.WarnContext(ctx, "quality scoring failed, using fallback", "content_type", contentType, "error", err)
		return Fallback()
	}

	var decoded any
	if err := json.Unmarshal(resp.Raw, &decoded); err != nil {
		slog.WarnContext(ctx, "quality response is not JSON, using fallback", "content_type", contentType, "error", err)
		return Fallback()
	}
	if err := assessmentSchema.Check(decoded); err != nil {
		slog.WarnContext(ctx, "quality response failed schema check, using fallback", "content_type", contentType, "error", err)
		return Fallback()
	}
	var a assessment
	if err := json.Unmarshal(resp.Raw, &a); err != nil {
		return Fallback()
	}

	return Score(a.FactualAccuracy, a.EducationalValue, a.Readability, a.AgeAppropriateness, a.ShouldRegenerate, a.Feedback, opts)
}

// Score combines clamped dimension scores into the overall quality and
// applies the decision thresholds.
func Score(factual, educational, readability, age float64, modelRegenerate bool, feedback []string, opts Options) Metrics {
	factual, educational = clamp100(factual), clamp100(educational)
	readability, age = clamp100(readability), clamp100(age)

	overall := round2(factual*weightFactual + educational*weightEducational +
		readability*weightReadability + age*weightAge)

	t := opts.thresholds()
	decision := DecisionReview
	switch {
	case overall >= t.Accept:
		decision = DecisionAccept
	case overall <= t.Reject:
		decision = DecisionReject
	}
	scoreRegenerate := overall <= t.Regenerate

	if feedback == nil {
		feedback = []string{}
	}
	return Metrics{
		FactualAccuracy:    factual,
		Readability:        readability,
		EducationalValue:   educational,
		AgeAppropriateness: age,
		OverallQuality:     overall,
		Feedback:           feedback,
		ShouldRegenerate:   modelRegenerate || scoreRegenerate,
		Decision:           decision,
		ModelRegenerate:    modelRegenerate,
		ScoreRegenerate:    scoreRegenerate,
	}
}

// Fallback is the neutral result used when scoring itself fails.
func Fallback() Metrics {
	return Metrics{
		FactualAccuracy:    fallbackScore,
		Readability:        fallbackScore,
		EducationalValue:   fallbackScore,
		AgeAppropriateness: fallbackScore,
		OverallQuality:     fallbackScore,
		Feedback:           []string{fallbackFeedback},
		ShouldRegenerate:   false,
		Decision:           DecisionReview,
		Fallback:           true,
	}
}

func clamp100(v float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
