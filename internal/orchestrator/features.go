package orchestrator

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"studyloop/features/content"
	"studyloop/internal/strategy"
)

var ErrUnknownFeature = errors.New("unknown feature variant")

// Feature is one variant of the per-week feature selection. The set of
// variants is closed; see featureRequest for the exhaustive switch.
type Feature interface {
	ContentType() content.Type
	IsEnabled() bool
	feature()
}

type NotesFeature struct {
	Enabled bool   `json:"enabled"`
	Count   int    `json:"count,omitempty"`
	Focus   string `json:"focus,omitempty"`
}

type CuecardsFeature struct {
	Enabled    bool   `json:"enabled"`
	Count      int    `json:"count,omitempty"`
	Difficulty string `json:"difficulty,omitempty"`
}

type MCQFeature struct {
	Enabled    bool   `json:"enabled"`
	Count      int    `json:"count,omitempty"`
	Difficulty string `json:"difficulty,omitempty"`
}

type OpenQuestionsFeature struct {
	Enabled    bool   `json:"enabled"`
	Count      int    `json:"count,omitempty"`
	Difficulty string `json:"difficulty,omitempty"`
	Focus      string `json:"focus,omitempty"`
}

type SummaryFeature struct {
	Enabled bool `json:"enabled"`
	// Style is free text such as "bullet points" or "narrative".
	Style string `json:"style,omitempty"`
}

type ConceptMapFeature struct {
	Enabled bool   `json:"enabled"`
	Focus   string `json:"focus,omitempty"`
}

func (NotesFeature) ContentType() content.Type         { return content.TypeNotes }
func (CuecardsFeature) ContentType() content.Type      { return content.TypeCuecards }
func (MCQFeature) ContentType() content.Type           { return content.TypeMCQs }
func (OpenQuestionsFeature) ContentType() content.Type { return content.TypeOpenQuestions }
func (SummaryFeature) ContentType() content.Type       { return content.TypeSummaries }
func (ConceptMapFeature) ContentType() content.Type    { return content.TypeConceptMaps }

func (f NotesFeature) IsEnabled() bool         { return f.Enabled }
func (f CuecardsFeature) IsEnabled() bool      { return f.Enabled }
func (f MCQFeature) IsEnabled() bool           { return f.Enabled }
func (f OpenQuestionsFeature) IsEnabled() bool { return f.Enabled }
func (f SummaryFeature) IsEnabled() bool       { return f.Enabled }
func (f ConceptMapFeature) IsEnabled() bool    { return f.Enabled }

func (NotesFeature) feature()         {}
func (CuecardsFeature) feature()      {}
func (MCQFeature) feature()           {}
func (OpenQuestionsFeature) feature() {}
func (SummaryFeature) feature()       {}
func (ConceptMapFeature) feature()    {}

// featureRequest maps a variant to the options its strategy understands.
func featureRequest(f Feature) (content.Type, strategy.Options, error) {
	switch v := f.(type) {
	case NotesFeature:
		return content.TypeNotes, strategy.Options{Count: v.Count, Focus: v.Focus}, nil
	case CuecardsFeature:
		return content.TypeCuecards, strategy.Options{Count: v.Count, Difficulty: v.Difficulty}, nil
	case MCQFeature:
		return content.TypeMCQs, strategy.Options{Count: v.Count, Difficulty: v.Difficulty}, nil
	case OpenQuestionsFeature:
		return content.TypeOpenQuestions, strategy.Options{Count: v.Count, Difficulty: v.Difficulty, Focus: v.Focus}, nil
	case SummaryFeature:
		return content.TypeSummaries, strategy.Options{Style: v.Style}, nil
	case ConceptMapFeature:
		return content.TypeConceptMaps, strategy.Options{Focus: v.Focus}, nil
	default:
		return "", strategy.Options{}, fmt.Errorf("%w: %T", ErrUnknownFeature, f)
	}
}

// GenerationConfig is the feature selection for one course week.
type GenerationConfig struct {
	CourseID  string    `json:"courseId"`
	WeekID    string    `json:"weekId"`
	Features  []Feature `json:"-"`
	UpdatedAt time.Time `json:"updatedAt"`
}

type taggedFeature struct {
	Type content.Type `json:"type"`
}

// MarshalFeatures encodes features as a JSON array of objects carrying a
// "type" discriminator next to the variant fields.
func MarshalFeatures(features []Feature) ([]byte, error) {
	out := make([]json.RawMessage, 0, len(features))
	for _, f := range features {
		body, err := json.Marshal(f)
		if err != nil {
			return nil, err
		}
		var fields map[string]any
		if err := json.Unmarshal(body, &fields); err != nil {
			return nil, err
		}
		fields["type"] = f.ContentType()
		tagged, err := json.Marshal(fields)
		if err != nil {
			return nil, err
		}
		out = append(out, tagged)
	}
	return json.Marshal(out)
}

func UnmarshalFeatures(data []byte) ([]Feature, error) {
	var raws []json.RawMessage
	if err := json.Unmarshal(data, &raws); err != nil {
		return nil, err
	}
	features := make([]Feature, 0, len(raws))
	seen := make(map[content.Type]bool, len(raws))
	for _, raw := range raws {
		var tag taggedFeature
		if err := json.Unmarshal(raw, &tag); err != nil {
			return nil, err
		}
		f, err := decodeFeature(tag.Type, raw)
		if err != nil {
			return nil, err
		}
		if seen[tag.Type] {
			return nil, fmt.Errorf("duplicate feature %q", tag.Type)
		}
		seen[tag.Type] = true
		features = append(features, f)
	}
	return features, nil
}

func decodeFeature(t content.Type, raw json.RawMessage) (Feature, error) {
	switch t {
	case content.TypeNotes:
		return decodeVariant[NotesFeature](raw)
	case content.TypeCuecards:
		return decodeVariant[CuecardsFeature](raw)
	case content.TypeMCQs:
		return decodeVariant[MCQFeature](raw)
	case content.TypeOpenQuestions:
		return decodeVariant[OpenQuestionsFeature](raw)
	case content.TypeSummaries:
		return decodeVariant[SummaryFeature](raw)
	case content.TypeConceptMaps:
		return decodeVariant[ConceptMapFeature](raw)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownFeature, t)
	}
}

func decodeVariant[T Feature](raw json.RawMessage) (Feature, error) {
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, err
	}
	return v, nil
}

func (c GenerationConfig) MarshalJSON() ([]byte, error) {
	features, err := MarshalFeatures(c.Features)
	if err != nil {
		return nil, err
	}
	type alias GenerationConfig
	return json.Marshal(struct {
		alias
		Features json.RawMessage `json:"features"`
	}{alias(c), features})
}

func (c *GenerationConfig) UnmarshalJSON(data []byte) error {
	type alias GenerationConfig
	aux := struct {
		*alias
		Features json.RawMessage `json:"features"`
	}{alias: (*alias)(c)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	if len(aux.Features) == 0 || string(aux.Features) == "null" {
		c.Features = nil
		return nil
	}
	features, err := UnmarshalFeatures(aux.Features)
	if err != nil {
		return err
	}
	c.Features = features
	return nil
}
