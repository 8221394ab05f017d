package content

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrUnknownType = errors.New("unknown content type")
	ErrInvalidItem = errors.New("invalid content item")
)

// Type names a generated content kind. The value doubles as the wrapper key
// of the model response, e.g. {"cuecards": [...]}.
type Type string

const (
	TypeNotes         Type = "notes"
	TypeCuecards      Type = "cuecards"
	TypeMCQs          Type = "mcqs"
	TypeOpenQuestions Type = "open_questions"
	TypeSummaries     Type = "summaries"
	TypeConceptMaps   Type = "concept_maps"
)

var AllTypes = []Type{TypeNotes, TypeCuecards, TypeMCQs, TypeOpenQuestions, TypeSummaries, TypeConceptMaps}

func ParseType(s string) (Type, error) {
	for _, t := range AllTypes {
		if string(t) == s {
			return t, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownType, s)
}

var (
	Difficulties = []string{"easy", "medium", "hard"}
	Priorities   = []string{"high", "medium", "low"}
)

// Scope identifies where a batch of items belongs.
type Scope struct {
	CourseID string
	WeekID   string
	BatchID  string
}

type Note struct {
	Title    string `json:"title"`
	Content  string `json:"content"`
	Priority string `json:"priority"`
	Category string `json:"category"`
}

func (n Note) Validate() error {
	if err := required("title", n.Title, "content", n.Content, "category", n.Category); err != nil {
		return err
	}
	return oneOf("priority", n.Priority, Priorities)
}

type Cuecard struct {
	Question   string `json:"question"`
	Answer     string `json:"answer"`
	Difficulty string `json:"difficulty"`
}

func (c Cuecard) Validate() error {
	if err := required("question", c.Question, "answer", c.Answer); err != nil {
		return err
	}
	return oneOf("difficulty", c.Difficulty, Difficulties)
}

type MCQ struct {
	Question     string   `json:"question"`
	Options      []string `json:"options"`
	CorrectIndex int      `json:"correctIndex"`
	Explanation  string   `json:"explanation"`
	Difficulty   string   `json:"difficulty"`
}

func (q MCQ) Validate() error {
	if err := required("question", q.Question, "explanation", q.Explanation); err != nil {
		return err
	}
	if len(q.Options) != 4 {
		return fmt.Errorf("%w: expected exactly 4 options, got %d", ErrInvalidItem, len(q.Options))
	}
	for i, o := range q.Options {
		if strings.TrimSpace(o) == "" {
			return fmt.Errorf("%w: option %d is empty", ErrInvalidItem, i)
		}
	}
	if q.CorrectIndex < 0 || q.CorrectIndex > 3 {
		return fmt.Errorf("%w: correctIndex %d out of range", ErrInvalidItem, q.CorrectIndex)
	}
	return oneOf("difficulty", q.Difficulty, Difficulties)
}

type RubricCriterion struct {
	Criterion string `json:"criterion"`
	Points    int    `json:"points"`
}

type OpenQuestion struct {
	Question    string            `json:"question"`
	ModelAnswer string            `json:"modelAnswer"`
	Rubric      []RubricCriterion `json:"rubric"`
	Difficulty  string            `json:"difficulty"`
}

func (q OpenQuestion) Validate() error {
	if err := required("question", q.Question, "modelAnswer", q.ModelAnswer); err != nil {
		return err
	}
	if len(q.Rubric) == 0 {
		return fmt.Errorf("%w: rubric is required", ErrInvalidItem)
	}
	for i, c := range q.Rubric {
		if strings.TrimSpace(c.Criterion) == "" || c.Points <= 0 {
			return fmt.Errorf("%w: rubric entry %d needs a criterion and positive points", ErrInvalidItem, i)
		}
	}
	return oneOf("difficulty", q.Difficulty, Difficulties)
}

type Summary struct {
	Title     string   `json:"title"`
	Content   string   `json:"content"`
	KeyPoints []string `json:"keyPoints"`
}

func (s Summary) Validate() error {
	if err := required("title", s.Title, "content", s.Content); err != nil {
		return err
	}
	if len(s.KeyPoints) == 0 {
		return fmt.Errorf("%w: keyPoints is required", ErrInvalidItem)
	}
	return nil
}

type ConceptNode struct {
	ID    string `json:"id"`
	Label string `json:"label"`
}

type ConceptEdge struct {
	From  string `json:"from"`
	To    string `json:"to"`
	Label string `json:"label"`
}

type ConceptMap struct {
	Title string        `json:"title"`
	Nodes []ConceptNode `json:"nodes"`
	Edges []ConceptEdge `json:"edges"`
}

// Validate also checks that every edge connects known nodes.
func (m ConceptMap) Validate() error {
	if err := required("title", m.Title); err != nil {
		return err
	}
	if len(m.Nodes) == 0 {
		return fmt.Errorf("%w: concept map has no nodes", ErrInvalidItem)
	}
	ids := make(map[string]bool, len(m.Nodes))
	for _, n := range m.Nodes {
		if strings.TrimSpace(n.ID) == "" || strings.TrimSpace(n.Label) == "" {
			return fmt.Errorf("%w: node needs id and label", ErrInvalidItem)
		}
		ids[n.ID] = true
	}
	for _, e := range m.Edges {
		if !ids[e.From] || !ids[e.To] {
			return fmt.Errorf("%w: edge %s->%s references an unknown node", ErrInvalidItem, e.From, e.To)
		}
	}
	return nil
}

// required takes name/value pairs.
func required(pairs ...string) error {
	for i := 0; i+1 < len(pairs); i += 2 {
		if strings.TrimSpace(pairs[i+1]) == "" {
			return fmt.Errorf("%w: %s is required", ErrInvalidItem, pairs[i])
		}
	}
	return nil
}

func oneOf(field, value string, allowed []string) error {
	for _, a := range allowed {
		if value == a {
			return nil
		}
	}
	return fmt.Errorf("%w: %s must be one of %v, got %q", ErrInvalidItem, field, allowed, value)
}
