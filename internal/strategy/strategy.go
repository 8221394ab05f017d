package strategy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"text/template"

	"studyloop/features/content"
	"studyloop/internal/generation"
)

// Item is one generated element as decoded from the model response.
type Item = map[string]any

type Prompt struct {
	System       string
	UserTemplate string
}

// Options is the per-type configuration carried by a generation request.
type Options struct {
	Count      int    `json:"count,omitempty"`
	Difficulty string `json:"difficulty,omitempty"`
	Focus      string `json:"focus,omitempty"`
	Style      string `json:"style,omitempty"`
}

// Store is the persistence surface the built-in strategies write to.
type Store interface {
	SaveNotes(ctx context.Context, scope content.Scope, items []content.Note) error
	SaveCuecards(ctx context.Context, scope content.Scope, items []content.Cuecard) error
	SaveMCQs(ctx context.Context, scope content.Scope, items []content.MCQ) error
	SaveOpenQuestions(ctx context.Context, scope content.Scope, items []content.OpenQuestion) error
	SaveSummaries(ctx context.Context, scope content.Scope, items []content.Summary) error
	SaveConceptMaps(ctx context.Context, scope content.Scope, items []content.ConceptMap) error
}

type Strategy interface {
	ContentType() content.Type
	BuildContext(material string, opts Options) map[string]any
	Prompt() Prompt
	// Schema describes the wrapper object {"<content type>": [item, ...]}.
	Schema() *generation.Schema
	// ItemSchema describes a single element of the wrapped array.
	ItemSchema() *generation.Schema
	ExtractItems(raw json.RawMessage) ([]Item, error)
	Persist(ctx context.Context, items []Item, scope content.Scope) error
}

// Render executes a user prompt template against a context built by BuildContext.
func Render(tmpl string, vars map[string]any) (string, error) {
	t, err := template.New("prompt").Option("missingkey=error").Parse(tmpl)
	if err != nil {
		return "", fmt.Errorf("failed to parse prompt template: %w", err)
	}
	var buf bytes.Buffer
	if err := t.Execute(&buf, vars); err != nil {
		return "", fmt.Errorf("failed to render prompt: %w", err)
	}
	return buf.String(), nil
}

// base carries what every built-in strategy shares; the per-type files only
// supply prompts, schemas and a persist function.
type base struct {
	contentType  content.Type
	prompt       Prompt
	item         *generation.Schema
	defaultCount int
	extra        map[string]any
	persist      func(ctx context.Context, items []Item, scope content.Scope) error
}

func (b *base) ContentType() content.Type { return b.contentType }

func (b *base) Prompt() Prompt { return b.prompt }

func (b *base) ItemSchema() *generation.Schema { return b.item }

func (b *base) Schema() *generation.Schema {
	key := string(b.contentType)
	return generation.Object([]string{key}, map[string]*generation.Schema{
		key: generation.ArrayOf(b.item),
	})
}

func (b *base) BuildContext(material string, opts Options) map[string]any {
	count := opts.Count
	if count <= 0 {
		count = b.defaultCount
	}
	difficulty := opts.Difficulty
	if difficulty == "" {
		difficulty = "medium"
	}
	vars := map[string]any{
		"Content":     material,
		"Count":       count,
		"Difficulty":  difficulty,
		"Focus":       opts.Focus,
		"Style":       opts.Style,
		"WrapperKey":  string(b.contentType),
		"ContentType": string(b.contentType),
	}
	for k, v := range b.extra {
		vars[k] = v
	}
	return vars
}

// ExtractItems unwraps {"<content type>": [...]}. When the wrapper key is
// missing but the object holds exactly one array, that array is used.
// Elements that are not objects come back as empty items so callers can
// count them as invalid.
func (b *base) ExtractItems(raw json.RawMessage) ([]Item, error) {
	var obj map[string]any
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil, fmt.Errorf("%w: %v", generation.ErrInvalidResponse, err)
	}

	arr, ok := obj[string(b.contentType)].([]any)
	if !ok {
		var found []any
		n := 0
		for _, v := range obj {
			if a, isArr := v.([]any); isArr {
				found = a
				n++
			}
		}
		if n != 1 {
			return []Item{}, nil
		}
		arr = found
	}

	items := make([]Item, 0, len(arr))
	for _, el := range arr {
		m, isObj := el.(map[string]any)
		if !isObj {
			m = Item{}
		}
		items = append(items, m)
	}
	return items, nil
}

func (b *base) Persist(ctx context.Context, items []Item, scope content.Scope) error {
	return b.persist(ctx, items, scope)
}

// decode converts loosely typed items into content structs.
func decode[T any](items []Item) ([]T, error) {
	out := make([]T, 0, len(items))
	for i, it := range items {
		data, err := json.Marshal(it)
		if err != nil {
			return nil, fmt.Errorf("item %d: %w", i, err)
		}
		var v T
		if err := json.Unmarshal(data, &v); err != nil {
			return nil, fmt.Errorf("item %d: %w", i, err)
		}
		out = append(out, v)
	}
	return out, nil
}

func persistWith[T any](save func(context.Context, content.Scope, []T) error) func(context.Context, []Item, content.Scope) error {
	return func(ctx context.Context, items []Item, scope content.Scope) error {
		typed, err := decode[T](items)
		if err != nil {
			return err
		}
		return save(ctx, scope, typed)
	}
}
