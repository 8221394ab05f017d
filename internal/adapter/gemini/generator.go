package gemini

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"

	"studyloop/internal/generation"
)

// Generator issues structured-output calls to Gemini. The API key, model,
// temperature and token limit come from settings on every call.
type Generator struct {
	clients *clientCache
}

func NewGenerator(svc SettingsProvider, opts ...option.ClientOption) *Generator {
	return &Generator{clients: newClientCache(svc, opts)}
}

func (g *Generator) Generate(ctx context.Context, req generation.Request) (*generation.Response, error) {
	client, s, err := g.clients.resolve(ctx)
	if err != nil {
		return nil, err
	}

	modelName := req.Model
	if modelName == "" {
		modelName = s.GenerationModel
	}
	model := client.GenerativeModel(modelName)
	if req.System != "" {
		model.SystemInstruction = &genai.Content{Parts: []genai.Part{genai.Text(req.System)}}
	}

	temperature := req.Temperature
	if temperature == 0 {
		temperature = s.Temperature
	}
	model.SetTemperature(temperature)

	maxTokens := req.MaxOutputTokens
	if maxTokens == 0 {
		maxTokens = s.MaxOutputTokens
	}
	if maxTokens > 0 {
		model.SetMaxOutputTokens(int32(maxTokens)) // #nosec G115 -- bounded by settings validation
	}

	model.ResponseMIMEType = "application/json"
	if req.Schema != nil {
		model.ResponseSchema = toGenaiSchema(req.Schema)
	}

	slog.DebugContext(ctx, "generating content", "model", modelName, "prompt_length", len(req.User))
	resp, err := model.GenerateContent(ctx, genai.Text(req.User))
	if err != nil {
		return nil, err
	}

	raw, err := responseText(resp)
	if err != nil {
		return nil, err
	}
	if !json.Valid([]byte(raw)) {
		return nil, fmt.Errorf("%w: response is not valid JSON", generation.ErrInvalidResponse)
	}

	out := &generation.Response{Raw: json.RawMessage(raw), Model: modelName}
	if resp.UsageMetadata != nil {
		out.PromptTokens = resp.UsageMetadata.PromptTokenCount
		out.OutputTokens = resp.UsageMetadata.CandidatesTokenCount
	}
	return out, nil
}

func (g *Generator) Close() error {
	return g.clients.Close()
}

func responseText(resp *genai.GenerateContentResponse) (string, error) {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return "", fmt.Errorf("%w: no candidates returned", generation.ErrInvalidResponse)
	}

	var sb strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if t, ok := part.(genai.Text); ok {
			sb.WriteString(string(t))
		}
	}
	if sb.Len() == 0 {
		return "", fmt.Errorf("%w: empty candidate", generation.ErrInvalidResponse)
	}
	return sb.String(), nil
}

func toGenaiSchema(s *generation.Schema) *genai.Schema {
	if s == nil {
		return nil
	}
	out := &genai.Schema{
		Type:        toGenaiType(s.Type),
		Description: s.Description,
		Enum:        s.Enum,
		Required:    s.Required,
		Items:       toGenaiSchema(s.Items),
	}
	if len(s.Enum) > 0 {
		out.Format = "enum"
	}
	if len(s.Properties) > 0 {
		out.Properties = make(map[string]*genai.Schema, len(s.Properties))
		for name, prop := range s.Properties {
			out.Properties[name] = toGenaiSchema(prop)
		}
	}
	return out
}

func toGenaiType(t generation.Type) genai.Type {
	switch t {
	case generation.TypeObject:
		return genai.TypeObject
	case generation.TypeArray:
		return genai.TypeArray
	case generation.TypeInteger:
		return genai.TypeInteger
	case generation.TypeNumber:
		return genai.TypeNumber
	case generation.TypeBoolean:
		return genai.TypeBoolean
	default:
		return genai.TypeString
	}
}
