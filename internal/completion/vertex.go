package completion

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"cloud.google.com/go/vertexai/genai"

	"github.com/toricodesthings/manuscript-review-service/internal/retry"
)

const defaultVertexModel = "gemini-2.5-flash"

// Vertex serves completions from Gemini on Vertex AI. PDFs are sent inline,
// or by gs:// reference when the attachment carries a URI.
type Vertex struct {
	client *genai.Client
	model  string
}

func NewVertex(ctx context.Context, projectID, region, model string) (*Vertex, error) {
	if projectID == "" || region == "" {
		return nil, &Error{Kind: KindConfig, Message: "vertex: projectID and region cannot be empty"}
	}
	client, err := genai.NewClient(ctx, projectID, region)
	if err != nil {
		return nil, fmt.Errorf("genai.NewClient: %w", err)
	}
	if model == "" {
		model = defaultVertexModel
	}
	return &Vertex{client: client, model: model}, nil
}

func (v *Vertex) Close() error {
	if v.client != nil {
		return v.client.Close()
	}
	return nil
}

func (v *Vertex) Complete(ctx context.Context, req Request) (json.RawMessage, error) {
	m := v.client.GenerativeModel(v.model)
	if req.System != "" {
		m.SystemInstruction = &genai.Content{Parts: []genai.Part{genai.Text(req.System)}}
	}
	m.GenerationConfig = genai.GenerationConfig{
		ResponseMIMEType: "application/json",
		Temperature:      genai.Ptr[float32](req.Options.Temperature),
	}
	if req.Schema != nil {
		m.GenerationConfig.ResponseSchema = toGenaiSchema(req.Schema)
	}

	parts := make([]genai.Part, 0, len(req.Attachments)+1)
	for _, a := range req.Attachments {
		if strings.HasPrefix(a.URI, "gs://") {
			parts = append(parts, genai.FileData{MIMEType: a.MIMEType, FileURI: a.URI})
			continue
		}
		parts = append(parts, genai.Blob{MIMEType: a.MIMEType, Data: a.Data})
	}
	parts = append(parts, genai.Text(req.Prompt))

	var out json.RawMessage
	err := retry.Do(ctx, policy(req.Options), IsRetryable, func(ctx context.Context) error {
		resp, err := m.GenerateContent(ctx, parts...)
		if err != nil {
			return timeoutOr(err, &Error{Kind: KindHTTP, Message: err.Error(), Err: err})
		}
		text := responseText(resp)
		res, err := extractJSON(text)
		if err != nil {
			return err
		}
		out = res
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func responseText(resp *genai.GenerateContentResponse) string {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return ""
	}
	var b strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if txt, ok := part.(genai.Text); ok {
			b.WriteString(string(txt))
		}
	}
	return b.String()
}

// toGenaiSchema converts the JSON-schema subset used by request schemas.
func toGenaiSchema(s map[string]any) *genai.Schema {
	out := &genai.Schema{}
	switch s["type"] {
	case "object":
		out.Type = genai.TypeObject
	case "array":
		out.Type = genai.TypeArray
	case "string":
		out.Type = genai.TypeString
	case "integer":
		out.Type = genai.TypeInteger
	case "number":
		out.Type = genai.TypeNumber
	case "boolean":
		out.Type = genai.TypeBoolean
	}
	if d, ok := s["description"].(string); ok {
		out.Description = d
	}
	if enum, ok := s["enum"].([]string); ok {
		out.Enum = enum
	}
	if req, ok := s["required"].([]string); ok {
		out.Required = req
	}
	if items, ok := s["items"].(map[string]any); ok {
		out.Items = toGenaiSchema(items)
	}
	if props, ok := s["properties"].(map[string]any); ok {
		out.Properties = make(map[string]*genai.Schema, len(props))
		for name, p := range props {
			if pm, ok := p.(map[string]any); ok {
				out.Properties[name] = toGenaiSchema(pm)
			}
		}
	}
	return out
}
