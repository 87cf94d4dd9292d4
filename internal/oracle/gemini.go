package oracle

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// DefaultGeminiBaseURL is the Generative Language API endpoint.
const DefaultGeminiBaseURL = "https://generativelanguage.googleapis.com/v1beta"

var _ Oracle = (*Gemini)(nil)

// Gemini calls the Generative Language REST API with an API key.
type Gemini struct {
	baseURL       string
	apiKey        string
	describeModel string
	embedModel    string
	httpClient    *http.Client
}

// NewGemini creates a Gemini oracle. An empty apiKey yields an oracle whose
// every call fails with ErrNotConfigured.
func NewGemini(baseURL, apiKey, describeModel, embedModel string) *Gemini {
	if baseURL == "" {
		baseURL = DefaultGeminiBaseURL
	}
	if describeModel == "" {
		describeModel = "gemini-1.5-flash-latest"
	}
	if embedModel == "" {
		embedModel = "text-embedding-004"
	}
	return &Gemini{
		baseURL:       strings.TrimRight(baseURL, "/"),
		apiKey:        apiKey,
		describeModel: describeModel,
		embedModel:    embedModel,
		httpClient:    &http.Client{Timeout: 120 * time.Second},
	}
}

type geminiPart struct {
	Text       string            `json:"text,omitempty"`
	InlineData *geminiInlineData `json:"inline_data,omitempty"`
}

type geminiInlineData struct {
	MimeType string `json:"mime_type"`
	Data     string `json:"data"`
}

type geminiContent struct {
	Parts []geminiPart `json:"parts"`
}

type generateRequest struct {
	Contents []geminiContent `json:"contents"`
}

type generateResponse struct {
	Candidates []struct {
		Content geminiContent `json:"content"`
	} `json:"candidates"`
}

func (g *Gemini) Describe(ctx context.Context, image []byte, mime string) (string, error) {
	if mime == "" {
		mime = "image/jpeg"
	}
	req := generateRequest{Contents: []geminiContent{{Parts: []geminiPart{
		{InlineData: &geminiInlineData{MimeType: mime, Data: base64.StdEncoding.EncodeToString(image)}},
		{Text: DescribePrompt},
	}}}}
	var resp generateResponse
	if err := g.post(ctx, g.describeModel, "generateContent", req, &resp); err != nil {
		return "", fmt.Errorf("describing image: %w", err)
	}
	if len(resp.Candidates) == 0 {
		return "", nil
	}
	var sb strings.Builder
	for _, p := range resp.Candidates[0].Content.Parts {
		sb.WriteString(p.Text)
	}
	return strings.TrimSpace(sb.String()), nil
}

type embedContentRequest struct {
	Content geminiContent `json:"content"`
}

type embedContentResponse struct {
	Embedding struct {
		Values []float32 `json:"values"`
	} `json:"embedding"`
}

func (g *Gemini) Embed(ctx context.Context, text string) ([]float32, error) {
	if text == "" {
		return nil, nil
	}
	req := embedContentRequest{Content: geminiContent{Parts: []geminiPart{{Text: text}}}}
	var resp embedContentResponse
	if err := g.post(ctx, g.embedModel, "embedContent", req, &resp); err != nil {
		return nil, fmt.Errorf("embedding text: %w", err)
	}
	if len(resp.Embedding.Values) == 0 {
		return nil, fmt.Errorf("embedding text: empty embedding")
	}
	return resp.Embedding.Values, nil
}

func (g *Gemini) post(ctx context.Context, model, method string, in, out any) error {
	if g.apiKey == "" {
		return ErrNotConfigured
	}
	body, err := json.Marshal(in)
	if err != nil {
		return err
	}
	u := fmt.Sprintf("%s/models/%s:%s", g.baseURL, url.PathEscape(model), method)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-goog-api-key", g.apiKey)

	resp, err := g.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return classifyStatus(model+":"+method, resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

// classifyStatus maps an HTTP status to one of the package sentinels.
func classifyStatus(op string, code int, msg string) error {
	switch {
	case code == http.StatusUnauthorized || code == http.StatusForbidden || code == http.StatusNotFound:
		return fmt.Errorf("%s: %w (status %d): %s", op, ErrNotConfigured, code, msg)
	case code == http.StatusTooManyRequests || code >= 500:
		return fmt.Errorf("%s: %w (status %d): %s", op, ErrUnavailable, code, msg)
	default:
		return fmt.Errorf("%s: unexpected status %d: %s", op, code, msg)
	}
}
