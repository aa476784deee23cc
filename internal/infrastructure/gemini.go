package infrastructure

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"botfactory/internal/entities"
)

// GeminiClient calls the Generative Language API directly over HTTP.
type GeminiClient struct {
	apiKey     string
	model      string
	baseURL    string
	httpClient *http.Client
}

func NewGeminiClient(apiKey, model string) *GeminiClient {
	return &GeminiClient{
		apiKey:  apiKey,
		model:   model,
		baseURL: "https://generativelanguage.googleapis.com/v1beta",
		// The per-call deadline comes from ctx; this is only a hard stop
		// for a stuck connection.
		httpClient: &http.Client{Timeout: 60 * time.Second},
	}
}

type geminiPart struct {
	Text string `json:"text"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiRequest struct {
	SystemInstruction *geminiContent  `json:"system_instruction,omitempty"`
	Contents          []geminiContent `json:"contents"`
	GenerationConfig  struct {
		Temperature     float64 `json:"temperature"`
		MaxOutputTokens int     `json:"maxOutputTokens"`
	} `json:"generationConfig"`
}

type geminiResponse struct {
	Candidates []struct {
		Content geminiContent `json:"content"`
	} `json:"candidates"`
	Error *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Status  string `json:"status"`
	} `json:"error"`
}

func (g *GeminiClient) Generate(ctx context.Context, prompt entities.Prompt) (string, error) {
	if g.apiKey == "" {
		return "", entities.NewProviderError(false, "gemini api key not configured", nil)
	}

	req := geminiRequest{}
	if prompt.System != "" {
		req.SystemInstruction = &geminiContent{Parts: []geminiPart{{Text: prompt.System}}}
	}

	// Knowledge context rides as a leading user turn so it stays separate
	// from the actual question.
	if len(prompt.Context) > 0 {
		var ctxText bytes.Buffer
		ctxText.WriteString("Ma'lumot:\n")
		for i, c := range prompt.Context {
			if i > 0 {
				ctxText.WriteString("\n\n---\n\n")
			}
			ctxText.WriteString(c)
		}
		req.Contents = append(req.Contents, geminiContent{Role: "user", Parts: []geminiPart{{Text: ctxText.String()}}})
		req.Contents = append(req.Contents, geminiContent{Role: "model", Parts: []geminiPart{{Text: "OK"}}})
	}

	for _, turn := range prompt.History {
		role := "user"
		if turn.Role == "assistant" {
			role = "model"
		}
		req.Contents = append(req.Contents, geminiContent{Role: role, Parts: []geminiPart{{Text: turn.Text}}})
	}
	req.Contents = append(req.Contents, geminiContent{Role: "user", Parts: []geminiPart{{Text: prompt.UserMessage}}})

	req.GenerationConfig.Temperature = prompt.Temperature
	req.GenerationConfig.MaxOutputTokens = prompt.MaxTokens

	data, err := json.Marshal(req)
	if err != nil {
		return "", entities.NewProviderError(false, "gemini request encode", err)
	}

	url := fmt.Sprintf("%s/models/%s:generateContent?key=%s", g.baseURL, g.model, g.apiKey)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewBuffer(data))
	if err != nil {
		return "", entities.NewProviderError(false, "gemini request build", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := g.httpClient.Do(httpReq)
	if err != nil {
		// Timeouts and connection failures are worth a retry.
		return "", entities.NewProviderError(true, "gemini request failed", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", entities.NewProviderError(true, "gemini response read", err)
	}

	if resp.StatusCode != http.StatusOK {
		transient := resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500
		detail := fmt.Sprintf("gemini status %d", resp.StatusCode)
		return "", entities.NewProviderError(transient, detail, errors.New(string(truncate(body, 256))))
	}

	var out geminiResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return "", entities.NewProviderError(true, "gemini response decode", err)
	}
	if out.Error != nil {
		return "", entities.NewProviderError(false, "gemini: "+out.Error.Message, nil)
	}
	if len(out.Candidates) == 0 || len(out.Candidates[0].Content.Parts) == 0 {
		// Safety-blocked or empty generations are not retryable.
		return "", entities.NewProviderError(false, "gemini returned no candidates", nil)
	}
	return out.Candidates[0].Content.Parts[0].Text, nil
}

func truncate(b []byte, n int) []byte {
	if len(b) > n {
		return b[:n]
	}
	return b
}
