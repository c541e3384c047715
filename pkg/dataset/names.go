package dataset

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/viva-health/screening/pkg/common/httpclient"
	"github.com/viva-health/screening/pkg/common/logger"
)

const namesPrompt = "List 100 common UK female names, comma separated. No intro text."

// minNames is the smallest usable answer; anything shorter is treated as a bad response.
const minNames = 10

var FallbackNames = []string{
	"Olivia", "Amelia", "Isla", "Ava", "Ivy", "Freya", "Lily",
	"Florence", "Mia", "Willow", "Alice", "Sophie", "Ella", "Grace", "Zoe",
}

type geminiPart struct {
	Text string `json:"text"`
}

type geminiContent struct {
	Parts []geminiPart `json:"parts"`
}

type geminiRequest struct {
	Contents []geminiContent `json:"contents"`
}

type geminiResponse struct {
	Candidates []struct {
		Content geminiContent `json:"content"`
	} `json:"candidates"`
	Error *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// NameSource asks the Gemini generateContent API for patient first names.
type NameSource struct {
	httpClient *resty.Client
	apiKey     string
	model      string
}

func NewNameSource(baseURL, apiKey, model string) *NameSource {
	return &NameSource{
		httpClient: httpclient.NewREST(baseURL, 30*time.Second),
		apiKey:     apiKey,
		model:      model,
	}
}

// Names returns generated names, or FallbackNames when no key is configured
// or the API call fails.
func (s *NameSource) Names(ctx context.Context) []string {
	if s.apiKey == "" {
		logger.Log.Warn("GEMINI_API_KEY not set, using fallback names")
		return FallbackNames
	}
	names, err := s.fetch(ctx)
	if err != nil {
		logger.Log.WithError(err).Warn("Gemini name generation failed, using fallback names")
		return FallbackNames
	}
	logger.Log.WithField("count", len(names)).Info("Generated patient names")
	return names
}

func (s *NameSource) fetch(ctx context.Context) ([]string, error) {
	request := geminiRequest{Contents: []geminiContent{{Parts: []geminiPart{{Text: namesPrompt}}}}}

	var response geminiResponse
	resp, err := s.httpClient.R().
		SetContext(ctx).
		SetQueryParam("key", s.apiKey).
		SetBody(request).
		SetResult(&response).
		SetError(&response).
		Post(fmt.Sprintf("/models/%s:generateContent", s.model))
	if err != nil {
		return nil, fmt.Errorf("failed to call Gemini API: %w", err)
	}
	if resp.IsError() {
		if response.Error != nil {
			return nil, fmt.Errorf("Gemini API error: %s (status: %d)", response.Error.Message, resp.StatusCode())
		}
		return nil, fmt.Errorf("Gemini API error: status %d", resp.StatusCode())
	}
	if len(response.Candidates) == 0 || len(response.Candidates[0].Content.Parts) == 0 {
		return nil, fmt.Errorf("Gemini API returned no candidates")
	}

	names := ParseNames(response.Candidates[0].Content.Parts[0].Text)
	if len(names) <= minNames {
		return nil, fmt.Errorf("Gemini API returned only %d names", len(names))
	}
	return names, nil
}

// ParseNames splits a comma separated answer into trimmed, non-empty names.
func ParseNames(text string) []string {
	var names []string
	for _, part := range strings.Split(text, ",") {
		if name := strings.TrimSpace(part); name != "" {
			names = append(names, name)
		}
	}
	return names
}
