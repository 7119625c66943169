package aireview

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ppiankov/neurorouter"

	"github.com/qfgate/qfgate/internal/policy"
)

// ClientConfig holds parameters for the OpenAI-compatible chat
// endpoint used by HTTPAdjudicator.
type ClientConfig struct {
	APIURL    string
	APIKey    string
	MaxTokens int
	Timeout   time.Duration
}

const judgeSystemPrompt = `You are a test-run adjudicator. You receive a summary of a governed test-tool run (input, tool outcomes, structured report counts) and must judge whether the run should pass.

Return ONLY valid JSON, no markdown fences, no commentary:
{"verdict":"PASS|FAIL|NEEDS_REVIEW","confidence":<0.0-1.0>,"reasoning":"<one sentence>"}

PASS only when the evidence clearly supports success. When uncertain, return NEEDS_REVIEW rather than guessing.`

// HTTPAdjudicator judges runs through a chat-completions endpoint.
// One instance serves every configured model; per-model name and
// temperature ride on each call.
type HTTPAdjudicator struct {
	cfg ClientConfig
}

func NewHTTPAdjudicator(cfg ClientConfig) *HTTPAdjudicator {
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 400
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	return &HTTPAdjudicator{cfg: cfg}
}

// Judge sends one review request under the given model configuration.
// An HTTP 429 maps to neurorouter.ErrRateLimited so callers can defer
// instead of burning retries.
func (h *HTTPAdjudicator) Judge(ctx context.Context, model policy.ModelConfig, content, runContext string) (Vote, error) {
	user := content
	if runContext != "" {
		user = runContext + "\n\n" + content
	}
	body, _ := json.Marshal(map[string]interface{}{
		"model": model.Name,
		"messages": []map[string]string{
			{"role": "system", "content": judgeSystemPrompt},
			{"role": "user", "content": user},
		},
		"max_tokens":  h.cfg.MaxTokens,
		"temperature": model.Temperature,
	})

	req, err := http.NewRequestWithContext(ctx, "POST", h.cfg.APIURL, bytes.NewReader(body))
	if err != nil {
		return Vote{}, fmt.Errorf("create request: %w", err)
	}
	if h.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+h.cfg.APIKey)
	}
	req.Header.Set("Content-Type", "application/json")

	client := &http.Client{Timeout: h.cfg.Timeout}
	resp, err := client.Do(req)
	if err != nil {
		return Vote{}, fmt.Errorf("review request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, _ := io.ReadAll(resp.Body)
	if resp.StatusCode == http.StatusTooManyRequests {
		return Vote{}, fmt.Errorf("model %s: %w", model.Name, neurorouter.ErrRateLimited)
	}
	if resp.StatusCode != http.StatusOK {
		return Vote{}, fmt.Errorf("review HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
	}

	var result struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.Unmarshal(respBody, &result); err != nil || len(result.Choices) == 0 {
		return Vote{}, fmt.Errorf("empty review response")
	}

	return parseVote(result.Choices[0].Message.Content)
}

// parseVote extracts the strict-JSON verdict from the model output.
func parseVote(raw string) (Vote, error) {
	raw = cleanJSON(raw)
	var v struct {
		Verdict    string  `json:"verdict"`
		Confidence float64 `json:"confidence"`
		Reasoning  string  `json:"reasoning"`
	}
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return Vote{}, fmt.Errorf("cannot parse review response: %s", truncate(raw, 200))
	}
	verdict := strings.ToUpper(strings.TrimSpace(v.Verdict))
	switch verdict {
	case VerdictPass, VerdictFail, VerdictNeedsReview:
	default:
		return Vote{}, fmt.Errorf("unknown verdict %q", v.Verdict)
	}
	if v.Confidence < 0 {
		v.Confidence = 0
	}
	if v.Confidence > 1 {
		v.Confidence = 1
	}
	return Vote{Verdict: verdict, Confidence: v.Confidence, Reasoning: v.Reasoning}, nil
}

// cleanJSON strips markdown fences and surrounding whitespace.
func cleanJSON(s string) string {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
