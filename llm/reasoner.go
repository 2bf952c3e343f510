package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// ReasonerErrorCode is the closed set of provider-facing error codes the
// Executor maps onto the wire error taxonomy.
type ReasonerErrorCode string

const (
	ErrCodeProviderAuth            ReasonerErrorCode = "PROVIDER_AUTH"
	ErrCodeProviderRateLimited     ReasonerErrorCode = "PROVIDER_RATE_LIMITED"
	ErrCodeProviderTimeout         ReasonerErrorCode = "PROVIDER_TIMEOUT"
	ErrCodeProviderInvalidResponse ReasonerErrorCode = "PROVIDER_INVALID_RESPONSE"
	ErrCodeNetwork                 ReasonerErrorCode = "NETWORK_ERROR"
)

// ReasonerError wraps a provider-facing failure with its wire error code.
type ReasonerError struct {
	Code    ReasonerErrorCode
	Message string
}

func (e *ReasonerError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// TokenUsage is the input/output token counts a provider call reports.
type TokenUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// AnswerResult is the parsed synthesis output (spec §4.5 generate_answer).
type AnswerResult struct {
	AnswerMarkdown   string
	Confidence       float64
	Citations        []string
	TokenUsage       TokenUsage
	EstimatedCostUSD float64
}

// PlanStepResult is the parsed planner output (spec §4.5 generate_plan_step).
type PlanStepResult struct {
	StepType   string
	Objective  string
	Reasoning  string
	Decision   string
	TokenUsage TokenUsage
}

// ReasonerClient talks to Gemini's native generateContent endpoint with
// strict JSON-mode generation and per-call temperature control, since both
// the planner and synthesis calls require a parseable structured payload
// back from the model (spec §4.5).
type ReasonerClient struct {
	httpClient *http.Client
	model      string
	apiKey     string
	baseURL    string
}

// NewReasonerClient constructs a client against the given model. baseURL
// defaults to the public Gemini v1beta endpoint.
func NewReasonerClient(model, apiKey, baseURL string) *ReasonerClient {
	if baseURL == "" {
		baseURL = "https://generativelanguage.googleapis.com/v1beta"
	}
	return &ReasonerClient{
		httpClient: &http.Client{Timeout: 60 * time.Second},
		model:      model,
		apiKey:     apiKey,
		baseURL:    baseURL,
	}
}

type generateContentRequest struct {
	Contents         []geminiContent        `json:"contents"`
	GenerationConfig geminiGenerationConfig `json:"generationConfig"`
}

type geminiContent struct {
	Role  string       `json:"role"`
	Parts []geminiPart `json:"parts"`
}

type geminiPart struct {
	Text string `json:"text"`
}

type geminiGenerationConfig struct {
	Temperature      float64 `json:"temperature"`
	ResponseMimeType string  `json:"responseMimeType"`
}

type generateContentResponse struct {
	Candidates []struct {
		Content struct {
			Parts []geminiPart `json:"parts"`
		} `json:"content"`
	} `json:"candidates"`
	UsageMetadata struct {
		PromptTokenCount     int `json:"promptTokenCount"`
		CandidatesTokenCount int `json:"candidatesTokenCount"`
	} `json:"usageMetadata"`
}

// GenerateAnswer implements generate_answer (spec §4.5): temperature 0.2,
// JSON mime type, parses {answer_markdown, confidence, citations}.
func (c *ReasonerClient) GenerateAnswer(ctx context.Context, prompt string) (*AnswerResult, error) {
	raw, usage, err := c.call(ctx, prompt, 0.2)
	if err != nil {
		return nil, err
	}

	var parsed struct {
		AnswerMarkdown string   `json:"answer_markdown"`
		Confidence     float64  `json:"confidence"`
		Citations      []string `json:"citations"`
	}
	if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
		return nil, &ReasonerError{Code: ErrCodeProviderInvalidResponse, Message: "answer payload was not valid JSON"}
	}

	if parsed.AnswerMarkdown == "" {
		parsed.AnswerMarkdown = "No grounded answer could be generated."
	}
	if parsed.Confidence == 0 {
		parsed.Confidence = 0.5
	}

	return &AnswerResult{
		AnswerMarkdown:   parsed.AnswerMarkdown,
		Confidence:       parsed.Confidence,
		Citations:        parsed.Citations,
		TokenUsage:       usage,
		EstimatedCostUSD: estimateCostUSD(usage),
	}, nil
}

// GeneratePlanStep implements generate_plan_step (spec §4.5): temperature
// 0.1, JSON mime type, parses {stepType, objective, reasoning, decision}
// with decision defaulting to "continue" when absent.
func (c *ReasonerClient) GeneratePlanStep(ctx context.Context, prompt string) (*PlanStepResult, error) {
	raw, usage, err := c.call(ctx, prompt, 0.1)
	if err != nil {
		return nil, err
	}

	var parsed struct {
		StepType  string `json:"stepType"`
		Objective string `json:"objective"`
		Reasoning string `json:"reasoning"`
		Decision  string `json:"decision"`
	}
	if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
		return nil, &ReasonerError{Code: ErrCodeProviderInvalidResponse, Message: "plan step payload was not valid JSON"}
	}
	if strings.TrimSpace(parsed.StepType) == "" || strings.TrimSpace(parsed.Objective) == "" {
		return nil, &ReasonerError{Code: ErrCodeProviderInvalidResponse, Message: "plan step missing stepType or objective"}
	}
	if parsed.Decision == "" {
		parsed.Decision = "continue"
	}

	return &PlanStepResult{
		StepType:   parsed.StepType,
		Objective:  parsed.Objective,
		Reasoning:  parsed.Reasoning,
		Decision:   parsed.Decision,
		TokenUsage: usage,
	}, nil
}

func (c *ReasonerClient) call(ctx context.Context, prompt string, temperature float64) (string, TokenUsage, error) {
	reqBody := generateContentRequest{
		Contents: []geminiContent{
			{Role: "user", Parts: []geminiPart{{Text: prompt}}},
		},
		GenerationConfig: geminiGenerationConfig{
			Temperature:      temperature,
			ResponseMimeType: "application/json",
		},
	}

	data, err := json.Marshal(reqBody)
	if err != nil {
		return "", TokenUsage{}, fmt.Errorf("marshaling request: %w", err)
	}

	endpoint := fmt.Sprintf("%s/models/%s:generateContent?key=%s",
		c.baseURL, c.model, url.QueryEscape(c.apiKey))

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(data))
	if err != nil {
		return "", TokenUsage{}, fmt.Errorf("building request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) || isTimeoutErr(err) {
			return "", TokenUsage{}, &ReasonerError{Code: ErrCodeProviderTimeout, Message: err.Error()}
		}
		return "", TokenUsage{}, &ReasonerError{Code: ErrCodeNetwork, Message: err.Error()}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", TokenUsage{}, &ReasonerError{Code: ErrCodeNetwork, Message: err.Error()}
	}

	if resp.StatusCode != http.StatusOK {
		switch resp.StatusCode {
		case http.StatusUnauthorized, http.StatusForbidden:
			return "", TokenUsage{}, &ReasonerError{Code: ErrCodeProviderAuth, Message: string(body)}
		case http.StatusTooManyRequests:
			return "", TokenUsage{}, &ReasonerError{Code: ErrCodeProviderRateLimited, Message: string(body)}
		default:
			return "", TokenUsage{}, &ReasonerError{Code: ErrCodeProviderInvalidResponse, Message: string(body)}
		}
	}

	var parsed generateContentResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", TokenUsage{}, &ReasonerError{Code: ErrCodeProviderInvalidResponse, Message: "response was not valid JSON"}
	}
	if len(parsed.Candidates) == 0 || len(parsed.Candidates[0].Content.Parts) == 0 {
		return "", TokenUsage{}, &ReasonerError{Code: ErrCodeProviderInvalidResponse, Message: "no candidate text in response"}
	}

	usage := TokenUsage{
		InputTokens:  parsed.UsageMetadata.PromptTokenCount,
		OutputTokens: parsed.UsageMetadata.CandidatesTokenCount,
	}
	return parsed.Candidates[0].Content.Parts[0].Text, usage, nil
}

// estimateCostUSD applies the published Gemini Flash per-token pricing
// (spec §4.5: "$/token cost estimate").
func estimateCostUSD(usage TokenUsage) float64 {
	return float64(usage.InputTokens)*3e-7 + float64(usage.OutputTokens)*1.2e-6
}

type timeoutError interface {
	Timeout() bool
}

func isTimeoutErr(err error) bool {
	var te timeoutError
	if errors.As(err, &te) {
		return te.Timeout()
	}
	return false
}
