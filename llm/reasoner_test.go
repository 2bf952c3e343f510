package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func stubGeminiServer(t *testing.T, candidateJSON string, statusCode int) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if statusCode != http.StatusOK {
			w.WriteHeader(statusCode)
			w.Write([]byte(`{"error":"stubbed failure"}`))
			return
		}
		resp := generateContentResponse{}
		resp.Candidates = []struct {
			Content struct {
				Parts []geminiPart `json:"parts"`
			} `json:"content"`
		}{
			{Content: struct {
				Parts []geminiPart `json:"parts"`
			}{Parts: []geminiPart{{Text: candidateJSON}}}},
		}
		resp.UsageMetadata.PromptTokenCount = 42
		resp.UsageMetadata.CandidatesTokenCount = 7
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	}))
}

func TestGenerateAnswerParsesPayload(t *testing.T) {
	srv := stubGeminiServer(t, `{"answer_markdown":"The orbit period is 27 days [citation:n1].","confidence":0.82,"citations":["n1"]}`, http.StatusOK)
	defer srv.Close()

	c := NewReasonerClient("gemini-2.5-flash", "test-key", srv.URL)
	result, err := c.GenerateAnswer(context.Background(), "prompt")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Confidence != 0.82 {
		t.Errorf("confidence = %v, want 0.82", result.Confidence)
	}
	if len(result.Citations) != 1 || result.Citations[0] != "n1" {
		t.Errorf("citations = %v, want [n1]", result.Citations)
	}
	if result.TokenUsage.InputTokens != 42 || result.TokenUsage.OutputTokens != 7 {
		t.Errorf("unexpected token usage: %+v", result.TokenUsage)
	}
	if result.EstimatedCostUSD <= 0 {
		t.Error("expected a positive cost estimate")
	}
}

func TestGenerateAnswerDefaultsOnMissingFields(t *testing.T) {
	srv := stubGeminiServer(t, `{}`, http.StatusOK)
	defer srv.Close()

	c := NewReasonerClient("gemini-2.5-flash", "test-key", srv.URL)
	result, err := c.GenerateAnswer(context.Background(), "prompt")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(result.AnswerMarkdown, "No grounded answer") {
		t.Errorf("expected ungrounded sentinel, got %q", result.AnswerMarkdown)
	}
	if result.Confidence != 0.5 {
		t.Errorf("confidence = %v, want default 0.5", result.Confidence)
	}
}

func TestGenerateAnswerInvalidJSONReturnsProviderError(t *testing.T) {
	srv := stubGeminiServer(t, `not json at all`, http.StatusOK)
	defer srv.Close()

	c := NewReasonerClient("gemini-2.5-flash", "test-key", srv.URL)
	_, err := c.GenerateAnswer(context.Background(), "prompt")
	if err == nil {
		t.Fatal("expected an error for unparseable answer payload")
	}
	rerr, ok := err.(*ReasonerError)
	if !ok || rerr.Code != ErrCodeProviderInvalidResponse {
		t.Errorf("expected ErrCodeProviderInvalidResponse, got %v", err)
	}
}

func TestGeneratePlanStepParsesPayload(t *testing.T) {
	srv := stubGeminiServer(t, `{"stepType":"drill_down","objective":"inspect section 2","reasoning":"more detail needed","decision":"continue"}`, http.StatusOK)
	defer srv.Close()

	c := NewReasonerClient("gemini-2.5-flash", "test-key", srv.URL)
	result, err := c.GeneratePlanStep(context.Background(), "prompt")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.StepType != "drill_down" || result.Objective != "inspect section 2" {
		t.Errorf("unexpected result: %+v", result)
	}
	if result.Decision != "continue" {
		t.Errorf("decision = %q, want continue", result.Decision)
	}
}

func TestGeneratePlanStepDefaultsDecisionWhenAbsent(t *testing.T) {
	srv := stubGeminiServer(t, `{"stepType":"self_check","objective":"verify"}`, http.StatusOK)
	defer srv.Close()

	c := NewReasonerClient("gemini-2.5-flash", "test-key", srv.URL)
	result, err := c.GeneratePlanStep(context.Background(), "prompt")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Decision != "continue" {
		t.Errorf("decision = %q, want default continue", result.Decision)
	}
}

func TestGeneratePlanStepRejectsMissingRequiredFields(t *testing.T) {
	srv := stubGeminiServer(t, `{"reasoning":"no step type or objective here"}`, http.StatusOK)
	defer srv.Close()

	c := NewReasonerClient("gemini-2.5-flash", "test-key", srv.URL)
	_, err := c.GeneratePlanStep(context.Background(), "prompt")
	if err == nil {
		t.Fatal("expected an error when stepType/objective are blank")
	}
}

func TestCallMapsUnauthorizedToProviderAuth(t *testing.T) {
	srv := stubGeminiServer(t, "", http.StatusUnauthorized)
	defer srv.Close()

	c := NewReasonerClient("gemini-2.5-flash", "bad-key", srv.URL)
	_, err := c.GenerateAnswer(context.Background(), "prompt")
	rerr, ok := err.(*ReasonerError)
	if !ok || rerr.Code != ErrCodeProviderAuth {
		t.Errorf("expected ErrCodeProviderAuth, got %v", err)
	}
}

func TestCallMapsTooManyRequestsToRateLimited(t *testing.T) {
	srv := stubGeminiServer(t, "", http.StatusTooManyRequests)
	defer srv.Close()

	c := NewReasonerClient("gemini-2.5-flash", "test-key", srv.URL)
	_, err := c.GenerateAnswer(context.Background(), "prompt")
	rerr, ok := err.(*ReasonerError)
	if !ok || rerr.Code != ErrCodeProviderRateLimited {
		t.Errorf("expected ErrCodeProviderRateLimited, got %v", err)
	}
}

func TestCallMapsServerErrorToInvalidResponse(t *testing.T) {
	srv := stubGeminiServer(t, "", http.StatusInternalServerError)
	defer srv.Close()

	c := NewReasonerClient("gemini-2.5-flash", "test-key", srv.URL)
	_, err := c.GenerateAnswer(context.Background(), "prompt")
	rerr, ok := err.(*ReasonerError)
	if !ok || rerr.Code != ErrCodeProviderInvalidResponse {
		t.Errorf("expected ErrCodeProviderInvalidResponse, got %v", err)
	}
}

func TestNewReasonerClientDefaultsBaseURL(t *testing.T) {
	c := NewReasonerClient("gemini-2.5-flash", "key", "")
	if c.baseURL != "https://generativelanguage.googleapis.com/v1beta" {
		t.Errorf("unexpected default base URL: %s", c.baseURL)
	}
}

func TestEstimateCostUSD(t *testing.T) {
	cost := estimateCostUSD(TokenUsage{InputTokens: 1000, OutputTokens: 1000})
	if cost <= 0 {
		t.Error("expected a positive cost estimate")
	}
}
