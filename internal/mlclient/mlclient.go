// Package mlclient wraps the external ML scoring and OCR services that the
// adaptive router and handwriting verifier depend on (spec.md §6). Calls
// are bounded by both a per-request timeout and a client-side token bucket
// so a slow or throttling upstream cannot exhaust this service's own
// outbound connections (§5).
package mlclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/time/rate"
)

// Client talks to the ML bot-scoring service and the OCR service.
type Client struct {
	httpClient   *http.Client
	mlBaseURL    string
	ocrBaseURL   string
	timeout      time.Duration
	limiter      *rate.Limiter
	defaultScore float64
}

// NewClient builds a Client. requestsPerSecond/burst bound outbound calls
// to both services combined, matching the single ML_REQUESTS_PER_SECOND
// knob in configuration.
func NewClient(mlBaseURL, ocrBaseURL string, timeout time.Duration, requestsPerSecond float64, burst int, defaultScoreOnFailure float64) *Client {
	return &Client{
		httpClient:   &http.Client{Timeout: timeout},
		mlBaseURL:    mlBaseURL,
		ocrBaseURL:   ocrBaseURL,
		timeout:      timeout,
		limiter:      rate.NewLimiter(rate.Limit(requestsPerSecond), burst),
		defaultScore: defaultScoreOnFailure,
	}
}

// BotScoreRequest carries the signals the ML scorer uses to produce a
// confidence-of-human score (spec.md §4.4).
type BotScoreRequest struct {
	SessionID    string `json:"session_id"`
	IPAddress    string `json:"ip_address"`
	UserAgent    string `json:"user_agent"`
	BehaviorData string `json:"behavior_data,omitempty"`
}

// PredictBotScore returns a confidence score in [0, 100] plus the scorer's
// own bot verdict. On any transport, rate-limit-wait, or non-2xx failure it
// returns defaultScoreOnFailure and a non-nil error so the caller can log
// the fallback while still proceeding (§4.4, §7 "ML scorer unreachable").
func (c *Client) PredictBotScore(ctx context.Context, req BotScoreRequest) (float64, bool, error) {
	var resp struct {
		ConfidenceScore float64 `json:"confidence_score"`
		IsBot           bool    `json:"is_bot"`
	}
	if err := c.post(ctx, c.mlBaseURL+"/predict-bot", req, &resp); err != nil {
		return c.defaultScore, false, fmt.Errorf("mlclient: predict-bot: %w", err)
	}
	return resp.ConfidenceScore, resp.IsBot, nil
}

// AbstractProbaRequest is one candidate image to score against a class.
type AbstractProbaRequest struct {
	TargetClass string   `json:"target_class"`
	ImageIDs    []string `json:"image_ids"`
}

// PredictAbstractProbaBatch returns, for each requested image ID, the
// model's probability that the image belongs to TargetClass. Used only when
// building local-mode abstract challenges (§4.5.1); verification does not
// call it.
func (c *Client) PredictAbstractProbaBatch(ctx context.Context, req AbstractProbaRequest) (map[string]float64, error) {
	var resp struct {
		Probabilities map[string]float64 `json:"probabilities"`
	}
	if err := c.post(ctx, c.mlBaseURL+"/predict-abstract-proba-batch", req, &resp); err != nil {
		return nil, fmt.Errorf("mlclient: predict-abstract-proba-batch: %w", err)
	}
	return resp.Probabilities, nil
}

// TextRequest is a handwriting sample awaiting OCR classification. Lexicon,
// when non-empty, constrains OCR to the given class labels (§4.6); it is
// omitted from the request entirely when empty.
type TextRequest struct {
	ImageData string   `json:"image_data"` // base64
	Lexicon   []string `json:"lexicon,omitempty"`
}

// PredictText runs OCR over a handwriting sample and returns the
// recognized class label (§4.5.3).
func (c *Client) PredictText(ctx context.Context, req TextRequest) (string, error) {
	var resp struct {
		Class string `json:"class"`
	}
	if err := c.post(ctx, c.ocrBaseURL+"/predict-text", req, &resp); err != nil {
		return "", fmt.Errorf("mlclient: predict-text: %w", err)
	}
	return resp.Class, nil
}

func (c *Client) post(ctx context.Context, url string, body, dst any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limiter: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("upstream returned status %d", resp.StatusCode)
	}

	if dst != nil {
		if err := json.NewDecoder(resp.Body).Decode(dst); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}
