package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/time/rate"
)

// Client posts template messages to the provider's HTTP endpoint.
// A process-wide token bucket paces calls so bursts of campaign steps
// stay under the provider's TPS ceiling; this is separate from the
// per-recipient quota, which the dispatch engine enforces.
type Client struct {
	url     string
	apiKey  string
	client  *http.Client
	limiter *rate.Limiter
}

func NewClient(url, apiKey string, timeout time.Duration, tps float64) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		url:     url,
		apiKey:  apiKey,
		client:  &http.Client{Timeout: timeout},
		limiter: rate.NewLimiter(rate.Limit(tps), 1),
	}
}

type sendRequest struct {
	To           string   `json:"to"`
	TemplateID   string   `json:"templateId"`
	LanguageCode string   `json:"languageCode"`
	Parameters   []string `json:"parameters"`
}

type sendResponse struct {
	Message   string `json:"message"`
	MessageID string `json:"messageId"`
}

// Send submits one template message and returns the provider-assigned
// message id, the correlation key for later delivery callbacks.
func (c *Client) Send(ctx context.Context, to, templateID, languageCode string, parameters []string) (string, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return "", err
	}

	reqBody, err := json.Marshal(sendRequest{
		To:           to,
		TemplateID:   templateID,
		LanguageCode: languageCode,
		Parameters:   parameters,
	})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(reqBody))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)

	if resp.StatusCode != http.StatusAccepted && resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("unexpected status code: %d body=%q", resp.StatusCode, string(body))
	}

	var sr sendResponse
	if err := json.Unmarshal(body, &sr); err != nil {
		return "", fmt.Errorf("failed to decode json: %w body=%q", err, string(body))
	}
	if sr.MessageID == "" {
		return "", fmt.Errorf("missing messageId in response body=%q", string(body))
	}

	return sr.MessageID, nil
}
