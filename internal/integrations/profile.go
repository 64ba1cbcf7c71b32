package integrations

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"our-journey-auth/internal/observability"
)

// ProfileClient tells the profile server that a user finished verification.
type ProfileClient struct {
	baseURL    string
	httpClient *http.Client
	logger     *observability.Logger
}

func NewProfileClient(baseURL string, timeout time.Duration, logger *observability.Logger) *ProfileClient {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &ProfileClient{
		baseURL:    strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger,
	}
}

// NotifyCreated posts {"id": userID} to /profiles. Only 200 and 201 count as success.
func (c *ProfileClient) NotifyCreated(ctx context.Context, userID int64) error {
	if c.baseURL == "" {
		if c.logger != nil {
			c.logger.Warn("profile_notify_skipped", map[string]any{"user_id": userID, "reason": "PROFILE_SERVICE_URL not set"})
		}
		return nil
	}

	payload, err := json.Marshal(map[string]int64{"id": userID})
	if err != nil {
		return fmt.Errorf("encode profile payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/profiles", bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build profile request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("profile request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return fmt.Errorf("failed to create profile: status %d, response: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	if c.logger != nil {
		c.logger.Info("profile_created", map[string]any{"user_id": userID})
	}
	return nil
}
