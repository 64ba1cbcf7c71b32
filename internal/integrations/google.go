package integrations

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"our-journey-auth/internal/auth"
)

// GoogleVerifier checks Google ID tokens against the tokeninfo endpoint.
type GoogleVerifier struct {
	tokenInfoURL string
	clientID     string
	httpClient   *http.Client
}

type tokenInfoResponse struct {
	Subject       string   `json:"sub"`
	Email         string   `json:"email"`
	EmailVerified flexBool `json:"email_verified"`
	GivenName     string   `json:"given_name"`
	FamilyName    string   `json:"family_name"`
	Audience      string   `json:"aud"`
}

// flexBool accepts both true and "true"; tokeninfo returns the string form.
type flexBool bool

func (b *flexBool) UnmarshalJSON(data []byte) error {
	switch strings.Trim(strings.ToLower(string(data)), `"`) {
	case "true":
		*b = true
	case "false", "", "null":
		*b = false
	default:
		return fmt.Errorf("invalid boolean %s", data)
	}
	return nil
}

func NewGoogleVerifier(tokenInfoURL, clientID string, timeout time.Duration) *GoogleVerifier {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &GoogleVerifier{
		tokenInfoURL: strings.TrimSpace(tokenInfoURL),
		clientID:     strings.TrimSpace(clientID),
		httpClient:   &http.Client{Timeout: timeout},
	}
}

func (g *GoogleVerifier) Verify(ctx context.Context, idToken string) (auth.ExternalClaims, error) {
	endpoint, err := url.Parse(g.tokenInfoURL)
	if err != nil {
		return auth.ExternalClaims{}, fmt.Errorf("parse tokeninfo url: %w", err)
	}
	query := endpoint.Query()
	query.Set("id_token", idToken)
	endpoint.RawQuery = query.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint.String(), nil)
	if err != nil {
		return auth.ExternalClaims{}, fmt.Errorf("build tokeninfo request: %w", err)
	}

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return auth.ExternalClaims{}, fmt.Errorf("%w: tokeninfo request failed: %v", auth.ErrInvalidExternalToken, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return auth.ExternalClaims{}, fmt.Errorf("%w: read tokeninfo response: %v", auth.ErrInvalidExternalToken, err)
	}
	if resp.StatusCode != http.StatusOK {
		return auth.ExternalClaims{}, fmt.Errorf("%w: tokeninfo returned status %d", auth.ErrInvalidExternalToken, resp.StatusCode)
	}

	var info tokenInfoResponse
	if err := json.Unmarshal(body, &info); err != nil {
		return auth.ExternalClaims{}, fmt.Errorf("%w: decode tokeninfo response: %v", auth.ErrInvalidExternalToken, err)
	}
	if info.Email == "" {
		return auth.ExternalClaims{}, fmt.Errorf("%w: tokeninfo response missing email", auth.ErrInvalidExternalToken)
	}
	if g.clientID != "" && info.Audience != g.clientID {
		return auth.ExternalClaims{}, fmt.Errorf("%w: unexpected audience", auth.ErrInvalidExternalToken)
	}

	return auth.ExternalClaims{
		Subject:       info.Subject,
		Email:         info.Email,
		EmailVerified: bool(info.EmailVerified),
		GivenName:     info.GivenName,
		FamilyName:    info.FamilyName,
		Audience:      info.Audience,
	}, nil
}
