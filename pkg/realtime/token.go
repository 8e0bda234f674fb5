package realtime

import (
	"context"
	"fmt"

	"github.com/acedergren/ocigenai/internal/ocihttp"
	"github.com/acedergren/ocigenai/pkg/apierror"
)

// TokenIssuer obtains a short-lived realtime session token. A fresh token
// is requested for every connection attempt.
type TokenIssuer interface {
	IssueToken(ctx context.Context, compartmentID string) (string, error)
}

// TokenIssuerFunc adapts a function to [TokenIssuer].
type TokenIssuerFunc func(ctx context.Context, compartmentID string) (string, error)

// IssueToken implements [TokenIssuer].
func (f TokenIssuerFunc) IssueToken(ctx context.Context, compartmentID string) (string, error) {
	return f(ctx, compartmentID)
}

// tokenPath is the Speech API action that mints realtime session tokens.
const tokenPath = "/20220101/actions/realtimeSessionToken"

// HTTPTokenIssuer requests session tokens from the OCI Speech API.
type HTTPTokenIssuer struct {
	client *ocihttp.Client
}

// NewHTTPTokenIssuer returns an issuer that calls the Speech API through
// client, which must point at a Speech endpoint
// (see [ocihttp.SpeechEndpoint]).
func NewHTTPTokenIssuer(client *ocihttp.Client) *HTTPTokenIssuer {
	return &HTTPTokenIssuer{client: client}
}

type tokenRequest struct {
	CompartmentID string `json:"compartmentId"`
}

type tokenResponse struct {
	Token string `json:"token"`
}

// IssueToken implements [TokenIssuer].
func (i *HTTPTokenIssuer) IssueToken(ctx context.Context, compartmentID string) (string, error) {
	var resp tokenResponse
	if err := i.client.PostJSON(ctx, "realtime_token", tokenPath, tokenRequest{CompartmentID: compartmentID}, &resp); err != nil {
		return "", fmt.Errorf("realtime: issue session token: %w", err)
	}
	if resp.Token == "" {
		return "", apierror.New(apierror.KindProtocol, "realtime_token", "response carried no token")
	}
	return resp.Token, nil
}
