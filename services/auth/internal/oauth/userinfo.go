package oauth

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/carlossalguero/authentiq/services/shared/errors"
)

// UserInfoFetcher retrieves the user-info claims for an access token.
type UserInfoFetcher struct {
	transport Transport
	url       string
}

// NewUserInfoFetcher creates a fetcher for the user-info endpoint at url.
func NewUserInfoFetcher(transport Transport, url string) *UserInfoFetcher {
	return &UserInfoFetcher{transport: transport, url: url}
}

// Fetch performs one bearer-authenticated GET and decodes the JSON object it
// returns. Every failure is final.
func (f *UserInfoFetcher) Fetch(ctx context.Context, accessToken string) (map[string]any, error) {
	body, err := f.transport.AuthenticatedGet(ctx, f.url, accessToken)
	if err != nil {
		if cerr := interrupted(ctx, "user-info request interrupted", err); cerr != nil {
			return nil, cerr
		}

		var httpErr *HTTPError
		if errors.As(err, &httpErr) {
			if msg, ok := httpErr.ProviderMessage(); ok {
				return nil, errors.APIError(msg).WithStatus(apiErrorStatus(httpErr.StatusCode))
			}
		}
		return nil, errors.ProfileFetchFailed(err)
	}

	var claims map[string]any
	if err := json.Unmarshal(body, &claims); err != nil {
		return nil, errors.ProfileParseFailed(err)
	}
	if claims == nil {
		return nil, errors.ProfileParseFailed(fmt.Errorf("user-info body is not a JSON object"))
	}

	return claims, nil
}

// apiErrorStatus keeps provider 4xx/5xx statuses and reports anything else
// as 500.
func apiErrorStatus(status int) int {
	if status >= 400 && status < 600 {
		return status
	}
	return http.StatusInternalServerError
}
