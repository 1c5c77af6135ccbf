// Package oauth talks to the Authentiq OAuth 2.0 endpoints: it exchanges
// authorization codes for tokens and fetches the user-info resource.
package oauth

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
)

// Endpoint names used for circuit breakers and request metrics.
const (
	EndpointToken    = "token"
	EndpointUserInfo = "userinfo"
)

// Transport performs the provider HTTP calls.
type Transport interface {
	// ExchangeCode posts an authorization_code grant to the token endpoint.
	// A 2xx response without an access token is not an error; it is returned
	// with an empty AccessToken and the parsed response in Params.
	ExchangeCode(ctx context.Context, code string, params map[string]string) (*TokenResponse, error)

	// AuthenticatedGet performs a bearer-authenticated GET. Non-2xx
	// responses are returned as *HTTPError.
	AuthenticatedGet(ctx context.Context, url, accessToken string) ([]byte, error)
}

// TokenResponse is the token endpoint's answer.
type TokenResponse struct {
	AccessToken  string
	RefreshToken string
	IDToken      string
	// Params holds every parameter of the response body.
	Params map[string]any
}

// HTTPError is a non-2xx provider response.
type HTTPError struct {
	StatusCode int
	Body       []byte
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("provider responded with status %d: %s", e.StatusCode, truncate(e.Body, 256))
}

// ProviderMessage returns the "message" field of a JSON error body.
func (e *HTTPError) ProviderMessage() (string, bool) {
	var body struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(e.Body, &body); err != nil || body.Message == "" {
		return "", false
	}
	return body.Message, true
}

// OAuthError returns the RFC 6749 section 5.2 error fields of a JSON body.
func (e *HTTPError) OAuthError() (map[string]string, bool) {
	var body struct {
		Error            string `json:"error"`
		ErrorDescription string `json:"error_description"`
		ErrorURI         string `json:"error_uri"`
	}
	if err := json.Unmarshal(e.Body, &body); err != nil || body.Error == "" {
		return nil, false
	}

	fields := map[string]string{"error": body.Error}
	if body.ErrorDescription != "" {
		fields["error_description"] = body.ErrorDescription
	}
	if body.ErrorURI != "" {
		fields["error_uri"] = body.ErrorURI
	}
	return fields, true
}

// parseParams decodes a token response body. JSON objects are kept as-is;
// anything else is read as a form encoded body.
func parseParams(body []byte) map[string]any {
	params := map[string]any{}
	if len(body) == 0 {
		return params
	}

	if err := json.Unmarshal(body, &params); err == nil && params != nil {
		return params
	}

	params = map[string]any{}
	values, err := url.ParseQuery(string(body))
	if err != nil {
		return params
	}
	for k := range values {
		params[k] = values.Get(k)
	}
	return params
}

func stringParam(params map[string]any, key string) string {
	s, _ := params[key].(string)
	return s
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
