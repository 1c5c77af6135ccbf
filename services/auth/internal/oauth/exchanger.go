package oauth

import (
	"context"
	"encoding/json"

	"github.com/carlossalguero/authentiq/services/shared/errors"
)

// TokenBundle is the outcome of a successful code exchange.
type TokenBundle struct {
	AccessToken  string
	RefreshToken string
	// IDToken is set when the provider returned one; it takes priority over
	// the user-info endpoint.
	IDToken string
	Params  map[string]any
}

// HasIDToken reports whether the provider returned an identity token.
func (b *TokenBundle) HasIDToken() bool {
	return b.IDToken != ""
}

// Exchanger turns an authorization code into a TokenBundle.
type Exchanger struct {
	transport Transport
}

// NewExchanger creates an exchanger using transport.
func NewExchanger(transport Transport) *Exchanger {
	return &Exchanger{transport: transport}
}

// Exchange performs a single token request. Transport failures become
// EXCHANGE_FAILED and a response without an access token becomes
// MISSING_TOKEN carrying the serialized response parameters.
func (e *Exchanger) Exchange(ctx context.Context, code string, params map[string]string) (*TokenBundle, error) {
	resp, err := e.transport.ExchangeCode(ctx, code, params)
	if err != nil {
		if cerr := interrupted(ctx, "token exchange interrupted", err); cerr != nil {
			return nil, cerr
		}

		exErr := errors.ExchangeFailed(err)
		var httpErr *HTTPError
		if errors.As(err, &httpErr) {
			if fields, ok := httpErr.OAuthError(); ok {
				exErr = exErr.WithDetails(fields)
			}
		}
		return nil, exErr
	}

	if resp == nil || resp.AccessToken == "" {
		var params map[string]any
		if resp != nil {
			params = resp.Params
		}
		return nil, errors.MissingToken(serializeParams(params))
	}

	bundle := &TokenBundle{
		AccessToken:  resp.AccessToken,
		RefreshToken: resp.RefreshToken,
		IDToken:      resp.IDToken,
		Params:       resp.Params,
	}
	if bundle.IDToken == "" {
		bundle.IDToken = stringParam(resp.Params, "id_token")
	}
	return bundle, nil
}

func serializeParams(params map[string]any) string {
	if params == nil {
		params = map[string]any{}
	}
	data, err := json.Marshal(params)
	if err != nil {
		return "{}"
	}
	return string(data)
}

// interrupted classifies err, or the context itself, as CANCELED or TIMEOUT.
func interrupted(ctx context.Context, message string, err error) *errors.Error {
	if cerr := errors.FromContext(message, err); cerr != nil {
		return cerr
	}
	return errors.FromContext(message, ctx.Err())
}
