// Package profile normalizes OpenID Connect claims into the identity record
// handed back to the application.
package profile

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
)

// ErrMissingSubject is returned when the claims carry no usable "sub".
var ErrMissingSubject = errors.New("claims missing subject")

// Profile is the normalized identity of an authenticated user.
type Profile struct {
	ID       string `json:"id"`
	Provider string `json:"provider"`
	Name     string `json:"name,omitempty"`
	Email    string `json:"email,omitempty"`
	Phone    string `json:"phone,omitempty"`
	Address  string `json:"address,omitempty"`

	// Raw holds every claim for project-specific extraction.
	Raw map[string]any `json:"raw,omitempty"`
}

// Parse builds a Profile from decoded claims. Provider is left empty; the
// strategy sets it.
//
// Only scalar claims are normalized: strings are copied, numbers and
// booleans are rendered as text. A structured name, email or phone_number,
// or a non-scalar address.formatted, leaves its field empty and is only
// available through Raw.
func Parse(claims map[string]any) (*Profile, error) {
	if claims == nil {
		return nil, errors.New("claims must be a JSON object")
	}

	id, ok := stringify(claims["sub"])
	if !ok || id == "" {
		return nil, ErrMissingSubject
	}

	p := &Profile{
		ID:  id,
		Raw: claims,
	}
	p.Name = str(claims, "name")
	p.Email = str(claims, "email")
	p.Phone = str(claims, "phone_number")

	if addr, ok := claims["address"].(map[string]any); ok {
		p.Address = str(addr, "formatted")
	}

	return p, nil
}

// ParseJSON decodes a JSON claims document and normalizes it.
func ParseJSON(data []byte) (*Profile, error) {
	var claims map[string]any
	if err := json.Unmarshal(data, &claims); err != nil {
		return nil, fmt.Errorf("decoding claims: %w", err)
	}
	return Parse(claims)
}

// ParseString is ParseJSON for a string payload.
func ParseString(s string) (*Profile, error) {
	return ParseJSON([]byte(s))
}

func str(m map[string]any, key string) string {
	s, _ := stringify(m[key])
	return s
}

// stringify renders scalar claim values. Numbers keep their integer form so
// a numeric subject of 42 becomes "42".
func stringify(v any) (string, bool) {
	switch t := v.(type) {
	case string:
		return t, true
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64), true
	case json.Number:
		return t.String(), true
	case bool:
		return strconv.FormatBool(t), true
	default:
		return "", false
	}
}
