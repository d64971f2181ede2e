// Package joincode turns session offers into shareable join codes, join URLs
// and QR images, and generates the identifiers used by sessions.
package joincode

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"livesession/pkg/types"
)

const (
	// DefaultSessionName is used when a join code carries no name.
	DefaultSessionName = "Live Session"
	// DefaultAppSlug is the host application path segment of join URLs.
	DefaultAppSlug = "grafana-grafanadocsplugin-app"
	// DefaultBaseURL stands in for the browser origin.
	DefaultBaseURL = "http://localhost:3000"
)

var errNotStructured = errors.New("not a structured join code")

// payload is the JSON document inside a structured join code.
type payload struct {
	ID   string             `json:"id"`
	Name string             `json:"name"`
	URL  string             `json:"url"`
	Mode types.AttendeeMode `json:"mode,omitempty"`
}

// GenerateJoinCode encodes offer as base64(JSON({id,name,url})).
func GenerateJoinCode(offer types.SessionOffer) (string, error) {
	data, err := json.Marshal(payload{ID: offer.ID, Name: offer.Name, URL: offer.TutorialURL})
	if err != nil {
		return "", fmt.Errorf("encode join code: %w", err)
	}
	return base64.StdEncoding.EncodeToString(data), nil
}

// ParseJoinCode decodes a structured join code, falling back to the legacy
// bare presenter id. Anything else is an INVALID_CODE SessionError.
func ParseJoinCode(code string) (types.SessionOffer, error) {
	code = strings.TrimSpace(code)

	offer, err := parseStructured(code)
	if err == nil {
		return offer, nil
	}
	if legacy, ok := parseLegacy(code); ok {
		return legacy, nil
	}
	return types.SessionOffer{}, types.NewSessionError(types.CodeInvalidCode, "Invalid join code format", err)
}

func parseStructured(code string) (types.SessionOffer, error) {
	raw, err := base64.StdEncoding.DecodeString(code)
	if err != nil {
		raw, err = base64.RawStdEncoding.DecodeString(code)
		if err != nil {
			return types.SessionOffer{}, errNotStructured
		}
	}

	var p payload
	if err := json.Unmarshal(raw, &p); err != nil {
		return types.SessionOffer{}, errNotStructured
	}
	if p.ID == "" {
		return types.SessionOffer{}, fmt.Errorf("%w: missing id", errNotStructured)
	}

	offer := types.SessionOffer{
		ID:          p.ID,
		Name:        p.Name,
		TutorialURL: p.URL,
		DefaultMode: p.Mode,
	}
	if offer.Name == "" {
		offer.Name = DefaultSessionName
	}
	if !offer.DefaultMode.Valid() {
		offer.DefaultMode = types.ModeGuided
	}
	return offer, nil
}

func parseLegacy(code string) (types.SessionOffer, bool) {
	if !types.IsValidPresenterID(code) {
		return types.SessionOffer{}, false
	}
	return types.SessionOffer{
		ID:          code,
		Name:        DefaultSessionName,
		DefaultMode: types.ModeGuided,
	}, true
}

// GenerateJoinURL builds <base>/a/<slug>?session=<code>[&sessionName][&tutorialUrl].
// Empty baseURL and appSlug fall back to the defaults.
func GenerateJoinURL(offer types.SessionOffer, baseURL, appSlug string) (string, error) {
	code, err := GenerateJoinCode(offer)
	if err != nil {
		return "", err
	}
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if appSlug == "" {
		appSlug = DefaultAppSlug
	}

	u, err := url.Parse(strings.TrimSuffix(baseURL, "/") + "/a/" + appSlug)
	if err != nil {
		return "", fmt.Errorf("parse base url: %w", err)
	}
	q := url.Values{}
	q.Set("session", code)
	if offer.Name != "" {
		q.Set("sessionName", offer.Name)
	}
	if offer.TutorialURL != "" {
		q.Set("tutorialUrl", offer.TutorialURL)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// ParseSessionFromURL reads the offer embedded in a join URL. It returns nil
// when there is no session parameter or it does not parse. Explicit
// sessionName and tutorialUrl parameters win over the decoded values.
func ParseSessionFromURL(u *url.URL) *types.SessionOffer {
	if u == nil {
		return nil
	}
	q := u.Query()
	code := q.Get("session")
	if code == "" {
		return nil
	}
	offer, err := ParseJoinCode(code)
	if err != nil {
		return nil
	}
	if name := q.Get("sessionName"); name != "" {
		offer.Name = name
	}
	if tutorial := q.Get("tutorialUrl"); tutorial != "" {
		offer.TutorialURL = tutorial
	}
	return &offer
}
