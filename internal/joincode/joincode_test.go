package joincode

import (
	"encoding/base64"
	"errors"
	"net/url"
	"regexp"
	"strings"
	"testing"

	"livesession/pkg/types"
)

func TestJoinCode_RoundTrip(t *testing.T) {
	offers := []types.SessionOffer{
		{ID: "abc123", Name: "Demo", TutorialURL: "https://x/y", DefaultMode: types.ModeGuided},
		{ID: "a-longer-transport-id", Name: "Ünïcödé 🚀", TutorialURL: ""},
		{ID: "x"},
	}
	for _, offer := range offers {
		code, err := GenerateJoinCode(offer)
		if err != nil {
			t.Fatalf("GenerateJoinCode failed: %v", err)
		}
		got, err := ParseJoinCode(code)
		if err != nil {
			t.Fatalf("ParseJoinCode(%q) failed: %v", code, err)
		}
		if got.ID != offer.ID {
			t.Errorf("ID = %q, want %q", got.ID, offer.ID)
		}
		if got.TutorialURL != offer.TutorialURL {
			t.Errorf("TutorialURL = %q, want %q", got.TutorialURL, offer.TutorialURL)
		}
		if got.DefaultMode != types.ModeGuided {
			t.Errorf("DefaultMode = %q, want guided", got.DefaultMode)
		}
	}
}

func TestJoinCode_WireFormat(t *testing.T) {
	code, _ := GenerateJoinCode(types.SessionOffer{ID: "abc123", Name: "Demo", TutorialURL: "https://x/y"})
	raw, err := base64.StdEncoding.DecodeString(code)
	if err != nil {
		t.Fatalf("join code is not standard base64: %v", err)
	}
	want := `{"id":"abc123","name":"Demo","url":"https://x/y"}`
	if string(raw) != want {
		t.Errorf("payload = %s, want %s", raw, want)
	}
}

func TestParseJoinCode_Defaults(t *testing.T) {
	code := base64.StdEncoding.EncodeToString([]byte(`{"id":"abc123"}`))
	offer, err := ParseJoinCode(code)
	if err != nil {
		t.Fatal(err)
	}
	if offer.Name != DefaultSessionName || offer.DefaultMode != types.ModeGuided {
		t.Errorf("defaults not applied: %+v", offer)
	}

	code = base64.StdEncoding.EncodeToString([]byte(`{"id":"abc123","mode":"follow"}`))
	offer, _ = ParseJoinCode(code)
	if offer.DefaultMode != types.ModeFollow {
		t.Errorf("DefaultMode = %q, want follow", offer.DefaultMode)
	}
}

func TestParseJoinCode_Legacy(t *testing.T) {
	offer, err := ParseJoinCode("ab12cd")
	if err != nil {
		t.Fatalf("legacy code rejected: %v", err)
	}
	if offer.ID != "ab12cd" || offer.DefaultMode != types.ModeGuided {
		t.Errorf("legacy offer = %+v", offer)
	}
}

func TestParseJoinCode_Invalid(t *testing.T) {
	inputs := []string{
		"not-a-code",
		"",
		"ABC123",
		base64.StdEncoding.EncodeToString([]byte(`{"name":"no id"}`)),
		base64.StdEncoding.EncodeToString([]byte(`[1,2,3]`)),
	}
	for _, in := range inputs {
		_, err := ParseJoinCode(in)
		if !errors.Is(err, types.ErrInvalidCode) {
			t.Errorf("ParseJoinCode(%q) = %v, want INVALID_CODE", in, err)
		}
	}
}

func TestGenerateJoinURL(t *testing.T) {
	offer := types.SessionOffer{ID: "abc123", Name: "Demo", TutorialURL: "https://x/y"}
	raw, err := GenerateJoinURL(offer, "https://grafana.example.com/", "")
	if err != nil {
		t.Fatal(err)
	}
	u, err := url.Parse(raw)
	if err != nil {
		t.Fatal(err)
	}
	if u.Path != "/a/"+DefaultAppSlug {
		t.Errorf("Path = %q", u.Path)
	}
	if !strings.Contains(u.RawQuery, "session=") {
		t.Errorf("RawQuery = %q", u.RawQuery)
	}

	got := ParseSessionFromURL(u)
	if got == nil {
		t.Fatal("ParseSessionFromURL returned nil")
	}
	if got.ID != "abc123" || got.Name != "Demo" || got.TutorialURL != "https://x/y" {
		t.Errorf("parsed offer = %+v", got)
	}
}

func TestParseSessionFromURL(t *testing.T) {
	code, _ := GenerateJoinCode(types.SessionOffer{ID: "abc123", Name: "Encoded", TutorialURL: "https://a"})

	tests := []struct {
		name     string
		raw      string
		wantNil  bool
		wantName string
		wantURL  string
	}{
		{"no session", "https://g/a/app?foo=bar", true, "", ""},
		{"garbage session", "https://g/a/app?session=%21%21", true, "", ""},
		{"decoded fields", "https://g/a/app?session=" + url.QueryEscape(code), false, "Encoded", "https://a"},
		{"explicit overrides", "https://g/a/app?session=" + url.QueryEscape(code) + "&sessionName=Override&tutorialUrl=https%3A%2F%2Fb", false, "Override", "https://b"},
		{"legacy", "https://g/a/app?session=ab12cd", false, DefaultSessionName, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			u, _ := url.Parse(tt.raw)
			got := ParseSessionFromURL(u)
			if tt.wantNil {
				if got != nil {
					t.Errorf("expected nil, got %+v", got)
				}
				return
			}
			if got == nil {
				t.Fatal("unexpected nil")
			}
			if got.Name != tt.wantName || got.TutorialURL != tt.wantURL {
				t.Errorf("got %+v", got)
			}
		})
	}

	if ParseSessionFromURL(nil) != nil {
		t.Error("expected nil for nil url")
	}
}

func TestGeneratedIDs(t *testing.T) {
	presenter := regexp.MustCompile(`^[a-z0-9]{6}$`)
	session := regexp.MustCompile(`^[A-Za-z0-9]{8}$`)
	attendee := regexp.MustCompile(`^att_[a-z0-9]+_[a-z0-9]{5}$`)

	for range 50 {
		if id := GeneratePresenterID(); !presenter.MatchString(id) || !types.IsValidPresenterID(id) {
			t.Fatalf("bad presenter id %q", id)
		}
		if id := GenerateSessionID(); !session.MatchString(id) {
			t.Fatalf("bad session id %q", id)
		}
		if id := GenerateAttendeeID(); !attendee.MatchString(id) {
			t.Fatalf("bad attendee id %q", id)
		}
	}
}

func TestQRDataURL(t *testing.T) {
	data, err := QRDataURL("https://grafana.example.com/a/app?session=abc")
	if err != nil {
		t.Fatalf("QRDataURL failed: %v", err)
	}
	const prefix = "data:image/png;base64,"
	if !strings.HasPrefix(data, prefix) {
		t.Fatalf("unexpected prefix: %.40s", data)
	}
	png, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(data, prefix))
	if err != nil {
		t.Fatal(err)
	}
	if len(png) < 8 || string(png[1:4]) != "PNG" {
		t.Error("payload is not a PNG")
	}
}
