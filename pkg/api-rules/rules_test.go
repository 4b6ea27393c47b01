package apirules

import (
	"net/http"
	"net/url"
	"testing"
)

func mustURL(s string) *url.URL {
	u, err := url.Parse(s)
	if err != nil {
		panic(err)
	}
	return u
}

func TestRuleFinder(t *testing.T) {
	rules := Rules{
		Rule{Origin: "https://api.example.com", Prefixes: []string{"/v3/event/"}, Headers: map[string]string{"Which": "first"}},
		Rule{Origin: "https://api.example.com", Prefixes: []string{"/v3/"}, Headers: map[string]string{"Which": "second"}},
	}

	if rule := rules.Find(mustURL("https://api.example.com/v3/event/2025txhou")); rule == nil || rule.Headers["Which"] != "first" {
		t.Fatal("Incorrect rule")
	}
	if rule := rules.Find(mustURL("https://api.example.com/v3/team/frc254")); rule == nil || rule.Headers["Which"] != "second" {
		t.Fatal("Incorrect rule")
	}
	if rule := rules.Find(mustURL("http://api.example.com/v3/event/x")); rule != nil {
		t.Fatal("Scheme is part of the origin")
	}
	if rule := rules.Find(mustURL("https://api.example.com:8443/v3/event/x")); rule != nil {
		t.Fatal("Port is part of the origin")
	}
	if rule := rules.Find(mustURL("https://other.example.com/v3/event/x")); rule != nil {
		t.Fatal("Incorrect rule")
	}
}

func TestApplyOverridesExisting(t *testing.T) {
	rule := Rule{Headers: map[string]string{"X-TBA-Auth-Key": "secret"}}
	req, _ := http.NewRequest("GET", "https://api.example.com/", nil)
	req.Header.Set("X-TBA-Auth-Key", "from-page")
	req.Header.Set("Accept", "application/json")

	rule.Apply(req)

	if v := req.Header.Values("X-TBA-Auth-Key"); len(v) != 1 || v[0] != "secret" {
		t.Fatalf("Auth header is %v", v)
	}
	if req.Header.Get("Accept") != "application/json" {
		t.Fatal("Unrelated header lost")
	}
}

func TestValidate(t *testing.T) {
	r := Rule{Origin: "https://www.thebluealliance.com/", Prefixes: []string{"/api/v3/event/"}}
	if err := r.Validate(); err != nil {
		t.Fatal(err)
	}
	if r.Origin != "https://www.thebluealliance.com" {
		t.Fatalf("Origin is %s", r.Origin)
	}
	for _, bad := range []Rule{
		{Origin: "www.thebluealliance.com", Prefixes: []string{"/"}},
		{Origin: "https://x.com/api", Prefixes: []string{"/"}},
		{Origin: "https://x.com"},
		{Origin: "https://x.com", Prefixes: []string{"api/"}},
	} {
		if err := bad.Validate(); err == nil {
			t.Fatalf("Expected error for %+v", bad)
		}
	}
}
