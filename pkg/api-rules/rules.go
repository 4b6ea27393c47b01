package apirules

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

type Rules []Rule

// Rule describes one external API provider whose responses are cached in the API tier.
type Rule struct {
	// Origin of the provider, e.g. `https://www.thebluealliance.com`.
	Origin string `yaml:"origin"`
	// Path prefixes of the endpoints to handle.
	Prefixes []string `yaml:"prefixes"`
	// Headers injected into every request to the provider.
	Headers map[string]string `yaml:"headers"`
}

// Validate normalizes the origin and checks that the rule can ever match.
func (r *Rule) Validate() error {
	u, err := url.Parse(r.Origin)
	if err != nil {
		return err
	}
	if u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("origin %q is not absolute", r.Origin)
	}
	if u.Path != "" && u.Path != "/" {
		return fmt.Errorf("origin %q must not have a path", r.Origin)
	}
	r.Origin = u.Scheme + "://" + u.Host
	if len(r.Prefixes) == 0 {
		return fmt.Errorf("no prefixes for origin %s", r.Origin)
	}
	for _, p := range r.Prefixes {
		if !strings.HasPrefix(p, "/") {
			return fmt.Errorf("invalid prefix %q", p)
		}
	}
	return nil
}

// Matches checks whether the URL is on the rule's origin and under one of its prefixes.
func (r Rule) Matches(u *url.URL) bool {
	if !strings.EqualFold(u.Scheme+"://"+u.Host, r.Origin) {
		return false
	}
	for _, prefix := range r.Prefixes {
		if strings.HasPrefix(u.Path, prefix) {
			return true
		}
	}
	return false
}

// Apply sets the rule's headers on the outgoing request.
// Injected headers win over headers already on the request.
func (r Rule) Apply(req *http.Request) {
	for name, value := range r.Headers {
		req.Header.Set(name, value)
	}
}

// Find returns the first rule matching the URL, in declared order.
func (rs Rules) Find(u *url.URL) *Rule {
	for i := range rs {
		if rs[i].Matches(u) {
			return &rs[i]
		}
	}
	return nil
}
