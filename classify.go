package offlinecache

import (
	"net/http"
	"net/url"

	apirules "github.com/always-cache/offline-cache/pkg/api-rules"
)

type Class int

const (
	ClassStaticAsset Class = iota
	ClassNavigation
	ClassExternalAPI
)

func (c Class) String() string {
	switch c {
	case ClassNavigation:
		return "navigation"
	case ClassExternalAPI:
		return "api"
	default:
		return "static"
	}
}

// Classification is the result of classifying a request.
// Rule is set only for ClassExternalAPI.
type Classification struct {
	Class Class
	Rule  *apirules.Rule
}

// Classify maps a request to exactly one request class.
// The effective URL is the absolute URL the request is for (see cachekey.EffectiveURL).
// It has no side effects.
func Classify(r *http.Request, effectiveURL *url.URL, rules apirules.Rules) Classification {
	if isNavigation(r) {
		return Classification{Class: ClassNavigation}
	}
	if rule := rules.Find(effectiveURL); rule != nil {
		return Classification{Class: ClassExternalAPI, Rule: rule}
	}
	return Classification{Class: ClassStaticAsset}
}

// isNavigation checks the mode the browser declared for the request.
func isNavigation(r *http.Request) bool {
	return r.Header.Get("Sec-Fetch-Mode") == "navigate"
}
