package cachekey

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

var ErrorMalformedKey = fmt.Errorf("Malformed key")

const methodSeparator = ":"

type CacheKeyer struct {
	// Origin of the application the intermediary sits in front of.
	// Origin-form requests (just a path) are resolved against it.
	Origin *url.URL
}

func NewCacheKeyer(origin *url.URL) CacheKeyer {
	return CacheKeyer{Origin: origin}
}

// EffectiveURL returns the absolute URL the request is for.
// Absolute-form (proxy) requests keep their own scheme and host,
// origin-form requests are resolved against the application origin.
func (c CacheKeyer) EffectiveURL(r *http.Request) *url.URL {
	if r.URL.IsAbs() {
		u := *r.URL
		u.Fragment = ""
		return &u
	}
	ref := &url.URL{Path: r.URL.Path, RawPath: r.URL.RawPath, RawQuery: r.URL.RawQuery}
	return c.Origin.ResolveReference(ref)
}

// GetKey returns the cache key for a request: the method and the effective URL.
func (c CacheKeyer) GetKey(r *http.Request) string {
	method := r.Method
	if method == "" {
		method = http.MethodGet
	}
	return method + methodSeparator + c.EffectiveURL(r).String()
}

// PathKey returns the key a GET request for the given application path would have.
func (c CacheKeyer) PathKey(path string) string {
	u := c.Origin.ResolveReference(&url.URL{Path: path})
	return http.MethodGet + methodSeparator + u.String()
}

// GetRequestFromKey generates a GET request equal (cache-wise) to the request that resulted in the
// provided key.
func (c CacheKeyer) GetRequestFromKey(key string) (*http.Request, error) {
	method, uri, found := strings.Cut(key, methodSeparator)
	if !found || method != http.MethodGet {
		return nil, fmt.Errorf("%w: %s", ErrorMalformedKey, key)
	}
	return http.NewRequest(method, uri, nil)
}
