// Package freshness tracks when API responses were stored, independent of
// any Cache-Control or Expires headers the provider sends.
package freshness

import (
	"math"
	"strconv"
	"time"

	serializer "github.com/always-cache/offline-cache/pkg/response-serializer"
)

// HeaderName is the response header carrying the storage time, in unix milliseconds.
const HeaderName = "Offline-Cache-Time"

// DefaultTTL is how long a stored API response may be used as a fallback.
const DefaultTTL = 24 * time.Hour

// MaxAge is the age reported for responses without a readable timestamp.
const MaxAge = time.Duration(math.MaxInt64)

// Stamp records now as the storage time of the response.
// Any previous stamp is replaced.
func Stamp(res *serializer.Response, now time.Time) {
	res.Header.Set(HeaderName, strconv.FormatInt(now.UnixMilli(), 10))
}

// StoredAt returns the storage time of the response.
// The boolean is false if the response was never stamped or the stamp is unreadable.
func StoredAt(res *serializer.Response) (time.Time, bool) {
	if res == nil {
		return time.Time{}, false
	}
	v := res.Header.Get(HeaderName)
	if v == "" {
		return time.Time{}, false
	}
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil || ms <= 0 {
		return time.Time{}, false
	}
	return time.UnixMilli(ms), true
}

// AgeOf returns how long ago the response was stored.
// Unstamped responses are maximally old.
func AgeOf(res *serializer.Response, now time.Time) time.Duration {
	storedAt, ok := StoredAt(res)
	if !ok {
		return MaxAge
	}
	age := now.Sub(storedAt)
	if age < 0 {
		return 0
	}
	return age
}

// IsExpired reports whether the response is older than ttl.
func IsExpired(res *serializer.Response, ttl time.Duration, now time.Time) bool {
	return AgeOf(res, now) > ttl
}
