package cachestatus

import (
	"fmt"
	"strconv"
)

// Name is the cache identifier used in the Cache-Status header.
const Name = "OfflineCache"

// HeaderName is the name of the header field.
const HeaderName = "Cache-Status"

type Status string

const (
	StatusHit = "hit"
	StatusFwd = "fwd"
)

type FwdReason string

const (
	// The request method's semantics require the request to be
	// forwarded.
	FwdReasonMethod FwdReason = "method"

	// The cache did not contain any responses that matched the
	// request URI.
	FwdReasonUriMiss FwdReason = "uri-miss"

	// The cache was configured to not serve this request from cache
	// unless the network fails (navigation, network-first API requests).
	FwdReasonRequest FwdReason = "request"

	// The cache was able to select a response for the request, but
	// it was stale.
	FwdReasonStale FwdReason = "stale"
)

const (
	// Served from cache because the network failed.
	DetailStale = "stale"
	// Synthesized by the cache because neither network nor cache could serve.
	DetailOffline = "offline"
)

// CacheStatus is the RFC 9211 style status of one response.
type CacheStatus struct {
	Status    Status
	FwdReason FwdReason
	Stored    bool
	// Time to live in seconds; zero means not set.
	TimeToLive int
	Detail     string
}

func (cs *CacheStatus) Hit() {
	cs.Status = StatusHit
	cs.FwdReason = ""
}

func (cs *CacheStatus) Forward(reason FwdReason) {
	cs.Status = StatusFwd
	cs.FwdReason = reason
}

func (cs CacheStatus) String() string {
	status := fmt.Sprintf("%s; %s", Name, cs.Status)
	if cs.Status == StatusFwd && cs.FwdReason != "" {
		status = fmt.Sprintf("%s=%s", status, cs.FwdReason)
	}
	if cs.Stored {
		status += "; stored"
	}
	if cs.TimeToLive != 0 {
		status += "; ttl=" + strconv.Itoa(cs.TimeToLive)
	}
	if cs.Detail != "" {
		status += "; detail=" + cs.Detail
	}
	return status
}
