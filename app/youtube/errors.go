package youtube

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"

	"google.golang.org/api/googleapi"

	"github.com/lysyi3m/tube-comb/app/quota"
)

var (
	ErrQuotaExceeded   = errors.New("provider quota exceeded")
	ErrTransientFetch  = errors.New("transient fetch error")
	ErrPermanentFetch  = errors.New("permanent fetch error")
	ErrChannelNotFound = errors.New("channel not found")

	// ErrUploadsUnknown means the uploads playlist cannot be derived from
	// the channel id; channels.list has to resolve it first.
	ErrUploadsUnknown = errors.New("no uploads playlist known for channel")
)

type ErrorKind int

const (
	KindTransient ErrorKind = iota + 1
	KindPermanent
	KindQuota
)

func (k ErrorKind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindPermanent:
		return "permanent"
	case KindQuota:
		return "quota"
	default:
		return "unknown"
	}
}

// FetchError is a classified provider failure. errors.Is matches it against
// ErrQuotaExceeded (and quota.ErrQuotaExhausted), ErrTransientFetch or
// ErrPermanentFetch by kind.
type FetchError struct {
	Kind   ErrorKind
	Op     string
	Status int
	Reason string
	Err    error
}

func (e *FetchError) Error() string {
	msg := fmt.Sprintf("%s: %s error", e.Op, e.Kind)
	if e.Status != 0 {
		msg += fmt.Sprintf(" (status %d", e.Status)
		if e.Reason != "" {
			msg += ", reason " + e.Reason
		}
		msg += ")"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

func (e *FetchError) Is(target error) bool {
	switch target {
	case ErrQuotaExceeded, quota.ErrQuotaExhausted:
		return e.Kind == KindQuota
	case ErrTransientFetch:
		return e.Kind == KindTransient
	case ErrPermanentFetch:
		return e.Kind == KindPermanent
	}
	return false
}

var quotaReasons = map[string]bool{
	"quotaExceeded":         true,
	"dailyLimitExceeded":    true,
	"rateLimitExceeded":     true,
	"userRateLimitExceeded": true,
}

// Classify maps a raw client error onto a FetchError.
func Classify(op string, err error) *FetchError {
	var fe *FetchError
	if errors.As(err, &fe) {
		return fe
	}

	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		reason := ""
		for _, item := range gerr.Errors {
			if item.Reason != "" {
				reason = item.Reason
				if quotaReasons[reason] {
					break
				}
			}
		}

		kind := KindPermanent
		switch {
		case (gerr.Code == http.StatusForbidden || gerr.Code == http.StatusTooManyRequests) && quotaReasons[reason]:
			kind = KindQuota
		case gerr.Code == http.StatusTooManyRequests, gerr.Code >= 500:
			kind = KindTransient
		}

		if gerr.Code == http.StatusNotFound && (reason == "playlistNotFound" || reason == "channelNotFound") {
			err = fmt.Errorf("%w: %w", ErrChannelNotFound, err)
		}

		return &FetchError{Kind: kind, Op: op, Status: gerr.Code, Reason: reason, Err: err}
	}

	if errors.Is(err, ErrChannelNotFound) {
		return &FetchError{Kind: KindPermanent, Op: op, Status: http.StatusNotFound, Err: err}
	}

	var netErr net.Error
	var urlErr *url.Error
	if errors.Is(err, context.DeadlineExceeded) || errors.As(err, &netErr) || errors.As(err, &urlErr) {
		return &FetchError{Kind: KindTransient, Op: op, Err: err}
	}

	return &FetchError{Kind: KindPermanent, Op: op, Err: err}
}
