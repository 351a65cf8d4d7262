package failure

import (
	"context"
	"errors"
	"net"
	"regexp"
	"strings"
)

// Classification is the result of mapping a raw error onto the taxonomy.
type Classification struct {
	Kind      Kind
	Retryable bool
}

// StatusCoder is implemented by errors that carry an HTTP status code.
type StatusCoder interface {
	HTTPStatus() int
}

// Classify maps a raw error from an external collaborator onto a Kind.
// Already classified errors keep their kind.
func Classify(err error) Classification {
	kind := classify(err)
	return Classification{Kind: kind, Retryable: kind.Retryable()}
}

func classify(err error) Kind {
	if err == nil {
		return ""
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	var sc StatusCoder
	if errors.As(err, &sc) {
		if k := FromHTTPStatus(sc.HTTPStatus()); k != "" {
			return k
		}
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return KindTimeout
		}
		return KindNetwork
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return KindNetwork
	}
	return fromMessage(err.Error())
}

// FromHTTPStatus maps an HTTP status code onto a Kind, or "" when the status
// carries no classification.
func FromHTTPStatus(status int) Kind {
	switch {
	case status == 401, status == 403:
		return KindAuth
	case status == 402:
		return KindQuota
	case status == 408:
		return KindTimeout
	case status == 429:
		return KindRateLimit
	case status == 529, status >= 500 && status <= 599:
		return KindServer
	}
	return ""
}

// statusPattern matches an HTTP status code only where the message says it
// is one, e.g. "status 503", "HTTP/1.1 429" or "status_code=502".
func statusPattern(codes string) string {
	return `\b(?:http(?:/\d(?:\.\d)?)?|status(?:[ _]code)?|code)\b[\s:=]*(?:` + codes + `)\b`
}

// Message patterns reported by agent runtimes that do not expose typed
// errors. A filesystem "permission denied" is not an auth failure.
var messageRules = []struct {
	kind Kind
	re   *regexp.Regexp
}{
	{KindCredential, regexp.MustCompile(`invalid[ _-]?(?:api[ _-]?key|x-api-key|credentials?)\b`)},
	{KindAuth, regexp.MustCompile(`\bauthentication[ _](?:failed|error|required)\b|\bunauthorized\b|\bforbidden\b|\bpermission_error\b|` + statusPattern(`401|403`))},
	{KindQuota, regexp.MustCompile(`spending cap|usage limit|quota exceeded|session limit|\bbilling\b|credit balance|` + statusPattern(`402`))},
	{KindRateLimit, regexp.MustCompile(`\brate[ _]limit|too many requests|` + statusPattern(`429`))},
	{KindServer, regexp.MustCompile(`internal server error|\boverloaded\b|bad gateway|service unavailable|gateway timeout|` + statusPattern(`5\d\d`))},
	{KindTimeout, regexp.MustCompile(`timed out|\btimeout\b|deadline exceeded`)},
	{KindNetwork, regexp.MustCompile(`connection refused|connection reset|\beconnreset\b|no such host|\bnetwork (?:error|is unreachable|unreachable)\b|\beof\b`)},
	{KindTool, regexp.MustCompile(`\bmcp\b|tool error|\btool_use\b|\bplaywright\b`)},
	{KindValidation, regexp.MustCompile(`validation failed|missing deliverable`)},
}

func fromMessage(msg string) Kind {
	lower := strings.ToLower(msg)
	for _, r := range messageRules {
		if r.re.MatchString(lower) {
			return r.kind
		}
	}
	return KindUnknown
}
