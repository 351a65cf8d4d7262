package failure

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type statusErr int

func (s statusErr) Error() string   { return fmt.Sprintf("status %d", int(s)) }
func (s statusErr) HTTPStatus() int { return int(s) }

func TestClassify(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		kind      Kind
		retryable bool
	}{
		{"deadline", fmt.Errorf("call: %w", context.DeadlineExceeded), KindTimeout, true},
		{"429", statusErr(429), KindRateLimit, true},
		{"503", statusErr(503), KindServer, true},
		{"529 overloaded", statusErr(529), KindServer, true},
		{"401", statusErr(401), KindAuth, false},
		{"402", statusErr(402), KindQuota, false},
		{"net op", &net.OpError{Op: "dial", Err: errors.New("refused")}, KindNetwork, true},
		{"dns", &net.DNSError{Err: "no such host", Name: "x"}, KindNetwork, true},
		{"invalid key message", errors.New("Invalid API key provided"), KindCredential, false},
		{"spending cap message", errors.New("spending cap reached"), KindQuota, false},
		{"mcp message", errors.New("MCP server crashed"), KindTool, true},
		{"rate message", errors.New("Too Many Requests"), KindRateLimit, true},
		{"unknown", errors.New("something odd"), KindUnknown, true},
		{"classified passthrough", Wrap(errors.New("x"), KindQuota), KindQuota, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := Classify(tt.err)
			assert.Equal(t, tt.kind, c.Kind)
			assert.Equal(t, tt.retryable, c.Retryable)
		})
	}
}

func TestClassify_MessageRules(t *testing.T) {
	tests := []struct {
		msg  string
		kind Kind
	}{
		{"open /repo/out/scan.txt: permission denied", KindUnknown},
		{"nmap scan took 1500ms", KindUnknown},
		{"processed 5029 requests", KindUnknown},
		{"429 findings written", KindUnknown},
		{"see geoffrey's notes", KindUnknown},
		{"mapped the social networks page", KindUnknown},
		{"upstream returned status 503", KindServer},
		{"HTTP/1.1 502", KindServer},
		{"status_code=429", KindRateLimit},
		{"API error: status code 403", KindAuth},
		{"permission_error: not allowed", KindAuth},
		{"authentication_error", KindAuth},
		{"read tcp: unexpected EOF", KindNetwork},
		{"dial: network is unreachable", KindNetwork},
		{"request timeout", KindTimeout},
		{"playwright browser closed", KindTool},
	}
	for _, tt := range tests {
		t.Run(tt.msg, func(t *testing.T) {
			assert.Equal(t, tt.kind, Classify(errors.New(tt.msg)).Kind)
		})
	}
}

func TestKindGroups(t *testing.T) {
	assert.True(t, KindRateLimit.Transient())
	assert.False(t, KindValidation.Transient())
	assert.True(t, KindValidation.Retryable())
	assert.True(t, KindAuth.Fatal())
	assert.False(t, KindAuth.Retryable())
	assert.False(t, KindPrerequisite.Retryable())
	assert.False(t, KindLockTimeout.Retryable())
}

func TestError_MessageCarriesContext(t *testing.T) {
	err := WithAgent(errors.New("boom"), "recon", 2, "abc123")
	require.NotNil(t, err)

	msg := err.Error()
	assert.Contains(t, msg, "agent recon")
	assert.Contains(t, msg, "attempt 2")
	assert.Contains(t, msg, "checkpoint abc123")
	assert.Contains(t, msg, "boom")
}

func TestWithAgent_PreservesKindAndCause(t *testing.T) {
	base := errors.New("bad output")
	err := WithAgent(Wrap(base, KindValidation), "xss-vuln", 1, "")

	assert.Equal(t, KindValidation, err.Kind)
	assert.True(t, errors.Is(err, base))
	assert.True(t, Is(err, KindValidation))
	assert.Equal(t, KindValidation, KindOf(fmt.Errorf("outer: %w", err)))
}

func TestWrapNil(t *testing.T) {
	assert.Nil(t, Wrap(nil, KindAuth))
	assert.Nil(t, WithAgent(nil, "a", 1, ""))
	assert.Equal(t, KindUnknown, KindOf(errors.New("plain")))
}
