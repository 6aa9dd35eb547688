package upstream

import (
	"io"
	"net/http"
	"strconv"
	"strings"
	"testing"
	"time"
)

func response(code int, header http.Header, body string) *http.Response {
	if header == nil {
		header = http.Header{}
	}
	return &http.Response{
		StatusCode: code,
		Header:     header,
		Body:       io.NopCloser(strings.NewReader(body)),
	}
}

func TestClassifyStatus(t *testing.T) {
	tests := []struct {
		code int
		want FailureKind
	}{
		{200, FailureNone},
		{400, FailureNone},
		{401, FailureUnauthorized},
		{403, FailureBlocked},
		{429, FailureRateLimited},
		{500, FailureTransient},
		{503, FailureTransient},
		{529, FailureTransient},
	}
	for _, tt := range tests {
		if got := ClassifyStatus(tt.code); got != tt.want {
			t.Errorf("ClassifyStatus(%d) = %q, want %q", tt.code, got, tt.want)
		}
	}
}

func TestClassify_RateLimitHints(t *testing.T) {
	kind, hint := Classify(response(429, http.Header{"Retry-After": []string{"30"}}, ""))
	if kind != FailureRateLimited || hint != 30*time.Second {
		t.Fatalf("got %q %s", kind, hint)
	}

	googleBody := `{"error":{"code":429,"status":"RESOURCE_EXHAUSTED","details":[{"@type":"type.googleapis.com/google.rpc.RetryInfo","retryDelay":"3.5s"}]}}`
	resp := response(429, nil, googleBody)
	_, hint = Classify(resp)
	if hint != 3500*time.Millisecond {
		t.Fatalf("retryDelay hint = %s", hint)
	}
	restored, _ := io.ReadAll(resp.Body)
	if string(restored) != googleBody {
		t.Fatalf("body not restored: %q", restored)
	}

	_, hint = Classify(response(429, nil, `{"error":{"type":"usage_limit_reached","resets_in_seconds":120}}`))
	if hint != 2*time.Minute {
		t.Fatalf("resets_in_seconds hint = %s", hint)
	}

	reset := strconv.FormatInt(time.Now().Add(10*time.Minute).Unix(), 10)
	_, hint = Classify(response(429, http.Header{"Anthropic-Ratelimit-Unified-Reset": []string{reset}}, ""))
	if hint < 9*time.Minute || hint > 10*time.Minute {
		t.Fatalf("unified reset hint = %s", hint)
	}

	_, hint = Classify(response(429, nil, "not json"))
	if hint != 0 {
		t.Fatalf("expected no hint, got %s", hint)
	}
}

func TestClassify_NoHintOutsideRateLimits(t *testing.T) {
	kind, hint := Classify(response(503, http.Header{"Retry-After": []string{"30"}}, ""))
	if kind != FailureTransient || hint != 0 {
		t.Fatalf("got %q %s", kind, hint)
	}
	if kind, _ := Classify(nil); kind != FailureNone {
		t.Fatalf("nil response classified as %q", kind)
	}
}

func TestParseFailureKind(t *testing.T) {
	for in, want := range map[string]FailureKind{
		"unauthorized": FailureUnauthorized,
		"Blocked":      FailureBlocked,
		"rate-limited": FailureRateLimited,
		"temp_error":   FailureTransient,
	} {
		got, err := ParseFailureKind(in)
		if err != nil || got != want {
			t.Errorf("ParseFailureKind(%q) = %q, %v", in, got, err)
		}
	}
	if _, err := ParseFailureKind("exploded"); err == nil {
		t.Error("expected error for unknown kind")
	}
}
