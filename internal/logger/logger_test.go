package logger

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]logrus.Level{
		"debug":   logrus.DebugLevel,
		"warn":    logrus.WarnLevel,
		"error":   logrus.ErrorLevel,
		"":        logrus.InfoLevel,
		"verbose": logrus.InfoLevel,
	}
	for in, want := range cases {
		assert.Equal(t, want, ParseLevel(in), in)
	}
}

func TestWithRequestIDSources(t *testing.T) {
	l := &Logger{Entry: Discard()}

	r := httptest.NewRequest(http.MethodPost, "/vapi/webhook", nil)
	r.Header.Set("X-Request-ID", "abc")
	assert.Equal(t, "abc", l.WithRequest(r).Data["req_id"])

	var fromRouter string
	h := middleware.RequestID(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		fromRouter, _ = l.WithRequest(r).Data["req_id"].(string)
	}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.NotEmpty(t, fromRouter)

	assert.NotEmpty(t, l.WithRequest(httptest.NewRequest(http.MethodGet, "/", nil)).Data["req_id"])
}

func TestWithCallAndError(t *testing.T) {
	assert.Equal(t, "call-1", WithCall(Discard(), "call-1").Data["call_id"])

	l := &Logger{Entry: Discard()}
	assert.Same(t, l.Entry, l.WithError(nil))
	assert.Equal(t, assert.AnError.Error(), l.WithError(assert.AnError).Data["error"])
}
