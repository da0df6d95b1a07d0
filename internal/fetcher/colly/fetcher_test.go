package collyfetcher

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/gocolly/colly/v2"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/contact-harvester/internal/crawler"
)

type stubHooks struct {
	onRequest  colly.RequestCallback
	onResponse colly.ResponseCallback
	onError    colly.ErrorCallback
}

func (s *stubHooks) OnRequest(cb colly.RequestCallback)   { s.onRequest = cb }
func (s *stubHooks) OnResponse(cb colly.ResponseCallback) { s.onResponse = cb }
func (s *stubHooks) OnError(cb colly.ErrorCallback)       { s.onError = cb }

func TestConfigureCollectorHooks(t *testing.T) {
	t.Parallel()

	f := New(Config{Headers: map[string]string{"X-Trace": "yes"}}, nil)
	var result crawler.PageResult
	var fetchErr error
	hooks := &stubHooks{}
	f.configureCollectorHooks(hooks, "https://example.com", time.Unix(0, 0), &result, &fetchErr)

	collyReq := &colly.Request{Headers: &http.Header{}}
	hooks.onRequest(collyReq)
	require.Equal(t, "yes", collyReq.Headers.Get("X-Trace"))

	final, err := url.Parse("https://example.com/home")
	require.NoError(t, err)
	hooks.onResponse(&colly.Response{
		StatusCode: http.StatusForbidden,
		Body:       []byte("denied"),
		Request:    &colly.Request{URL: final},
	})
	require.Equal(t, http.StatusForbidden, result.StatusCode)
	require.Equal(t, "https://example.com", result.RequestedURL)
	require.Equal(t, "https://example.com/home", result.FinalURL)

	hooks.onError(nil, errors.New("boom"))
	require.EqualError(t, fetchErr, "boom")
}

func TestLoadAgainstServer(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/blocked" {
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = w.Write([]byte("slow down"))
			return
		}
		_, _ = w.Write([]byte(`<a href="mailto:owner@shop.com">mail</a>`))
	}))
	defer srv.Close()

	f := New(Config{Timeout: 5 * time.Second}, nil)
	sess, err := f.NewSession(context.Background())
	require.NoError(t, err)
	defer func() { _ = sess.Close() }()
	bc, err := sess.NewContext(context.Background())
	require.NoError(t, err)
	require.NoError(t, bc.Probe(context.Background()))

	page, err := bc.Load(context.Background(), srv.URL+"/")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, page.StatusCode)
	require.Contains(t, string(page.Body), "owner@shop.com")

	blocked, err := bc.Load(context.Background(), srv.URL+"/blocked")
	require.NoError(t, err)
	require.Equal(t, http.StatusTooManyRequests, blocked.StatusCode)

	require.NoError(t, bc.Close())
	require.Error(t, bc.Probe(context.Background()))
}

func TestSessionUsesProxy(t *testing.T) {
	t.Parallel()

	f := New(Config{}, func() string { return "http://proxy.internal:3128" })
	sess, err := f.NewSession(context.Background())
	require.NoError(t, err)
	s, ok := sess.(*session)
	require.True(t, ok)
	req, err := http.NewRequest(http.MethodGet, "https://example.com", nil)
	require.NoError(t, err)
	proxyURL, err := s.transport.Proxy(req)
	require.NoError(t, err)
	require.Equal(t, "proxy.internal:3128", proxyURL.Host)

	require.NoError(t, sess.Close())
	_, err = sess.NewContext(context.Background())
	require.Error(t, err)
}
