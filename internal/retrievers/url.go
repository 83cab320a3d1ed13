package retrievers

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/vigil/internal/interfaces"
	"github.com/ternarybob/vigil/internal/models"
	"golang.org/x/net/html/charset"
	"golang.org/x/text/encoding/htmlindex"
	"golang.org/x/time/rate"
)

const defaultUserAgent = "vigil/1.0 (+https://github.com/ternarybob/vigil)"

// URLRetriever fulfils the url-simple retrieval contract over net/http.
// Requests to the same host are throttled through a shared token-bucket
// limiter so a large job list stays polite.
type URLRetriever struct {
	logger   arbor.ILogger
	limiters sync.Map // host -> *rate.Limiter
	perHost  rate.Limit
	burst    int
}

// NewURLRetriever creates the HTTP retriever
func NewURLRetriever(logger arbor.ILogger) *URLRetriever {
	return &URLRetriever{
		logger:  logger,
		perHost: rate.Limit(5), // requests per second per host
		burst:   5,
	}
}

func (r *URLRetriever) limiter(host string) *rate.Limiter {
	if v, ok := r.limiters.Load(host); ok {
		return v.(*rate.Limiter)
	}
	limiter := rate.NewLimiter(r.perHost, r.burst)
	actual, _ := r.limiters.LoadOrStore(host, limiter)
	return actual.(*rate.Limiter)
}

// Retrieve performs the HTTP request and classifies any failure
func (r *URLRetriever) Retrieve(ctx context.Context, state *models.JobState, wantBytes bool) (interfaces.RetrievalResult, error) {
	job := state.Job

	parsed, err := url.Parse(job.URL)
	if err != nil {
		return interfaces.RetrievalResult{}, &RetrievalError{Kind: KindFatal, Err: fmt.Errorf("invalid url %q: %w", job.URL, err)}
	}
	if err := r.limiter(parsed.Host).Wait(ctx); err != nil {
		return interfaces.RetrievalResult{}, &RetrievalError{Kind: KindFatal, Err: err}
	}

	request, err := r.buildRequest(ctx, state)
	if err != nil {
		return interfaces.RetrievalResult{}, &RetrievalError{Kind: KindFatal, Err: err}
	}

	client := r.buildClient(job)
	response, err := client.Do(request)
	if err != nil {
		return interfaces.RetrievalResult{}, classifyTransportError(job, err)
	}
	defer response.Body.Close()

	switch {
	case response.StatusCode == http.StatusNotModified:
		return interfaces.RetrievalResult{}, NotModified()
	case response.StatusCode == http.StatusTooManyRequests:
		return interfaces.RetrievalResult{}, &RetrievalError{
			Kind:       KindTransient,
			StatusCode: response.StatusCode,
			Err:        fmt.Errorf("HTTP 429 Too Many Requests for %s", job.URL),
		}
	case response.StatusCode >= 400:
		kind := KindFatal
		if statusIgnored(response.StatusCode, job.IgnoreHTTPErrorCodes) {
			kind = KindIgnored
		}
		return interfaces.RetrievalResult{}, &RetrievalError{
			Kind:       kind,
			StatusCode: response.StatusCode,
			Err:        fmt.Errorf("HTTP %d %s for %s", response.StatusCode, http.StatusText(response.StatusCode), job.URL),
		}
	}

	body, err := io.ReadAll(response.Body)
	if err != nil {
		return interfaces.RetrievalResult{}, classifyTransportError(job, err)
	}

	contentType := response.Header.Get("Content-Type")
	result := interfaces.RetrievalResult{
		ETag: response.Header.Get("ETag"),
		MIME: mimeFromContentType(contentType),
	}

	if wantBytes {
		result.Data = string(body)
		return result, nil
	}

	decoded, err := decodeBody(body, contentType, job.Encoding)
	if err != nil {
		return interfaces.RetrievalResult{}, &RetrievalError{Kind: KindFatal, Err: err}
	}
	result.Data = decoded
	return result, nil
}

func (r *URLRetriever) buildRequest(ctx context.Context, state *models.JobState) (*http.Request, error) {
	job := state.Job

	method := job.Method
	if method == "" {
		if job.Body != "" {
			method = http.MethodPost
		} else {
			method = http.MethodGet
		}
	}

	var body io.Reader
	if job.Body != "" {
		body = bytes.NewReader([]byte(job.Body))
	}

	request, err := http.NewRequestWithContext(ctx, method, job.URL, body)
	if err != nil {
		return nil, fmt.Errorf("failed to build request for %s: %w", job.URL, err)
	}

	request.Header.Set("User-Agent", defaultUserAgent)
	if job.Body != "" && request.Header.Get("Content-Type") == "" {
		request.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	for key, value := range job.Headers {
		request.Header.Set(key, value)
	}
	for name, value := range job.Cookies {
		request.AddCookie(&http.Cookie{Name: name, Value: value})
	}

	// Conditional request headers apply only when the prior run succeeded
	old := state.OldSnapshot
	if !job.IgnoreCached && old.Tries == 0 && old.ETag != "" && old.Timestamp > 0 {
		request.Header.Set("If-None-Match", old.ETag)
		request.Header.Set("If-Modified-Since", time.Unix(old.Timestamp, 0).UTC().Format(http.TimeFormat))
	} else if job.IgnoreCached || old.Tries > 0 {
		request.Header.Set("Cache-Control", "max-age=0")
		request.Header.Set("Pragma", "no-cache")
	}

	return request, nil
}

func (r *URLRetriever) buildClient(job *models.Job) *http.Client {
	transport := &http.Transport{
		Proxy: proxyFunc(job),
	}
	if job.SSLNoVerify {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}

	timeout := 60 * time.Second
	if job.TimeoutSeconds > 0 {
		timeout = time.Duration(job.TimeoutSeconds * float64(time.Second))
	}

	client := &http.Client{
		Transport: transport,
		Timeout:   timeout,
	}
	if job.NoRedirects {
		client.CheckRedirect = func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		}
	}
	return client
}

// proxyFunc prefers per-job proxies and falls back to HTTP_PROXY/HTTPS_PROXY
func proxyFunc(job *models.Job) func(*http.Request) (*url.URL, error) {
	if job.HTTPProxy == "" && job.HTTPSProxy == "" {
		return http.ProxyFromEnvironment
	}
	return func(req *http.Request) (*url.URL, error) {
		raw := job.HTTPProxy
		if req.URL.Scheme == "https" && job.HTTPSProxy != "" {
			raw = job.HTTPSProxy
		}
		if raw == "" {
			return http.ProxyFromEnvironment(req)
		}
		return url.Parse(raw)
	}
}

// statusIgnored checks the per-job ignore list, which accepts exact codes
// and 4xx/5xx class wildcards.
func statusIgnored(status int, codes []string) bool {
	for _, code := range codes {
		c := strings.ToLower(strings.TrimSpace(code))
		switch {
		case c == "4xx" && status >= 400 && status < 500:
			return true
		case c == "5xx" && status >= 500 && status < 600:
			return true
		case c == fmt.Sprintf("%d", status):
			return true
		}
	}
	return false
}

// classifyTransportError maps network failures onto the per-job ignore
// predicates.
func classifyTransportError(job *models.Job, err error) *RetrievalError {
	kind := KindFatal

	var netErr net.Error
	isTimeout := errors.As(err, &netErr) && netErr.Timeout() || errors.Is(err, context.DeadlineExceeded)
	tooManyRedirects := strings.Contains(err.Error(), "stopped after")

	switch {
	case isTimeout && job.IgnoreTimeoutError:
		kind = KindIgnored
	case tooManyRedirects && job.IgnoreTooManyRedirect:
		kind = KindIgnored
	case !isTimeout && !tooManyRedirects && job.IgnoreConnectionError:
		kind = KindIgnored
	}

	return &RetrievalError{Kind: kind, Err: err}
}

func mimeFromContentType(contentType string) string {
	if contentType == "" {
		return ""
	}
	if idx := strings.Index(contentType, ";"); idx >= 0 {
		contentType = contentType[:idx]
	}
	return strings.TrimSpace(contentType)
}

// decodeBody converts the response to UTF-8 text. An explicit per-job
// encoding always wins; otherwise, a Content-Type that claims ISO-8859-1
// without declaring a charset is re-decoded using detection, since that
// claim is almost always the HTTP default rather than the real encoding.
func decodeBody(body []byte, contentType, override string) (string, error) {
	if override != "" {
		enc, err := htmlindex.Get(override)
		if err != nil {
			return "", fmt.Errorf("unknown encoding override %q: %w", override, err)
		}
		decoded, err := enc.NewDecoder().Bytes(body)
		if err != nil {
			return "", fmt.Errorf("failed to decode body as %s: %w", override, err)
		}
		return string(decoded), nil
	}

	lowered := strings.ToLower(contentType)
	claimsLatin1 := strings.Contains(lowered, "iso-8859-1")
	declaresCharset := strings.Contains(lowered, "charset=")
	if claimsLatin1 && declaresCharset {
		// The server committed to latin-1 explicitly; honor it
		enc, err := htmlindex.Get("iso-8859-1")
		if err == nil {
			if decoded, err := enc.NewDecoder().Bytes(body); err == nil {
				return string(decoded), nil
			}
		}
	}

	enc, _, _ := charset.DetermineEncoding(body, contentType)
	decoded, err := enc.NewDecoder().Bytes(body)
	if err != nil {
		return "", fmt.Errorf("failed to decode response body: %w", err)
	}
	return string(decoded), nil
}
