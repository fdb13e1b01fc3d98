// Package sushi fetches COUNTER reports from SUSHI endpoints.
//
// The client only performs the HTTP exchange and classifies failures; it never
// validates report content. Every error it returns is an *Error carrying a Kind.
package sushi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/ezpaarse-project/ezmesure-harvester/pkg/counter"
	"github.com/ezpaarse-project/ezmesure-harvester/pkg/frequency"
)

const (
	DefaultTimeout = 2 * time.Minute

	defaultUserAgent    = "ezmesure-harvester"
	defaultMaxBodyBytes = 1 << 30
	monthLayout         = "2006-01"
)

var secretParams = []string{"api_key", "requestor_id"}

// RawPayload is a parseable response body.
type RawPayload struct {
	Body []byte

	// Decoded is the generic JSON document, nil when the endpoint only answered
	// with a "no usage" exception.
	Decoded any

	// URL is the request URL with secrets redacted.
	URL       string
	Status    int
	FetchedAt time.Time

	Exceptions []Exception
	NoUsage    bool

	// Windows is the number of requests the payload was assembled from.
	Windows int
}

// Request describes one report to fetch.
type Request struct {
	Credential Credential
	ReportID   string

	// Version defaults to the credential version.
	Version string
	Period  frequency.Period

	// Params are the report default parameters. Credential overrides and the
	// period are layered on top of them.
	Params counter.Parameters
}

type Client struct {
	httpClient       *http.Client
	timeout          time.Duration
	monthsPerRequest int
	requestsPerSec   float64
	maxBodyBytes     int64
	userAgent        string
	logger           *zap.Logger
	now              func() time.Time

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// WithTimeout bounds every HTTP call.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.timeout = d
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(c *Client) {
		c.logger = l
	}
}

// WithMonthsPerRequest splits longer periods into several requests.
// Zero fetches any period in one request.
func WithMonthsPerRequest(n int) Option {
	return func(c *Client) {
		c.monthsPerRequest = n
	}
}

// WithRequestsPerSecond paces credentials that do not set their own rate.
func WithRequestsPerSecond(rps float64) Option {
	return func(c *Client) {
		c.requestsPerSec = rps
	}
}

func WithUserAgent(ua string) Option {
	return func(c *Client) {
		c.userAgent = ua
	}
}

func WithMaxBodyBytes(n int64) Option {
	return func(c *Client) {
		c.maxBodyBytes = n
	}
}

func WithClock(now func() time.Time) Option {
	return func(c *Client) {
		c.now = now
	}
}

func NewClient(opts ...Option) *Client {
	c := &Client{
		httpClient:   &http.Client{},
		timeout:      DefaultTimeout,
		maxBodyBytes: defaultMaxBodyBytes,
		userAgent:    defaultUserAgent,
		logger:       zap.NewNop(),
		now:          time.Now,
		limiters:     make(map[string]*rate.Limiter),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// FetchReport downloads one report for one credential and period.
func (c *Client) FetchReport(ctx context.Context, req Request) (*RawPayload, error) {
	if err := req.Credential.Validate(); err != nil {
		return nil, err
	}
	version := req.Version
	if version == "" {
		version = req.Credential.Version
	}
	if version != counter.Version5 && version != counter.Version51 {
		return nil, malformed(req.Credential, fmt.Sprintf("unsupported COUNTER version %q", version))
	}

	var merged *RawPayload
	windows := monthWindows(req.Period, c.monthsPerRequest)
	for _, w := range windows {
		p, err := c.fetchWindow(ctx, req, version, w)
		if err != nil {
			return nil, err
		}
		merged = mergePayloads(merged, p)
	}

	if len(windows) > 1 && merged.Decoded != nil {
		body, err := json.Marshal(merged.Decoded)
		if err != nil {
			return nil, &Error{Kind: KindMalformedResponse, URL: merged.URL, Message: "cannot re-encode merged report", Err: err}
		}
		merged.Body = body
	}
	return merged, nil
}

func (c *Client) fetchWindow(ctx context.Context, req Request, version string, w window) (*RawPayload, error) {
	u, err := buildURL(req, version, w)
	if err != nil {
		return nil, malformed(req.Credential, err.Error())
	}
	redacted := redact(u)

	if l := c.limiterFor(req.Credential); l != nil {
		if err := l.Wait(ctx); err != nil {
			if ctx.Err() != nil {
				return nil, transportError(ctx, redacted, ctx.Err())
			}
			return nil, &Error{Kind: KindTimeout, URL: redacted, Message: "rate limit wait exceeds deadline", Err: err}
		}
	}

	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(callCtx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, malformed(req.Credential, err.Error())
	}
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("User-Agent", c.userAgent)

	start := c.now()
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, transportError(callCtx, redacted, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, c.maxBodyBytes+1))
	if err != nil {
		return nil, transportError(callCtx, redacted, err)
	}
	if int64(len(body)) > c.maxBodyBytes {
		return nil, &Error{
			Kind:    KindMalformedResponse,
			Status:  resp.StatusCode,
			URL:     redacted,
			Message: fmt.Sprintf("response exceeds %d bytes", c.maxBodyBytes),
		}
	}
	fetchedAt := c.now()

	c.logger.Debug("sushi request",
		zap.String("credential_id", req.Credential.ID),
		zap.String("report_id", req.ReportID),
		zap.String("url", redacted),
		zap.Int("status", resp.StatusCode),
		zap.Int("bytes", len(body)),
		zap.Duration("duration", fetchedAt.Sub(start)),
	)

	exceptions, bare := parseExceptions(body)
	noUsage := &RawPayload{
		Body:       body,
		URL:        redacted,
		Status:     resp.StatusCode,
		FetchedAt:  fetchedAt,
		Exceptions: exceptions,
		NoUsage:    true,
		Windows:    1,
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		if _, _, blocking := firstError(exceptions); !blocking && bare && hasNoUsage(exceptions) && resp.StatusCode < 500 {
			return noUsage, nil
		}
		return nil, c.statusError(resp, body, exceptions, redacted)
	}

	if bare {
		if e, kind, ok := firstError(exceptions); ok {
			return nil, exceptionError(e, kind, resp.StatusCode, redacted)
		}
		if hasNoUsage(exceptions) {
			return noUsage, nil
		}
		return nil, &Error{Kind: KindMalformedResponse, Status: resp.StatusCode, URL: redacted, Message: "response holds exceptions but no report"}
	}

	doc, err := counter.Decode(body)
	if err != nil {
		return nil, &Error{Kind: KindMalformedResponse, Status: resp.StatusCode, URL: redacted, Message: "response is not JSON", Err: err}
	}
	if _, ok := doc.(map[string]any); !ok {
		return nil, &Error{Kind: KindMalformedResponse, Status: resp.StatusCode, URL: redacted, Message: "response is not a JSON object"}
	}
	if e, kind, ok := firstError(exceptions); ok {
		return nil, exceptionError(e, kind, resp.StatusCode, redacted)
	}

	return &RawPayload{
		Body:       body,
		Decoded:    doc,
		URL:        redacted,
		Status:     resp.StatusCode,
		FetchedAt:  fetchedAt,
		Exceptions: exceptions,
		NoUsage:    hasNoUsage(exceptions),
		Windows:    1,
	}, nil
}

func (c *Client) limiterFor(cred Credential) *rate.Limiter {
	rps := cred.RequestsPerSecond
	if rps <= 0 {
		rps = c.requestsPerSec
	}
	if rps <= 0 {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.limiters[cred.ID]
	if !ok {
		l = rate.NewLimiter(rate.Limit(rps), 1)
		c.limiters[cred.ID] = l
	}
	return l
}

func (c *Client) statusError(resp *http.Response, body []byte, exceptions []Exception, u string) *Error {
	retryAfter := parseRetryAfter(resp.Header.Get("Retry-After"), c.now())

	if e, kind, ok := firstError(exceptions); ok {
		se := exceptionError(e, kind, resp.StatusCode, u)
		se.RetryAfter = retryAfter
		return se
	}

	var kind Kind
	switch {
	case resp.StatusCode == http.StatusUnauthorized, resp.StatusCode == http.StatusForbidden:
		kind = KindUnauthorized
	case resp.StatusCode == http.StatusTooManyRequests:
		kind = KindRateLimited
	case resp.StatusCode == http.StatusRequestTimeout, resp.StatusCode == http.StatusGatewayTimeout:
		kind = KindTimeout
	case resp.StatusCode >= 500:
		kind = KindServerError
	default:
		kind = KindRejected
	}

	return &Error{
		Kind:       kind,
		Status:     resp.StatusCode,
		URL:        u,
		Message:    statusMessage(resp.StatusCode, body),
		RetryAfter: retryAfter,
	}
}

func exceptionError(e Exception, kind Kind, status int, u string) *Error {
	return &Error{
		Kind:    kind,
		Status:  status,
		Code:    e.Code,
		URL:     u,
		Message: e.String(),
	}
}

func transportError(ctx context.Context, u string, err error) *Error {
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.Is(ctx.Err(), context.DeadlineExceeded):
		return &Error{Kind: KindTimeout, URL: u, Message: "request timed out", Err: err}
	case errors.Is(err, context.Canceled):
		return &Error{Kind: KindNetwork, URL: u, Message: "request cancelled", Err: err}
	}

	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return &Error{Kind: KindTimeout, URL: u, Message: "request timed out", Err: err}
	}
	return &Error{Kind: KindNetwork, URL: u, Err: err}
}

func statusMessage(status int, body []byte) string {
	msg := http.StatusText(status)
	snippet := strings.TrimSpace(string(body))
	if len(snippet) > 200 {
		snippet = snippet[:200] + "..."
	}
	if snippet != "" {
		msg += ": " + snippet
	}
	return msg
}

// parseRetryAfter accepts delay-seconds or an HTTP date.
func parseRetryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := t.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}

func buildURL(req Request, version string, w window) (*url.URL, error) {
	base, err := url.Parse(strings.TrimRight(req.Credential.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid base_url: %w", err)
	}

	reportID := strings.ToLower(req.ReportID)
	var u *url.URL
	switch version {
	case counter.Version51:
		u = base.JoinPath("r51", "reports", reportID)
	default:
		u = base.JoinPath("reports", reportID)
	}

	cred := req.Credential
	params := counter.Merge(
		req.Params,
		counter.Parameters{
			"customer_id":  cred.CustomerID,
			"requestor_id": cred.RequestorID,
			"api_key":      cred.APIKey,
			"platform":     cred.Platform,
		},
		counter.Parameters(cred.Params),
		counter.Parameters{
			"begin_date": w.begin.Format(monthLayout),
			"end_date":   w.end.Format(monthLayout),
		},
	)

	q := base.Query()
	for k, vs := range params.Values() {
		q[k] = vs
	}
	u.RawQuery = q.Encode()
	return u, nil
}

func redact(u *url.URL) string {
	clone := *u
	q := clone.Query()
	for _, k := range secretParams {
		if q.Has(k) {
			q.Set(k, "xxx")
		}
	}
	clone.RawQuery = q.Encode()
	return clone.String()
}

// window is an inclusive range of months.
type window struct {
	begin time.Time
	end   time.Time
}

func monthStart(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, t.Location())
}

func monthWindows(p frequency.Period, size int) []window {
	first := monthStart(p.Start)
	last := first
	if p.End.After(p.Start) {
		last = monthStart(p.End.Add(-time.Nanosecond))
	}
	if size <= 0 {
		return []window{{begin: first, end: last}}
	}

	var out []window
	for cur := first; !cur.After(last); cur = cur.AddDate(0, size, 0) {
		end := cur.AddDate(0, size-1, 0)
		if end.After(last) {
			end = last
		}
		out = append(out, window{begin: cur, end: end})
	}
	return out
}

// mergePayloads appends the items of p to acc. The header of the first report
// is kept.
func mergePayloads(acc, p *RawPayload) *RawPayload {
	if acc == nil {
		return p
	}

	acc.Windows++
	acc.Exceptions = append(acc.Exceptions, p.Exceptions...)
	acc.FetchedAt = p.FetchedAt
	// the period has usage as soon as one window does
	acc.NoUsage = acc.NoUsage && p.NoUsage

	if p.Decoded == nil {
		return acc
	}
	if acc.Decoded == nil {
		acc.Decoded = p.Decoded
		acc.Body = p.Body
		acc.Status = p.Status
		return acc
	}

	accDoc, _ := acc.Decoded.(map[string]any)
	doc, _ := p.Decoded.(map[string]any)
	items, _ := doc["Report_Items"].([]any)
	if len(items) > 0 {
		existing, _ := accDoc["Report_Items"].([]any)
		accDoc["Report_Items"] = append(existing, items...)
	}
	return acc
}
