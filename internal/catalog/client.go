// Package catalog is the client for the vendor's signed musics.fcg endpoint.
package catalog

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/italolelis/qqmusic_downloader/internal/auth"
	"github.com/italolelis/qqmusic_downloader/internal/cryptobridge"
	"github.com/italolelis/qqmusic_downloader/internal/logctx"
	"github.com/italolelis/qqmusic_downloader/internal/telemetry"
	"github.com/tidwall/gjson"
)

const (
	DefaultEndpoint = "https://u6.y.qq.com/cgi-bin/musics.fcg"

	clientType     = "qqmusic"
	encoding       = "ag-1"
	defaultTimeout = 30 * time.Second
	userAgent      = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/139.0.0.0 Safari/537.36"
)

var musicsHeaders = map[string]string{
	"Accept":             "application/octet-stream",
	"Accept-Language":    "zh-CN,zh;q=0.9,en;q=0.8",
	"Cache-Control":      "no-cache",
	"Content-Type":       "text/plain",
	"Origin":             "https://y.qq.com",
	"Pragma":             "no-cache",
	"Priority":           "u=1, i",
	"Referer":            "https://y.qq.com/",
	"Sec-Ch-Ua":          `"Not;A=Brand";v="99", "Google Chrome";v="139", "Chromium";v="139"`,
	"Sec-Ch-Ua-Mobile":   "?0",
	"Sec-Ch-Ua-Platform": `"Windows"`,
	"Sec-Fetch-Dest":     "empty",
	"Sec-Fetch-Mode":     "cors",
	"Sec-Fetch-Site":     "same-site",
	"User-Agent":         userAgent,
}

// Client talks to the vendor API. Every operation goes through call, which
// never returns transport errors to the caller.
type Client struct {
	auth       auth.Context
	bridge     cryptobridge.Bridge
	httpClient *http.Client
	endpoint   string
	retryTimes int
	retryDelay time.Duration
	telemetry  *telemetry.Telemetry
	now        func() time.Time
}

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

func WithEndpoint(endpoint string) Option {
	return func(c *Client) { c.endpoint = endpoint }
}

// WithRetry sets the number of attempts and the initial backoff.
func WithRetry(times int, delay time.Duration) Option {
	return func(c *Client) {
		c.retryTimes = times
		c.retryDelay = delay
	}
}

func WithTelemetry(tel *telemetry.Telemetry) Option {
	return func(c *Client) { c.telemetry = tel }
}

func NewClient(authCtx auth.Context, bridge cryptobridge.Bridge, opts ...Option) *Client {
	c := &Client{
		auth:       authCtx,
		bridge:     bridge,
		httpClient: &http.Client{Timeout: defaultTimeout},
		endpoint:   DefaultEndpoint,
		retryTimes: defaultRetryTimes,
		retryDelay: defaultRetryDelay,
		now:        time.Now,
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// Auth returns the credentials the client signs requests with.
func (c *Client) Auth() auth.Context {
	return c.auth
}

// BrowserHeaders are the headers a browser sends to the CDN.
func (c *Client) BrowserHeaders() http.Header {
	h := http.Header{}
	h.Set("User-Agent", userAgent)
	h.Set("Referer", "https://y.qq.com")
	h.Set("Origin", "https://y.qq.com")
	h.Set("Accept-Language", "zh-CN,zh;q=0.9")
	h.Set("Cookie", c.auth.Cookie)

	return h
}

// call signs, sends and decrypts one request. Any failure is logged and
// reported as ok=false.
func (c *Client) call(ctx context.Context, operation string, payload map[string]any) (gjson.Result, bool) {
	logger := logctx.LoggerFromContext(ctx).With("operation", operation)

	var res gjson.Result

	err := c.telemetry.InstrumentClientOperation(ctx, clientType, operation, func(ctx context.Context) error {
		var err error
		res, err = c.roundTrip(ctx, operation, payload)

		return err
	})
	if err != nil {
		logger.Error("musics.fcg call failed", "err", err)

		return gjson.Result{}, false
	}

	return res, true
}

func (c *Client) roundTrip(ctx context.Context, operation string, payload map[string]any) (gjson.Result, error) {
	plain, err := encodePayload(payload)
	if err != nil {
		return gjson.Result{}, fmt.Errorf("encode payload: %w", err)
	}

	env, err := c.bridge.Encrypt(ctx, plain)
	if err != nil {
		return gjson.Result{}, fmt.Errorf("sign request: %w", err)
	}

	raw, err := c.post(ctx, operation, env)
	if err != nil {
		return gjson.Result{}, err
	}

	dec, err := c.bridge.Decrypt(ctx, raw)
	if err != nil {
		return gjson.Result{}, fmt.Errorf("decrypt response: %w", err)
	}

	body := []byte(dec.JSON)
	if len(body) == 0 {
		body = []byte(dec.Text)
	}

	if !gjson.ValidBytes(body) {
		return gjson.Result{}, &MalformedResponseError{Operation: operation, Path: "JSON body"}
	}

	res := gjson.ParseBytes(body)
	if !res.IsObject() {
		return gjson.Result{}, &MalformedResponseError{Operation: operation, Path: "JSON object"}
	}

	return res, nil
}

func (c *Client) post(ctx context.Context, operation string, env cryptobridge.Envelope) ([]byte, error) {
	q := url.Values{}
	q.Set("_", strconv.FormatInt(c.now().UnixMilli(), 10))
	q.Set("encoding", encoding)
	q.Set("sign", env.Sign)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+"?"+q.Encode(), strings.NewReader(env.Body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}

	for k, v := range musicsHeaders {
		req.Header.Set(k, v)
	}

	req.Header.Set("Cookie", c.auth.Cookie)

	resp, err := c.doRequestWithRetry(req)
	if err != nil {
		return nil, &NetworkError{Operation: operation, APIMessage: err.Error(), Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return nil, &NetworkError{Operation: operation, StatusCode: resp.StatusCode, APIMessage: http.StatusText(resp.StatusCode)}
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &NetworkError{Operation: operation, APIMessage: "read body", Err: err}
	}

	return raw, nil
}

// encodePayload marshals without HTML escaping so the signed text matches
// what the vendor's own client sends.
func encodePayload(payload map[string]any) (string, error) {
	var buf bytes.Buffer

	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)

	if err := enc.Encode(payload); err != nil {
		return "", err
	}

	return strings.TrimSuffix(buf.String(), "\n"), nil
}

func module(name, method string, param map[string]any) map[string]any {
	return map[string]any{
		"module": name,
		"method": method,
		"param":  param,
	}
}
