package shiprocket

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/BearBump/FulfillBox/internal/apperr"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

func remediationFor(endpoint string) string {
	return "contact Shiprocket support to enable API permission for " + endpoint
}

type tokenSource interface {
	Token(ctx context.Context) (string, error)
	Invalidate(tok string)
}

// Executor sends authenticated requests and classifies carrier responses.
type Executor struct {
	baseURL string
	httpc   *http.Client
	tokens  tokenSource
	logger  *zap.Logger
}

func NewExecutor(baseURL string, httpc *http.Client, tokens tokenSource, logger *zap.Logger) *Executor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Executor{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpc:   httpc,
		tokens:  tokens,
		logger:  logger,
	}
}

type rawResponse struct {
	status int
	header http.Header
	body   []byte
}

// Do performs method on path with a bearer token. A 401 invalidates the
// token and the call is retried exactly once with a fresh one. On 2xx the
// body is decoded into out when out is non-nil.
func (e *Executor) Do(ctx context.Context, method, path string, in, out any) error {
	tok, err := e.tokens.Token(ctx)
	if err != nil {
		return err
	}

	resp, err := e.send(ctx, method, path, in, tok)
	if err != nil {
		return err
	}

	if resp.status == http.StatusUnauthorized {
		e.logger.Warn("carrier rejected token, re-authenticating", zap.String("path", path))
		e.tokens.Invalidate(tok)

		tok, err = e.tokens.Token(ctx)
		if err != nil {
			return err
		}
		resp, err = e.send(ctx, method, path, in, tok)
		if err != nil {
			return err
		}
		if resp.status == http.StatusUnauthorized {
			e.tokens.Invalidate(tok)
			return &apperr.AuthenticationError{Msg: "carrier rejected a freshly issued token on " + path}
		}
	}

	if err := classify(path, resp); err != nil {
		return err
	}
	if out == nil || len(resp.body) == 0 {
		return nil
	}
	return errors.Wrap(json.Unmarshal(resp.body, out), "decode "+path)
}

func (e *Executor) send(ctx context.Context, method, path string, in any, tok string) (rawResponse, error) {
	return doJSON(ctx, e.httpc, method, e.baseURL+path, in, tok)
}

func doJSON(ctx context.Context, httpc *http.Client, method, url string, in any, tok string) (rawResponse, error) {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return rawResponse{}, errors.Wrap(err, "encode request")
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return rawResponse{}, errors.Wrap(err, "new request")
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}

	resp, err := httpc.Do(req)
	if err != nil {
		return rawResponse{}, &apperr.ConnectivityError{Op: method + " " + req.URL.Path, Err: err}
	}
	defer resp.Body.Close()

	b, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return rawResponse{}, &apperr.ConnectivityError{Op: "read " + req.URL.Path, Err: err}
	}
	return rawResponse{status: resp.StatusCode, header: resp.Header, body: b}, nil
}

// classify maps a non-2xx response onto the error taxonomy.
func classify(path string, resp rawResponse) error {
	if resp.status/100 == 2 {
		return nil
	}
	msg := carrierMessage(resp.body)

	switch resp.status {
	case http.StatusUnauthorized:
		return &apperr.AuthenticationError{Msg: msg}
	case http.StatusForbidden:
		return &apperr.PermissionError{Endpoint: path, Msg: msg, Remediation: remediationFor(path)}
	case http.StatusTooManyRequests:
		return &apperr.RateLimitedError{RetryAfter: retryAfter(resp.header, time.Minute)}
	case http.StatusNotFound:
		return &apperr.NotFoundError{Resource: "carrier resource", ID: path}
	case http.StatusBadRequest, http.StatusUnprocessableEntity:
		return &apperr.ValidationError{Msg: msg}
	default:
		return &apperr.CarrierError{StatusCode: resp.status, Body: msg}
	}
}

type errorBody struct {
	Message    string              `json:"message"`
	StatusCode int                 `json:"status_code"`
	Errors     map[string][]string `json:"errors"`
}

// carrierMessage extracts a readable message from a Shiprocket error body,
// falling back to the raw text.
func carrierMessage(body []byte) string {
	var eb errorBody
	if err := json.Unmarshal(body, &eb); err == nil && eb.Message != "" {
		msg := eb.Message
		fields := make([]string, 0, len(eb.Errors))
		for field := range eb.Errors {
			fields = append(fields, field)
		}
		sort.Strings(fields)
		for _, field := range fields {
			msg += "; " + field + ": " + strings.Join(eb.Errors[field], ", ")
		}
		return msg
	}
	s := strings.TrimSpace(string(body))
	if len(s) > 512 {
		s = s[:512]
	}
	return s
}

func retryAfter(h http.Header, def time.Duration) time.Duration {
	if h == nil {
		return def
	}
	if v := h.Get("Retry-After"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			return time.Duration(secs) * time.Second
		}
	}
	return def
}
