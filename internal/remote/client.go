// Package remote is the HTTP client of the sync server. It implements
// notes.RemoteStore and classifies every failure for the reconciler.
package remote

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/geomemo/internal/geo"
	"github.com/MarcoPoloResearchLab/geomemo/internal/notes"
)

const (
	opCreateMarker = "remote.create_marker"
	opUpdateMarker = "remote.update_marker"
	opDeleteMarker = "remote.delete_marker"
	opCreateMemo   = "remote.create_memo"
	opUpdateMemo   = "remote.update_memo"
	opDeleteMemo   = "remote.delete_memo"
	opFetchRegion  = "remote.fetch_region"

	defaultTimeout   = 10 * time.Second
	maxErrorBodySize = 4 << 10
)

var (
	errMissingBaseURL     = errors.New("remote: base url is required")
	errMissingTokenSource = errors.New("remote: token source is required")

	noOpLogger = zap.NewNop()
)

// TokenSource supplies the bearer token of each request. auth.TokenIdentity satisfies it.
type TokenSource interface {
	Token() string
}

// StaticToken is a fixed bearer token.
type StaticToken string

// Token returns the token.
func (t StaticToken) Token() string {
	return string(t)
}

// Config wires a Client.
type Config struct {
	BaseURL    string
	Tokens     TokenSource
	HTTPClient *http.Client
	Logger     *zap.Logger
}

// Client talks to the sync server over JSON.
type Client struct {
	baseURL *url.URL
	tokens  TokenSource
	http    *http.Client
	logger  *zap.Logger
}

// NewClient validates cfg and constructs a Client.
func NewClient(cfg Config) (*Client, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, errMissingBaseURL
	}
	baseURL, err := url.Parse(strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"))
	if err != nil {
		return nil, fmt.Errorf("remote: parse base url: %w", err)
	}
	if baseURL.Scheme != "http" && baseURL.Scheme != "https" {
		return nil, fmt.Errorf("remote: unsupported scheme %q", baseURL.Scheme)
	}
	if cfg.Tokens == nil {
		return nil, errMissingTokenSource
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultTimeout}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Client{baseURL: baseURL, tokens: cfg.Tokens, http: httpClient, logger: logger}, nil
}

// CreateMarker uploads a new marker.
func (c *Client) CreateMarker(ctx context.Context, marker notes.Marker) (notes.Marker, error) {
	var stored notes.Marker
	err := c.do(ctx, opCreateMarker, http.MethodPost, "/v1/markers", nil, marker, &stored)
	return stored, err
}

// UpdateMarker uploads a moved marker. marker.Version is the version the move is based on.
func (c *Client) UpdateMarker(ctx context.Context, marker notes.Marker) (notes.Marker, error) {
	var stored notes.Marker
	err := c.do(ctx, opUpdateMarker, http.MethodPut, "/v1/markers/"+url.PathEscape(marker.ID.String()), nil, marker, &stored)
	return stored, err
}

// DeleteMarker deletes a marker and its memos.
func (c *Client) DeleteMarker(ctx context.Context, id notes.MarkerID) error {
	return c.do(ctx, opDeleteMarker, http.MethodDelete, "/v1/markers/"+url.PathEscape(id.String()), nil, nil, nil)
}

// CreateMemo uploads a new memo.
func (c *Client) CreateMemo(ctx context.Context, memo notes.Memo) (notes.Memo, error) {
	var stored notes.Memo
	err := c.do(ctx, opCreateMemo, http.MethodPost, "/v1/memos", nil, memo, &stored)
	return stored, err
}

// UpdateMemo uploads edited memo content.
func (c *Client) UpdateMemo(ctx context.Context, memo notes.Memo) (notes.Memo, error) {
	var stored notes.Memo
	err := c.do(ctx, opUpdateMemo, http.MethodPut, "/v1/memos/"+url.PathEscape(memo.ID.String()), nil, memo, &stored)
	return stored, err
}

// DeleteMemo deletes a memo.
func (c *Client) DeleteMemo(ctx context.Context, id notes.MemoID) error {
	return c.do(ctx, opDeleteMemo, http.MethodDelete, "/v1/memos/"+url.PathEscape(id.String()), nil, nil, nil)
}

// FetchRegion downloads the markers and memos of keys.
func (c *Client) FetchRegion(ctx context.Context, keys []geo.SpatialKey) (notes.RegionSnapshot, error) {
	query := url.Values{}
	for _, key := range keys {
		query.Add("key", key.String())
	}
	var snapshot notes.RegionSnapshot
	err := c.do(ctx, opFetchRegion, http.MethodGet, "/v1/regions", query, nil, &snapshot)
	return snapshot, err
}

type errorPayload struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func (c *Client) do(ctx context.Context, op, method, path string, query url.Values, body, out interface{}) error {
	endpoint := *c.baseURL
	endpoint.Path = c.baseURL.Path + path
	if len(query) > 0 {
		endpoint.RawQuery = query.Encode()
	}

	var reader io.Reader = http.NoBody
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return notes.Validation(op, fmt.Errorf("encode request: %w", err))
		}
		reader = bytes.NewReader(encoded)
	}

	request, err := http.NewRequestWithContext(ctx, method, endpoint.String(), reader)
	if err != nil {
		return notes.Validation(op, fmt.Errorf("build request: %w", err))
	}
	request.Header.Set("Authorization", "Bearer "+c.tokens.Token())
	request.Header.Set("Accept", "application/json")
	if body != nil {
		request.Header.Set("Content-Type", "application/json")
	}

	response, err := c.http.Do(request)
	if err != nil {
		// A cancelled caller is not a remote failure; timeouts are.
		if errors.Is(err, context.Canceled) && ctx.Err() != nil {
			return ctx.Err()
		}
		return notes.TransientRemote(op, err)
	}
	defer response.Body.Close()

	if response.StatusCode >= http.StatusBadRequest {
		return c.classify(op, response)
	}
	if out == nil || response.StatusCode == http.StatusNoContent {
		_, _ = io.Copy(io.Discard, response.Body)
		return nil
	}
	if err := json.NewDecoder(response.Body).Decode(out); err != nil {
		return notes.TransientRemote(op, fmt.Errorf("decode response: %w", err))
	}
	return nil
}

// classify maps a failed response onto the notes error kinds: 404 not found, 409
// conflict, other 4xx validation, everything else transient.
func (c *Client) classify(op string, response *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(response.Body, maxErrorBodySize))
	var payload errorPayload
	_ = json.Unmarshal(raw, &payload)
	cause := fmt.Errorf("status %d: %s", response.StatusCode, describe(payload, raw))

	switch {
	case response.StatusCode == http.StatusNotFound:
		return notes.NotFound(op, cause)
	case response.StatusCode == http.StatusConflict:
		return notes.Conflict(op, cause)
	case response.StatusCode == http.StatusTooManyRequests || response.StatusCode == http.StatusRequestTimeout:
		return notes.TransientRemote(op, cause)
	case response.StatusCode < http.StatusInternalServerError:
		if response.StatusCode == http.StatusUnauthorized {
			c.logger.Warn("remote rejected credentials",
				zap.String("operation", op),
				zap.String("reason", "unauthorized"))
		}
		return notes.Validation(op, cause)
	default:
		return notes.TransientRemote(op, cause)
	}
}

func describe(payload errorPayload, raw []byte) string {
	switch {
	case payload.Message != "":
		return payload.Message
	case payload.Error != "":
		return payload.Error
	default:
		return strings.TrimSpace(string(raw))
	}
}
