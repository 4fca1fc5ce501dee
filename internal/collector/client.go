// Package collector is the HTTP client for the remote reading collector.
// Every operation classifies its outcome three ways: data, explicit
// rejection, or transport failure. Transport and deserialization failures
// both collapse into an error return so callers have a single failure branch.
package collector

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"codeberg.org/mutker/o2relay/internal/errors"
	"codeberg.org/mutker/o2relay/internal/logger"
	"codeberg.org/mutker/o2relay/internal/protocol"
)

const (
	defaultConnectTimeout = 10 * time.Second
	defaultRequestTimeout = 30 * time.Second

	statusPath  = "/api/relay/status"
	readingPath = "/api/relay/reading"
	batchPath   = "/api/relay/batch"
	versionPath = "/api/relay/app-version"

	statusOK = "ok"

	maxResponseBytes = 64 * 1024
)

type Config struct {
	BaseURL        string
	DeviceID       string
	ConnectTimeout time.Duration
	RequestTimeout time.Duration
}

// Client issues the relay's four collector operations.
type Client struct {
	baseURL  string
	deviceID string
	http     *http.Client
}

func New(cfg Config) (*Client, error) {
	errFactory := errors.New()

	base := strings.TrimSuffix(cfg.BaseURL, "/")
	if base == "" {
		return nil, errFactory.New(ErrInvalidBaseURL)
	}
	if _, err := url.Parse(base); err != nil {
		return nil, errFactory.Wrap(ErrInvalidBaseURL, err)
	}

	connectTimeout := cfg.ConnectTimeout
	if connectTimeout <= 0 {
		connectTimeout = defaultConnectTimeout
	}
	requestTimeout := cfg.RequestTimeout
	if requestTimeout <= 0 {
		requestTimeout = defaultRequestTimeout
	}

	return &Client{
		baseURL:  base,
		deviceID: cfg.DeviceID,
		http: &http.Client{
			Timeout: requestTimeout,
			Transport: &http.Transport{
				DialContext: (&net.Dialer{Timeout: connectTimeout}).DialContext,
			},
		},
	}, nil
}

// GetStatus fetches the collector's staleness/ownership snapshot.
func (c *Client) GetStatus(ctx context.Context) (*Status, error) {
	var status Status
	if err := c.getJSON(ctx, statusPath, &status); err != nil {
		return nil, err
	}

	return &status, nil
}

// PostReading uploads a single reading. queued tags readings drained from the
// local queue so the collector can distinguish late arrivals from live ones.
// The bool is false with a nil error when the collector explicitly rejected
// the reading; a non-nil error means no usable response arrived.
func (c *Client) PostReading(ctx context.Context, reading protocol.Reading, queued bool) (bool, error) {
	payload := readingPayload{
		SpO2:      reading.SpO2,
		HeartRate: reading.HeartRate,
		Battery:   reading.Battery,
		Timestamp: reading.Timestamp,
		DeviceID:  c.deviceID,
		Queued:    queued,
	}

	var resp postResponse
	if err := c.postJSON(ctx, readingPath, payload, &resp); err != nil {
		if errors.CodeOf(err) == ErrStatusRejected {
			return false, nil
		}
		return false, err
	}

	return resp.Status == statusOK, nil
}

// PostBatch uploads queued readings in one call. An empty input reports zero
// counts without touching the network. A non-nil error means the batch was
// not reconciled and the caller must keep its entries.
func (c *Client) PostBatch(ctx context.Context, readings []protocol.Reading) (BatchResult, error) {
	if len(readings) == 0 {
		return BatchResult{}, nil
	}

	req := batchRequest{Readings: make([]batchReadingPayload, 0, len(readings))}
	for _, r := range readings {
		req.Readings = append(req.Readings, batchReadingPayload{
			SpO2:      r.SpO2,
			HeartRate: r.HeartRate,
			Battery:   r.Battery,
			Timestamp: r.Timestamp,
			DeviceID:  c.deviceID,
		})
	}

	var resp batchResponse
	if err := c.postJSON(ctx, batchPath, req, &resp); err != nil {
		return BatchResult{}, err
	}

	return BatchResult{Accepted: resp.Accepted, Rejected: resp.Rejected}, nil
}

// GetVersion fetches the collector's advisory app version descriptor. It is
// independent of the relay data path.
func (c *Client) GetVersion(ctx context.Context) (*Version, error) {
	var version Version
	if err := c.getJSON(ctx, versionPath, &version); err != nil {
		return nil, err
	}

	return &version, nil
}

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	errFactory := errors.New()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return errFactory.Wrap(ErrRequestFailed, err)
	}

	return c.do(req, out)
}

func (c *Client) postJSON(ctx context.Context, path string, body, out any) error {
	errFactory := errors.New()

	encoded, err := json.Marshal(body)
	if err != nil {
		return errFactory.Wrap(ErrEncodingFailed, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(encoded))
	if err != nil {
		return errFactory.Wrap(ErrRequestFailed, err)
	}
	req.Header.Set("Content-Type", "application/json")

	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	errFactory := errors.New()

	resp, err := c.http.Do(req)
	if err != nil {
		return errFactory.Wrap(ErrRequestFailed, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return errFactory.Wrap(ErrBadResponse, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		logger.Debug().
			Int("status_code", resp.StatusCode).
			Str("path", req.URL.Path).
			Msg("Collector rejected request")

		return errFactory.WithData(ErrStatusRejected, resp.StatusCode)
	}

	if err := json.Unmarshal(body, out); err != nil {
		return errFactory.Wrap(ErrBadResponse, err)
	}

	return nil
}
