package collector_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"codeberg.org/mutker/o2relay/internal/collector"
	"codeberg.org/mutker/o2relay/internal/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newClient(t *testing.T, baseURL string) *collector.Client {
	t.Helper()

	client, err := collector.New(collector.Config{
		BaseURL:        baseURL,
		DeviceID:       "oxi-test",
		ConnectTimeout: time.Second,
		RequestTimeout: 2 * time.Second,
	})
	require.NoError(t, err)

	return client
}

func sampleReading() protocol.Reading {
	return protocol.Reading{
		SpO2:      96,
		HeartRate: 74,
		Battery:   80,
		Timestamp: time.Date(2024, 6, 1, 22, 15, 0, 0, time.UTC),
	}
}

func TestNewRequiresBaseURL(t *testing.T) {
	_, err := collector.New(collector.Config{})
	require.Error(t, err)
}

func TestGetStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/api/relay/status", r.URL.Path)
		json.NewEncoder(w).Encode(map[string]any{
			"timestamp":                "2024-06-01T22:15:00Z",
			"last_reading_age_seconds": 240,
			"source":                   "pi",
			"needs_relay":              true,
			"pi_ble_connected":         false,
		})
	}))
	defer server.Close()

	status, err := newClient(t, server.URL).GetStatus(context.Background())

	require.NoError(t, err)
	assert.True(t, status.NeedsRelay)
	assert.False(t, status.PiBLEConnected)
	assert.Equal(t, 240, status.LastReadingAgeSec)
	assert.Equal(t, "pi", status.Source)
}

func TestGetStatusTransportFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {}))
	client := newClient(t, server.URL)
	server.Close()

	_, err := client.GetStatus(context.Background())
	require.Error(t, err)
}

func TestGetStatusMalformedBody(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte("not json"))
	}))
	defer server.Close()

	_, err := newClient(t, server.URL).GetStatus(context.Background())
	require.Error(t, err)
}

func TestPostReadingAccepted(t *testing.T) {
	var got map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/relay/reading", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
	}))
	defer server.Close()

	accepted, err := newClient(t, server.URL).PostReading(context.Background(), sampleReading(), true)

	require.NoError(t, err)
	assert.True(t, accepted)
	assert.Equal(t, float64(96), got["spo2"])
	assert.Equal(t, float64(74), got["heart_rate"])
	assert.Equal(t, "oxi-test", got["device_id"])
	assert.Equal(t, true, got["queued"])
}

func TestPostReadingRejected(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"status": "error", "message": "too old"})
	}))
	defer server.Close()

	accepted, err := newClient(t, server.URL).PostReading(context.Background(), sampleReading(), false)

	require.NoError(t, err)
	assert.False(t, accepted)
}

func TestPostReadingNon2xxIsRejection(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "nope", http.StatusBadRequest)
	}))
	defer server.Close()

	accepted, err := newClient(t, server.URL).PostReading(context.Background(), sampleReading(), false)

	require.NoError(t, err)
	assert.False(t, accepted)
}

func TestPostReadingTransportFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {}))
	client := newClient(t, server.URL)
	server.Close()

	_, err := client.PostReading(context.Background(), sampleReading(), false)
	require.Error(t, err)
}

func TestPostBatchEmptyShortCircuits(t *testing.T) {
	calls := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls++
	}))
	defer server.Close()

	result, err := newClient(t, server.URL).PostBatch(context.Background(), nil)

	require.NoError(t, err)
	assert.Equal(t, 0, result.Accepted)
	assert.Equal(t, 0, result.Rejected)
	assert.Equal(t, 0, calls)
}

func TestPostBatch(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/relay/batch", r.URL.Path)

		var req struct {
			Readings []map[string]any `json:"readings"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Len(t, req.Readings, 2)
		// Batch entries carry no queued flag; the endpoint implies it.
		_, hasQueued := req.Readings[0]["queued"]
		assert.False(t, hasQueued)

		json.NewEncoder(w).Encode(map[string]any{"status": "ok", "accepted": 1, "rejected": 1})
	}))
	defer server.Close()

	result, err := newClient(t, server.URL).PostBatch(context.Background(),
		[]protocol.Reading{sampleReading(), sampleReading()})

	require.NoError(t, err)
	assert.Equal(t, 1, result.Accepted)
	assert.Equal(t, 1, result.Rejected)
}

func TestPostBatchNon2xxIsError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
	}))
	defer server.Close()

	_, err := newClient(t, server.URL).PostBatch(context.Background(), []protocol.Reading{sampleReading()})
	require.Error(t, err)
}

func TestGetVersion(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/relay/app-version", r.URL.Path)
		json.NewEncoder(w).Encode(map[string]any{
			"version":          "1.4.2",
			"version_code":     18,
			"apk_url":          "https://collector.local/o2relay-1.4.2.apk",
			"min_version_code": 12,
		})
	}))
	defer server.Close()

	version, err := newClient(t, server.URL).GetVersion(context.Background())

	require.NoError(t, err)
	assert.Equal(t, "1.4.2", version.Version)
	assert.Equal(t, 18, version.VersionCode)
	assert.Equal(t, 12, version.MinVersionCode)
}
