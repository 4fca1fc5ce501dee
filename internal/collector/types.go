package collector

import "time"

// Status is the collector's staleness/ownership snapshot.
type Status struct {
	Timestamp         string `json:"timestamp"`
	LastReadingAgeSec int    `json:"last_reading_age_seconds"`
	Source            string `json:"source"`
	NeedsRelay        bool   `json:"needs_relay"`
	PiBLEConnected    bool   `json:"pi_ble_connected"`
}

// Version is the collector's advisory app version descriptor.
type Version struct {
	Version        string `json:"version"`
	VersionCode    int    `json:"version_code"`
	APKURL         string `json:"apk_url,omitempty"`
	ReleaseNotes   string `json:"release_notes,omitempty"`
	MinVersionCode int    `json:"min_version_code"`
}

// BatchResult reports the collector's reconciliation of a batch upload.
type BatchResult struct {
	Accepted int
	Rejected int
}

type readingPayload struct {
	SpO2      int       `json:"spo2"`
	HeartRate int       `json:"heart_rate"`
	Battery   int       `json:"battery"`
	Timestamp time.Time `json:"timestamp"`
	DeviceID  string    `json:"device_id"`
	Queued    bool      `json:"queued"`
}

type batchReadingPayload struct {
	SpO2      int       `json:"spo2"`
	HeartRate int       `json:"heart_rate"`
	Battery   int       `json:"battery"`
	Timestamp time.Time `json:"timestamp"`
	DeviceID  string    `json:"device_id"`
}

type batchRequest struct {
	Readings []batchReadingPayload `json:"readings"`
}

type postResponse struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

type batchResponse struct {
	Status   string `json:"status"`
	Accepted int    `json:"accepted"`
	Rejected int    `json:"rejected"`
}
