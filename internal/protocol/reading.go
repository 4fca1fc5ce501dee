package protocol

import "time"

// Reading is a single decoded vital-sign sample. Readings are only ever
// produced from a validated frame and are immutable once created.
type Reading struct {
	SpO2      int
	HeartRate int
	Battery   int
	Movement  int
	Timestamp time.Time
}
