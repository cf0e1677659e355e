package db

import (
	"fmt"
	"time"
)

// Server is a target the user connected to, keyed by the address string
// they typed ("host" or "host:port").
type Server struct {
	Address         string
	Host            string
	Port            int
	Attempts        int
	ConnectCount    int
	LastRemoteAddr  string
	CreatedAt       time.Time
	LastConnectedAt time.Time
}

// CatalogSnapshot is the raw macro-list payload last received from a server.
type CatalogSnapshot struct {
	ServerAddress string
	Payload       string
	MacroCount    int
	CapturedAt    time.Time
}

// timestampLayout is fixed width so stored timestamps sort lexically.
const timestampLayout = "2006-01-02T15:04:05.000000000Z07:00"

func nowUTC() time.Time {
	return time.Now().UTC()
}

func formatTimestamp(ts time.Time) string {
	if ts.IsZero() {
		ts = nowUTC()
	}
	return ts.UTC().Format(timestampLayout)
}

func parseTimestamp(v string) (time.Time, error) {
	ts, err := time.Parse(timestampLayout, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse timestamp %q: %w", v, err)
	}
	return ts, nil
}
