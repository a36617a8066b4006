package telemetry_test

import (
	"net/netip"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/robotnikz/sentinel-dns/internal/telemetry"
)

func TestSink_RecordQuery_Counters(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "telemetry.db")

	sink, err := telemetry.Open(dbPath, 1)
	require.NoError(t, err)
	defer sink.Close()

	sink.RecordQuery(telemetry.Record{
		Timestamp: time.Now(),
		Domain:    "example.com",
		ClientIP:  "100.64.1.2",
		Transport: "udp",
		Status:    telemetry.Permitted,
	}, netip.MustParseAddr("100.64.1.2"))

	sink.RecordQuery(telemetry.Record{
		Timestamp: time.Now(),
		Domain:    "other.example",
		ClientIP:  "192.168.1.5",
		Transport: "udp",
		Status:    telemetry.Blocked,
	}, netip.MustParseAddr("192.168.1.5"))

	// The drainer persists asynchronously, but the in-memory counters are
	// updated synchronously, so they can be asserted on right away.
	snap := sink.Snapshot()

	require.EqualValues(t, 2, snap.TotalQueries)
	require.EqualValues(t, 1, snap.TailscaleQueries)
	require.EqualValues(t, 1, snap.TailscaleV4Queries)
	require.Equal(t, "192.168.1.5", snap.LastClientIP)
}

func TestSink_UpdateAnswerIPs_UnknownIDIsNoop(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "telemetry.db")

	sink, err := telemetry.Open(dbPath, 1)
	require.NoError(t, err)
	defer sink.Close()

	// No record was ever persisted under this ID: the enrichment must be
	// dropped silently rather than blocking or erroring.
	sink.UpdateAnswerIPs("no-such-record", []string{"203.0.113.9"})
	sink.UpdateAnswerIPs("", []string{"203.0.113.9"})
	sink.UpdateAnswerIPs("some-id", nil)

	snap := sink.Snapshot()
	require.EqualValues(t, 0, snap.TotalQueries)
}

func TestSink_RecordQuery_ThenUpdateAnswerIPs(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "telemetry.db")

	sink, err := telemetry.Open(dbPath, 1)
	require.NoError(t, err)

	sink.RecordQuery(telemetry.Record{
		ID:        "blocked-1",
		Timestamp: time.Now(),
		Domain:    "ads.example",
		ClientIP:  "10.0.0.5",
		Transport: "udp",
		Status:    telemetry.Blocked,
	}, netip.MustParseAddr("10.0.0.5"))

	// Give the drainer a moment to persist the record and track its
	// location before the shadow-resolve enrichment chases it.
	time.Sleep(50 * time.Millisecond)

	sink.UpdateAnswerIPs("blocked-1", []string{"93.184.216.34"})

	// Closing drains the update channel's in-flight work before returning.
	require.NoError(t, sink.Close())
}
