package notify

import (
	"strings"
	"testing"
	"time"

	"github.com/avyuzhakov-jpg/internet-spd-test/internal/logstore"
)

func TestFormatRecordSuccess(t *testing.T) {
	msg := formatRecord(logstore.Record{
		Timestamp:    time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC),
		DownloadMbps: 123.456,
		UploadMbps:   45.6,
		PingMs:       21.5,
		JitterMs:     3.2,
		NetworkType:  "wifi",
		TestSizeMB:   5,
	})
	for _, want := range []string{"123.46 Mbps", "45.60 Mbps", "21.50 ms", "wifi | 5 MB", "2026-03-14"} {
		if !strings.Contains(msg, want) {
			t.Fatalf("message missing %q:\n%s", want, msg)
		}
	}
	if strings.Contains(msg, "failed") {
		t.Fatalf("success message rendered as failure:\n%s", msg)
	}
}

func TestFormatRecordFailure(t *testing.T) {
	msg := formatRecord(logstore.Record{
		Timestamp:    time.Now(),
		PingMs:       18,
		ErrorMessage: "HTTP error: 500",
	})
	if !strings.Contains(msg, "failed") || !strings.Contains(msg, "HTTP error: 500") {
		t.Fatalf("unexpected failure message:\n%s", msg)
	}
}
