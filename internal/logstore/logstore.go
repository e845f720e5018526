// Package logstore persists one line per measurement run to an append-only
// text file. The file is the canonical record of every run attempt,
// including failed and cancelled ones.
//
// The on-disk dialect is deliberately narrow: a fixed 14-column header,
// fixed 3-decimal numeric text, and quoting only when a field contains a
// comma, a quote or a newline. ReadAll understands exactly what Append
// writes and nothing more.
package logstore

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"
)

// TimeLayout is ISO-8601 with milliseconds; the writer's UTC offset is
// preserved as recorded.
const TimeLayout = "2006-01-02T15:04:05.000Z07:00"

const fieldCount = 14

const header = "timestamp,download_mbps,upload_mbps,ping_ms,jitter_ms,network_type," +
	"location_start_lat,location_start_lon,location_end_lat,location_end_lon," +
	"location_status,test_size_mb,server_base_url,error_message"

var (
	ErrCreateDir   = errors.New("logstore: cannot create directory")
	ErrWriteHeader = errors.New("logstore: cannot write header")
	ErrReadFile    = errors.New("logstore: cannot read file")
)

// Record is one persisted run attempt. Coordinate pointers are nil when the
// location was unavailable; they serialize to empty fields, not "0".
type Record struct {
	Timestamp      time.Time
	DownloadMbps   float64
	UploadMbps     float64
	PingMs         float64
	JitterMs       float64
	NetworkType    string
	StartLat       *float64
	StartLon       *float64
	EndLat         *float64
	EndLon         *float64
	LocationStatus string
	TestSizeMB     int
	ServerBaseURL  string
	ErrorMessage   string
}

// Store owns the log file. It is the sole reader and writer; a single
// process is assumed (no inter-process locking).
type Store struct {
	path string
	mu   sync.Mutex
}

func New(path string) *Store {
	return &Store{path: path}
}

func (s *Store) Path() string { return s.path }

// EnsureExists creates the parent directory and the file with its header
// line when absent.
func (s *Store) EnsureExists() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ensureExistsLocked()
}

func (s *Store) ensureExistsLocked() error {
	if dir := filepath.Dir(s.path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("%w: %v", ErrCreateDir, err)
		}
	}
	if _, err := os.Stat(s.path); err == nil {
		return nil
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("%w: %v", ErrReadFile, err)
	}
	if err := os.WriteFile(s.path, []byte(header+"\n"), 0o644); err != nil {
		return fmt.Errorf("%w: %v", ErrWriteHeader, err)
	}
	return nil
}

// Append serializes the record and appends it as one line.
func (s *Store) Append(rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.ensureExistsLocked(); err != nil {
		return err
	}
	f, err := os.OpenFile(s.path, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	defer f.Close()

	if _, err := f.WriteString(encodeRecord(rec) + "\n"); err != nil {
		return fmt.Errorf("append log record: %w", err)
	}
	return nil
}

// ReadAll returns every well-formed record in file order. Lines with fewer
// than 14 fields are skipped; unparsable numerics read back as zero.
func (s *Store) ReadAll() ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.ensureExistsLocked(); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(s.path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrReadFile, err)
	}

	lines := strings.Split(string(data), "\n")
	records := make([]Record, 0, len(lines))
	for i, line := range lines {
		if i == 0 || line == "" {
			continue
		}
		fields := splitLine(line)
		if len(fields) < fieldCount {
			continue
		}
		records = append(records, decodeFields(fields))
	}
	return records, nil
}

func encodeRecord(r Record) string {
	fields := []string{
		r.Timestamp.Format(TimeLayout),
		formatFixed(r.DownloadMbps),
		formatFixed(r.UploadMbps),
		formatFixed(r.PingMs),
		formatFixed(r.JitterMs),
		escapeField(r.NetworkType),
		formatCoord(r.StartLat),
		formatCoord(r.StartLon),
		formatCoord(r.EndLat),
		formatCoord(r.EndLon),
		escapeField(r.LocationStatus),
		strconv.Itoa(r.TestSizeMB),
		escapeField(r.ServerBaseURL),
		escapeField(r.ErrorMessage),
	}
	return strings.Join(fields, ",")
}

func decodeFields(f []string) Record {
	ts, _ := time.Parse(TimeLayout, f[0])
	size, _ := strconv.Atoi(f[11])
	return Record{
		Timestamp:      ts,
		DownloadMbps:   parseFloat(f[1]),
		UploadMbps:     parseFloat(f[2]),
		PingMs:         parseFloat(f[3]),
		JitterMs:       parseFloat(f[4]),
		NetworkType:    f[5],
		StartLat:       parseCoord(f[6]),
		StartLon:       parseCoord(f[7]),
		EndLat:         parseCoord(f[8]),
		EndLon:         parseCoord(f[9]),
		LocationStatus: f[10],
		TestSizeMB:     size,
		ServerBaseURL:  f[12],
		ErrorMessage:   f[13],
	}
}

func formatFixed(v float64) string {
	return strconv.FormatFloat(v, 'f', 3, 64)
}

func formatCoord(v *float64) string {
	if v == nil {
		return ""
	}
	return strconv.FormatFloat(*v, 'f', 3, 64)
}

func parseFloat(s string) float64 {
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return v
}

func parseCoord(s string) *float64 {
	if s == "" {
		return nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return nil
	}
	return &v
}

// escapeField wraps the value in quotes (doubling internal quotes) when it
// contains a comma, quote or newline; otherwise it passes through.
func escapeField(v string) string {
	if !strings.ContainsAny(v, ",\"\n") {
		return v
	}
	return `"` + strings.ReplaceAll(v, `"`, `""`) + `"`
}

// splitLine splits on commas outside quotes. A quote toggles quoted mode;
// inside quotes a doubled quote emits one literal quote.
func splitLine(line string) []string {
	var fields []string
	var cur strings.Builder
	inQuotes := false

	for i := 0; i < len(line); i++ {
		c := line[i]
		switch {
		case c == '"':
			if inQuotes && i+1 < len(line) && line[i+1] == '"' {
				cur.WriteByte('"')
				i++
			} else {
				inQuotes = !inQuotes
			}
		case c == ',' && !inQuotes:
			fields = append(fields, cur.String())
			cur.Reset()
		default:
			cur.WriteByte(c)
		}
	}
	fields = append(fields, cur.String())
	return fields
}
