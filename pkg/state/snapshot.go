// Package state captures immutable fingerprints of a tabular dataset and
// computes the difference between two of them.
//
// A Snapshot never hashes every row. Each column is summarised in one pass
// (see Fingerprint) and the content hash covers the row count, the column
// set, the fingerprints and a small sample of rows (first, middle, last by
// default). Detection is therefore statistical: two snapshots with equal
// hashes are treated as unchanged, which is not a cryptographic guarantee
// against collisions. A collision only costs a missed UI refresh.
package state

import (
	"crypto/sha256"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/dshills/tablewatch/pkg/dataset"
	"github.com/dshills/tablewatch/pkg/domain/types"
	twerrors "github.com/dshills/tablewatch/pkg/errors"
)

// DefaultSampleRows is the number of rows folded into the content hash.
const DefaultSampleRows = 3

// Snapshot is an immutable fingerprint of a dataset at one instant.
// All accessors return copies.
type Snapshot struct {
	id           types.SnapshotID
	rowCount     int
	columns      []string
	fingerprints map[string]Fingerprint
	contentHash  string
	capturedAt   time.Time
	errs         []*twerrors.FingerprintError
}

type captureConfig struct {
	sampleRows int
	now        func() time.Time
}

// CaptureOption customises Capture.
type CaptureOption func(*captureConfig)

// WithSampleRows sets how many evenly spaced rows feed the content hash.
// Values below 1 fall back to DefaultSampleRows.
func WithSampleRows(n int) CaptureOption {
	return func(c *captureConfig) {
		if n > 0 {
			c.sampleRows = n
		}
	}
}

// WithCaptureTime overrides the clock used for CapturedAt.
func WithCaptureTime(now func() time.Time) CaptureOption {
	return func(c *captureConfig) { c.now = now }
}

// Capture builds a new Snapshot from ds. It never fails: columns whose values
// cannot be summarised receive an opaque fingerprint and the problem is
// reported by FingerprintErrors.
func Capture(ds dataset.Dataset, opts ...CaptureOption) *Snapshot {
	cfg := captureConfig{sampleRows: DefaultSampleRows, now: time.Now}
	for _, opt := range opts {
		opt(&cfg)
	}

	id := types.NewSnapshotID()
	rows := ds.RowCount()
	columns := ds.Columns()

	s := &Snapshot{
		id:           id,
		rowCount:     rows,
		columns:      columns,
		fingerprints: make(map[string]Fingerprint, len(columns)),
		capturedAt:   cfg.now(),
	}

	for _, name := range columns {
		fp, ferr := fingerprintColumn(name, ds.Column(name), rows, id.String())
		if ferr != nil {
			s.errs = append(s.errs, ferr)
		}
		s.fingerprints[name] = fp
	}

	s.contentHash = s.hash(ds, sampleIndices(rows, cfg.sampleRows))
	return s
}

// sampleIndices returns up to n distinct, evenly spaced row indices that
// always include the first and last row.
func sampleIndices(rows, n int) []int {
	if rows == 0 {
		return nil
	}
	if n == 1 || rows == 1 {
		return []int{0}
	}
	seen := make(map[int]bool, n)
	out := make([]int, 0, n)
	for i := 0; i < n; i++ {
		idx := i * (rows - 1) / (n - 1)
		if !seen[idx] {
			seen[idx] = true
			out = append(out, idx)
		}
	}
	return out
}

// hash folds the row count, sorted column set, fingerprints and sampled rows
// into a SHA-256 digest. Column order does not affect the result.
func (s *Snapshot) hash(ds dataset.Dataset, sample []int) string {
	h := sha256.New()
	sorted := s.sortedColumns()

	fmt.Fprintf(h, "rows=%d\n", s.rowCount)
	fmt.Fprintf(h, "columns=%s\n", strings.Join(sorted, "\x1f"))
	for _, c := range sorted {
		fmt.Fprintf(h, "fp[%s]=%+v\n", c, s.fingerprints[c])
	}

	position := make(map[string]int, len(s.columns))
	for i, c := range s.columns {
		position[c] = i
	}
	for _, idx := range sample {
		row := ds.Row(idx)
		fmt.Fprintf(h, "row[%d]", idx)
		for _, c := range sorted {
			var v interface{}
			if p := position[c]; p < len(row) {
				v = row[p]
			}
			writeValue(h, v)
		}
		io.WriteString(h, "\n")
	}
	return fmt.Sprintf("%x", h.Sum(nil))
}

func writeValue(w io.Writer, v interface{}) {
	if key, _, _, ok := classify(v); ok {
		fmt.Fprintf(w, "|%s", key)
		return
	}
	fmt.Fprintf(w, "|%T=%v", v, v)
}

func (s *Snapshot) sortedColumns() []string {
	sorted := make([]string, len(s.columns))
	copy(sorted, s.columns)
	sort.Strings(sorted)
	return sorted
}

// ID returns the unique snapshot ID.
func (s *Snapshot) ID() types.SnapshotID { return s.id }

// RowCount returns the number of rows at capture time.
func (s *Snapshot) RowCount() int { return s.rowCount }

// Columns returns the column names in dataset order.
func (s *Snapshot) Columns() []string {
	out := make([]string, len(s.columns))
	copy(out, s.columns)
	return out
}

// Fingerprint returns the fingerprint of a column.
func (s *Snapshot) Fingerprint(column string) (Fingerprint, bool) {
	fp, ok := s.fingerprints[column]
	return fp, ok
}

// Fingerprints returns a copy of all column fingerprints.
func (s *Snapshot) Fingerprints() map[string]Fingerprint {
	out := make(map[string]Fingerprint, len(s.fingerprints))
	for k, v := range s.fingerprints {
		out[k] = v
	}
	return out
}

// ContentHash returns the sampled content hash.
func (s *Snapshot) ContentHash() string { return s.contentHash }

// CapturedAt returns the capture time.
func (s *Snapshot) CapturedAt() time.Time { return s.capturedAt }

// FingerprintErrors lists the columns that fell back to opaque fingerprints.
func (s *Snapshot) FingerprintErrors() []*twerrors.FingerprintError {
	out := make([]*twerrors.FingerprintError, len(s.errs))
	copy(out, s.errs)
	return out
}

// Equals compares content hashes only. Equal hashes mean "treated as
// unchanged"; distinct snapshots may in rare cases collide.
func (s *Snapshot) Equals(other *Snapshot) bool {
	if s == nil || other == nil {
		return s == other
	}
	return s.contentHash == other.contentHash
}

// Summary returns a short human readable description for logs and reports.
func (s *Snapshot) Summary() string {
	if s == nil {
		return "<no snapshot>"
	}
	hash := s.contentHash
	if len(hash) > 12 {
		hash = hash[:12]
	}
	return fmt.Sprintf("%d rows x %d columns (%s)", s.rowCount, len(s.columns), hash)
}
