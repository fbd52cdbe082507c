package state

import (
	"fmt"
	"net/url"
	"testing"
	"time"

	"github.com/dshills/tablewatch/pkg/dataset"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func scoreTable(t *testing.T) *dataset.Table {
	t.Helper()
	tbl, err := dataset.NewTable("PLAYER", "SCORE")
	require.NoError(t, err)
	require.NoError(t, tbl.AddRow("alice", 10))
	require.NoError(t, tbl.AddRow("bob", 20))
	require.NoError(t, tbl.AddRow("carol", 30))
	return tbl
}

func TestSnapshot_DiffWithSelfIsEmpty(t *testing.T) {
	s := Capture(scoreTable(t))

	d := s.Diff(s)
	assert.False(t, d.HasAnyChange())
	assert.False(t, d.RowCountChanged)
	assert.False(t, d.ColumnSetChanged)
	assert.Empty(t, d.ChangedColumns)
	assert.Empty(t, d.NewColumns)
	assert.Empty(t, d.RemovedColumns)
}

func TestSnapshot_EqualsImpliesNoChange(t *testing.T) {
	tbl := scoreTable(t)
	a := Capture(tbl)
	b := Capture(tbl)

	require.True(t, a.Equals(b))
	assert.NotEqual(t, a.ID(), b.ID())
	assert.False(t, a.Diff(b).HasAnyChange())
}

func TestSnapshot_ColumnOrderDoesNotAffectEquality(t *testing.T) {
	a, err := dataset.NewTable("A", "B")
	require.NoError(t, err)
	require.NoError(t, a.AddRow(1, "x"))
	b, err := dataset.NewTable("B", "A")
	require.NoError(t, err)
	require.NoError(t, b.AddRow("x", 1))

	sa, sb := Capture(a), Capture(b)
	assert.True(t, sa.Equals(sb))
	assert.Equal(t, []string{"A", "B"}, sa.Columns())
	assert.Equal(t, []string{"B", "A"}, sb.Columns())
	assert.False(t, sa.Diff(sb).HasAnyChange())
}

func TestSnapshot_ValueChangeMarksOnlyThatColumn(t *testing.T) {
	tbl := scoreTable(t)
	before := Capture(tbl)
	require.NoError(t, tbl.Set(1, "SCORE", 25))
	after := Capture(tbl)

	d := after.Diff(before)
	assert.True(t, d.HasAnyChange())
	assert.False(t, d.RowCountChanged)
	assert.False(t, d.ColumnSetChanged)
	assert.Equal(t, []string{"SCORE"}, d.ChangedColumns.Sorted())
	assert.False(t, after.Equals(before))
}

func TestSnapshot_AddRowChangesRowCountOnly(t *testing.T) {
	tbl := scoreTable(t)
	before := Capture(tbl)
	require.NoError(t, tbl.AddRow("dave", 40))
	after := Capture(tbl)

	d := after.Diff(before)
	assert.True(t, d.RowCountChanged)
	assert.False(t, d.ColumnSetChanged)
	assert.Empty(t, d.NewColumns)
	assert.Empty(t, d.RemovedColumns)
}

func TestSnapshot_ColumnSetChanges(t *testing.T) {
	tbl := scoreTable(t)
	before := Capture(tbl)
	require.NoError(t, tbl.AddColumn("TEAM", "red"))
	require.NoError(t, tbl.DropColumn("PLAYER"))
	after := Capture(tbl)

	d := after.Diff(before)
	assert.True(t, d.ColumnSetChanged)
	assert.False(t, d.RowCountChanged)
	assert.Equal(t, []string{"TEAM"}, d.NewColumns.Sorted())
	assert.Equal(t, []string{"PLAYER"}, d.RemovedColumns.Sorted())
	assert.True(t, d.Touches("PLAYER"))
	assert.True(t, d.Touches("TEAM"))
	assert.False(t, d.Touches("SCORE"))
}

func TestSnapshot_DiffAgainstNil(t *testing.T) {
	s := Capture(scoreTable(t))

	d := s.Diff(nil)
	assert.True(t, d.RowCountChanged)
	assert.True(t, d.ColumnSetChanged)
	assert.Equal(t, []string{"PLAYER", "SCORE"}, d.NewColumns.Sorted())
}

func TestSnapshot_UnsupportedValueFallsBackToOpaque(t *testing.T) {
	tbl, err := dataset.NewTable("TAGS")
	require.NoError(t, err)
	require.NoError(t, tbl.AddRow([]string{"a", "b"}))

	a := Capture(tbl)
	b := Capture(tbl)

	errs := a.FingerprintErrors()
	require.Len(t, errs, 1)
	assert.Equal(t, "TAGS", errs[0].Column)

	fp, ok := a.Fingerprint("TAGS")
	require.True(t, ok)
	assert.Equal(t, KindOpaque, fp.Kind)

	// Same capture still diffs clean; separate captures always report a change.
	assert.False(t, a.Diff(a).HasAnyChange())
	assert.Equal(t, []string{"TAGS"}, b.Diff(a).ChangedColumns.Sorted())
	assert.False(t, a.Equals(b))
}

func TestSnapshot_SampledHashMissesUnsampledCellButFingerprintCatches(t *testing.T) {
	tbl, err := dataset.NewTable("V")
	require.NoError(t, err)
	for i := 0; i < 101; i++ {
		require.NoError(t, tbl.AddRow(fmt.Sprintf("v%d", i)))
	}
	before := Capture(tbl)
	// Row 10 is not sampled (0, 50, 100) but it changes the unique count.
	require.NoError(t, tbl.Set(10, "V", "v11"))
	after := Capture(tbl)

	assert.True(t, after.Diff(before).ChangedColumns.Has("V"))
	assert.False(t, after.Equals(before))
}

func TestSnapshot_AccessorsReturnCopies(t *testing.T) {
	s := Capture(scoreTable(t), WithCaptureTime(func() time.Time { return time.Unix(100, 0) }))

	cols := s.Columns()
	cols[0] = "mutated"
	assert.Equal(t, "PLAYER", s.Columns()[0])

	fps := s.Fingerprints()
	delete(fps, "SCORE")
	_, ok := s.Fingerprint("SCORE")
	assert.True(t, ok)

	assert.Equal(t, time.Unix(100, 0), s.CapturedAt())
	assert.Contains(t, s.Summary(), "3 rows x 2 columns")
}

func TestSampleIndices(t *testing.T) {
	tests := []struct {
		name string
		rows int
		n    int
		want []int
	}{
		{"empty", 0, 3, nil},
		{"single row", 1, 3, []int{0}},
		{"two rows", 2, 3, []int{0, 1}},
		{"first middle last", 5, 3, []int{0, 2, 4}},
		{"large", 1000, 3, []int{0, 499, 999}},
		{"one sample", 10, 1, []int{0}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, sampleIndices(tt.rows, tt.n))
		})
	}
}

func TestCapture_TypedNilCellsAreNulls(t *testing.T) {
	link, err := url.Parse("https://example.com/a")
	require.NoError(t, err)
	tbl, err := dataset.NewTable("LINK")
	require.NoError(t, err)
	require.NoError(t, tbl.AddRow(link))
	require.NoError(t, tbl.AddRow((*url.URL)(nil)))

	var snap *Snapshot
	require.NotPanics(t, func() { snap = Capture(tbl) })
	assert.Empty(t, snap.FingerprintErrors())

	fp, ok := snap.Fingerprint("LINK")
	require.True(t, ok)
	assert.Equal(t, KindCategorical, fp.Kind)
	assert.Equal(t, 1, fp.NullCount)
	assert.Equal(t, "https://example.com/a", fp.MostCommonValue)
}
