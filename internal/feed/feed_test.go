package feed

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/YamYamee/soft-electronic/internal/model"
)

func collect(t *testing.T, input string) ([]model.Sample, error) {
	t.Helper()
	f := New(strings.NewReader(input), 0, 0)
	f.now = func() time.Time { return time.UnixMilli(42) }
	var out []model.Sample
	_, err := f.Run(context.Background(), func(s model.Sample) error {
		out = append(out, s)
		return nil
	})
	return out, err
}

func TestParseMixedInput(t *testing.T) {
	got, err := collect(t, `timestamp,relativePitch
1700000000000,12.5
# calibration pause

-,-3
{"timestamp":1700000000100,"relativePitch":0.25}
{"relativePitch":7}
`)
	require.NoError(t, err)
	assert.Equal(t, []model.Sample{
		{Timestamp: 1700000000000, RelativePitch: 12.5},
		{Timestamp: 42, RelativePitch: -3},
		{Timestamp: 1700000000100, RelativePitch: 0.25},
		{Timestamp: 42, RelativePitch: 7},
	}, got)
}

func TestParseErrorsCarryLineNumbers(t *testing.T) {
	tests := []struct {
		name  string
		input string
		line  int
	}{
		{"no comma", "1,2\nbogus\n", 2},
		{"bad pitch", "1,abc\n", 1},
		{"bad timestamp", "# c\nnow,1\n", 2},
		{"bad json", "{\"relativePitch\":\n", 1},
		{"json without pitch", "{\"timestamp\":1}\n", 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := collect(t, tt.input)
			var pe *ParseError
			require.ErrorAs(t, err, &pe)
			assert.Equal(t, tt.line, pe.Line)
		})
	}
}

func TestRunStopsOnSendError(t *testing.T) {
	f := New(strings.NewReader("1,1\n2,2\n3,3\n"), 0, 0)
	boom := errors.New("boom")
	n, err := f.Run(context.Background(), func(s model.Sample) error {
		if s.Timestamp == 2 {
			return boom
		}
		return nil
	})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, n)
}

func TestNextReturnsEOF(t *testing.T) {
	f := New(strings.NewReader(""), 0, 0)
	_, err := f.Next(context.Background())
	assert.ErrorIs(t, err, io.EOF)
}

func TestRatePacing(t *testing.T) {
	f := New(strings.NewReader("1,1\n2,2\n3,3\n4,4\n"), 50, 1)
	start := time.Now()
	n, err := f.Run(context.Background(), func(model.Sample) error { return nil })
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	// burst 1 at 50/s: three waits of ~20ms after the first sample
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
}

func TestPacingHonoursContext(t *testing.T) {
	f := New(strings.NewReader("1,1\n2,2\n"), 0.001, 1)
	ctx, cancel := context.WithCancel(context.Background())
	_, err := f.Next(ctx)
	require.NoError(t, err)

	cancel()
	_, err = f.Next(ctx)
	assert.Error(t, err)
}

func TestOpen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "samples.csv")
	require.NoError(t, os.WriteFile(path, []byte("1,1\n"), 0o600))

	rc, err := Open(path)
	require.NoError(t, err)
	defer rc.Close()
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, "1,1\n", string(data))

	_, err = Open(filepath.Join(t.TempDir(), "missing.csv"))
	assert.ErrorIs(t, err, os.ErrNotExist)

	std, err := Open("-")
	require.NoError(t, err)
	assert.NoError(t, std.Close())
}
