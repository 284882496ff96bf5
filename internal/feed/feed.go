// Package feed replays recorded sensor samples from a file or stdin.
//
// Each non-empty line is either CSV "timestamp,pitch" or a JSON object
// {"timestamp":...,"relativePitch":...}. A timestamp of "-" (CSV) or an
// absent one (JSON) is replaced by the time the line is read. Lines starting
// with '#' and a leading "timestamp,..." header are skipped.
package feed

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/YamYamee/soft-electronic/internal/model"
)

// ParseError reports a malformed input line.
type ParseError struct {
	Line int
	Err  error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("feed: line %d: %v", e.Line, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// Feed yields samples from r, paced by an optional rate limit.
type Feed struct {
	scanner *bufio.Scanner
	limiter *rate.Limiter
	now     func() time.Time
	line    int
}

// New returns a Feed reading r. perSecond <= 0 disables pacing.
func New(r io.Reader, perSecond float64, burst int) *Feed {
	f := &Feed{
		scanner: bufio.NewScanner(r),
		now:     time.Now,
	}
	if perSecond > 0 {
		f.limiter = rate.NewLimiter(rate.Limit(perSecond), max(burst, 1))
	}
	return f
}

// Open opens path for reading; "-" means stdin.
func Open(path string) (io.ReadCloser, error) {
	if path == "-" {
		return io.NopCloser(os.Stdin), nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("feed: open: %w", err)
	}
	return f, nil
}

// Next waits for the rate limiter and returns the next sample. It returns
// io.EOF once the input is exhausted.
func (f *Feed) Next(ctx context.Context) (model.Sample, error) {
	for f.scanner.Scan() {
		f.line++
		text := strings.TrimSpace(f.scanner.Text())
		if text == "" || strings.HasPrefix(text, "#") || (f.line == 1 && isHeader(text)) {
			continue
		}
		if f.limiter != nil {
			if err := f.limiter.Wait(ctx); err != nil {
				return model.Sample{}, err
			}
		}
		s, err := f.parse(text)
		if err != nil {
			return model.Sample{}, &ParseError{Line: f.line, Err: err}
		}
		return s, nil
	}
	if err := f.scanner.Err(); err != nil {
		return model.Sample{}, fmt.Errorf("feed: read: %w", err)
	}
	return model.Sample{}, io.EOF
}

// Run hands every sample to send until the input ends, ctx is cancelled or
// send fails. Malformed lines stop the run with a *ParseError.
func (f *Feed) Run(ctx context.Context, send func(model.Sample) error) (int, error) {
	n := 0
	for {
		s, err := f.Next(ctx)
		if err == io.EOF {
			return n, nil
		}
		if err != nil {
			return n, err
		}
		if err := send(s); err != nil {
			return n, err
		}
		n++
	}
}

func isHeader(line string) bool {
	return strings.HasPrefix(strings.ToLower(line), "timestamp")
}

type jsonSample struct {
	Timestamp     *int64   `json:"timestamp"`
	RelativePitch *float64 `json:"relativePitch"`
}

func (f *Feed) parse(line string) (model.Sample, error) {
	if strings.HasPrefix(line, "{") {
		var js jsonSample
		if err := json.Unmarshal([]byte(line), &js); err != nil {
			return model.Sample{}, err
		}
		if js.RelativePitch == nil {
			return model.Sample{}, fmt.Errorf("missing relativePitch")
		}
		s := model.NewSample(f.now(), *js.RelativePitch)
		if js.Timestamp != nil {
			s.Timestamp = *js.Timestamp
		}
		return s, nil
	}

	ts, pitch, ok := strings.Cut(line, ",")
	if !ok {
		return model.Sample{}, fmt.Errorf("want \"timestamp,pitch\", got %q", line)
	}
	p, err := strconv.ParseFloat(strings.TrimSpace(pitch), 64)
	if err != nil {
		return model.Sample{}, fmt.Errorf("pitch: %w", err)
	}
	s := model.NewSample(f.now(), p)
	if ts = strings.TrimSpace(ts); ts != "-" {
		ms, err := strconv.ParseInt(ts, 10, 64)
		if err != nil {
			return model.Sample{}, fmt.Errorf("timestamp: %w", err)
		}
		s.Timestamp = ms
	}
	return s, nil
}
