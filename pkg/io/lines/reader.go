// Package lines reads flow records from line-oriented text such as stdin.
package lines

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"os"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/hed1ad/flowguard/pkg/flow"
)

// Reader reads flow records, one per line, in the format accepted by
// flow.ParseLine. Blank, comment and malformed lines are skipped.
type Reader struct {
	src     io.Reader
	closer  io.Closer
	logger  *zap.Logger
	bufSize int

	lines   atomic.Uint64
	skipped atomic.Uint64

	mu  sync.Mutex
	err error
}

// Option configures a line reader.
type Option func(*Reader)

// WithLogger sets the logger used to report skipped lines.
func WithLogger(l *zap.Logger) Option {
	return func(r *Reader) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithMaxLineSize sets the longest accepted line in bytes.
func WithMaxLineSize(n int) Option {
	return func(r *Reader) {
		r.bufSize = n
	}
}

// NewReader creates a reader over src. Closing the reader closes src when it
// implements io.Closer.
func NewReader(src io.Reader, opts ...Option) *Reader {
	r := &Reader{
		src:     src,
		logger:  zap.NewNop(),
		bufSize: 64 * 1024,
	}
	if c, ok := src.(io.Closer); ok {
		r.closer = c
	}

	for _, opt := range opts {
		opt(r)
	}

	return r
}

// Open creates a reader for the named file, or for stdin when name is "-".
func Open(name string, opts ...Option) (*Reader, error) {
	if name == "-" {
		return NewReader(io.NopCloser(os.Stdin), opts...), nil
	}

	file, err := os.Open(name)
	if err != nil {
		return nil, err
	}
	return NewReader(file, opts...), nil
}

// Stream returns a channel of records for real-time processing. Lines longer
// than the maximum line size are discarded and counted as skipped.
func (r *Reader) Stream(ctx context.Context) (<-chan flow.Record, error) {
	out := make(chan flow.Record, 100)

	go func() {
		defer close(out)

		br := bufio.NewReaderSize(r.src, r.bufSize)
		for {
			line, tooLong, err := readLine(br)
			if len(line) > 0 || tooLong || err == nil {
				n := r.lines.Add(1)
				if tooLong {
					r.skipped.Add(1)
					r.logger.Warn("skipping oversized line", zap.Uint64("line", n), zap.Int("max_size", r.bufSize))
				} else if rec, ok := flow.ParseLine(string(line)); !ok {
					r.skipped.Add(1)
					r.logger.Debug("skipping line", zap.Uint64("line", n))
				} else {
					select {
					case out <- rec:
					case <-ctx.Done():
						return
					}
				}
			}

			if err == io.EOF {
				return
			}
			if err != nil {
				r.logger.Warn("failed to read line", zap.Error(err))
				r.mu.Lock()
				r.err = err
				r.mu.Unlock()
				return
			}
			if ctx.Err() != nil {
				return
			}
		}
	}()

	return out, nil
}

// readLine returns the next line without its terminator. A line that does not
// fit in br's buffer is consumed up to its end and reported as tooLong.
func readLine(br *bufio.Reader) (line []byte, tooLong bool, err error) {
	line, err = br.ReadSlice('\n')
	for err == bufio.ErrBufferFull {
		tooLong = true
		_, err = br.ReadSlice('\n')
	}
	if tooLong {
		return nil, true, err
	}
	return bytes.TrimRight(line, "\r\n"), false, err
}

// Err returns the read error that ended the stream, if any.
func (r *Reader) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

// Lines returns the number of lines read so far.
func (r *Reader) Lines() uint64 {
	return r.lines.Load()
}

// Skipped returns the number of lines that did not hold a flow record.
func (r *Reader) Skipped() uint64 {
	return r.skipped.Load()
}

// Close releases resources.
func (r *Reader) Close() error {
	if r.closer != nil {
		return r.closer.Close()
	}
	return nil
}
