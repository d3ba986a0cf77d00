package lines

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hed1ad/flowguard/pkg/flow"
	flowio "github.com/hed1ad/flowguard/pkg/io"
)

var _ flowio.RecordReader = (*Reader)(nil)

const sample = `# timestamp src_ip src_port dst_ip dst_port protocol bytes duration
2024-01-15T10:30:00 192.168.1.10 54321 10.0.0.1 443 TCP 1500 0.05

2024-01-15T10:30:01 192.168.1.11 54322 10.0.0.1 53 UDP 80 0.001
not a flow line
2024-01-15T10:30:02 192.168.1.12 0 10.0.0.2 0 ICMP 64 0
`

func collect(t *testing.T, ch <-chan flow.Record) []flow.Record {
	t.Helper()
	var out []flow.Record
	for rec := range ch {
		out = append(out, rec)
	}
	return out
}

func TestStream(t *testing.T) {
	r := NewReader(strings.NewReader(sample))
	defer r.Close()

	ch, err := r.Stream(context.Background())
	require.NoError(t, err)

	records := collect(t, ch)
	require.Len(t, records, 3)
	assert.Equal(t, uint16(54321), records[0].SrcPort)
	assert.Equal(t, flow.ProtocolUDP, records[1].Protocol)
	assert.Equal(t, flow.ProtocolICMP, records[2].Protocol)

	assert.Equal(t, uint64(6), r.Lines())
	assert.Equal(t, uint64(3), r.Skipped())
	assert.NoError(t, r.Err())
}

func TestOpenFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "flows.txt")
	require.NoError(t, os.WriteFile(path, []byte(sample), 0o600))

	r, err := Open(path)
	require.NoError(t, err)

	ch, err := r.Stream(context.Background())
	require.NoError(t, err)
	assert.Len(t, collect(t, ch), 3)
	assert.NoError(t, r.Close())
}

func TestOpenMissingFile(t *testing.T) {
	_, err := Open(filepath.Join(t.TempDir(), "missing.txt"))
	assert.Error(t, err)
}

func TestLineTooLongIsSkipped(t *testing.T) {
	good := "2024-01-15T10:30:00 192.168.1.10 54321 10.0.0.1 443 TCP 1500 0.05\n"
	input := good + strings.Repeat("x", 70*1024) + "\n" + good + good
	r := NewReader(strings.NewReader(input), WithMaxLineSize(1024))

	ch, err := r.Stream(context.Background())
	require.NoError(t, err)
	assert.Len(t, collect(t, ch), 3)
	assert.Equal(t, uint64(4), r.Lines())
	assert.Equal(t, uint64(1), r.Skipped())
	assert.NoError(t, r.Err())
}

func TestLastLineWithoutNewline(t *testing.T) {
	r := NewReader(strings.NewReader("2024-01-15T10:30:00 192.168.1.10 54321 10.0.0.1 443 TCP 1500 0.05\r\n" +
		"2024-01-15T10:30:01 192.168.1.10 54322 10.0.0.1 443 TCP 900 0.02"))

	ch, err := r.Stream(context.Background())
	require.NoError(t, err)
	records := collect(t, ch)
	require.Len(t, records, 2)
	assert.Equal(t, uint64(900), records[1].Bytes)
	assert.Equal(t, uint64(0), r.Skipped())
}

func TestStreamCancelled(t *testing.T) {
	var b strings.Builder
	for _i := 0; _i < 1000; _i++ {
		b.WriteString("2024-01-15T10:30:00 192.168.1.10 54321 10.0.0.1 443 TCP 1500 0.05\n")
	}

	ctx, cancel := context.WithCancel(context.Background())
	r := NewReader(strings.NewReader(b.String()))
	ch, err := r.Stream(ctx)
	require.NoError(t, err)

	<-ch
	cancel()

	// The channel is closed once the producer notices cancellation.
	n := len(collect(t, ch))
	assert.Less(t, n, 1000)
}
