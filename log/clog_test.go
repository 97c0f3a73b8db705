package log

import (
	"bytes"
	"context"
	"io"
	"testing"

	"github.com/go-logfmt/logfmt"
	"github.com/stretchr/testify/require"
)

func toMap(r io.Reader) []map[string]string {
	d := logfmt.NewDecoder(r)
	out := []map[string]string{}
	for d.ScanRecord() {
		m := map[string]string{}
		for d.ScanKeyval() {
			m[string(d.Key())] = string(d.Value())
		}
		out = append(out, m)
	}
	return out
}

func TestContextLog(t *testing.T) {
	var b bytes.Buffer
	original := logDestination
	logDestination = &b
	defer func() { logDestination = original }()

	ctx := WithLogValues(context.TODO(), "queue", "fast", "worker_id", "w-1")
	LogCtx(ctx, "claim loop started")
	result := toMap(&b)
	require.Len(t, result, 1)
	line := result[0]
	require.Len(t, line, 4)
	require.NotEmpty(t, line["ts"])
	require.Equal(t, "claim loop started", line["msg"])
	require.Equal(t, "fast", line["queue"])
	require.Equal(t, "w-1", line["worker_id"])
	b.Truncate(0)

	ctx2 := WithLogValues(ctx, "request_id", "job-ctx-test-1", "stage", "fast")
	LogCtx(ctx2, "claimed entry")
	result = toMap(&b)
	require.Len(t, result, 1)
	line = result[0]
	require.Len(t, line, 6)
	require.Equal(t, "claimed entry", line["msg"])
	require.Equal(t, "fast", line["queue"])
	require.Equal(t, "job-ctx-test-1", line["request_id"])
	require.Equal(t, "fast", line["stage"])
}
