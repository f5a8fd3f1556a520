package tracing

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/IndenScale/monoco/internal/config"
)

func TestNewProvider_DisabledIsNoop(t *testing.T) {
	p, err := NewProvider(config.TracingConfig{Enabled: false})
	require.NoError(t, err)
	require.False(t, p.Enabled())
	require.NotNil(t, p.Tracer())

	// Spans from the noop tracer are never recording.
	_, span := p.Tracer().Start(context.Background(), "schedule")
	require.False(t, span.IsRecording())
	span.End()

	require.NoError(t, p.Shutdown(context.Background()))
}

func TestNewProvider_FileExporterRequiresPath(t *testing.T) {
	_, err := NewProvider(config.TracingConfig{Enabled: true, Exporter: "file"})
	require.Error(t, err)
	require.Contains(t, err.Error(), "file_path")
}

func TestNewProvider_UnsupportedExporterRejected(t *testing.T) {
	_, err := NewProvider(config.TracingConfig{Enabled: true, Exporter: "carrier-pigeon"})
	require.Error(t, err)
	require.Contains(t, err.Error(), "carrier-pigeon")
}

func TestNewProvider_NoneExporterTracesWithoutExport(t *testing.T) {
	p, err := NewProvider(config.TracingConfig{Enabled: true, Exporter: "none"})
	require.NoError(t, err)
	require.True(t, p.Enabled())

	_, span := p.Tracer().Start(context.Background(), "route")
	require.True(t, span.IsRecording())
	span.End()

	require.NoError(t, p.Shutdown(context.Background()))
}

func readSpanLines(t *testing.T, path string) []spanRecord {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var records []spanRecord
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var rec spanRecord
		require.NoError(t, json.Unmarshal(sc.Bytes(), &rec))
		records = append(records, rec)
	}
	require.NoError(t, sc.Err())
	return records
}

func TestFileExporter_WritesJSONLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "traces", "monoco.jsonl")
	exporter, err := NewFileExporter(path)
	require.NoError(t, err)

	// A syncer flushes each span on End without batching delays.
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	tracer := tp.Tracer("test")

	ctx, parent := tracer.Start(context.Background(), "schedule")
	parent.SetAttributes(attribute.String("role", "engineer"))

	_, child := tracer.Start(ctx, "spawn")
	child.SetStatus(codes.Error, "exit status 3")
	child.End()
	parent.SetStatus(codes.Ok, "")
	parent.End()

	require.NoError(t, tp.Shutdown(context.Background()))
	require.NoError(t, exporter.Shutdown(context.Background()))

	records := readSpanLines(t, path)
	require.Len(t, records, 2)

	// Children end first, so they appear first in the file.
	require.Equal(t, "spawn", records[0].Name)
	require.Equal(t, "ERROR", records[0].Status)
	require.Equal(t, "exit status 3", records[0].StatusMsg)
	require.Equal(t, records[1].SpanID, records[0].ParentSpanID)

	require.Equal(t, "schedule", records[1].Name)
	require.Equal(t, "OK", records[1].Status)
	require.Empty(t, records[1].ParentSpanID)
	require.Equal(t, "engineer", records[1].Attributes["role"])
	require.Equal(t, records[0].TraceID, records[1].TraceID)
}

func TestFileExporter_ShutdownIsIdempotent(t *testing.T) {
	exporter, err := NewFileExporter(filepath.Join(t.TempDir(), "t.jsonl"))
	require.NoError(t, err)
	require.NoError(t, exporter.Shutdown(context.Background()))
	require.NoError(t, exporter.Shutdown(context.Background()))
}

func TestFileExporter_EmptyBatchIsNoop(t *testing.T) {
	path := filepath.Join(t.TempDir(), "t.jsonl")
	exporter, err := NewFileExporter(path)
	require.NoError(t, err)
	defer exporter.Shutdown(context.Background())

	require.NoError(t, exporter.ExportSpans(context.Background(), nil))
	info, err := os.Stat(path)
	require.NoError(t, err)
	require.Zero(t, info.Size())
}
