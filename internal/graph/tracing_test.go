package graph

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// setupTracingTest 创建带内存导出器的 TracerProvider
func setupTracingTest(t *testing.T) (*tracetest.InMemoryExporter, *sdktrace.TracerProvider) {
	t.Helper()
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	t.Cleanup(func() {
		if err := tp.Shutdown(context.Background()); err != nil {
			t.Logf("Error shutting down tracer provider: %v", err)
		}
	})
	return exporter, tp
}

func TestRun_SpansAndObserver(t *testing.T) {
	exporter, tp := setupTracingTest(t)

	var (
		mu       sync.Mutex
		observed = map[string]bool{}
	)
	observer := func(node string, elapsed time.Duration, panicked bool) {
		mu.Lock()
		defer mu.Unlock()
		observed[node] = panicked
	}

	boom := func(ctx context.Context, s testState, w *Writer[testState]) Command[testState] {
		panic("boom")
	}
	g, err := NewBuilder[testState]("traced").
		AddNode("a", visit("a")).
		AddNode("b", boom).
		AddEdge(START, "a").
		AddEdge("a", "b").
		Compile()
	require.NoError(t, err)

	_, err = g.Run(context.Background(), testState{}, WithTracer(tp.Tracer("test")), WithNodeObserver(observer))
	require.NoError(t, err)

	assert.Equal(t, map[string]bool{"a": false, "b": true}, observed)

	byName := map[string]tracetest.SpanStub{}
	for _, s := range exporter.GetSpans() {
		byName[s.Name] = s
	}
	require.Contains(t, byName, "graph.run")
	require.Contains(t, byName, "graph.node.a")
	require.Contains(t, byName, "graph.node.b")

	run := byName["graph.run"]
	assert.Equal(t, run.SpanContext.SpanID(), byName["graph.node.a"].Parent.SpanID())
	assert.Equal(t, codes.Error, byName["graph.node.b"].Status.Code)
	assert.NotEqual(t, codes.Error, byName["graph.node.a"].Status.Code)
}
