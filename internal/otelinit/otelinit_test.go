package otelinit

import (
	"context"
	"testing"
)

func TestInitMetricsNoExporter(t *testing.T) {
	ctx := context.Background()
	shutdown, m := InitMetrics(ctx, "test-service")
	m.RetryAttempts.Add(ctx, 1)
	m.CircuitOpenTransitions.Add(ctx, 1)
	m.TasksDispatched.Add(ctx, 1)
	_ = shutdown(ctx)
}
