package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"golang.org/x/sync/errgroup"

	"github.com/wolfman30/dentaldesk/internal/app/bootstrap"
	appconfig "github.com/wolfman30/dentaldesk/internal/config"
	"github.com/wolfman30/dentaldesk/internal/observability/metrics"
	"github.com/wolfman30/dentaldesk/pkg/logging"
)

func TestSetupMetricsExposesRegistry(t *testing.T) {
	handler, registry := setupMetrics()
	if handler == nil || registry == nil {
		t.Fatalf("expected non-nil handler and registry")
	}
	metrics.NewConversationMetrics(registry).ObserveMessage("replied", 0.2)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), "dentaldesk_conversation_messages_total") {
		t.Fatalf("expected message counter to be exported")
	}
}

func TestStartPipelineStopsWithContext(t *testing.T) {
	cfg := &appconfig.Config{
		UseMemoryQueue: true,
		UseMemoryStore: true,
		WorkerCount:    1,
		ModelProvider:  "openai",
		OpenAIAPIKey:   "sk-test",
	}
	_, registry := setupMetrics()
	rt, err := bootstrap.BuildRuntime(context.Background(), cfg, aws.Config{}, logging.New("error"), registry)
	if err != nil {
		t.Fatalf("BuildRuntime: %v", err)
	}
	defer rt.Close()

	ctx, cancel := context.WithCancel(context.Background())
	g, gctx := errgroup.WithContext(ctx)
	if err := startPipeline(gctx, g, rt); err != nil {
		t.Fatalf("startPipeline: %v", err)
	}
	cancel()

	done := make(chan error, 1)
	go func() { done <- g.Wait() }()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("pipeline returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("pipeline did not stop")
	}
}
