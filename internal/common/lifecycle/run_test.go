package lifecycle

import (
	"context"
	"net/http"
	"testing"
	"time"
)

func TestHTTPService_StartStop(t *testing.T) {
	server := &http.Server{Addr: "127.0.0.1:0"}
	svc := NewHTTPService("test-http", server)

	if svc.Name() != "test-http" {
		t.Errorf("expected name 'test-http', got %s", svc.Name())
	}

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- svc.Start(ctx) }()

	// Give Start time to bind and enter its blocking wait.
	time.Sleep(150 * time.Millisecond)

	if err := svc.Health(); err != nil {
		t.Errorf("expected healthy service, got %v", err)
	}

	cancel()

	select {
	case err := <-errCh:
		if err != nil {
			t.Errorf("expected Start to return nil after context cancel, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Start did not return after context cancellation")
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), time.Second)
	defer stopCancel()
	if err := svc.Stop(stopCtx); err != nil {
		t.Errorf("Stop returned error: %v", err)
	}
}
