package membership

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jmanhype/autonomous-opponent-v2-sub013/infra/collaborators"
	coreerrors "github.com/jmanhype/autonomous-opponent-v2-sub013/internal/domain/errors"
)

func newTestProvider(t *testing.T) *Provider {
	t.Helper()
	opts := DefaultOptions()
	opts.NodeName = "node-test-" + t.Name()
	opts.BindAddr = "127.0.0.1"
	p, err := New(opts, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = p.Shutdown() })
	return p
}

func TestSingleNodeIsItsOwnAlivePeer(t *testing.T) {
	p := newTestProvider(t)
	ctx := context.Background()

	deadline := time.Now().Add(2 * time.Second)
	var peers []string
	for time.Now().Before(deadline) {
		var err error
		peers, err = p.Peers(ctx)
		if err != nil {
			t.Fatalf("Peers: %v", err)
		}
		if len(peers) == 1 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if len(peers) != 1 {
		t.Fatalf("expected exactly one alive peer (self), got %v", peers)
	}
}

func TestHealthScoreUnknownNodeIsInvalidInput(t *testing.T) {
	p := newTestProvider(t)
	if _, err := p.HealthScore(context.Background(), "no-such-node"); !errors.Is(err, coreerrors.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for unknown node, got %v", err)
	}
}

func TestPartitionStatusWithoutConsulFallsBackToAliveCount(t *testing.T) {
	p := newTestProvider(t)
	status, err := p.PartitionStatus(context.Background())
	if err != nil {
		t.Fatalf("PartitionStatus: %v", err)
	}
	if status != collaborators.PartitionHealthy {
		t.Fatalf("expected healthy single-node status, got %v", status)
	}
}
