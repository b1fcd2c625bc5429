package supervisor

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	coreerrors "github.com/jmanhype/autonomous-opponent-v2-sub013/internal/domain/errors"
	"github.com/jmanhype/autonomous-opponent-v2-sub013/internal/vsm"
)

type fakeInstance struct {
	name    string
	healthy atomic.Bool
}

func (f *fakeInstance) Status() vsm.Status {
	return vsm.Status{Name: f.name, Healthy: f.healthy.Load()}
}

func newCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	return ctx
}

func TestRegisterAndHealthCheck(t *testing.T) {
	s := New(newCtx(t), DefaultOptions(), nil)
	inst := &fakeInstance{name: "s1_operations"}
	inst.healthy.Store(true)
	var built int
	s.Register("s1_operations", func(ctx context.Context) Instance {
		built++
		return inst
	})

	report := s.HealthCheck()
	if !report.Subsystem["s1_operations"].Healthy {
		t.Fatal("expected healthy subsystem in report")
	}
	if built != 1 {
		t.Fatalf("expected factory called once at registration, got %d", built)
	}
}

func TestRestartSubsystemRebuildsInstance(t *testing.T) {
	s := New(newCtx(t), DefaultOptions(), nil)
	var built int
	s.Register("s2_coordination", func(ctx context.Context) Instance {
		built++
		return &fakeInstance{name: "s2_coordination"}
	})

	if err := s.RestartSubsystem("s2_coordination"); err != nil {
		t.Fatalf("unexpected restart error: %v", err)
	}
	if built != 2 {
		t.Fatalf("expected factory called again on restart, got %d calls", built)
	}
}

func TestRestartUnknownSubsystemIsInvalidInput(t *testing.T) {
	s := New(newCtx(t), DefaultOptions(), nil)
	if err := s.RestartSubsystem("nonexistent"); !errors.Is(err, coreerrors.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for unknown subsystem, got %v", err)
	}
}

func TestRestartIntensityBoundEscalates(t *testing.T) {
	opts := Options{MaxRestarts: 2, Window: time.Minute, nowFn: time.Now}
	s := New(newCtx(t), opts, nil)
	s.Register("s3_control", func(ctx context.Context) Instance {
		return &fakeInstance{name: "s3_control"}
	})

	if err := s.RestartSubsystem("s3_control"); err != nil {
		t.Fatalf("restart 1 should succeed: %v", err)
	}
	if err := s.RestartSubsystem("s3_control"); err != nil {
		t.Fatalf("restart 2 should succeed: %v", err)
	}
	if err := s.RestartSubsystem("s3_control"); err == nil {
		t.Fatal("expected restart 3 to escalate instead of succeeding")
	}

	report := s.HealthCheck()
	if !report.Escalated["s3_control"] {
		t.Fatal("expected escalated flag set in health report")
	}
}
