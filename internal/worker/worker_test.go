package worker

import (
	"testing"
	"time"

	"github.com/flyingrobots/taskqueue/internal/config"
	"github.com/flyingrobots/taskqueue/internal/queue"
)

func TestResolveMaxAttemptsPrefersJobOverride(t *testing.T) {
	cfg := &config.Config{Worker: config.Worker{MaxAttempts: 3}}
	job := &queue.Job{Opts: queue.Options{Attempts: 7}}
	if got := resolveMaxAttempts(cfg, job); got != 7 {
		t.Fatalf("expected job override 7, got %d", got)
	}
}

func TestResolveMaxAttemptsFallsBackToConfig(t *testing.T) {
	cfg := &config.Config{Worker: config.Worker{MaxAttempts: 5}}
	job := &queue.Job{}
	if got := resolveMaxAttempts(cfg, job); got != 5 {
		t.Fatalf("expected config default 5, got %d", got)
	}
}

func TestBackoffForReflectsConfig(t *testing.T) {
	w := &Worker{cfg: &config.Config{Worker: config.Worker{
		Backoff: config.Backoff{Type: "exponential", Base: 250 * time.Millisecond},
	}}}
	b := w.backoffFor()
	if b.Type != queue.BackoffExponential {
		t.Fatalf("expected exponential, got %s", b.Type)
	}
	if b.Delay != 250*time.Millisecond {
		t.Fatalf("expected 250ms base delay, got %v", b.Delay)
	}
}
