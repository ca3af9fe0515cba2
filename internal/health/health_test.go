package health

import (
	"context"
	"errors"
	"testing"
)

func TestRegistry_CheckAll(t *testing.T) {
	r := NewRegistry()
	r.Register("always_ok", func(ctx context.Context) error { return nil })

	healthy, results := r.CheckAll(context.Background())
	if !healthy || len(results) != 1 {
		t.Fatalf("expected healthy with 1 result, got %v %d", healthy, len(results))
	}
	if !results[0].OK || results[0].Name != "always_ok" {
		t.Errorf("unexpected result: %+v", results[0])
	}

	r.Register("down", func(ctx context.Context) error { return errors.New("connection refused") })

	healthy, results = r.CheckAll(context.Background())
	if healthy {
		t.Errorf("expected unhealthy aggregate")
	}
	if len(results) != 2 || results[1].OK || results[1].Detail != "connection refused" {
		t.Errorf("unexpected results: %+v", results)
	}
}

func TestRegistry_ReplaceKeepsOrder(t *testing.T) {
	r := NewRegistry()
	r.Register("a", func(ctx context.Context) error { return errors.New("old") })
	r.Register("b", func(ctx context.Context) error { return nil })
	r.Register("a", func(ctx context.Context) error { return nil }) // replacement

	healthy, results := r.CheckAll(context.Background())
	if !healthy {
		t.Fatalf("replaced checker still failing")
	}
	if len(results) != 2 || results[0].Name != "a" || results[1].Name != "b" {
		t.Errorf("registration order lost: %+v", results)
	}
}

func TestRegistry_Empty(t *testing.T) {
	healthy, results := NewRegistry().CheckAll(context.Background())
	if !healthy || len(results) != 0 {
		t.Errorf("empty registry must be healthy")
	}
}
