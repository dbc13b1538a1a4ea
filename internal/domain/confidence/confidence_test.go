package confidence_test

import (
	"math"
	"testing"

	"github.com/Strob0t/Conductor/internal/domain/confidence"
)

func TestClamp(t *testing.T) {
	tests := []struct {
		in, want float64
	}{
		{-0.5, 0},
		{0, 0},
		{0.42, 0.42},
		{1, 1},
		{3, 1},
		{math.NaN(), 0},
		{math.Inf(1), 1},
	}
	for _, tt := range tests {
		if got := confidence.Clamp(tt.in); got != tt.want {
			t.Errorf("Clamp(%v) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestShouldEscalate_Boundary(t *testing.T) {
	if confidence.ShouldEscalate(0.9, 0.9) {
		t.Fatal("score equal to threshold must not escalate")
	}
	if !confidence.ShouldEscalate(0.8999, 0.9) {
		t.Fatal("score below threshold must escalate")
	}
	if confidence.ShouldEscalate(0.95, 0.9) {
		t.Fatal("score above threshold must not escalate")
	}
}

func TestWeighted(t *testing.T) {
	got := confidence.Weighted([]float64{1, 0}, []float64{3, 1})
	if math.Abs(got-0.75) > 1e-9 {
		t.Fatalf("expected 0.75, got %v", got)
	}
	got = confidence.Weighted([]float64{1, 0.5}, nil)
	if math.Abs(got-0.75) > 1e-9 {
		t.Fatalf("expected plain mean 0.75, got %v", got)
	}
	if got := confidence.Weighted(nil, nil); got != 0 {
		t.Fatalf("expected 0 for no values, got %v", got)
	}
	if got := confidence.Weighted([]float64{2, 2}, []float64{1, 1}); got != 1 {
		t.Fatalf("expected inputs clamped to 1, got %v", got)
	}
}
