package utils

import (
	"math"
	"testing"
)

func TestClampPageSize(t *testing.T) {
	for _, tc := range []struct{ size, max, want int }{
		{10, 100, 10},
		{250, 100, 100},
		{250, 0, 250},
	} {
		if got := ClampPageSize(tc.size, tc.max); got != tc.want {
			t.Errorf("ClampPageSize(%d, %d) = %d, want %d", tc.size, tc.max, got, tc.want)
		}
	}
}

func TestOffset(t *testing.T) {
	for _, tc := range []struct{ page, size, want int }{
		{1, 10, 0},
		{3, 10, 20},
		{0, 10, 0},
		{2, 0, 0},
		{math.MaxInt, 100, math.MaxInt},
	} {
		if got := Offset(tc.page, tc.size); got != tc.want {
			t.Errorf("Offset(%d, %d) = %d, want %d", tc.page, tc.size, got, tc.want)
		}
	}
}

func TestTotalPages(t *testing.T) {
	for _, tc := range []struct {
		total int64
		size  int
		want  int
	}{
		{0, 10, 0},
		{7, -1, 0},
		{1, 10, 1},
		{20, 10, 2},
		{21, 10, 3},
	} {
		if got := TotalPages(tc.total, tc.size); got != tc.want {
			t.Errorf("TotalPages(%d, %d) = %d, want %d", tc.total, tc.size, got, tc.want)
		}
	}
}
