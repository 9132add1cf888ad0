package session

import (
	"math"
	"testing"
)

func TestOutputBufferCapAndMarker(t *testing.T) {
	b := newOutputBuffer(10)
	b.Write([]byte("01234"))
	b.Write([]byte("56789abc"))
	b.Write([]byte("more"))

	if got := b.String(); got != "0123456789" {
		t.Fatalf("buffer = %q", got)
	}
	if !b.Truncated() {
		t.Error("expected truncated")
	}

	b.finish("\n[Process exited with code 0]")
	b.Write([]byte("late"))
	if got := b.String(); got != "0123456789\n[Process exited with code 0]" {
		t.Fatalf("after finish = %q", got)
	}
}

func TestOutputBufferSlice(t *testing.T) {
	b := newOutputBuffer(100)
	b.Write([]byte("hello world"))

	tests := []struct {
		offset, size int
		want         string
		more         bool
	}{
		{0, 5, "hello", true},
		{6, 100, "world", false},
		{-3, 2, "he", true},
		{50, 10, "", false},
		{1, math.MaxInt, "ello world", false},
		{math.MaxInt, math.MaxInt, "", false},
		{0, -1, "", true},
	}
	for _, tt := range tests {
		got, total, more := b.slice(tt.offset, tt.size)
		if got != tt.want || total != 11 || more != tt.more {
			t.Errorf("slice(%d,%d) = %q,%d,%v want %q,11,%v", tt.offset, tt.size, got, total, more, tt.want, tt.more)
		}
	}
}
