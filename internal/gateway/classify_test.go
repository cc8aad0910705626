package gateway

import (
	"context"
	"errors"
	"fmt"
	"testing"

	tele "gopkg.in/telebot.v4"
)

func TestClassify(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{name: "success", err: nil, want: Delivered},
		{name: "blocked by user", err: tele.ErrBlockedByUser, want: PermanentFailure},
		{name: "chat not found", err: tele.ErrChatNotFound, want: PermanentFailure},
		{name: "user deactivated", err: tele.ErrUserIsDeactivated, want: PermanentFailure},
		{name: "flood control", err: tele.FloodError{Error: tele.ErrTooLarge, RetryAfter: 17}, want: TransientFailure},
		{name: "internal server error", err: tele.NewError(500, "Internal Server Error"), want: TransientFailure},
		{name: "timeout", err: context.DeadlineExceeded, want: TransientFailure},
		{name: "transport error", err: errors.New("connection reset by peer"), want: TransientFailure},
		{name: "wrapped telegram error", err: fmt.Errorf("send: %w", tele.ErrBlockedByUser), want: PermanentFailure},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			got := Classify(tt.err)
			if got.Kind != tt.want {
				t.Fatalf("Classify(%v).Kind = %s, want %s", tt.err, got.Kind, tt.want)
			}
			if tt.err != nil && got.Reason == "" {
				t.Fatalf("expected a reason for %v", tt.err)
			}
		})
	}
}

func TestClassifyDeterministic(t *testing.T) {
	t.Parallel()
	err := tele.NewError(403, "Forbidden: bot was blocked by the user")
	first := Classify(err)
	for i := 0; i < 10; i++ {
		if got := Classify(err); got != first {
			t.Fatalf("classification drifted: %+v vs %+v", got, first)
		}
	}
}

func TestStripTags(t *testing.T) {
	t.Parallel()
	in := "<b>hello</b> <a href=\"https://example.com\">world</a> & more"
	want := "hello world & more"
	if got := stripTags(in); got != want {
		t.Fatalf("stripTags = %q, want %q", got, want)
	}
}
