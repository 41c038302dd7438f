package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

func fastPolicy(attempts int) Policy {
	return Policy{MaxAttempts: attempts, InitialWait: time.Millisecond, MaxWait: 2 * time.Millisecond, Multiplier: 2}
}

func TestDo(t *testing.T) {
	boom := errors.New("boom")

	tests := []struct {
		name      string
		policy    Policy
		failures  int
		transient bool
		wantCalls int
		wantErr   bool
	}{
		{"first try", fastPolicy(3), 0, true, 1, false},
		{"recovers", fastPolicy(3), 2, true, 3, false},
		{"runs out", fastPolicy(3), 5, true, 3, true},
		{"permanent", fastPolicy(3), 5, false, 1, true},
		{"none", None(), 5, true, 1, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			calls := 0
			v, err := Do(context.Background(), tt.policy, func(attempt int) (string, error) {
				calls++
				if attempt != calls {
					t.Fatalf("attempt = %d, want %d", attempt, calls)
				}
				if calls <= tt.failures {
					if tt.transient {
						return "", Transient(boom)
					}
					return "", boom
				}
				return "ok", nil
			})

			if calls != tt.wantCalls {
				t.Errorf("calls = %d, want %d", calls, tt.wantCalls)
			}
			if tt.wantErr {
				if !errors.Is(err, boom) {
					t.Fatalf("err = %v, want boom", err)
				}
				if IsTransient(err) {
					t.Error("returned error still carries the transient mark")
				}
				return
			}
			if err != nil || v != "ok" {
				t.Fatalf("Do() = %q, %v", v, err)
			}
		})
	}
}

func TestDoStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	_, err := Do(ctx, Policy{MaxAttempts: 10, InitialWait: time.Hour}, func(int) (int, error) {
		calls++
		cancel()
		return 0, Transient(errors.New("down"))
	})
	if err == nil || calls != 1 {
		t.Fatalf("calls = %d err = %v, want 1 call and an error", calls, err)
	}
}

func TestTransientNil(t *testing.T) {
	if Transient(nil) != nil {
		t.Error("Transient(nil) should be nil")
	}
}
