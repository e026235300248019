package ledger

import (
	"errors"
	"testing"
)

func TestSettle(t *testing.T) {
	cases := []struct {
		name           string
		from, to, amt  int64
		wantFrom, want int64
		wantErr        error
	}{
		{name: "moves points", from: 20, to: 30, amt: 12, wantFrom: 8, want: 42},
		{name: "exact balance", from: 12, to: 0, amt: 12, wantFrom: 0, want: 12},
		{name: "insufficient", from: 5, to: 30, amt: 12, wantFrom: 5, want: 30, wantErr: ErrInsufficientFunds},
		{name: "zero amount", from: 5, to: 5, amt: 0, wantFrom: 5, want: 5, wantErr: ErrInvalidAmount},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			from, to, err := Settle(tc.from, tc.to, tc.amt)
			if !errors.Is(err, tc.wantErr) {
				t.Fatalf("expected err %v, got %v", tc.wantErr, err)
			}
			if from != tc.wantFrom || to != tc.want {
				t.Fatalf("expected balances %d/%d, got %d/%d", tc.wantFrom, tc.want, from, to)
			}
			if err == nil && from+to != tc.from+tc.to {
				t.Fatalf("points not conserved: %d+%d != %d+%d", from, to, tc.from, tc.to)
			}
		})
	}
}
