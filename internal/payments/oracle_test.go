package payments

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/angelmondragon/cardkey-backend/internal/inventory"
	"github.com/angelmondragon/cardkey-backend/pkg/epay"
	"github.com/angelmondragon/cardkey-backend/pkg/retry"
)

type scriptedQuerier struct {
	byID  map[string]epay.StatusResult
	fails int
	calls []string
}

func (s *scriptedQuerier) QueryStatus(_ context.Context, id string) (epay.StatusResult, error) {
	s.calls = append(s.calls, id)
	if s.fails > 0 {
		s.fails--
		return epay.StatusResult{}, fmt.Errorf("%w: dial tcp", epay.ErrUnreachable)
	}
	res, ok := s.byID[id]
	if !ok {
		return epay.StatusResult{Success: false, Status: -1, Message: "order not found"}, nil
	}
	return res, nil
}

func newOracle(t *testing.T, q StatusQuerier, attempts int) *Oracle {
	t.Helper()
	o, err := NewOracle(q, Options{Policy: retry.Policy{MaxAttempts: attempts, Backoff: time.Millisecond}})
	if err != nil {
		t.Fatalf("new oracle: %v", err)
	}
	return o
}

func TestQueryStatusRetriesTransportFailures(t *testing.T) {
	q := &scriptedQuerier{fails: 2, byID: map[string]epay.StatusResult{"o1": {Success: true, Status: epay.StatusPaid}}}
	res, err := newOracle(t, q, 3).QueryStatus(context.Background(), "o1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.Paid() || len(q.calls) != 3 {
		t.Fatalf("expected paid after 3 calls, got %+v after %d", res, len(q.calls))
	}
}

func TestQueryStatusGivesUpAfterPolicy(t *testing.T) {
	q := &scriptedQuerier{fails: 5}
	_, err := newOracle(t, q, 2).QueryStatus(context.Background(), "o1")
	if !errors.Is(err, epay.ErrUnreachable) {
		t.Fatalf("expected unreachable, got %v", err)
	}
	if len(q.calls) != 2 {
		t.Fatalf("expected 2 calls, got %d", len(q.calls))
	}
}

func TestVerdict(t *testing.T) {
	cases := []struct {
		name   string
		byID   map[string]epay.StatusResult
		fails  int
		holder inventory.Holder
		want   inventory.Verdict
	}{
		{
			name:   "paid",
			byID:   map[string]epay.StatusResult{"o1": {Success: true, Status: epay.StatusPaid}},
			holder: inventory.Holder{OrderID: "o1", PaymentID: "o1"},
			want:   inventory.VerdictPaid,
		},
		{
			name:   "unpaid",
			byID:   map[string]epay.StatusResult{"o1": {Success: true, Status: epay.StatusUnpaid}},
			holder: inventory.Holder{OrderID: "o1", PaymentID: "o1"},
			want:   inventory.VerdictUnpaid,
		},
		{
			name:   "never opened the payment page",
			holder: inventory.Holder{OrderID: "o1", PaymentID: "o1"},
			want:   inventory.VerdictUnpaid,
		},
		{
			name:   "earlier attempt paid",
			byID:   map[string]epay.StatusResult{"o1": {Success: true, Status: epay.StatusPaid}},
			holder: inventory.Holder{OrderID: "o1", PaymentID: "o1_retry5"},
			want:   inventory.VerdictPaid,
		},
		{
			name:   "provider down",
			fails:  10,
			holder: inventory.Holder{OrderID: "o1", PaymentID: "o1"},
			want:   inventory.VerdictUnknown,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			q := &scriptedQuerier{byID: tc.byID, fails: tc.fails}
			got, err := newOracle(t, q, 2).Verdict(context.Background(), tc.holder)
			if tc.want == inventory.VerdictUnknown && err == nil {
				t.Fatalf("expected an error alongside unknown")
			}
			if got != tc.want {
				t.Fatalf("verdict = %s, want %s", got, tc.want)
			}
		})
	}
}
