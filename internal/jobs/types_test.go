package jobs

import "testing"

func TestStatusIsTerminal(t *testing.T) {
	cases := []struct {
		status   Status
		terminal bool
	}{
		{StatusQueued, false},
		{StatusProcessing, false},
		{StatusCompleted, true},
		{StatusFailed, true},
		{StatusCancelled, true},
	}
	for _, tc := range cases {
		if got := tc.status.IsTerminal(); got != tc.terminal {
			t.Errorf("IsTerminal(%s) = %v, want %v", tc.status, got, tc.terminal)
		}
	}
}

func TestCanTransition(t *testing.T) {
	allowed := [][2]Status{
		{StatusQueued, StatusProcessing},
		{StatusQueued, StatusCancelled},
		{StatusProcessing, StatusCompleted},
		{StatusProcessing, StatusFailed},
		{StatusProcessing, StatusCancelled},
		{StatusFailed, StatusProcessing}, // キューの再試行
	}
	for _, edge := range allowed {
		if !CanTransition(edge[0], edge[1]) {
			t.Errorf("CanTransition(%s, %s) = false, want true", edge[0], edge[1])
		}
	}

	forbidden := [][2]Status{
		{StatusCompleted, StatusProcessing},
		{StatusCompleted, StatusFailed},
		{StatusCancelled, StatusProcessing},
		{StatusCancelled, StatusQueued},
		{StatusFailed, StatusQueued},
		{StatusFailed, StatusCompleted},
	}
	for _, edge := range forbidden {
		if CanTransition(edge[0], edge[1]) {
			t.Errorf("CanTransition(%s, %s) = true, want false", edge[0], edge[1])
		}
	}
}
