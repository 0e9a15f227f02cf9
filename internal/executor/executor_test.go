package executor

import "testing"

func TestExitCodeOfPrefersStatusCode(t *testing.T) {
	got := exitCodeOf(map[string]interface{}{"status_code": 3, "exit_code": 0})
	if got != 3 {
		t.Errorf("exitCodeOf() = %d, want 3", got)
	}
}

func TestExitCodeOfFallsBackToExitCode(t *testing.T) {
	got := exitCodeOf(map[string]interface{}{"exit_code": 7})
	if got != 7 {
		t.Errorf("exitCodeOf() = %d, want 7", got)
	}
}

func TestExitCodeOfDefaultsToMinusOne(t *testing.T) {
	if got := exitCodeOf(map[string]interface{}{}); got != -1 {
		t.Errorf("exitCodeOf() = %d, want -1", got)
	}
}
