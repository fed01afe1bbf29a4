package txminer

import "time"

// PollDelay returns the wait before the next receipt check, given how many
// checks already ran. The schedule front-loads fast confirmation and decays
// to a slow steady state for stuck transactions: 2s once, 10s for ~11 checks,
// 30s for ~12, then 60s indefinitely.
func PollDelay(checksDone int) time.Duration {
	switch {
	case checksDone <= 1:
		return 2 * time.Second
	case checksDone <= 12:
		return 10 * time.Second
	case checksDone <= 24:
		return 30 * time.Second
	default:
		return 60 * time.Second
	}
}
