package a

import "time"

func claimJob() {
	_ = time.Now() // want "time.Now\\(\\) should be followed by .UTC\\(\\) for timezone consistency"
}

func markCompleted() {
	_ = time.Now().UTC()
}

func heartbeatAt() {
	seen := time.Now() // want "time.Now\\(\\) should be followed by .UTC\\(\\) for timezone consistency"
	_ = seen
}

func leaseExpiry() {
	deadline := time.Now().UTC().Add(30 * time.Second)
	_ = deadline
}

func auditStamp() {
	_ = time.Now().UTC().Format(time.RFC3339)
}

func localWallClock() {
	//nolint
	_ = time.Now()
}

func displayTime() {
	_ = time.Now() //nolint:timeutc
}

func otherSuppression() {
	_ = time.Now() //nolint:otherlinter // want "time.Now\\(\\) should be followed by .UTC\\(\\) for timezone consistency"
}
