// Package health aggregates operator-facing checks over the state document.
package health

import (
	"fmt"
	"time"

	"upbit-trader/pkg/types"
)

// Statuses, ordered by severity.
const (
	StatusOK   = "OK"
	StatusWarn = "WARN"
	StatusFail = "FAIL"
)

// Options tunes the check.
type Options struct {
	Now time.Time
	// UnknownSubmitMaxAge separates recent UNKNOWN_SUBMIT orders (WARN) from
	// aged ones (FAIL).
	UnknownSubmitMaxAge time.Duration
	// Strict escalates an active kill switch from WARN to FAIL.
	Strict bool
}

// Check inspects a state snapshot and returns one health record.
func Check(snap *types.State, opts Options) types.HealthRecord {
	now := opts.Now
	if now.IsZero() {
		now = time.Now()
	}

	var findings []string
	status := StatusOK
	escalate := func(to string) {
		if to == StatusFail || (to == StatusWarn && status == StatusOK) {
			status = to
		}
	}

	for _, o := range snap.OpenOrders() {
		switch {
		case o.State == types.OrderStateUnknownSubmit:
			age := now.Sub(o.UpdatedAt)
			if opts.UnknownSubmitMaxAge > 0 && age > opts.UnknownSubmitMaxAge {
				findings = append(findings, fmt.Sprintf("order %s parked in UNKNOWN_SUBMIT for %s", o.ID, age.Round(time.Second)))
				escalate(StatusFail)
			} else {
				findings = append(findings, fmt.Sprintf("order %s in UNKNOWN_SUBMIT", o.ID))
				escalate(StatusWarn)
			}
		case !o.Paper && o.ExchangeOrderID == "":
			findings = append(findings, fmt.Sprintf("live order %s has no exchange id", o.ID))
			escalate(StatusWarn)
		}
	}

	if snap.Settings.KillSwitch {
		finding := "kill switch active"
		if snap.Settings.KillSwitchReason != "" {
			finding += ": " + snap.Settings.KillSwitchReason
		}
		findings = append(findings, finding)
		if opts.Strict {
			escalate(StatusFail)
		} else {
			escalate(StatusWarn)
		}
	}

	return types.HealthRecord{
		CheckedAt: now,
		Status:    status,
		Findings:  findings,
	}
}
