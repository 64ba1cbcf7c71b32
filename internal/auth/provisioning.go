package auth

import (
	"context"
	"fmt"
)

// provisioner forwards "user verified" events to the profile service.
// Failures are reported and dropped; they never fail the calling flow.
type provisioner struct {
	profiles  ProfileNotifier
	telemetry Telemetry
}

func (p provisioner) notify(ctx context.Context, userID int64) {
	if p.profiles == nil {
		return
	}
	if err := p.profiles.NotifyCreated(ctx, userID); err != nil {
		p.report(fmt.Errorf("notify profile service for user %d: %w", userID, err))
	}
}

func (p provisioner) report(err error) {
	if p.telemetry != nil {
		p.telemetry.CaptureException(err)
	}
}
