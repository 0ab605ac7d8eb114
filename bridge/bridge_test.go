/*
Copyright (c) rtcsync authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package bridge

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/steinmetz/rtcsync/chronyclient"
)

// fakeConn is a Conn test double that hands back a fixed tracking report,
// or fails, and counts how many times it was closed.
type fakeConn struct {
	tracking *chronyclient.Tracking
	err      error
	closed   int
}

func (c *fakeConn) Tracking() (*chronyclient.Tracking, error) {
	if c.err != nil {
		return nil, c.err
	}
	return c.tracking, nil
}

func (c *fakeConn) Close() error {
	c.closed++
	return nil
}

func clearingTracking() *chronyclient.Tracking {
	return &chronyclient.Tracking{Stratum: 1, CurrentCorrection: 0.0001, SkewPPM: 0.01}
}

func lowThresholds() Thresholds {
	return Thresholds{MaxStratum: 3, MaxCorrection: 0.001, MaxSkew: 1}
}

func runTicks(r *Runner, n int) {
	for i := 0; i < n; i++ {
		r.tick(context.Background())
	}
}

func TestTickPassesImmediatelyOnFirstCall(t *testing.T) {
	conn := &fakeConn{tracking: clearingTracking()}
	stamped := 0
	r := &Runner{
		Thresholds: lowThresholds(),
		Dial:       func() (Conn, error) { return conn, nil },
		Stamp:      func(ctx context.Context) error { stamped++; return nil },
	}
	r.cooled = cooldownTicks

	runTicks(r, 1)

	require.Equal(t, 1, stamped)
}

func TestTickWithinCooldownDoesNotDialOrStamp(t *testing.T) {
	dialed := 0
	r := &Runner{
		Thresholds: lowThresholds(),
		Dial:       func() (Conn, error) { dialed++; return &fakeConn{tracking: clearingTracking()}, nil },
		Stamp:      func(ctx context.Context) error { return fmt.Errorf("should not be called") },
	}
	r.cooled = 0

	runTicks(r, cooldownTicks-1)

	require.Equal(t, 0, dialed)
}

func TestSuccessfulStampResetsCooldownAndDisconnects(t *testing.T) {
	conn := &fakeConn{tracking: clearingTracking()}
	stamped := 0
	r := &Runner{
		Thresholds: lowThresholds(),
		Dial:       func() (Conn, error) { return conn, nil },
		Stamp:      func(ctx context.Context) error { stamped++; return nil },
	}
	r.cooled = cooldownTicks

	runTicks(r, 1)

	require.Equal(t, 1, stamped)
	require.Equal(t, 0, r.cooled)
	require.Equal(t, 1, conn.closed)
	require.Nil(t, r.conn)
}

func TestThresholdsNotClearedRetriesWithoutDisconnecting(t *testing.T) {
	conn := &fakeConn{tracking: &chronyclient.Tracking{Stratum: 9, CurrentCorrection: 10, SkewPPM: 10}}
	stamped := 0
	r := &Runner{
		Thresholds: lowThresholds(),
		Dial:       func() (Conn, error) { return conn, nil },
		Stamp:      func(ctx context.Context) error { stamped++; return nil },
	}
	r.cooled = cooldownTicks

	runTicks(r, 3)

	require.Equal(t, 0, stamped)
	require.Equal(t, 0, conn.closed)
	require.NotNil(t, r.conn)
	// cooled keeps incrementing past cooldownTicks while gated on thresholds.
	require.Greater(t, r.cooled, cooldownTicks)
}

func TestTrackingErrorDisconnectsAndRetriesNextTick(t *testing.T) {
	failing := &fakeConn{err: fmt.Errorf("read timeout")}
	dialCount := 0
	r := &Runner{
		Thresholds: lowThresholds(),
		Dial: func() (Conn, error) {
			dialCount++
			return failing, nil
		},
		Stamp: func(ctx context.Context) error { return nil },
	}
	r.cooled = cooldownTicks

	runTicks(r, 1)
	require.Equal(t, 1, failing.closed)
	require.Nil(t, r.conn)
	require.Equal(t, 1, dialCount)

	runTicks(r, 1)
	require.Equal(t, 2, dialCount)
}

func TestDialErrorIsRetriedWithoutPanicking(t *testing.T) {
	attempts := 0
	r := &Runner{
		Thresholds: lowThresholds(),
		Dial: func() (Conn, error) {
			attempts++
			return nil, fmt.Errorf("connection refused")
		},
		Stamp: func(ctx context.Context) error { return nil },
	}
	r.cooled = cooldownTicks

	runTicks(r, 3)

	require.Equal(t, 3, attempts)
	require.Nil(t, r.conn)
}

func TestStampErrorDoesNotResetCooldown(t *testing.T) {
	conn := &fakeConn{tracking: clearingTracking()}
	r := &Runner{
		Thresholds: lowThresholds(),
		Dial:       func() (Conn, error) { return conn, nil },
		Stamp:      func(ctx context.Context) error { return fmt.Errorf("exec failed") },
	}
	r.cooled = cooldownTicks

	runTicks(r, 1)

	require.NotEqual(t, 0, r.cooled)
	require.NotNil(t, r.conn)
}

func TestNegativeCorrectionIsGatedByMagnitude(t *testing.T) {
	conn := &fakeConn{tracking: &chronyclient.Tracking{Stratum: 1, CurrentCorrection: -10, SkewPPM: 0.01}}
	stamped := 0
	r := &Runner{
		Thresholds: lowThresholds(),
		Dial:       func() (Conn, error) { return conn, nil },
		Stamp:      func(ctx context.Context) error { stamped++; return nil },
	}
	r.cooled = cooldownTicks

	runTicks(r, 1)

	require.Equal(t, 0, stamped, "a large negative correction must be rejected, not pass the < comparison unsigned")
}

func TestSmallNegativeCorrectionClears(t *testing.T) {
	conn := &fakeConn{tracking: &chronyclient.Tracking{Stratum: 1, CurrentCorrection: -0.0001, SkewPPM: 0.01}}
	stamped := 0
	r := &Runner{
		Thresholds: lowThresholds(),
		Dial:       func() (Conn, error) { return conn, nil },
		Stamp:      func(ctx context.Context) error { stamped++; return nil },
	}
	r.cooled = cooldownTicks

	runTicks(r, 1)

	require.Equal(t, 1, stamped)
}

func TestExistingConnectionIsReusedAcrossTicks(t *testing.T) {
	dialCount := 0
	conn := &fakeConn{tracking: &chronyclient.Tracking{Stratum: 9, CurrentCorrection: 10, SkewPPM: 10}}
	r := &Runner{
		Thresholds: lowThresholds(),
		Dial: func() (Conn, error) {
			dialCount++
			return conn, nil
		},
		Stamp: func(ctx context.Context) error { return nil },
	}
	r.cooled = cooldownTicks

	runTicks(r, 3)

	require.Equal(t, 1, dialCount)
}
