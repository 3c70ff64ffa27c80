package timer_test

import (
	"testing"
	"time"

	"github.com/askcoin/askcoin/foundation/blockchain/timer"
	"github.com/lightningnetwork/lnd/clock"
)

// Success and failure markers.
const (
	success = "✓"
	failed  = "✗"
)

// =============================================================================

func Test_OneshotFiresOnce(t *testing.T) {
	t.Log("Given the need to fire a oneshot callback exactly once.")
	{
		start := time.Date(2023, time.March, 1, 0, 0, 0, 0, time.UTC)
		clk := clock.NewTestClock(start)
		ctrl := timer.NewController(clk)

		var fired int
		ctrl.Add(10*time.Second, true, func() { fired++ })

		ctrl.Run()
		if fired != 0 {
			t.Fatalf("\t%s\tShould not fire before the deadline.", failed)
		}
		t.Logf("\t%s\tShould not fire before the deadline.", success)

		clk.SetTime(start.Add(11 * time.Second))
		ctrl.Run()
		if fired != 1 {
			t.Fatalf("\t%s\tShould fire once at the deadline, got %d.", failed, fired)
		}
		t.Logf("\t%s\tShould fire once at the deadline.", success)

		clk.SetTime(start.Add(60 * time.Second))
		ctrl.Run()
		if fired != 1 {
			t.Errorf("\t%s\tShould never fire again, got %d.", failed, fired)
		} else {
			t.Logf("\t%s\tShould never fire again.", success)
		}
	}
}

func Test_RecurringReschedules(t *testing.T) {
	t.Log("Given the need to fire a recurring callback every interval.")
	{
		start := time.Date(2023, time.March, 1, 0, 0, 0, 0, time.UTC)
		clk := clock.NewTestClock(start)
		ctrl := timer.NewController(clk)

		var fired int
		ctrl.Add(5*time.Second, false, func() { fired++ })

		for i := 1; i <= 3; i++ {
			clk.SetTime(start.Add(time.Duration(i*5+1) * time.Second))
			ctrl.Run()
		}

		if fired != 3 {
			t.Errorf("\t%s\tShould fire three times across three intervals, got %d.", failed, fired)
		} else {
			t.Logf("\t%s\tShould fire three times across three intervals.", success)
		}
	}
}

func Test_ResetDefersDeadline(t *testing.T) {
	t.Log("Given the need to push an idle deadline away on activity.")
	{
		start := time.Date(2023, time.March, 1, 0, 0, 0, 0, time.UTC)
		clk := clock.NewTestClock(start)
		ctrl := timer.NewController(clk)

		var fired int
		id := ctrl.Add(10*time.Second, true, func() { fired++ })

		clk.SetTime(start.Add(8 * time.Second))
		ctrl.Reset(id)

		clk.SetTime(start.Add(12 * time.Second))
		ctrl.Run()
		if fired != 0 {
			t.Fatalf("\t%s\tShould not fire at the original deadline after a reset.", failed)
		}
		t.Logf("\t%s\tShould not fire at the original deadline after a reset.", success)

		clk.SetTime(start.Add(19 * time.Second))
		ctrl.Run()
		if fired != 1 {
			t.Errorf("\t%s\tShould fire at the deferred deadline, got %d.", failed, fired)
		} else {
			t.Logf("\t%s\tShould fire at the deferred deadline.", success)
		}
	}
}

func Test_DelCancels(t *testing.T) {
	t.Log("Given the need to cancel a scheduled callback.")
	{
		start := time.Date(2023, time.March, 1, 0, 0, 0, 0, time.UTC)
		clk := clock.NewTestClock(start)
		ctrl := timer.NewController(clk)

		var fired int
		id := ctrl.Add(5*time.Second, false, func() { fired++ })
		ctrl.Del(id)

		clk.SetTime(start.Add(time.Minute))
		ctrl.Run()

		if fired != 0 {
			t.Errorf("\t%s\tShould never fire a deleted timer, got %d.", failed, fired)
		} else {
			t.Logf("\t%s\tShould never fire a deleted timer.", success)
		}
	}
}
