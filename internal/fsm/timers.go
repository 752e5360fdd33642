package fsm

import (
	"math/rand"
	"time"
)

// jitter returns d scaled by a uniform random factor in [0.75, 1.00], so
// peers sharing a configured interval don't all fire their timers at once.
func jitter(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	factor := 0.75 + rand.Float64()*0.25
	return time.Duration(float64(d) * factor)
}

// connectRetryInterval grows linearly in retryCount, clamped at 60s so a
// persistently unreachable peer never backs off further than that.
const connectRetryMax = 60 * time.Second

func connectRetryInterval(base time.Duration, retryCount int) time.Duration {
	d := base * time.Duration(retryCount+1)
	if d > connectRetryMax {
		d = connectRetryMax
	}
	return d
}

// negotiatedTimers computes the post-OPEN-exchange hold and keepalive
// intervals: hold = min(local, remote); keepalive = hold/3. A hold of
// zero disables both timers, per RFC 4271 §4.2.
func negotiatedTimers(localHold, remoteHold time.Duration) (hold, keepalive time.Duration) {
	hold = localHold
	if remoteHold < hold {
		hold = remoteHold
	}
	if hold == 0 {
		return 0, 0
	}
	return hold, hold / 3
}

// largeHold is the initial OpenSent hold timer: 3x the configured value,
// per RFC 4271's guidance for bounding time spent before an OPEN arrives.
func largeHold(configured time.Duration) time.Duration {
	return 3 * configured
}

// timerSet bundles the live timer channels for one session thread. A
// duration of 0 disables the corresponding timer (drained/never fired),
// matching the hold-time-zero sentinel behaviour.
type timerSet struct {
	connectRetry *time.Timer
	hold         *time.Timer
	keepalive    *time.Timer
	idleHold     *time.Timer
	routeRefresh *time.Timer
}

func newTimerSet() *timerSet {
	return &timerSet{
		connectRetry: disabledTimer(),
		hold:         disabledTimer(),
		keepalive:    disabledTimer(),
		idleHold:     disabledTimer(),
		routeRefresh: disabledTimer(),
	}
}

func disabledTimer() *time.Timer {
	t := time.NewTimer(time.Hour)
	if !t.Stop() {
		<-t.C
	}
	return t
}

func reset(t *time.Timer, d time.Duration) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	if d <= 0 {
		return
	}
	t.Reset(d)
}

func stop(t *time.Timer) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
}
