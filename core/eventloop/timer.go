//go:build linux
// +build linux

// File: core/eventloop/timer.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// timerfd-backed one-shot and repeating timers.

package eventloop

import (
	"encoding/binary"
	"time"

	"golang.org/x/sys/unix"

	"github.com/momentics/microloop/api"
)

// TimerCallback runs on the reactor thread after each expiry.
type TimerCallback func(*TimerController)

type timerSource struct {
	fd        int
	value     time.Duration
	repeat    bool
	fired     uint64
	rearmed   bool
	cancelled bool
	cb        TimerCallback
	ctrl      *TimerController
}

// TimerController is the caller's handle to a scheduled timer.
type TimerController struct {
	loop  *Loop
	timer *timerSource
	start time.Time
}

// SetTimeout schedules cb to run once after d. Durations below one
// nanosecond are clamped so the timer always fires.
func (l *Loop) SetTimeout(d time.Duration, cb TimerCallback) (*TimerController, error) {
	return l.addTimer(d, false, cb)
}

// SetInterval schedules cb to run every d until cancelled.
func (l *Loop) SetInterval(d time.Duration, cb TimerCallback) (*TimerController, error) {
	return l.addTimer(d, true, cb)
}

func (l *Loop) addTimer(d time.Duration, repeat bool, cb TimerCallback) (*TimerController, error) {
	if l.closed {
		return nil, api.ErrLoopClosed
	}
	fd, err := unix.TimerfdCreate(unix.CLOCK_MONOTONIC, unix.TFD_NONBLOCK|unix.TFD_CLOEXEC)
	if err != nil {
		return nil, api.NewKernelError("timerfd_create", err)
	}
	t := &timerSource{fd: fd, value: clampTimer(d), repeat: repeat, cb: cb}
	t.ctrl = &TimerController{loop: l, timer: t, start: time.Now()}
	if err := l.Add(t); err != nil {
		return nil, err
	}
	return t.ctrl, nil
}

func clampTimer(d time.Duration) time.Duration {
	if d < time.Nanosecond {
		return time.Nanosecond
	}
	return d
}

func (t *timerSource) Fd() int       { return t.fd }
func (t *timerSource) Offload() bool { return false }
func (t *timerSource) Start() error  { return t.arm() }

func (t *timerSource) Interest() api.Interest {
	if t.repeat {
		return api.Readable
	}
	return api.Readable | api.OneShot
}

// NeedsRetry keeps a one-shot timer registered when its callback re-armed it.
func (t *timerSource) NeedsRetry() bool {
	return t.rearmed && !t.cancelled
}

func (t *timerSource) arm() error {
	ts := unix.NsecToTimespec(t.value.Nanoseconds())
	spec := unix.ItimerSpec{Value: ts}
	if t.repeat {
		spec.Interval = ts
	}
	return api.NewKernelError("timerfd_settime", unix.TimerfdSettime(t.fd, 0, &spec, nil))
}

func (t *timerSource) OnReady(api.Event) error {
	var buf [8]byte
	if _, err := unix.Read(t.fd, buf[:]); err != nil {
		// SetValue may have reset the counter after readiness was reported.
		if api.IsWouldBlock(err) {
			t.rearmed = !t.repeat
			return nil
		}
		return api.NewKernelError("read timerfd", err)
	}
	t.fired += binary.NativeEndian.Uint64(buf[:])
	t.rearmed = false
	if t.cb != nil {
		t.cb(t.ctrl)
	}
	return nil
}

func (t *timerSource) Close() error {
	t.cancelled = true
	if t.fd < 0 {
		return nil
	}
	err := unix.Close(t.fd)
	t.fd = -1
	return api.NewKernelError("close timerfd", err)
}

// Cancel removes the timer from the loop. Cancelling a timer that already
// fired its last expiry, or was cancelled before, is a no-op.
func (c *TimerController) Cancel() {
	if c.timer.cancelled {
		return
	}
	if !c.loop.RemoveSource(c.timer) {
		c.timer.Close()
	}
}

// SetValue re-arms the timer with a new duration. For a repeating timer the
// interval changes too. Calling it from the timer's own callback keeps a
// one-shot timer alive for one more expiry.
func (c *TimerController) SetValue(d time.Duration) error {
	if c.timer.cancelled {
		return api.ErrTimerCancelled
	}
	c.timer.value = clampTimer(d)
	if err := c.timer.arm(); err != nil {
		return err
	}
	c.timer.rearmed = true
	return nil
}

// Expirations returns the total number of expiries observed so far.
func (c *TimerController) Expirations() uint64 {
	return c.timer.fired
}

// Elapsed returns the time since the timer was created.
func (c *TimerController) Elapsed() time.Duration {
	return time.Since(c.start)
}

// Value returns the configured duration.
func (c *TimerController) Value() time.Duration {
	return c.timer.value
}

// Cancelled reports whether the timer is no longer scheduled.
func (c *TimerController) Cancelled() bool {
	return c.timer.cancelled
}
