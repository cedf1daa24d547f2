//go:build linux

// Author: momentics <momentics@gmail.com>

package reactor

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/momentics/microloop/api"
)

func newPipe(t *testing.T) (r, w int) {
	t.Helper()
	var p [2]int
	require.NoError(t, unix.Pipe2(p[:], unix.O_NONBLOCK|unix.O_CLOEXEC))
	t.Cleanup(func() {
		_ = unix.Close(p[0])
		_ = unix.Close(p[1])
	})
	return p[0], p[1]
}

func TestPoller_ReportsReadableWithGeneration(t *testing.T) {
	p, err := NewPoller(8)
	require.NoError(t, err)
	defer p.Close()

	r, w := newPipe(t)
	require.NoError(t, p.Add(r, api.Readable, 42))

	evs, err := p.Wait(0)
	require.NoError(t, err)
	assert.Empty(t, evs)

	_, err = unix.Write(w, []byte("x"))
	require.NoError(t, err)

	evs, err = p.Wait(1000)
	require.NoError(t, err)
	require.Len(t, evs, 1)
	assert.Equal(t, r, evs[0].Fd)
	assert.Equal(t, uint32(42), evs[0].Gen)
	assert.True(t, evs[0].Ready.Has(api.Readable))
}

func TestPoller_OneShotNeedsRearm(t *testing.T) {
	p, err := NewPoller(0)
	require.NoError(t, err)
	defer p.Close()

	r, w := newPipe(t)
	require.NoError(t, p.Add(r, api.Readable|api.OneShot, 1))
	_, err = unix.Write(w, []byte("x"))
	require.NoError(t, err)

	evs, err := p.Wait(1000)
	require.NoError(t, err)
	require.Len(t, evs, 1)

	// still readable, but disarmed
	evs, err = p.Wait(0)
	require.NoError(t, err)
	assert.Empty(t, evs)

	require.NoError(t, p.Modify(r, api.Readable|api.OneShot, 2))
	evs, err = p.Wait(1000)
	require.NoError(t, err)
	require.Len(t, evs, 1)
	assert.Equal(t, uint32(2), evs[0].Gen)
}

func TestPoller_AddTwiceAndRemove(t *testing.T) {
	p, err := NewPoller(0)
	require.NoError(t, err)
	defer p.Close()

	r, w := newPipe(t)
	require.NoError(t, p.Add(r, api.Readable, 1))

	err = p.Add(r, api.Readable, 2)
	require.ErrorIs(t, err, unix.EEXIST)
	var ke *api.KernelError
	require.ErrorAs(t, err, &ke)
	assert.Equal(t, "epoll_ctl add", ke.Op)

	require.NoError(t, p.Remove(r))
	require.ErrorIs(t, p.Remove(r), unix.ENOENT)

	_, err = unix.Write(w, []byte("x"))
	require.NoError(t, err)
	evs, err := p.Wait(0)
	require.NoError(t, err)
	assert.Empty(t, evs)
}

func TestPoller_WritableAndHangup(t *testing.T) {
	p, err := NewPoller(0)
	require.NoError(t, err)
	defer p.Close()

	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_NONBLOCK, 0)
	require.NoError(t, err)
	defer unix.Close(fds[0])

	require.NoError(t, p.Add(fds[0], api.Readable|api.Writable, 7))
	evs, err := p.Wait(1000)
	require.NoError(t, err)
	require.Len(t, evs, 1)
	assert.True(t, evs[0].Ready.Has(api.Writable))
	assert.False(t, evs[0].Ready.Has(api.Hangup))

	require.NoError(t, unix.Close(fds[1]))
	evs, err = p.Wait(1000)
	require.NoError(t, err)
	require.Len(t, evs, 1)
	assert.True(t, evs[0].Ready.Has(api.Hangup))
}

func TestInterest_String(t *testing.T) {
	assert.Equal(t, "none", api.Interest(0).String())
	assert.Equal(t, "readable|oneshot", (api.Readable | api.OneShot).String())
}
