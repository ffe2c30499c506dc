package detect

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// fakeClock lets tests march time forward deterministically.
type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestDetector() (*InputDetector, *fakeClock) {
	clock := &fakeClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	d := NewInputDetector(2*time.Second, 100)
	d.SetClock(clock.now)
	return d, clock
}

func TestBellFlipsToWaitingOnce(t *testing.T) {
	d, _ := newTestDetector()

	changed, waiting := d.Feed([]byte("pick an option\x07"))
	require.True(t, changed)
	require.True(t, waiting)
	require.True(t, d.Waiting())

	// Duplicate bells while already waiting emit nothing.
	changed, waiting = d.Feed([]byte("\x07\x07"))
	require.False(t, changed)
	require.True(t, waiting)
}

func TestNoBellNoEvent(t *testing.T) {
	d, _ := newTestDetector()
	changed, waiting := d.Feed([]byte("ordinary output"))
	require.False(t, changed)
	require.False(t, waiting)
}

func TestClearRequiresBothVolumeAndGrace(t *testing.T) {
	d, clock := newTestDetector()
	d.Feed([]byte("\x07"))

	// Plenty of visible bytes, but inside the grace window: no clear.
	changed, waiting := d.Feed([]byte(strings.Repeat("x", 200)))
	require.False(t, changed)
	require.True(t, waiting)

	// Grace elapsed but the earlier volume already counted: clears now.
	clock.advance(3 * time.Second)
	changed, waiting = d.Feed([]byte("more"))
	require.True(t, changed)
	require.False(t, waiting)
	require.False(t, d.Waiting())
}

func TestRedrawNoiseDoesNotClear(t *testing.T) {
	d, clock := newTestDetector()
	d.Feed([]byte("\x07"))
	clock.advance(3 * time.Second)

	// Escape-heavy repaint: almost no visible bytes, stays waiting.
	changed, waiting := d.Feed([]byte(strings.Repeat("\x1b[2J\x1b[H", 50) + "ok"))
	require.False(t, changed)
	require.True(t, waiting)
}

func TestSuppressExtendsClearGate(t *testing.T) {
	d, clock := newTestDetector()
	d.Feed([]byte("\x07"))

	// Recovery-style suppression holds the state through the repaint.
	d.Suppress(clock.t.Add(10 * time.Second))
	clock.advance(5 * time.Second)
	changed, waiting := d.Feed([]byte(strings.Repeat("y", 500)))
	require.False(t, changed)
	require.True(t, waiting)

	clock.advance(6 * time.Second)
	changed, waiting = d.Feed([]byte("z"))
	require.True(t, changed)
	require.False(t, waiting)
}

func TestSeedWaiting(t *testing.T) {
	d, clock := newTestDetector()
	d.SeedWaiting()
	require.True(t, d.Waiting())

	// Seeded state clears by the same rule as a bell-triggered one.
	clock.advance(3 * time.Second)
	changed, waiting := d.Feed([]byte(strings.Repeat("a", 150)))
	require.True(t, changed)
	require.False(t, waiting)
}

func TestBellCanRetriggerAfterClear(t *testing.T) {
	d, clock := newTestDetector()
	d.Feed([]byte("\x07"))
	clock.advance(3 * time.Second)
	d.Feed([]byte(strings.Repeat("x", 150)))
	require.False(t, d.Waiting())

	changed, waiting := d.Feed([]byte("again\x07"))
	require.True(t, changed)
	require.True(t, waiting)
}
