package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestFakeAdvanceFiresTimers(t *testing.T) {
	var start = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	var fake = NewFake(start)

	require.Equal(t, start, fake.Now())

	var short = fake.After(time.Second)
	var long = fake.After(time.Minute)

	fake.Advance(2 * time.Second)
	select {
	case at := <-short:
		require.Equal(t, start.Add(2*time.Second), at)
	default:
		t.Fatal("short timer did not fire")
	}
	select {
	case <-long:
		t.Fatal("long timer fired early")
	default:
	}

	fake.Advance(time.Minute)
	require.NotNil(t, <-long)
}

func TestRunIDSortsByInstant(t *testing.T) {
	var early = RunID(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	var late = RunID(time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC))
	require.Less(t, early, late)
	require.NotEqual(t, RunID(time.Now()), RunID(time.Now()))
}
