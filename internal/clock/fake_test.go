package clock

import (
	"testing"
	"time"
)

var epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func TestFakeAfterFiresOnAdvance(t *testing.T) {
	c := Fake(epoch)
	ch := c.After(5 * time.Second)

	c.Advance(4 * time.Second)
	select {
	case <-ch:
		t.Fatal("After fired before its deadline")
	default:
	}

	c.Advance(time.Second)
	select {
	case got := <-ch:
		if !got.Equal(epoch.Add(5 * time.Second)) {
			t.Errorf("After delivered %v, want %v", got, epoch.Add(5*time.Second))
		}
	default:
		t.Fatal("After did not fire at its deadline")
	}
	if c.Pending() != 0 {
		t.Errorf("Pending() = %d after one-shot fired, want 0", c.Pending())
	}
}

func TestFakeTickerRepeatsAndDrops(t *testing.T) {
	c := Fake(epoch)
	ticker := c.NewTicker(time.Second)
	defer ticker.Stop()

	c.Advance(time.Second)
	<-ticker.C

	// Three intervals with nobody reading: capacity 1 keeps only the first.
	c.Advance(3 * time.Second)
	got := <-ticker.C
	if !got.Equal(epoch.Add(2 * time.Second)) {
		t.Errorf("tick = %v, want %v", got, epoch.Add(2*time.Second))
	}
	select {
	case extra := <-ticker.C:
		t.Fatalf("unexpected queued tick %v", extra)
	default:
	}
	if !c.Now().Equal(epoch.Add(4 * time.Second)) {
		t.Errorf("Now() = %v, want %v", c.Now(), epoch.Add(4*time.Second))
	}
}

func TestFakeTickerStop(t *testing.T) {
	c := Fake(epoch)
	ticker := c.NewTicker(time.Second)
	c.BlockUntil(1)
	ticker.Stop()

	c.Advance(2 * time.Second)
	select {
	case <-ticker.C:
		t.Fatal("stopped ticker fired")
	default:
	}
	if c.Pending() != 0 {
		t.Errorf("Pending() = %d after Stop, want 0", c.Pending())
	}
}
