package playback

import (
	"testing"
	"time"
)

func collect() (func(Level), <-chan Level) {
	ch := make(chan Level, 16)
	return func(l Level) { ch <- l }, ch
}

func recv(t *testing.T, ch <-chan Level) Level {
	t.Helper()
	select {
	case l := <-ch:
		return l
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for indicator change")
		return Level{}
	}
}

func TestIndicator_MarkThenExpire(t *testing.T) {
	t.Parallel()

	notify, ch := collect()
	ind := NewIndicator(notify)

	ind.Mark(20*time.Millisecond, 0.25)
	if l := recv(t, ch); !l.Speaking || l.RMS != 0.25 {
		t.Errorf("after Mark = %+v, want speaking with RMS 0.25", l)
	}
	if l := recv(t, ch); l.Speaking {
		t.Errorf("after expiry = %+v, want not speaking", l)
	}
	if ind.Current().Speaking {
		t.Error("Current().Speaking = true after expiry")
	}
}

func TestIndicator_MarkExtendsTimer(t *testing.T) {
	t.Parallel()

	notify, ch := collect()
	ind := NewIndicator(notify)

	ind.Mark(30*time.Millisecond, 0.1)
	recv(t, ch)
	ind.Mark(200*time.Millisecond, 0.2)
	recv(t, ch)

	// The first timer would have fired by now.
	time.Sleep(60 * time.Millisecond)
	if !ind.Current().Speaking {
		t.Fatal("indicator cleared by superseded timer")
	}
	if l := recv(t, ch); l.Speaking {
		t.Errorf("final change = %+v, want not speaking", l)
	}
}

func TestIndicator_Stop(t *testing.T) {
	t.Parallel()

	notify, ch := collect()
	ind := NewIndicator(notify)

	ind.Mark(time.Hour, 0.5)
	recv(t, ch)
	ind.Stop()
	if l := recv(t, ch); l.Speaking {
		t.Errorf("after Stop = %+v, want not speaking", l)
	}

	// Stopping an idle indicator does not notify.
	ind.Stop()
	select {
	case l := <-ch:
		t.Errorf("unexpected notification %+v", l)
	case <-time.After(20 * time.Millisecond):
	}
}
