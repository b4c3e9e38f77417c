package serialmux

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/banshee-data/kserial/internal/timeutil"
)

func TestNewMockSerialMux_EmitsOnTicks(t *testing.T) {
	clock := timeutil.NewMockClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	mux := NewMockSerialMux(func(seq int) []byte {
		if seq == 1 {
			return nil
		}
		return []byte{byte(seq)}
	}, 10*time.Millisecond, clock)
	defer mux.Close()

	_, ch := mux.Subscribe()
	cancel, _ := runMonitor(mux)
	defer cancel()

	var got []byte
	deadline := time.After(2 * time.Second)
	for len(got) < 2 {
		clock.Advance(10 * time.Millisecond)
		select {
		case b := <-ch:
			got = append(got, b...)
		case <-time.After(5 * time.Millisecond):
		case <-deadline:
			t.Fatalf("only received %v", got)
		}
	}
	if !bytes.Equal(got[:2], []byte{0, 2}) {
		t.Errorf("got %v, want [0 2 ...]", got)
	}
}

func TestMockSerialPort_CapturesWrites(t *testing.T) {
	mux := NewMockSerialMux(func(int) []byte { return nil }, time.Hour, nil)
	if err := mux.Send([]byte("KS")); err != nil {
		t.Fatalf("Send() = %v", err)
	}
	if got := string(mux.port.Written()); got != "KS" {
		t.Errorf("Written() = %q", got)
	}

	if err := mux.Close(); err != nil {
		t.Fatalf("Close() = %v", err)
	}
	if err := mux.Monitor(context.Background()); err != nil {
		t.Errorf("Monitor() after Close = %v, want nil", err)
	}
}

func TestTestableSerialPort_Closed(t *testing.T) {
	port := NewTestableSerialPort()
	port.CloseError = ErrPortClosed
	if err := port.Close(); err != ErrPortClosed {
		t.Errorf("Close() = %v", err)
	}
	if _, err := port.Read(make([]byte, 1)); err != ErrPortClosed {
		t.Errorf("Read() after Close = %v", err)
	}
	if _, err := port.Write([]byte{1}); err != ErrPortClosed {
		t.Errorf("Write() after Close = %v", err)
	}
}
