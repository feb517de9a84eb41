package conntable

import (
	"net"
	"sync"
	"testing"

	"github.com/spacehaus/gss/pkg/frame"
)

func TestSnapshotReadyBits(t *testing.T) {
	tbl := New()
	tbl.SetReady(frame.CLIENT, true)
	tbl.SetReady(frame.ROOFXBAND, true)

	got := tbl.SnapshotReady()
	want := byte(0b1010_0000)
	if got != want {
		t.Errorf("SnapshotReady() = %08b, want %08b", got, want)
	}

	tbl.SetReady(frame.CLIENT, false)
	if got := tbl.SnapshotReady(); got != 0b0010_0000 {
		t.Errorf("after clearing CLIENT: SnapshotReady() = %08b", got)
	}
}

func TestSendNotReady(t *testing.T) {
	tbl := New()
	f, err := frame.New(frame.TypePoll, frame.CLIENT, frame.SERVER, frame.ModeRX, nil, 0)
	if err != nil {
		t.Fatal(err)
	}
	if err := tbl.Send(frame.CLIENT, &f, nil); err != ErrNotReady {
		t.Errorf("Send on unready slot: got %v, want ErrNotReady", err)
	}
}

func TestReplaceConnClosesPrior(t *testing.T) {
	tbl := New()

	a, _ := net.Pipe()
	tbl.ReplaceConn(frame.TRACK, a)

	// a read on a blocks until the replacement closes a
	done := make(chan struct{})
	go func() {
		defer close(done)
		buf := make([]byte, 1)
		a.Read(buf) //nolint:errcheck
	}()

	b, _ := net.Pipe()
	tbl.ReplaceConn(frame.TRACK, b)

	if _, err := a.Write([]byte{1}); err == nil {
		t.Error("write to replaced connection should fail once closed")
	}
	<-done
	b.Close()
}

// TestConcurrentSendAndSnapshot races many goroutines calling
// SnapshotReady/IsReady against a single writer's Send calls on a slot that
// was made ready beforehand. Run with -race.
func TestConcurrentSendAndSnapshot(t *testing.T) {
	tbl := New()

	srv, cli := net.Pipe()
	defer cli.Close()
	tbl.ReplaceConn(frame.HAYSTACK, srv)
	tbl.SetReady(frame.HAYSTACK, true)

	go func() {
		buf := make([]byte, frame.FrameSize)
		for {
			if _, err := cli.Read(buf); err != nil {
				return
			}
		}
	}()

	var wg sync.WaitGroup
	stop := make(chan struct{})

	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
					_ = tbl.SnapshotReady()
					_ = tbl.IsReady(frame.HAYSTACK)
				}
			}
		}()
	}

	for i := 0; i < 50; i++ {
		f, err := frame.New(frame.TypeData, frame.HAYSTACK, frame.CLIENT, frame.ModeRX, []byte{byte(i)}, 1)
		if err != nil {
			t.Fatal(err)
		}
		if err := tbl.Send(frame.HAYSTACK, &f, nil); err != nil {
			t.Fatalf("Send: %v", err)
		}
	}

	close(stop)
	wg.Wait()
}
