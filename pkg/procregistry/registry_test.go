package procregistry

import (
	"testing"
	"time"
)

type fakeConn struct{}

func (fakeConn) Close() error { return nil }

func dialer() (Conn, error) { return fakeConn{}, nil }

func TestRegisterAndSelect(t *testing.T) {
	r := New(DefaultConfig())
	defer r.Stop()

	r.Register("w1", "intkey", "1.0", []string{"aabbcc"}, dialer)
	dial, err := r.Select("intkey", "1.0")
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	conn, err := dial()
	if err != nil || conn == nil {
		t.Fatalf("dial: conn=%v err=%v", conn, err)
	}
}

func TestSelectRoundRobin(t *testing.T) {
	r := New(DefaultConfig())
	defer r.Stop()

	seen := map[string]bool{}
	r.Register("w1", "intkey", "1.0", nil, func() (Conn, error) {
		seen["w1"] = true
		return fakeConn{}, nil
	})
	r.Register("w2", "intkey", "1.0", nil, func() (Conn, error) {
		seen["w2"] = true
		return fakeConn{}, nil
	})

	for i := 0; i < 2; i++ {
		dial, err := r.Select("intkey", "1.0")
		if err != nil {
			t.Fatal(err)
		}
		if _, err := dial(); err != nil {
			t.Fatal(err)
		}
	}
	if !seen["w1"] || !seen["w2"] {
		t.Fatalf("expected both workers dialed in round robin, got %v", seen)
	}
}

func TestSelectNoProcessor(t *testing.T) {
	r := New(DefaultConfig())
	defer r.Stop()
	_, err := r.Select("unknownfamily", "1.0")
	if err == nil {
		t.Fatal("expected ErrNoProcessor")
	}
}

func TestUnregisterRemovesFromBucket(t *testing.T) {
	r := New(DefaultConfig())
	defer r.Stop()
	r.Register("w1", "intkey", "1.0", nil, dialer)
	if err := r.Unregister("w1"); err != nil {
		t.Fatal(err)
	}
	if _, err := r.Select("intkey", "1.0"); err == nil {
		t.Fatal("expected ErrNoProcessor after unregister")
	}
}

func TestHeartbeatKeepsWorkerAlive(t *testing.T) {
	r := New(Config{HeartbeatInterval: 20 * time.Millisecond, HeartbeatTimeout: 50 * time.Millisecond})
	defer r.Stop()
	r.Register("w1", "intkey", "1.0", nil, dialer)

	deadline := time.Now().Add(150 * time.Millisecond)
	for time.Now().Before(deadline) {
		if err := r.Heartbeat("w1"); err != nil {
			t.Fatal(err)
		}
		time.Sleep(10 * time.Millisecond)
	}
	if r.BucketSize("intkey", "1.0") != 1 {
		t.Fatal("expected worker still registered while heartbeats continue")
	}
}

func TestExpiredWorkerIsSwept(t *testing.T) {
	r := New(Config{HeartbeatInterval: 10 * time.Millisecond, HeartbeatTimeout: 20 * time.Millisecond})
	defer r.Stop()
	r.Register("w1", "intkey", "1.0", nil, dialer)

	time.Sleep(100 * time.Millisecond)
	if r.BucketSize("intkey", "1.0") != 0 {
		t.Fatal("expected worker to be swept after missing heartbeats")
	}
}
