package pairing

import (
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/flemzord/lanlink/internal/identity"
	"github.com/flemzord/lanlink/internal/protocol"
	"github.com/flemzord/lanlink/internal/trust"
)

// sendRecorder captures the pair flags sent to the peer.
type sendRecorder struct {
	mu    sync.Mutex
	sent  []bool
	fail  error
}

func (r *sendRecorder) send(accept bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail != nil {
		return r.fail
	}
	r.sent = append(r.sent, accept)
	return nil
}

func (r *sendRecorder) last(t *testing.T) bool {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.sent) == 0 {
		t.Fatal("nothing sent")
	}
	return r.sent[len(r.sent)-1]
}

type testEnv struct {
	store    *trust.Store
	mgr      *Manager
	mu       sync.Mutex
	requests []Attempt
	results  []Result
}

func newTestEnv(t *testing.T, timeout time.Duration) *testEnv {
	t.Helper()

	store, err := trust.Open(filepath.Join(t.TempDir(), "trust.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	env := &testEnv{store: store}
	env.mgr = NewManager(Config{
		Store:   store,
		Timeout: timeout,
		OnRequest: func(a Attempt) {
			env.mu.Lock()
			env.requests = append(env.requests, a)
			env.mu.Unlock()
		},
		OnResult: func(r Result) {
			env.mu.Lock()
			env.results = append(env.results, r)
			env.mu.Unlock()
		},
	})
	return env
}

func (e *testEnv) lastResult(t *testing.T) Result {
	t.Helper()
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.results) == 0 {
		t.Fatal("no results")
	}
	return e.results[len(e.results)-1]
}

func testDevice(id string) identity.Identity {
	return identity.Identity{DeviceID: id, Name: "Device " + id, Type: identity.TypePhone}
}

func TestPairPacket(t *testing.T) {
	req := PairPacket(true)
	accept, err := ParsePacket(&req)
	if err != nil || !accept {
		t.Fatalf("ParsePacket = %v, %v", accept, err)
	}
	if _, ok := req.Int("timestamp"); !ok {
		t.Error("acceptance should carry a timestamp")
	}

	rej := PairPacket(false)
	accept, err = ParsePacket(&rej)
	if err != nil || accept {
		t.Fatalf("ParsePacket = %v, %v", accept, err)
	}
	if _, ok := rej.Int("timestamp"); ok {
		t.Error("refusal should not carry a timestamp")
	}
}

func TestParsePacket_Invalid(t *testing.T) {
	wrong := protocol.New("lanlink.ping", nil)
	if _, err := ParsePacket(&wrong); err == nil {
		t.Error("expected error for non-pair packet")
	}

	noFlag := protocol.New(protocol.TypePair, nil)
	if _, err := ParsePacket(&noFlag); err == nil {
		t.Error("expected error for pair packet without flag")
	}
}

func TestBegin_ThenAccepted(t *testing.T) {
	env := newTestEnv(t, time.Minute)
	rec := &sendRecorder{}

	dev := testDevice("dev-1")
	if err := env.mgr.Begin(dev, "aa:bb", []byte("PEM"), rec.send); err != nil {
		t.Fatalf("begin: %v", err)
	}
	if !rec.last(t) {
		t.Error("begin should send pair:true")
	}
	if len(env.mgr.Pending()) != 1 {
		t.Fatal("attempt should be pending")
	}

	if err := env.mgr.HandleResponse("dev-1", true); err != nil {
		t.Fatalf("handle response: %v", err)
	}

	if env.lastResult(t).State != StatePaired {
		t.Errorf("state = %s", env.lastResult(t).State)
	}
	d, err := env.store.Lookup("dev-1")
	if err != nil {
		t.Fatalf("device not pinned: %v", err)
	}
	if d.Fingerprint != "aa:bb" {
		t.Errorf("fingerprint = %s", d.Fingerprint)
	}
	if len(env.mgr.Pending()) != 0 {
		t.Error("attempt should be cleared")
	}
}

func TestBegin_ThenRejected(t *testing.T) {
	env := newTestEnv(t, time.Minute)
	rec := &sendRecorder{}

	if err := env.mgr.Begin(testDevice("dev-1"), "aa:bb", nil, rec.send); err != nil {
		t.Fatalf("begin: %v", err)
	}
	if err := env.mgr.HandleResponse("dev-1", false); err != nil {
		t.Fatalf("handle response: %v", err)
	}

	if env.lastResult(t).State != StateRejected {
		t.Errorf("state = %s", env.lastResult(t).State)
	}
	if _, err := env.store.Lookup("dev-1"); !errors.Is(err, trust.ErrNotFound) {
		t.Error("rejected device must not be pinned")
	}

	events, _ := env.store.Events(10)
	if len(events) == 0 || events[0].EventType != trust.EventPairingRejected {
		t.Errorf("expected pairing_rejected event, got %+v", events)
	}
}

func TestBegin_AlreadyPaired(t *testing.T) {
	env := newTestEnv(t, time.Minute)
	if err := env.store.Pin(trust.TrustedDevice{DeviceID: "dev-1", Fingerprint: "aa:bb", CertificatePEM: []byte("PEM")}); err != nil {
		t.Fatal(err)
	}

	err := env.mgr.Begin(testDevice("dev-1"), "aa:bb", nil, (&sendRecorder{}).send)
	if !errors.Is(err, ErrAlreadyPaired) {
		t.Fatalf("err = %v, want ErrAlreadyPaired", err)
	}
}

func TestBegin_FingerprintMismatch(t *testing.T) {
	env := newTestEnv(t, time.Minute)
	if err := env.store.Pin(trust.TrustedDevice{DeviceID: "dev-1", Fingerprint: "aa:bb", CertificatePEM: []byte("PEM")}); err != nil {
		t.Fatal(err)
	}

	err := env.mgr.Begin(testDevice("dev-1"), "cc:dd", nil, (&sendRecorder{}).send)
	if !errors.Is(err, trust.ErrFingerprintMismatch) {
		t.Fatalf("err = %v, want ErrFingerprintMismatch", err)
	}

	// The mismatch must be recorded as a critical security event, and the
	// original pin must be intact.
	events, _ := env.store.Events(10)
	if len(events) != 1 || events[0].EventType != trust.EventFingerprintMismatch ||
		events[0].Severity != trust.SeverityCritical {
		t.Errorf("events = %+v", events)
	}
	d, _ := env.store.Lookup("dev-1")
	if d.Fingerprint != "aa:bb" {
		t.Error("pinned fingerprint must not change")
	}
}

func TestBegin_Duplicate(t *testing.T) {
	env := newTestEnv(t, time.Minute)
	rec := &sendRecorder{}

	if err := env.mgr.Begin(testDevice("dev-1"), "aa:bb", nil, rec.send); err != nil {
		t.Fatal(err)
	}
	err := env.mgr.Begin(testDevice("dev-1"), "aa:bb", nil, rec.send)
	if !errors.Is(err, ErrAlreadyPending) {
		t.Fatalf("err = %v, want ErrAlreadyPending", err)
	}
}

func TestHandleRequest_UserAccepts(t *testing.T) {
	env := newTestEnv(t, time.Minute)
	rec := &sendRecorder{}

	dev := testDevice("dev-1")
	if err := env.mgr.HandleRequest(dev, "aa:bb", []byte("PEM"), rec.send); err != nil {
		t.Fatalf("handle request: %v", err)
	}

	env.mu.Lock()
	nRequests := len(env.requests)
	env.mu.Unlock()
	if nRequests != 1 {
		t.Fatalf("OnRequest fired %d times", nRequests)
	}

	if err := env.mgr.Decide("dev-1", true); err != nil {
		t.Fatalf("decide: %v", err)
	}
	if !rec.last(t) {
		t.Error("acceptance should be sent to the peer")
	}
	if env.lastResult(t).State != StatePaired {
		t.Errorf("state = %s", env.lastResult(t).State)
	}
	if _, err := env.store.Lookup("dev-1"); err != nil {
		t.Errorf("device not pinned: %v", err)
	}
}

func TestHandleRequest_UserRejects(t *testing.T) {
	env := newTestEnv(t, time.Minute)
	rec := &sendRecorder{}

	if err := env.mgr.HandleRequest(testDevice("dev-1"), "aa:bb", nil, rec.send); err != nil {
		t.Fatal(err)
	}
	if err := env.mgr.Decide("dev-1", false); err != nil {
		t.Fatalf("decide: %v", err)
	}

	if rec.last(t) {
		t.Error("refusal should be sent to the peer")
	}
	if env.lastResult(t).State != StateRejected {
		t.Errorf("state = %s", env.lastResult(t).State)
	}
	if _, err := env.store.Lookup("dev-1"); !errors.Is(err, trust.ErrNotFound) {
		t.Error("rejected device must not be pinned")
	}
}

func TestHandleRequest_TrustedReaccepted(t *testing.T) {
	env := newTestEnv(t, time.Minute)
	if err := env.store.Pin(trust.TrustedDevice{DeviceID: "dev-1", Fingerprint: "aa:bb", CertificatePEM: []byte("PEM")}); err != nil {
		t.Fatal(err)
	}

	rec := &sendRecorder{}
	err := env.mgr.HandleRequest(testDevice("dev-1"), "aa:bb", nil, rec.send)
	if err != nil {
		t.Fatalf("handle request: %v", err)
	}

	// Trusted device with matching fingerprint: auto-accept, no prompt.
	if !rec.last(t) {
		t.Error("should auto-accept a trusted peer")
	}
	env.mu.Lock()
	nRequests := len(env.requests)
	env.mu.Unlock()
	if nRequests != 0 {
		t.Error("no user prompt expected for a trusted peer")
	}
}

func TestHandleRequest_TrustedMismatchRefused(t *testing.T) {
	env := newTestEnv(t, time.Minute)
	if err := env.store.Pin(trust.TrustedDevice{DeviceID: "dev-1", Fingerprint: "aa:bb", CertificatePEM: []byte("PEM")}); err != nil {
		t.Fatal(err)
	}

	rec := &sendRecorder{}
	err := env.mgr.HandleRequest(testDevice("dev-1"), "cc:dd", nil, rec.send)
	if !errors.Is(err, trust.ErrFingerprintMismatch) {
		t.Fatalf("err = %v, want ErrFingerprintMismatch", err)
	}
	if rec.last(t) {
		t.Error("mismatching peer must be refused")
	}
}

func TestCrossedRequests_AutoAccept(t *testing.T) {
	env := newTestEnv(t, time.Minute)
	outRec := &sendRecorder{}
	inRec := &sendRecorder{}

	dev := testDevice("dev-1")
	if err := env.mgr.Begin(dev, "aa:bb", []byte("PEM"), outRec.send); err != nil {
		t.Fatal(err)
	}

	// The peer's own request arrives while ours is pending: both sides
	// want to pair, so the request counts as acceptance.
	if err := env.mgr.HandleRequest(dev, "aa:bb", []byte("PEM"), inRec.send); err != nil {
		t.Fatalf("crossed request: %v", err)
	}

	if !inRec.last(t) {
		t.Error("crossed request should be answered with pair:true")
	}
	if env.lastResult(t).State != StatePaired {
		t.Errorf("state = %s", env.lastResult(t).State)
	}
	if _, err := env.store.Lookup("dev-1"); err != nil {
		t.Errorf("device not pinned: %v", err)
	}
}

func TestHandleResponse_WithdrawnRequest(t *testing.T) {
	env := newTestEnv(t, time.Minute)
	rec := &sendRecorder{}

	if err := env.mgr.HandleRequest(testDevice("dev-1"), "aa:bb", nil, rec.send); err != nil {
		t.Fatal(err)
	}

	// pair:false while their request awaits our decision: withdrawal.
	if err := env.mgr.HandleResponse("dev-1", false); err != nil {
		t.Fatalf("handle response: %v", err)
	}
	if env.lastResult(t).State != StateCancelled {
		t.Errorf("state = %s, want cancelled", env.lastResult(t).State)
	}
}

func TestHandleResponse_RemoteUnpair(t *testing.T) {
	env := newTestEnv(t, time.Minute)
	if err := env.store.Pin(trust.TrustedDevice{DeviceID: "dev-1", Fingerprint: "aa:bb", CertificatePEM: []byte("PEM")}); err != nil {
		t.Fatal(err)
	}

	// Unsolicited pair:false from a trusted peer revokes the pairing.
	if err := env.mgr.HandleResponse("dev-1", false); err != nil {
		t.Fatalf("handle response: %v", err)
	}
	if _, err := env.store.Lookup("dev-1"); !errors.Is(err, trust.ErrNotFound) {
		t.Error("device should be unpaired after remote revocation")
	}

	events, _ := env.store.Events(10)
	if len(events) != 1 || events[0].EventType != trust.EventUnpaired {
		t.Errorf("events = %+v", events)
	}
}

func TestHandleResponse_NoAttempt(t *testing.T) {
	env := newTestEnv(t, time.Minute)
	err := env.mgr.HandleResponse("ghost", true)
	if !errors.Is(err, ErrNoAttempt) {
		t.Fatalf("err = %v, want ErrNoAttempt", err)
	}
}

func TestAttempt_Expires(t *testing.T) {
	env := newTestEnv(t, 50*time.Millisecond)
	rec := &sendRecorder{}

	if err := env.mgr.HandleRequest(testDevice("dev-1"), "aa:bb", nil, rec.send); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		env.mu.Lock()
		n := len(env.results)
		env.mu.Unlock()
		if n > 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("attempt did not expire")
		}
		time.Sleep(10 * time.Millisecond)
	}

	if env.lastResult(t).State != StateExpired {
		t.Errorf("state = %s", env.lastResult(t).State)
	}
	// An expired incoming attempt tells the peer no.
	if rec.last(t) {
		t.Error("expiry of an incoming attempt should send pair:false")
	}

	events, _ := env.store.Events(10)
	if len(events) != 1 || events[0].EventType != trust.EventPairingExpired {
		t.Errorf("events = %+v", events)
	}
}

func TestCancel(t *testing.T) {
	env := newTestEnv(t, time.Minute)
	rec := &sendRecorder{}

	if err := env.mgr.Begin(testDevice("dev-1"), "aa:bb", nil, rec.send); err != nil {
		t.Fatal(err)
	}
	env.mgr.Cancel("dev-1")

	if env.lastResult(t).State != StateCancelled {
		t.Errorf("state = %s", env.lastResult(t).State)
	}
	if len(env.mgr.Pending()) != 0 {
		t.Error("attempt should be cleared")
	}

	// Cancelling again is a no-op.
	env.mgr.Cancel("dev-1")
}
