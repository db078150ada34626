package loader

// End-to-end scenario tests driving the FSM directly against in-memory
// capability fakes, grounded on the teacher's loopback-transport test
// shape (loopback_test.go's newTestTransports/testFileHandler), here
// simplified to single-process fakes since the dispatcher is
// cooperative rather than two independently-running sessions.

import "testing"

const testFlashSize = 1 << 16

type fakeFlash struct {
	mem  []byte
	page uint32
}

func newFakeFlash() *fakeFlash {
	return &fakeFlash{mem: make([]byte, testFlashSize), page: 256}
}

func (f *fakeFlash) Read(addr uint32, p []byte) error {
	copy(p, f.mem[addr:int(addr)+len(p)])
	return nil
}

func (f *fakeFlash) Write(addr uint32, p []byte) error {
	copy(f.mem[addr:], p)
	return nil
}

func (f *fakeFlash) Erase(addr uint32, length uint32) error {
	for i := addr; i < addr+length; i++ {
		f.mem[i] = 0xFF
	}
	return nil
}

func (f *fakeFlash) PageSize() uint32 { return f.page }

type fakeWatchdog struct{ kicks int }

func (w *fakeWatchdog) Kick() { w.kicks++ }

type fakeClock struct{ now uint32 }

func (c *fakeClock) NowMS() uint32 { return c.now }

type fakeHandoff struct{ region [HandoffSize]byte }

func (h *fakeHandoff) ReadRegion() [HandoffSize]byte { return h.region }

func (h *fakeHandoff) WriteRegion(r [HandoffSize]byte) error {
	h.region = r
	return nil
}

type fakeJumper struct {
	jumped bool
	addr   uint32
}

func (j *fakeJumper) DeinitForJump() error { return nil }

func (j *fakeJumper) JumpTo(addr uint32) {
	j.jumped = true
	j.addr = addr
}

// testHarness bundles an FSM with its fakes for assertions.
type testHarness struct {
	flash   *fakeFlash
	wdt     *fakeWatchdog
	clock   *fakeClock
	handoff *fakeHandoff
	jumper  *fakeJumper
	cfg     Config
	fsm     *FSM
}

func newHarness(cfg Config) *testHarness {
	h := &testHarness{
		flash:   newFakeFlash(),
		wdt:     &fakeWatchdog{},
		clock:   &fakeClock{},
		handoff: &fakeHandoff{},
		jumper:  &fakeJumper{},
	}
	h.cfg = cfg
	caps := Capabilities{
		Clock:    h.clock,
		Flash:    h.flash,
		Watchdog: h.wdt,
		Handoff:  h.handoff,
		Jump:     h.jumper,
	}
	result := InitHandoff(h.handoff, h.cfg)
	h.fsm = NewFSM(h.cfg, caps, result.Region)
	return h
}

func baseHeader() ImageHeader {
	return ImageHeader{
		Version:       1,
		ImageType:     ImageTypeApp,
		SignatureType: SignatureNone,
		ImageAddr:     0, // == test harness's AppHeadAddr (Config zero value)
		SWVer:         0x01000000,
		HWVer:         0x01000000,
	}
}

func TestScenarioHappyPathUnencrypted(t *testing.T) {
	h := newHarness(DefaultConfig())

	payload := make([]byte, 2048)
	for i := range payload {
		payload[i] = byte(i)
	}
	hdr := baseHeader()
	hdr.ImageSize = uint32(len(payload))
	hdr.ImageCRC = crc32(payload)
	raw := EncodeImageHeader(hdr)

	resp, has := h.fsm.HandleMessage(Message{Command: cmdConnect})
	if !has || resp[6] != StatusOK {
		t.Fatalf("CONNECT: has=%v status=%#x", has, resp[6])
	}

	resp, has = h.fsm.HandleMessage(Message{Command: cmdPrepare, Payload: raw[:]})
	if !has || resp[6] != StatusOK {
		t.Fatalf("PREPARE: has=%v status=%#x", has, resp[6])
	}

	resp, has = h.fsm.HandleMessage(Message{Command: cmdFlash, Payload: payload[:1024]})
	if !has || resp[6] != StatusOK {
		t.Fatalf("FLASH 1: has=%v status=%#x", has, resp[6])
	}
	resp, has = h.fsm.HandleMessage(Message{Command: cmdFlash, Payload: payload[1024:]})
	if !has || resp[6] != StatusOK {
		t.Fatalf("FLASH 2: has=%v status=%#x", has, resp[6])
	}
	if h.fsm.state != stateExit {
		t.Fatalf("state after final FLASH = %v, want stateExit", h.fsm.state)
	}

	resp, has = h.fsm.HandleMessage(Message{Command: cmdExit})
	if !has || resp[6] != StatusOK {
		t.Fatalf("EXIT: has=%v status=%#x", has, resp[6])
	}

	h.fsm.Tick(h.clock.now + exitDrainMS)
	if !h.jumper.jumped {
		t.Fatal("expected jump after EXIT drain")
	}
	if h.handoff.region != EncodeHandoff(HandoffRegion{
		LayoutVersion: CurrentLayoutVersion,
		BootVersion:   h.cfg.BootVersion,
		BootReason:    BootReasonNone,
		BootCount:     0,
	}) {
		t.Errorf("handoff region after jump does not show boot_reason=NONE, boot_count=0")
	}
}

func TestScenarioWrongStateConnect(t *testing.T) {
	h := newHarness(DefaultConfig())

	// Drive the FSM into FLASH.
	payload := make([]byte, 16)
	hdr := baseHeader()
	hdr.ImageSize = uint32(len(payload))
	hdr.ImageCRC = crc32(payload)
	raw := EncodeImageHeader(hdr)
	h.fsm.HandleMessage(Message{Command: cmdConnect})
	h.fsm.HandleMessage(Message{Command: cmdPrepare, Payload: raw[:]})
	if h.fsm.state != stateFlash {
		t.Fatalf("setup: state = %v, want stateFlash", h.fsm.state)
	}

	resp, has := h.fsm.HandleMessage(Message{Command: cmdConnect})
	if !has || resp[6] != StatusInvalidRequest {
		t.Fatalf("CONNECT in FLASH: has=%v status=%#x", has, resp[6])
	}
	if h.fsm.state != stateIdle {
		t.Errorf("state after wrong-state CONNECT = %v, want stateIdle", h.fsm.state)
	}
	if _, ok := readResidentHeader(h.flash, h.cfg.AppHeadAddr); ok {
		t.Errorf("resident header should have been erased")
	}
}

func TestScenarioBadSignatureInPrepare(t *testing.T) {
	cfg := DefaultConfig()
	cfg.EnableSignature = true
	h := newHarness(cfg)
	caps := Capabilities{
		Clock: h.clock, Flash: h.flash, Watchdog: h.wdt,
		Handoff: h.handoff, Jump: h.jumper,
		Verifier: alwaysRejectVerifier{}, Keys: zeroKeyStore{},
	}
	h.fsm = NewFSM(cfg, caps, HandoffRegion{})

	hdr := baseHeader()
	hdr.SignatureType = SignatureECDSA
	hdr.Signature = [64]byte{0xDE, 0xAD}
	raw := EncodeImageHeader(hdr)

	h.fsm.HandleMessage(Message{Command: cmdConnect})
	resp, has := h.fsm.HandleMessage(Message{Command: cmdPrepare, Payload: raw[:]})
	if !has || resp[6] != StatusSignature {
		t.Fatalf("PREPARE with bad signature: has=%v status=%#x", has, resp[6])
	}
	if h.fsm.state != stateIdle {
		t.Errorf("state = %v, want stateIdle (pre-validation failures do not force an erase)", h.fsm.state)
	}
}

type alwaysRejectVerifier struct{}

func (alwaysRejectVerifier) VerifyECDSA(pubKey [64]byte, hash [32]byte, signature [64]byte) bool {
	return false
}

type zeroKeyStore struct{}

func (zeroKeyStore) PublicKey() [64]byte { return [64]byte{} }

func TestScenarioPowerLossMidFlash(t *testing.T) {
	h := newHarness(DefaultConfig())

	payload := make([]byte, 2048)
	hdr := baseHeader()
	hdr.ImageSize = uint32(len(payload))
	hdr.ImageCRC = crc32(payload)
	raw := EncodeImageHeader(hdr)

	h.fsm.HandleMessage(Message{Command: cmdConnect})
	h.fsm.HandleMessage(Message{Command: cmdPrepare, Payload: raw[:]})
	h.fsm.HandleMessage(Message{Command: cmdFlash, Payload: payload[:1024]})
	// Simulated reset: flashed_bytes < image_size, no EXIT ever arrived.
	if _, ok := readResidentHeader(h.flash, h.cfg.AppHeadAddr); !ok {
		t.Fatal("resident header should still be intact immediately after power loss")
	}

	// Fresh boot: InitHandoff observes the stale region (boot_reason
	// was left at COM by CONNECT), a new FSM starts IDLE.
	caps := Capabilities{
		Clock: h.clock, Flash: h.flash, Watchdog: h.wdt,
		Handoff: h.handoff, Jump: h.jumper,
	}
	result := InitHandoff(h.handoff, h.cfg)
	fsm2 := NewFSM(h.cfg, caps, result.Region)
	if fsm2.state != stateIdle {
		t.Fatalf("fresh boot state = %v, want stateIdle", fsm2.state)
	}
	fsm2.Tick(h.cfg.JumpToAppTimeoutMS)
	if h.jumper.jumped {
		t.Fatal("loader must not jump: resident header was never completed/validated")
	}

	resp, has := fsm2.HandleMessage(Message{Command: cmdConnect})
	if !has || resp[6] != StatusOK {
		t.Fatalf("next CONNECT after power loss: has=%v status=%#x", has, resp[6])
	}
}

func TestScenarioBackDoorDuringStartupWindow(t *testing.T) {
	h := newHarness(DefaultConfig())
	if h.fsm.handoff.BootReason != BootReasonNone {
		t.Fatalf("fresh handoff region should start with boot_reason NONE, got %v", h.fsm.handoff.BootReason)
	}

	resp, has := h.fsm.HandleMessage(Message{Command: cmdConnect})
	if !has || resp[6] != StatusOK {
		t.Fatalf("CONNECT during back-door window: has=%v status=%#x", has, resp[6])
	}
	if h.fsm.handoff.BootReason != BootReasonCom {
		t.Errorf("boot_reason after CONNECT = %v, want COM", h.fsm.handoff.BootReason)
	}
	if h.fsm.state != statePrepare {
		t.Errorf("state after back-door CONNECT = %v, want statePrepare", h.fsm.state)
	}
}

func TestScenarioBootCountTrip(t *testing.T) {
	cfg := DefaultConfig()
	cfg.EnableBootCounting = true
	cfg.BootCountLimit = 5

	flash := newFakeFlash()
	handoff := &fakeHandoff{}

	hdr := baseHeader()
	hdr.ImageSize = 16
	raw := EncodeImageHeader(hdr)
	_ = flash.Write(cfg.AppHeadAddr, raw[:])

	var result InitHandoffResult
	for reset := 1; reset <= 6; reset++ {
		result = InitHandoff(handoff, cfg)
		if reset < 6 {
			if result.BootTripped {
				t.Fatalf("reset %d: tripped early", reset)
			}
		}
	}
	if !result.BootTripped {
		t.Fatal("6th reset should trip the boot counter")
	}
	if result.Region.BootReason != BootReasonCom {
		t.Errorf("boot_reason = %v, want COM", result.Region.BootReason)
	}

	if result.BootTripped {
		_ = eraseHeader(flash, cfg.AppHeadAddr)
	}
	if _, ok := readResidentHeader(flash, cfg.AppHeadAddr); ok {
		t.Error("resident header should be erased once the boot counter trips")
	}
}

func TestHandoffBootCountSaturates(t *testing.T) {
	store := &fakeHandoff{region: EncodeHandoff(HandoffRegion{
		LayoutVersion: CurrentLayoutVersion,
		BootCount:     255,
	})}
	result := InitHandoff(store, DefaultConfig())
	if result.Region.BootCount != 255 {
		t.Errorf("BootCount = %d, want saturated at 255", result.Region.BootCount)
	}
}
