package loader

// fsmState is the upgrade FSM's state (§4.4).
type fsmState int

const (
	stateIdle fsmState = iota
	statePrepare
	stateFlash
	stateExit
)

// exitDrainMS is how long EXIT waits after sending its OK response
// before clearing boot state and jumping, giving the transport time
// to drain the response (§4.4 "wait a few ms for the response to
// drain").
const exitDrainMS = 5

// flashingContext tracks progress through one upgrade (§3).
type flashingContext struct {
	workingAddr  uint32
	flashedBytes uint32
	imageSize    uint32
}

// FSM is the upgrade state machine, grounded on the teacher's
// runReceiver/runSender state-loop shape (receiver.go) — an
// integer-enum state driving a single dispatch switch, here entered
// once per HandleMessage call rather than a blocking for-loop, since
// this protocol's transport is non-blocking and cooperative (§5).
type FSM struct {
	state          fsmState
	stateEnteredTS uint32
	lastActivityTS uint32
	flashCtx       flashingContext

	idleEnteredTS uint32
	triedLeave    bool

	pendingJump   bool
	pendingJumpAt uint32

	handoff HandoffRegion

	cfg  Config
	caps Capabilities
}

// NewFSM returns an FSM in the IDLE state, seeded with the handoff
// region produced by InitHandoff.
func NewFSM(cfg Config, caps Capabilities, handoff HandoffRegion) *FSM {
	f := &FSM{cfg: cfg, caps: caps, handoff: handoff}
	f.enterIdle(0)
	return f
}

func (f *FSM) persistHandoff() {
	_ = f.caps.Handoff.WriteRegion(EncodeHandoff(f.handoff))
}

// enterIdle implements IDLE's entry side effects (§4.4): clear the
// flashing context, reset the decryptor, and arm the one-shot
// try-to-leave probe.
func (f *FSM) enterIdle(now uint32) {
	f.state = stateIdle
	f.stateEnteredTS = now
	f.idleEnteredTS = now
	f.triedLeave = false
	f.flashCtx = flashingContext{}
	if f.cfg.EnableCrypto && f.caps.Decryptor != nil {
		f.caps.Decryptor.Reset()
	}
}

func (f *FSM) enterErrorIdle(now uint32, erase bool) {
	if erase {
		_ = eraseHeader(f.caps.Flash, f.cfg.AppHeadAddr)
	}
	f.enterIdle(now)
}

// HandleMessage implements the RoleHandlers interface for the loader
// role: it drives the FSM from requests and ignores everything that
// exists only to support the symmetric manager role (§4.3).
func (f *FSM) HandleMessage(msg Message) (response []byte, hasResponse bool) {
	now := f.lastActivityTS
	if f.caps.Clock != nil {
		now = f.caps.Clock.NowMS()
	}
	f.lastActivityTS = now

	switch msg.Command {
	case cmdConnect:
		return f.handleConnect(now)
	case cmdPrepare:
		return f.handlePrepare(now, msg.Payload)
	case cmdFlash:
		return f.handleFlash(now, msg.Payload)
	case cmdExit:
		return f.handleExit(now)
	case cmdInfo:
		return f.handleInfo(now)
	default:
		// Responses, and anything else: accepted, does not drive the
		// FSM (§4.3).
		return nil, false
	}
}

func (f *FSM) handleConnect(now uint32) ([]byte, bool) {
	if f.state != stateIdle {
		// §4.4 "a transition into IDLE from an error path must erase
		// the resident header" — unlike a PREPARE failure, nothing
		// about the resident image is in question here, but the rule
		// is unconditional for this path (confirmed by the wrong-state
		// CONNECT scenario in §8).
		f.enterErrorIdle(now, true)
		return encodeMessage(sourceLoader, cmdConnectRsp, StatusInvalidRequest, nil), true
	}
	f.handoff.BootReason = BootReasonCom
	f.persistHandoff()
	f.state = statePrepare
	f.stateEnteredTS = now
	return encodeMessage(sourceLoader, cmdConnectRsp, StatusOK, nil), true
}

func (f *FSM) handlePrepare(now uint32, payload []byte) ([]byte, bool) {
	if f.state != statePrepare {
		return encodeMessage(sourceLoader, cmdPrepareRsp, StatusInvalidRequest, nil), true
	}

	if len(payload) != HeaderSize {
		f.enterErrorIdle(now, false)
		return encodeMessage(sourceLoader, cmdPrepareRsp, StatusValidation, nil), true
	}
	var raw [HeaderSize]byte
	copy(raw[:], payload)
	hdr := DecodeImageHeader(raw)

	resident, residentValid := readResidentHeader(f.caps.Flash, f.cfg.AppHeadAddr)

	if v := preValidate(hdr, raw, resident, residentValid, f.cfg, f.caps); v != validationOK {
		f.enterErrorIdle(now, false)
		return encodeMessage(sourceLoader, cmdPrepareRsp, v.toWireStatus(), nil), true
	}

	eraseLen := HeaderSize + hdr.ImageSize
	if err := eraseRegion(f.caps.Flash, f.caps.Watchdog, hdr.ImageAddr, eraseLen); err != nil {
		f.enterErrorIdle(now, false)
		return encodeMessage(sourceLoader, cmdPrepareRsp, StatusFlashErase, nil), true
	}

	if err := f.caps.Flash.Write(hdr.ImageAddr, raw[:]); err != nil {
		f.enterErrorIdle(now, false)
		return encodeMessage(sourceLoader, cmdPrepareRsp, StatusFlashWrite, nil), true
	}

	f.flashCtx = flashingContext{
		workingAddr:  hdr.ImageAddr + HeaderSize,
		flashedBytes: 0,
		imageSize:    hdr.ImageSize,
	}
	f.state = stateFlash
	f.stateEnteredTS = now
	f.lastActivityTS = now
	return encodeMessage(sourceLoader, cmdPrepareRsp, StatusOK, nil), true
}

func (f *FSM) handleFlash(now uint32, payload []byte) ([]byte, bool) {
	if f.state != stateFlash {
		f.enterErrorIdle(now, true)
		return encodeMessage(sourceLoader, cmdFlashRsp, StatusInvalidRequest, nil), true
	}

	ctx := &f.flashCtx
	n := uint32(len(payload))
	if ctx.flashedBytes >= ctx.imageSize || ctx.flashedBytes+n > ctx.imageSize {
		f.enterErrorIdle(now, true)
		return encodeMessage(sourceLoader, cmdFlashRsp, StatusFlashWrite, nil), true
	}

	toWrite := payload
	if f.cfg.EnableCrypto && f.caps.Decryptor != nil {
		scratch := make([]byte, n)
		f.caps.Decryptor.Stream(payload, scratch)
		toWrite = scratch
	}

	if err := f.caps.Flash.Write(ctx.workingAddr, toWrite); err != nil {
		f.enterErrorIdle(now, true)
		return encodeMessage(sourceLoader, cmdFlashRsp, StatusFlashWrite, nil), true
	}

	ctx.workingAddr += n
	ctx.flashedBytes += n

	if ctx.flashedBytes == ctx.imageSize {
		f.state = stateExit
		f.stateEnteredTS = now
	}
	return encodeMessage(sourceLoader, cmdFlashRsp, StatusOK, nil), true
}

func (f *FSM) handleExit(now uint32) ([]byte, bool) {
	if f.state != stateExit {
		f.enterErrorIdle(now, true)
		return encodeMessage(sourceLoader, cmdExitRsp, StatusInvalidRequest, nil), true
	}

	if !postValidate(f.caps, f.cfg.AppHeadAddr) {
		// postValidate erases the header itself on failure (the single
		// source of truth for that rule); no second erase here.
		f.enterErrorIdle(now, false)
		return encodeMessage(sourceLoader, cmdExitRsp, StatusValidation, nil), true
	}

	f.pendingJump = true
	f.pendingJumpAt = now + exitDrainMS
	return encodeMessage(sourceLoader, cmdExitRsp, StatusOK, nil), true
}

func (f *FSM) handleInfo(now uint32) ([]byte, bool) {
	if f.state != stateIdle {
		return encodeMessage(sourceLoader, cmdInfoRsp, StatusInvalidRequest, nil), true
	}
	return encodeMessage(sourceLoader, cmdInfoRsp, StatusOK, LoaderVersion[:]), true
}

// Tick runs the FSM's time-driven activity (§4.4's per-state
// "Activity" column plus the IDLE try-to-leave probe and the EXIT
// jump handoff) and is called once per cooperative pass regardless of
// whether a message arrived. When it jumps into the resident
// application it does not return in production, since Jumper.JumpTo
// never returns on success — tests use a Jumper stub that does.
func (f *FSM) Tick(now uint32) {
	if f.pendingJump {
		if now-f.pendingJumpAt < 1<<31 && now >= f.pendingJumpAt {
			f.handoff.BootReason = BootReasonNone
			f.handoff.BootCount = 0
			f.persistHandoff()
			jump(f.caps, f.cfg.AppStartAddr)
			f.pendingJump = false
		}
		return
	}

	switch f.state {
	case stateIdle:
		if !f.triedLeave && now-f.idleEnteredTS >= f.cfg.JumpToAppTimeoutMS {
			f.triedLeave = true
			if postValidate(f.caps, f.cfg.AppHeadAddr) {
				f.handoff.BootReason = BootReasonNone
				f.persistHandoff()
				jump(f.caps, f.cfg.AppStartAddr)
			}
		}
	case statePrepare:
		if now-f.stateEnteredTS >= f.cfg.PrepareIdleTimeoutMS {
			f.enterErrorIdle(now, true)
		}
	case stateFlash:
		if now-f.lastActivityTS >= f.cfg.FlashIdleTimeoutMS {
			f.enterErrorIdle(now, true)
		}
	case stateExit:
		if now-f.stateEnteredTS >= f.cfg.ExitIdleTimeoutMS {
			f.enterErrorIdle(now, true)
		}
	}
}
