package loader

import "context"

// Run is the entry dispatcher (§4.7): handoff init, the optional
// back-door window, and otherwise the FSM's cooperative loop. It
// returns only on ctx cancellation or (in test builds, where Jumper
// is a stub that returns) after the jump at the end of the back-door
// window; a jump made later by the FSM's Tick leaves the loop running.
func Run(ctx context.Context, caps Capabilities, cfg Config) error {
	result := InitHandoff(caps.Handoff, cfg)
	if result.BootTripped {
		_ = eraseHeader(caps.Flash, cfg.AppHeadAddr)
	}

	fsm := NewFSM(cfg, caps, result.Region)
	parser := NewParser()

	if result.Region.BootReason == BootReasonNone && postValidate(caps, cfg.AppHeadAddr) {
		deadline := caps.Clock.NowMS() + cfg.WaitAtStartupMS
		for caps.Clock.NowMS() < deadline {
			if err := ctx.Err(); err != nil {
				return err
			}
			step(fsm, parser, caps, cfg)
			caps.Watchdog.Kick()
		}
		if fsm.handoff.BootReason == BootReasonNone {
			jump(caps, cfg.AppStartAddr)
			return nil
		}
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		step(fsm, parser, caps, cfg)
	}
}

// step runs one cooperative pass: drain whatever bytes the transport
// has, dispatch a completed frame if one arrived, and run the FSM's
// time-driven activity (§5 "single-threaded, cooperative").
func step(fsm *FSM, parser *Parser, caps Capabilities, cfg Config) {
	now := caps.Clock.NowMS()

	if ev := parser.Drain(caps.Rx, now, cfg.IdleTimeoutMS); ev == EventOK {
		if resp, has := dispatch(parser, fsm); has {
			_ = caps.Tx.TxAll(resp)
		}
	}

	fsm.Tick(now)
}
