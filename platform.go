package loader

import "time"

// Capability interfaces consumed by the core (§6). Concrete
// implementations are supplied by the caller; the only one in this
// package is the systemClock Clock below, matching §1's "out of scope (external collaborators)" and
// §9's "re-express weakly-linked callbacks as an interface injected at
// construction."
type (
	// Clock reports a monotonically increasing millisecond counter.
	Clock interface {
		NowMS() uint32
	}

	// Receiver drains the physical transport one byte at a time
	// without blocking, plus a way to discard buffered bytes after a
	// parser buffer-full event.
	Receiver interface {
		RxByte() (b byte, ok bool)
		ClearRx()
	}

	// Transmitter sends a complete message in one call.
	Transmitter interface {
		TxAll(p []byte) error
	}

	// FlashMemory is the non-volatile store. The core erases a region
	// in PageSize() steps from its start address, but the last step of
	// a region and the header-only erase (HeaderSize bytes) are not
	// rounded up to a page multiple; Write lengths follow the received
	// data and are not page-aligned either.
	FlashMemory interface {
		Read(addr uint32, p []byte) error
		Write(addr uint32, p []byte) error
		Erase(addr uint32, length uint32) error
		PageSize() uint32
	}

	// Watchdog must be kicked periodically or the platform resets.
	Watchdog interface {
		Kick()
	}

	// KeyStore holds the public key used to verify image signatures.
	KeyStore interface {
		PublicKey() [64]byte
	}

	// Decryptor streams AES-CTR decryption of FLASH chunks when
	// crypto is enabled.
	Decryptor interface {
		Reset()
		Stream(in []byte, out []byte)
	}

	// Verifier checks an ECDSA signature over a SHA-256 hash.
	Verifier interface {
		VerifyECDSA(pubKey [64]byte, hash [32]byte, signature [64]byte) bool
	}

	// HandoffStore gives sole-owner access to the 32-byte handoff
	// region (§9: "modelled as a sole-owned view over a fixed memory
	// address").
	HandoffStore interface {
		ReadRegion() [HandoffSize]byte
		WriteRegion([HandoffSize]byte) error
	}

	// Jumper hands control to the resident application. JumpTo must
	// not return on success.
	Jumper interface {
		DeinitForJump() error
		JumpTo(addr uint32)
	}
)

// Capabilities bundles every platform capability the core needs.
// Decryptor and Verifier may be nil when crypto/signature checking is
// disabled in Config.
type Capabilities struct {
	Clock       Clock
	Rx          Receiver
	Tx          Transmitter
	Flash       FlashMemory
	Watchdog    Watchdog
	Keys        KeyStore
	Decryptor   Decryptor
	Verifier    Verifier
	Handoff     HandoffStore
	Jump        Jumper
}

// Config holds the loader's compile-time-in-spirit tunables (§4.4,
// §4.5, §4.6, §4.7). Zero-value booleans disable the corresponding
// optional check, matching the spec's "(optional, feature-gated)"
// wording — except EnableDowngrade, whose zero value keeps the
// downgrade check on.
type Config struct {
	AppHeadAddr  uint32
	AppStartAddr uint32

	IdleTimeoutMS          uint32
	PrepareIdleTimeoutMS   uint32
	FlashIdleTimeoutMS     uint32
	ExitIdleTimeoutMS      uint32
	JumpToAppTimeoutMS     uint32
	WaitAtStartupMS        uint32

	EnableSizeCheck bool
	AppSizeMax      uint32

	EnableSWLimit     bool
	SWLimit           uint32
	EnableDowngrade   bool // if false (default), downgrade is blocked
	EnableHWLimit     bool
	HWLimit           uint32
	EnableSignature   bool
	EnableCrypto      bool

	EnableBootCounting bool
	BootCountLimit     byte
	BootVersion        uint32
}

// DefaultConfig returns the spec's suggested defaults (§4.2, §4.4).
func DefaultConfig() Config {
	return Config{
		IdleTimeoutMS:        idleTimeoutMS,
		PrepareIdleTimeoutMS: 5000,
		FlashIdleTimeoutMS:   5000,
		ExitIdleTimeoutMS:    2000,
		JumpToAppTimeoutMS:   500,
		WaitAtStartupMS:      300,
		BootCountLimit:       5,
	}
}

// systemClock is the trivial Clock backed by the Go runtime's
// monotonic clock, for hosts that have one (tests, the CLI).
type systemClock struct{ start time.Time }

// NewSystemClock returns a Clock rooted at the moment of the call.
func NewSystemClock() Clock {
	return &systemClock{start: time.Now()}
}

func (c *systemClock) NowMS() uint32 {
	return uint32(time.Since(c.start).Milliseconds())
}
