package manager_test

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	loader "github.com/otaloader/core"
	"github.com/otaloader/core/internal/manager"
)

// This file exercises the manager.Client against a real loader.FSM
// driven through loader.Run, wired together over a net.Pipe, rather
// than calling the FSM's methods directly the way loopback_test.go
// does from inside the loader package. It plays the role of a
// higher-level integration test layered on top of the package's
// plain-testing-style unit tests.

// connReceiver adapts a net.Conn (which blocks on Read) into
// loader.Receiver's non-blocking poll shape, buffering bytes read by
// a background goroutine.
type connReceiver struct {
	conn net.Conn
	ch   chan byte
}

func newConnReceiver(conn net.Conn) *connReceiver {
	r := &connReceiver{conn: conn, ch: make(chan byte, 4096)}
	go func() {
		var buf [256]byte
		for {
			n, err := conn.Read(buf[:])
			for i := 0; i < n; i++ {
				r.ch <- buf[i]
			}
			if err != nil {
				close(r.ch)
				return
			}
		}
	}()
	return r
}

func (r *connReceiver) RxByte() (byte, bool) {
	select {
	case b, ok := <-r.ch:
		return b, ok
	default:
		return 0, false
	}
}

func (r *connReceiver) ClearRx() {
	for {
		select {
		case <-r.ch:
		default:
			return
		}
	}
}

type connTransmitter struct{ conn net.Conn }

func (t connTransmitter) TxAll(p []byte) error {
	_, err := t.conn.Write(p)
	return err
}

type memFlash struct {
	mu   sync.Mutex
	data [1 << 16]byte
}

func (f *memFlash) Read(addr uint32, p []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	copy(p, f.data[addr:int(addr)+len(p)])
	return nil
}

func (f *memFlash) Write(addr uint32, p []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	copy(f.data[addr:], p)
	return nil
}

func (f *memFlash) Erase(addr uint32, length uint32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := uint32(0); i < length; i++ {
		f.data[addr+i] = 0xFF
	}
	return nil
}

func (f *memFlash) PageSize() uint32 { return 256 }

type memHandoff struct {
	mu     sync.Mutex
	region [loader.HandoffSize]byte
}

func (h *memHandoff) ReadRegion() [loader.HandoffSize]byte {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.region
}

func (h *memHandoff) WriteRegion(r [loader.HandoffSize]byte) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.region = r
	return nil
}

type noopWatchdog struct{}

func (noopWatchdog) Kick() {}

// recordingJumper captures the jump instead of performing one, so the
// test can observe that EXIT actually completed the handover.
type recordingJumper struct {
	mu      sync.Mutex
	jumped  bool
	jumpArg uint32
}

func (j *recordingJumper) DeinitForJump() error { return nil }

func (j *recordingJumper) JumpTo(addr uint32) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.jumped = true
	j.jumpArg = addr
}

func (j *recordingJumper) didJump() (bool, uint32) {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.jumped, j.jumpArg
}

// crc32 mirrors the loader package's unexported CRC-32 (poly
// 0x04C11DB7, seed 0x10101010, MSB-first, no reflection). Duplicated
// here for the same reason manager.go duplicates the CRC-8: this test
// plays the part of an external peer, not a user of loader's
// internals.
func crc32(data []byte) uint32 {
	const poly, seed = 0x04C11DB7, 0x10101010
	crc := uint32(seed)
	for _, b := range data {
		crc ^= uint32(b) << 24
		for i := 0; i < 8; i++ {
			if crc&0x80000000 != 0 {
				crc = (crc << 1) ^ poly
			} else {
				crc <<= 1
			}
		}
	}
	return crc
}

func TestClientUploadAgainstRunningLoader(t *testing.T) {
	deviceConn, managerConn := net.Pipe()
	defer deviceConn.Close()
	defer managerConn.Close()

	flash := &memFlash{}
	handoff := &memHandoff{}
	jumper := &recordingJumper{}

	caps := loader.Capabilities{
		Clock:    loader.NewSystemClock(),
		Rx:       newConnReceiver(deviceConn),
		Tx:       connTransmitter{conn: deviceConn},
		Flash:    flash,
		Watchdog: noopWatchdog{},
		Handoff:  handoff,
		Jump:     jumper,
	}
	cfg := loader.DefaultConfig()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	runErr := make(chan error, 1)
	go func() { runErr <- loader.Run(ctx, caps, cfg) }()

	payload := make([]byte, 2500)
	for i := range payload {
		payload[i] = byte(i)
	}
	hdr := loader.ImageHeader{
		Version:       1,
		ImageType:     loader.ImageTypeApp,
		SignatureType: loader.SignatureNone,
		ImageAddr:     cfg.AppHeadAddr,
		ImageSize:     uint32(len(payload)),
		ImageCRC:      crc32(payload),
		SWVer:         1,
		HWVer:         1,
	}
	raw := loader.EncodeImageHeader(hdr)

	client := manager.NewClient(managerConn, 1024)
	err := client.Upload(raw, payload)
	require.NoError(t, err, "manager upload should complete against a live loader")

	require.Eventually(t, func() bool {
		jumped, _ := jumper.didJump()
		return jumped
	}, time.Second, time.Millisecond, "loader should jump to the application after EXIT")

	_, addr := jumper.didJump()
	assert.Equal(t, cfg.AppStartAddr, addr)

	cancel()
	select {
	case <-runErr:
	case <-time.After(time.Second):
		t.Fatal("loader.Run did not observe context cancellation")
	}
}
