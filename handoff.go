package loader

import "encoding/binary"

// HandoffRegion is the 32-byte structure shared with the resident
// application across reset (§3, §4.6).
//
// In-memory layout (little-endian):
//
//	ctrl (8 bytes):
//	  0    crc            u8
//	  1    layoutVersion  u8
//	  2-7  reserved
//	data (24 bytes):
//	  8-11  bootVersion  u32
//	  12    bootReason   u8
//	  13    bootCount    u8
//	  14-31 reserved
type HandoffRegion struct {
	LayoutVersion byte
	BootVersion   uint32
	BootReason    byte
	BootCount     byte
}

const (
	handoffOffCRC           = 0
	handoffOffLayoutVersion = 1
	handoffOffBootVersion   = 8
	handoffOffBootReason    = 12
	handoffOffBootCount     = 13
)

// CurrentLayoutVersion is written into every handoff region this
// build produces.
const CurrentLayoutVersion byte = 1

// EncodeHandoff renders r into its 32-byte form, including a freshly
// computed CRC in byte 0.
func EncodeHandoff(r HandoffRegion) [HandoffSize]byte {
	var buf [HandoffSize]byte
	buf[handoffOffLayoutVersion] = r.LayoutVersion
	binary.LittleEndian.PutUint32(buf[handoffOffBootVersion:], r.BootVersion)
	buf[handoffOffBootReason] = r.BootReason
	buf[handoffOffBootCount] = r.BootCount
	buf[handoffOffCRC] = crc8(buf[1:])
	return buf
}

// DecodeHandoff parses a 32-byte handoff region without checking its
// CRC; use handoffCRCValid on the same bytes first.
func DecodeHandoff(buf [HandoffSize]byte) HandoffRegion {
	var r HandoffRegion
	r.LayoutVersion = buf[handoffOffLayoutVersion]
	r.BootVersion = binary.LittleEndian.Uint32(buf[handoffOffBootVersion:])
	r.BootReason = buf[handoffOffBootReason]
	r.BootCount = buf[handoffOffBootCount]
	return r
}

// handoffCRCValid reports whether byte 0 matches the CRC-8 of bytes
// 1..31 (§3: "CRC covers all bytes from layout_version (inclusive)
// through end-of-struct").
func handoffCRCValid(buf [HandoffSize]byte) bool {
	return buf[handoffOffCRC] == crc8(buf[1:])
}

// InitHandoffResult reports what InitHandoff decided, so the entry
// dispatcher can react (§4.6: a tripped boot counter also erases the
// resident header).
type InitHandoffResult struct {
	Region      HandoffRegion
	BootTripped bool // boot_count reached BootCountLimit
}

// InitHandoff implements §4.6: read the region, validate its CRC,
// bump (or reset) the boot counter, stamp the current layout/boot
// version, and recompute the CRC — called once per reset before the
// entry dispatcher makes any jump decision.
func InitHandoff(store HandoffStore, cfg Config) InitHandoffResult {
	raw := store.ReadRegion()
	var region HandoffRegion
	if handoffCRCValid(raw) {
		region = DecodeHandoff(raw)
		if region.BootCount < 255 {
			region.BootCount++
		}
	} else {
		region = HandoffRegion{BootCount: 0, BootReason: BootReasonNone}
	}

	region.LayoutVersion = CurrentLayoutVersion
	region.BootVersion = cfg.BootVersion

	result := InitHandoffResult{Region: region}
	if cfg.EnableBootCounting && region.BootCount >= cfg.BootCountLimit {
		region.BootReason = BootReasonCom
		result.BootTripped = true
	}
	result.Region = region

	_ = store.WriteRegion(EncodeHandoff(region))
	return result
}
