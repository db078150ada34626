package loader

import "crypto/sha256"

// validationStatus is a pre/post-validation outcome, distinct from
// the wire status taxonomy: the pipeline stops at the first failing
// predicate and reports it, and the FSM sends the single wire status
// bit that toWireStatus maps it to (§4.4 "Tie-break & ordering").
type validationStatus byte

const (
	validationOK validationStatus = iota
	validationCRC
	validationSize
	validationSWVer
	validationHWVer
	validationSignature
	validationImageType
)

// toWireStatus maps a validation outcome onto the wire status
// taxonomy (§7).
func (v validationStatus) toWireStatus() byte {
	switch v {
	case validationOK:
		return StatusOK
	case validationCRC:
		return StatusValidation
	case validationSize:
		return StatusFWSize
	case validationSWVer:
		return StatusFWVer
	case validationHWVer:
		return StatusHWVer
	case validationSignature:
		return StatusSignature
	default:
		return StatusValidation
	}
}

// readResidentHeader reads and decodes the header at addr, reporting
// whether its CRC validated (§4.5 "Header parse").
func readResidentHeader(flash FlashMemory, addr uint32) (ImageHeader, bool) {
	var raw [HeaderSize]byte
	if err := flash.Read(addr, raw[:]); err != nil {
		return ImageHeader{}, false
	}
	if !headerCRCValid(raw) {
		return ImageHeader{}, false
	}
	return DecodeImageHeader(raw), true
}

// preValidate runs the six PREPARE-time predicates over a
// newly-received header (§4.5 "Pre-validation"), in the order the
// spec lists them, returning the first one that fails.
func preValidate(hdr ImageHeader, raw [HeaderSize]byte, resident ImageHeader, residentValid bool, cfg Config, caps Capabilities) validationStatus {
	if !headerCRCValid(raw) {
		return validationCRC
	}
	if cfg.EnableSizeCheck && hdr.ImageSize > cfg.AppSizeMax {
		return validationSize
	}
	if cfg.EnableSWLimit && hdr.SWVer > cfg.SWLimit {
		return validationSWVer
	}
	if !cfg.EnableDowngrade && residentValid && hdr.SWVer <= resident.SWVer {
		return validationSWVer
	}
	if cfg.EnableHWLimit && hdr.HWVer > cfg.HWLimit {
		return validationHWVer
	}
	if cfg.EnableSignature {
		if caps.Verifier == nil || caps.Keys == nil {
			return validationSignature
		}
		if !caps.Verifier.VerifyECDSA(caps.Keys.PublicKey(), hdr.Hash, hdr.Signature) {
			return validationSignature
		}
	}
	if hdr.ImageType != ImageTypeApp {
		return validationImageType
	}
	return validationOK
}

// eraseRegion erases [addr, addr+length) one page at a time, kicking
// the watchdog between pages (§4.5 "Flash prepare", grounded on the
// teacher's paged-write loop shape, sender.go's block-by-block
// transmission retried per ZRPOS).
func eraseRegion(flash FlashMemory, wdt Watchdog, addr, length uint32) error {
	page := flash.PageSize()
	if page == 0 {
		page = length
	}
	for off := uint32(0); off < length; off += page {
		n := page
		if off+n > length {
			n = length - off
		}
		if err := flash.Erase(addr+off, n); err != nil {
			return err
		}
		wdt.Kick()
	}
	return nil
}

// eraseHeader erases just the 256-byte header at addr, leaving any
// payload bytes in place but unreachable (§9 "Post-validation failure
// is the only path that discards an already-written image").
func eraseHeader(flash FlashMemory, addr uint32) error {
	return flash.Erase(addr, HeaderSize)
}

// postValidate re-reads the resident header and, depending on its
// declared signature_type, checks either an ECDSA signature over a
// freshly computed SHA-256 hash or a CRC32 over the written payload
// (§4.5 "Post-validation"). On any failure it erases the resident
// header itself, making erase-on-post-validation-failure a single
// internal responsibility rather than something every caller must
// remember to do.
func postValidate(caps Capabilities, addr uint32) bool {
	var raw [HeaderSize]byte
	if err := caps.Flash.Read(addr, raw[:]); err != nil {
		_ = eraseHeader(caps.Flash, addr)
		return false
	}
	if !headerCRCValid(raw) {
		_ = eraseHeader(caps.Flash, addr)
		return false
	}
	hdr := DecodeImageHeader(raw)

	payload := make([]byte, hdr.ImageSize)
	if err := caps.Flash.Read(addr+HeaderSize, payload); err != nil {
		_ = eraseHeader(caps.Flash, addr)
		return false
	}

	switch hdr.SignatureType {
	case SignatureECDSA:
		if caps.Verifier == nil || caps.Keys == nil {
			_ = eraseHeader(caps.Flash, addr)
			return false
		}
		sum := sha256.Sum256(payload)
		if !caps.Verifier.VerifyECDSA(caps.Keys.PublicKey(), sum, hdr.Signature) {
			_ = eraseHeader(caps.Flash, addr)
			return false
		}
	case SignatureNone:
		if crc32(payload) != hdr.ImageCRC {
			_ = eraseHeader(caps.Flash, addr)
			return false
		}
	default:
		_ = eraseHeader(caps.Flash, addr)
		return false
	}
	return true
}

// jump hands control to the resident application (§4.5 "Jump"). The
// platform-specific stack-pointer-and-reset-vector dance is delegated
// to the Jumper capability; this function only sequences it.
func jump(caps Capabilities, startAddr uint32) {
	_ = caps.Jump.DeinitForJump()
	caps.Jump.JumpTo(startAddr)
}
