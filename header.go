package loader

import "encoding/binary"

// ImageHeader is the 256-byte structure placed at the known
// APP_HEAD_ADDR describing the resident application image (§3).
//
// On-flash layout (little-endian):
//
//	ctrl (8 bytes):
//	  0    crc            u8
//	  1    version        u8
//	  2    imageType      u8
//	  3    signatureType  u8
//	  4-7  reserved
//	data (248 bytes):
//	  8-11    imageAddr  u32
//	  12-15   imageSize  u32
//	  16-19   imageCRC   u32
//	  20-23   swVer      u32
//	  24-27   hwVer      u32
//	  28-91   signature  [64]byte
//	  92-123  hash       [32]byte
//	  124-255 reserved
type ImageHeader struct {
	Version       byte
	ImageType     byte
	SignatureType byte

	ImageAddr uint32
	ImageSize uint32 // payload bytes, excluding the header
	ImageCRC  uint32
	SWVer     uint32
	HWVer     uint32
	Signature [64]byte
	Hash      [32]byte
}

const (
	hdrOffCRC           = 0
	hdrOffVersion       = 1
	hdrOffImageType     = 2
	hdrOffSignatureType = 3
	hdrOffImageAddr     = 8
	hdrOffImageSize     = 12
	hdrOffImageCRC      = 16
	hdrOffSWVer         = 20
	hdrOffHWVer         = 24
	hdrOffSignature     = 28
	hdrOffHash          = 92
)

func init() {
	// §7: structural invariants must be enforced as startup checks and
	// must fail loudly. HeaderSize is a protocol constant, not a Go
	// struct size (the layout is an explicit byte-slice view, per §9),
	// so the check is that the highest field offset fits inside it.
	if hdrOffHash+32 > HeaderSize {
		panic("loader: image header field layout overflows HeaderSize")
	}
	if handoffOffBootCount+1 > HandoffSize {
		panic("loader: handoff region field layout overflows HandoffSize")
	}
}

// EncodeImageHeader renders h into its on-flash 256-byte form,
// including a freshly computed CRC in byte 0.
func EncodeImageHeader(h ImageHeader) [HeaderSize]byte {
	var buf [HeaderSize]byte
	buf[hdrOffVersion] = h.Version
	buf[hdrOffImageType] = h.ImageType
	buf[hdrOffSignatureType] = h.SignatureType
	binary.LittleEndian.PutUint32(buf[hdrOffImageAddr:], h.ImageAddr)
	binary.LittleEndian.PutUint32(buf[hdrOffImageSize:], h.ImageSize)
	binary.LittleEndian.PutUint32(buf[hdrOffImageCRC:], h.ImageCRC)
	binary.LittleEndian.PutUint32(buf[hdrOffSWVer:], h.SWVer)
	binary.LittleEndian.PutUint32(buf[hdrOffHWVer:], h.HWVer)
	copy(buf[hdrOffSignature:], h.Signature[:])
	copy(buf[hdrOffHash:], h.Hash[:])
	buf[hdrOffCRC] = crc8(buf[1:])
	return buf
}

// DecodeImageHeader parses a 256-byte on-flash header. It does not
// check the CRC; callers that need the CRC-validity predicate should
// call headerCRCValid on the same bytes first.
func DecodeImageHeader(buf [HeaderSize]byte) ImageHeader {
	var h ImageHeader
	h.Version = buf[hdrOffVersion]
	h.ImageType = buf[hdrOffImageType]
	h.SignatureType = buf[hdrOffSignatureType]
	h.ImageAddr = binary.LittleEndian.Uint32(buf[hdrOffImageAddr:])
	h.ImageSize = binary.LittleEndian.Uint32(buf[hdrOffImageSize:])
	h.ImageCRC = binary.LittleEndian.Uint32(buf[hdrOffImageCRC:])
	h.SWVer = binary.LittleEndian.Uint32(buf[hdrOffSWVer:])
	h.HWVer = binary.LittleEndian.Uint32(buf[hdrOffHWVer:])
	copy(h.Signature[:], buf[hdrOffSignature:hdrOffSignature+64])
	copy(h.Hash[:], buf[hdrOffHash:hdrOffHash+32])
	return h
}

// headerCRCValid reports whether the CRC byte of an encoded header
// (byte 0) matches the CRC-8 of every remaining byte (§3: "CRC covers
// every byte of the header except the CRC byte itself").
func headerCRCValid(buf [HeaderSize]byte) bool {
	return buf[hdrOffCRC] == crc8(buf[1:])
}
