// Package flashfile provides a host-testable stand-in for raw NVM: a
// regular file, memory-mapped so reads and writes behave like flash
// accesses at fixed addresses, plus a carve-out for the handoff
// region. Grounded on the pack's only other mmap-based image tool,
// CircleCashTeam-magiskboot_go's bootimg.go, which opens a boot image
// file with mmap.Map and walks it by byte offset the same way this
// package treats a flash image file.
package flashfile

import (
	"fmt"
	"os"

	"github.com/edsrzf/mmap-go"
)

// File is a FlashMemory and HandoffStore backed by a single
// memory-mapped file. The last loader.HandoffSize bytes of the file
// are reserved for the handoff region; everything before that is
// addressable flash.
type File struct {
	f    *os.File
	m    mmap.MMap
	size uint32
	page uint32
}

const handoffRegionSize = 32

// Open maps size bytes of path (creating it, zero-filled, if it does
// not exist) as simulated flash. page is the erase granularity
// reported by PageSize.
func Open(path string, size uint32, page uint32) (*File, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("flashfile: open %s: %w", path, err)
	}

	if err := f.Truncate(int64(size)); err != nil {
		f.Close()
		return nil, fmt.Errorf("flashfile: truncate %s: %w", path, err)
	}

	m, err := mmap.Map(f, mmap.RDWR, 0)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("flashfile: mmap %s: %w", path, err)
	}

	return &File{f: f, m: m, size: size, page: page}, nil
}

// Close unmaps and closes the backing file.
func (fl *File) Close() error {
	if err := fl.m.Unmap(); err != nil {
		fl.f.Close()
		return err
	}
	return fl.f.Close()
}

func (fl *File) flashSize() uint32 {
	if fl.size <= handoffRegionSize {
		return 0
	}
	return fl.size - handoffRegionSize
}

// Read implements loader.FlashMemory.
func (fl *File) Read(addr uint32, p []byte) error {
	if uint64(addr)+uint64(len(p)) > uint64(fl.flashSize()) {
		return fmt.Errorf("flashfile: read [%#x, %#x) out of range", addr, uint64(addr)+uint64(len(p)))
	}
	copy(p, fl.m[addr:int(addr)+len(p)])
	return nil
}

// Write implements loader.FlashMemory.
func (fl *File) Write(addr uint32, p []byte) error {
	if uint64(addr)+uint64(len(p)) > uint64(fl.flashSize()) {
		return fmt.Errorf("flashfile: write [%#x, %#x) out of range", addr, uint64(addr)+uint64(len(p)))
	}
	copy(fl.m[addr:], p)
	return nil
}

// Erase implements loader.FlashMemory by setting every byte in the
// range to 0xFF, the typical NOR-flash erased value.
func (fl *File) Erase(addr uint32, length uint32) error {
	if uint64(addr)+uint64(length) > uint64(fl.flashSize()) {
		return fmt.Errorf("flashfile: erase [%#x, %#x) out of range", addr, uint64(addr)+uint64(length))
	}
	region := fl.m[addr : addr+length]
	for i := range region {
		region[i] = 0xFF
	}
	return nil
}

// PageSize implements loader.FlashMemory.
func (fl *File) PageSize() uint32 { return fl.page }

// ReadRegion implements loader.HandoffStore over the file's last 32
// bytes.
func (fl *File) ReadRegion() [handoffRegionSize]byte {
	var out [handoffRegionSize]byte
	copy(out[:], fl.m[fl.flashSize():])
	return out
}

// WriteRegion implements loader.HandoffStore.
func (fl *File) WriteRegion(r [handoffRegionSize]byte) error {
	copy(fl.m[fl.flashSize():], r[:])
	return nil
}
