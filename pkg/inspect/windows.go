package inspect

import (
	"encoding/binary"
	"fmt"
	"os"
)

// PE layout constants for locating the security data directory
// (IMAGE_DIRECTORY_ENTRY_SECURITY, index 4) that holds the Authenticode
// signature blob.
const (
	peSignatureOffset   = 0x3c
	optMagicPE32        = 0x10b
	optMagicPE32Plus    = 0x20b
	securityDirIndex    = 4
	dataDirEntrySize    = 8
	pe32DataDirOffset   = 96  // from start of optional header
	pe32PlusDataDirOffs = 112 // from start of optional header
)

// probeWindows inspects a PE image (or catalog file) for signing markers.
// Presence of a non-empty security directory means an embedded Authenticode
// signature; a .cat sidecar next to the artifact marks catalog signing,
// which is how WHQL-certified drivers ship.
func probeWindows(path string, md *Metadata) error {
	if _, err := os.Stat(trimExtTo(path, ".cat")); err == nil {
		md.CatalogPresent = true
	}

	f, err := os.Open(path) //nolint:gosec // operator-supplied artifact path
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrUnreadableArtifact, path, err)
	}
	defer f.Close() //nolint:errcheck // read-only handle

	var dosMagic [2]byte
	if _, err := f.ReadAt(dosMagic[:], 0); err != nil || dosMagic != [2]byte{'M', 'Z'} {
		// Catalog files are not PE images; catalog presence is the only
		// signal they carry.
		if md.CatalogPresent {
			md.SignaturePresent = true
			return nil
		}
		return fmt.Errorf("%w: %s: not a PE image", ErrUnreadableArtifact, path)
	}

	var lfanewRaw [4]byte
	if _, err := f.ReadAt(lfanewRaw[:], peSignatureOffset); err != nil {
		return fmt.Errorf("%w: %s: truncated DOS header", ErrUnreadableArtifact, path)
	}
	peOffset := int64(binary.LittleEndian.Uint32(lfanewRaw[:]))

	var peSig [4]byte
	if _, err := f.ReadAt(peSig[:], peOffset); err != nil || peSig != [4]byte{'P', 'E', 0, 0} {
		return fmt.Errorf("%w: %s: missing PE signature", ErrUnreadableArtifact, path)
	}

	// COFF header is 20 bytes; optional header follows.
	optOffset := peOffset + 4 + 20
	var optMagicRaw [2]byte
	if _, err := f.ReadAt(optMagicRaw[:], optOffset); err != nil {
		return fmt.Errorf("%w: %s: truncated optional header", ErrUnreadableArtifact, path)
	}

	var dataDirOffset int64
	switch binary.LittleEndian.Uint16(optMagicRaw[:]) {
	case optMagicPE32:
		dataDirOffset = optOffset + pe32DataDirOffset
	case optMagicPE32Plus:
		dataDirOffset = optOffset + pe32PlusDataDirOffs
	default:
		return fmt.Errorf("%w: %s: unknown optional header magic", ErrUnreadableArtifact, path)
	}

	var secDir [dataDirEntrySize]byte
	entryOffset := dataDirOffset + securityDirIndex*dataDirEntrySize
	if _, err := f.ReadAt(secDir[:], entryOffset); err != nil {
		return fmt.Errorf("%w: %s: truncated data directories", ErrUnreadableArtifact, path)
	}

	rva := binary.LittleEndian.Uint32(secDir[0:4])
	size := binary.LittleEndian.Uint32(secDir[4:8])
	md.SignaturePresent = rva != 0 && size != 0

	// Catalog signing counts as a present signature even when the image
	// itself carries no embedded blob.
	if md.CatalogPresent {
		md.SignaturePresent = true
	}
	return nil
}

// trimExtTo swaps the path's extension.
func trimExtTo(path, newExt string) string {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '.' {
			return path[:i] + newExt
		}
		if path[i] == '/' || path[i] == '\\' {
			break
		}
	}
	return path + newExt
}
