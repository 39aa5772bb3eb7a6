package inspect

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
)

// Mach-O constants for locating the code signature load command.
const (
	machoMagic64       = 0xfeedfacf
	machoCigam64       = 0xcffaedfe
	lcCodeSignature    = 0x1d
	machoHeader64Size  = 32
	maxLoadCommandScan = 256
)

// probeDarwin inspects a Mach-O binary (or packaged artifact) for a code
// signature load command and a notarization ticket sidecar. Packages (.pkg,
// .kext bundles shipped as archives) are opaque here; their signing state
// must come from the sidecar, so only the ticket marker is probed.
func probeDarwin(path string, md *Metadata) error {
	if _, err := os.Stat(path + ".notarization-ticket"); err == nil {
		md.NotarizationTicketPresent = true
	}

	f, err := os.Open(path) //nolint:gosec // operator-supplied artifact path
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrUnreadableArtifact, path, err)
	}
	defer f.Close() //nolint:errcheck // read-only handle

	var header [machoHeader64Size]byte
	if _, err := io.ReadFull(f, header[:]); err != nil {
		return fmt.Errorf("%w: %s: truncated header", ErrUnreadableArtifact, path)
	}

	magic := binary.LittleEndian.Uint32(header[0:4])
	var order binary.ByteOrder = binary.LittleEndian
	switch magic {
	case machoMagic64:
	case machoCigam64:
		order = binary.BigEndian
	default:
		// Not a Mach-O image (bundle archive, flat package). Signature
		// state stays unknown; the ticket sidecar is the only signal.
		return nil
	}

	ncmds := order.Uint32(header[16:20])
	if ncmds > maxLoadCommandScan {
		return fmt.Errorf("%w: %s: implausible load command count %d", ErrUnreadableArtifact, path, ncmds)
	}

	offset := int64(machoHeader64Size)
	for i := uint32(0); i < ncmds; i++ {
		var cmdHeader [8]byte
		if _, err := f.ReadAt(cmdHeader[:], offset); err != nil {
			return fmt.Errorf("%w: %s: truncated load command %d", ErrUnreadableArtifact, path, i)
		}
		cmd := order.Uint32(cmdHeader[0:4])
		cmdSize := order.Uint32(cmdHeader[4:8])
		if cmdSize < 8 {
			return fmt.Errorf("%w: %s: malformed load command %d", ErrUnreadableArtifact, path, i)
		}
		if cmd == lcCodeSignature {
			md.SignaturePresent = true
			break
		}
		offset += int64(cmdSize)
	}
	return nil
}
