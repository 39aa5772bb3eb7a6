package inspect

import (
	"bytes"
	"fmt"
	"os"
)

// GPG detached signature markers: armored header, or the leading byte of a
// binary OpenPGP signature packet (old-format tag 2).
var (
	armoredSigHeader = []byte("-----BEGIN PGP SIGNATURE-----")
	binarySigLeading = []byte{0x88}
	binarySigLeadNew = []byte{0x89}
)

// Kernel modules signed with the in-tree sign-file tool carry this trailer
// marker at the end of the image.
var moduleSigMagic = []byte("~Module signature appended~\n")

// probeLinux inspects a Linux driver artifact for signing markers: an
// appended kernel module signature, or a detached GPG signature sidecar
// (<artifact>.asc or <artifact>.sig).
func probeLinux(path string, md *Metadata) error {
	raw, err := os.ReadFile(path) //nolint:gosec // operator-supplied artifact path
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrUnreadableArtifact, path, err)
	}

	if bytes.HasSuffix(raw, moduleSigMagic) {
		md.SignaturePresent = true
	}

	for _, sidecar := range []string{path + ".asc", path + ".sig"} {
		sig, err := os.ReadFile(sidecar) //nolint:gosec // derived from artifact path
		if err != nil {
			continue
		}
		if bytes.HasPrefix(sig, armoredSigHeader) ||
			bytes.HasPrefix(sig, binarySigLeading) ||
			bytes.HasPrefix(sig, binarySigLeadNew) {
			md.GPGSignaturePresent = true
			md.SignaturePresent = true
			break
		}
		return fmt.Errorf("%w: %s: sidecar %s is not a GPG signature", ErrUnreadableArtifact, path, sidecar)
	}
	return nil
}
