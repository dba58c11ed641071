package signing

import (
	"bytes"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/x509"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"os"

	"github.com/blacktop/go-macho"
	"go.mozilla.org/pkcs7"
)

const (
	csMagicEmbeddedSignature = 0xfade0cc0
	csMagicCodeDirectory     = 0xfade0c02
	csMagicBlobWrapper       = 0xfade0b01

	csSlotCodeDirectory            = 0
	csSlotAlternateCodeDirectories = 0x1000
	csSlotCMSSignature             = 0x10000

	csHashTypeSHA1   = 1
	csHashTypeSHA256 = 2

	csFlagAdHoc   = 0x0002
	csFlagRuntime = 0x10000

	lcCodeSignature = 0x1d
	fatMagic        = 0xcafebabe
)

// ErrNotSigned is returned for a Mach-O without an embedded signature.
var ErrNotSigned = errors.New("no code signature found")

// SignatureInfo describes the signature of every architecture in a Mach-O.
type SignatureInfo struct {
	Path   string
	Slices []SliceSignature
}

// SliceSignature is the signature of a single architecture.
type SliceSignature struct {
	CPU        string
	Identifier string
	TeamID     string
	Flags      uint32
	HashType   string
	// CDHash is the hex truncated hash of the strongest code directory.
	CDHash string
	// Signer is the common name of the CMS signing certificate. It is empty
	// for ad-hoc signatures.
	Signer string
}

// AdHoc reports whether the slice carries an ad-hoc signature.
func (s SliceSignature) AdHoc() bool { return s.Flags&csFlagAdHoc != 0 }

// HardenedRuntime reports whether the slice was signed with --options runtime.
func (s SliceSignature) HardenedRuntime() bool { return s.Flags&csFlagRuntime != 0 }

// InspectFile reads the embedded signature of the Mach-O at path.
func InspectFile(path string) (*SignatureInfo, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read binary: %w", err)
	}

	info := &SignatureInfo{Path: path}
	if len(data) >= 4 && binary.BigEndian.Uint32(data) == fatMagic {
		fat, err := macho.NewFatFile(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("failed to parse fat binary: %w", err)
		}
		defer fat.Close()

		for _, arch := range fat.Arches {
			end := uint64(arch.Offset) + uint64(arch.Size)
			if end > uint64(len(data)) {
				return nil, fmt.Errorf("%s slice extends beyond file", arch.CPU)
			}
			slice, err := inspectSlice(data[arch.Offset:end])
			if err != nil {
				return nil, fmt.Errorf("%s: %w", arch.CPU, err)
			}
			info.Slices = append(info.Slices, *slice)
		}
		return info, nil
	}

	slice, err := inspectSlice(data)
	if err != nil {
		return nil, err
	}
	info.Slices = append(info.Slices, *slice)
	return info, nil
}

func inspectSlice(data []byte) (*SliceSignature, error) {
	sigOffset, sigSize, found := findCodeSignature(data)
	if !found {
		return nil, ErrNotSigned
	}
	end := uint64(sigOffset) + uint64(sigSize)
	if end > uint64(len(data)) {
		return nil, fmt.Errorf("code signature extends beyond file")
	}

	// go-macho rejects some signature layouts, so it only sees the load
	// commands with the signature bytes zeroed.
	forParsing := make([]byte, len(data))
	copy(forParsing, data)
	for i := uint64(sigOffset); i < end; i++ {
		forParsing[i] = 0
	}
	m, err := macho.NewFile(bytes.NewReader(forParsing))
	if err != nil {
		return nil, fmt.Errorf("failed to parse Mach-O: %w", err)
	}
	defer m.Close()

	var cs *macho.CodeSignature
	for _, load := range m.Loads {
		if c, ok := load.(*macho.CodeSignature); ok {
			cs = c
			break
		}
	}
	if cs == nil {
		return nil, ErrNotSigned
	}

	slice, err := parseSignature(data[sigOffset:end])
	if err != nil {
		return nil, err
	}
	slice.CPU = m.CPU.String()
	return slice, nil
}

// findCodeSignature locates LC_CODE_SIGNATURE in a thin little-endian
// Mach-O without a full parse.
func findCodeSignature(data []byte) (offset, size uint32, found bool) {
	if len(data) < 28 {
		return 0, 0, false
	}

	var headerSize uint32
	switch binary.LittleEndian.Uint32(data) {
	case 0xfeedfacf:
		headerSize = 32
	case 0xfeedface:
		headerSize = 28
	default:
		return 0, 0, false
	}
	if uint32(len(data)) < headerSize {
		return 0, 0, false
	}

	ncmds := binary.LittleEndian.Uint32(data[16:20])
	sizeofcmds := binary.LittleEndian.Uint32(data[20:24])
	limit := uint64(headerSize) + uint64(sizeofcmds)
	if uint64(len(data)) < limit {
		return 0, 0, false
	}

	off := uint64(headerSize)
	for i := uint32(0); i < ncmds && off+8 <= limit; i++ {
		cmd := binary.LittleEndian.Uint32(data[off:])
		cmdSize := binary.LittleEndian.Uint32(data[off+4:])
		if cmdSize < 8 {
			return 0, 0, false
		}
		if cmd == lcCodeSignature && off+16 <= limit {
			return binary.LittleEndian.Uint32(data[off+8:]), binary.LittleEndian.Uint32(data[off+12:]), true
		}
		off += uint64(cmdSize)
	}
	return 0, 0, false
}

type codeDirectory struct {
	raw        []byte
	flags      uint32
	hashType   uint8
	identifier string
	teamID     string
}

// parseSignature decodes an embedded signature SuperBlob.
func parseSignature(sig []byte) (*SliceSignature, error) {
	if len(sig) < 12 {
		return nil, fmt.Errorf("signature data too short")
	}
	if magic := binary.BigEndian.Uint32(sig); magic != csMagicEmbeddedSignature {
		return nil, fmt.Errorf("invalid SuperBlob magic: 0x%x", magic)
	}
	count := binary.BigEndian.Uint32(sig[8:12])
	if uint64(len(sig)) < 12+uint64(count)*8 {
		return nil, fmt.Errorf("signature data too short for blob index")
	}

	var best *codeDirectory
	var cms []byte
	for i := uint32(0); i < count; i++ {
		entry := 12 + i*8
		slot := binary.BigEndian.Uint32(sig[entry:])
		blobOffset := binary.BigEndian.Uint32(sig[entry+4:])
		if uint64(blobOffset)+8 > uint64(len(sig)) {
			continue
		}
		blobMagic := binary.BigEndian.Uint32(sig[blobOffset:])
		blobSize := binary.BigEndian.Uint32(sig[blobOffset+4:])
		if uint64(blobOffset)+uint64(blobSize) > uint64(len(sig)) || blobSize < 8 {
			continue
		}
		blob := sig[blobOffset : blobOffset+blobSize]

		switch {
		case (slot == csSlotCodeDirectory || slot >= csSlotAlternateCodeDirectories && slot < csSlotCMSSignature) && blobMagic == csMagicCodeDirectory:
			cd, err := parseCodeDirectory(blob)
			if err != nil {
				return nil, err
			}
			if best == nil || cd.hashType > best.hashType {
				best = cd
			}
		case slot == csSlotCMSSignature && blobMagic == csMagicBlobWrapper:
			cms = blob[8:]
		}
	}
	if best == nil {
		return nil, fmt.Errorf("signature has no code directory")
	}

	slice := &SliceSignature{
		Identifier: best.identifier,
		TeamID:     best.teamID,
		Flags:      best.flags,
	}
	switch best.hashType {
	case csHashTypeSHA1:
		sum := sha1.Sum(best.raw)
		slice.HashType = "sha1"
		slice.CDHash = hex.EncodeToString(sum[:])
	case csHashTypeSHA256:
		sum := sha256.Sum256(best.raw)
		slice.HashType = "sha256"
		slice.CDHash = hex.EncodeToString(sum[:20])
	default:
		slice.HashType = fmt.Sprintf("unknown(%d)", best.hashType)
	}

	if len(cms) > 0 {
		p7, err := pkcs7.Parse(cms)
		if err != nil {
			return nil, fmt.Errorf("failed to parse CMS signature: %w", err)
		}
		if signer := p7.GetOnlySigner(); signer != nil {
			slice.Signer = signer.Subject.CommonName
			if slice.TeamID == "" {
				slice.TeamID = teamIDFromCertificate(signer)
			}
		}
	}
	return slice, nil
}

func parseCodeDirectory(data []byte) (*codeDirectory, error) {
	if len(data) < 44 {
		return nil, fmt.Errorf("CodeDirectory too short")
	}
	cd := &codeDirectory{
		raw:      data,
		flags:    binary.BigEndian.Uint32(data[12:16]),
		hashType: data[37],
	}
	version := binary.BigEndian.Uint32(data[8:12])
	cd.identifier = cString(data, binary.BigEndian.Uint32(data[20:24]))
	if version >= 0x20200 && len(data) >= 52 {
		if teamOffset := binary.BigEndian.Uint32(data[48:52]); teamOffset > 0 {
			cd.teamID = cString(data, teamOffset)
		}
	}
	return cd, nil
}

func cString(data []byte, off uint32) string {
	if uint64(off) >= uint64(len(data)) {
		return ""
	}
	end := off
	for end < uint32(len(data)) && data[end] != 0 {
		end++
	}
	return string(data[off:end])
}

// teamIDFromCertificate returns the ten character organizational unit Apple
// stores the team identifier in.
func teamIDFromCertificate(cert *x509.Certificate) string {
	for _, ou := range cert.Subject.OrganizationalUnit {
		if len(ou) == 10 {
			return ou
		}
	}
	return ""
}
