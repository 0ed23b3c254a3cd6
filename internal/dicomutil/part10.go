// Package dicomutil holds small, self-contained DICOM byte-format
// helpers shared by the WADO-RS client and the C-MOVE pipeline: Part-10 magic validation and File Meta Information
// recovery. It intentionally does not depend on a general-purpose DICOM
// parsing library — the File Meta group has a fixed, simple Explicit VR
// Little Endian layout regardless of the main dataset's transfer syntax,
// and scanning it by hand lets the pipeline forward the untouched main
// dataset bytes verbatim (the "no transcoding" invariant), rather than
// risk a parse/re-encode round trip silently reformatting them.
package dicomutil

import (
	"encoding/binary"
	"fmt"
)

const (
	preambleLength = 128
	magic          = "DICM"
)

// FileMeta is the subset of File Meta Information this gateway needs.
type FileMeta struct {
	MediaStorageSOPClassUID    string
	MediaStorageSOPInstanceUID string
	TransferSyntaxUID          string
}

// IsPart10 reports whether data begins with the 128-byte preamble
// followed by the "DICM" magic at offset 128, per spec.md §6's Part-10
// byte contract.
func IsPart10(data []byte) bool {
	return len(data) >= preambleLength+4 && string(data[preambleLength:preambleLength+4]) == magic
}

// SplitFileMeta validates the Part-10 magic, scans the File Meta
// Information group (group 0002, always Explicit VR Little Endian), and
// returns the parsed meta plus the untouched main dataset bytes that
// follow it.
func SplitFileMeta(data []byte) (FileMeta, []byte, error) {
	var meta FileMeta

	if !IsPart10(data) {
		return meta, nil, fmt.Errorf("dicomutil: missing Part-10 magic at offset %d", preambleLength)
	}

	offset := preambleLength + 4
	groupLength, elementsEnd, err := readGroupLength(data, offset)
	if err != nil {
		return meta, nil, err
	}

	metaEnd := elementsEnd + int(groupLength)
	if metaEnd > len(data) {
		return meta, nil, fmt.Errorf("dicomutil: file meta group length %d exceeds buffer", groupLength)
	}

	if err := scanFileMetaElements(data[elementsEnd:metaEnd], &meta); err != nil {
		return meta, nil, err
	}
	if meta.TransferSyntaxUID == "" {
		return meta, nil, fmt.Errorf("dicomutil: file meta group has no TransferSyntaxUID")
	}

	return meta, data[metaEnd:], nil
}

// readGroupLength reads the mandatory (0002,0000) FileMetaInformationGroupLength
// element at offset and returns its value plus the offset where the
// remaining File Meta elements begin.
func readGroupLength(data []byte, offset int) (uint32, int, error) {
	if offset+12 > len(data) {
		return 0, 0, fmt.Errorf("dicomutil: truncated file meta group length element")
	}
	group := binary.LittleEndian.Uint16(data[offset : offset+2])
	element := binary.LittleEndian.Uint16(data[offset+2 : offset+4])
	vr := string(data[offset+4 : offset+6])
	if group != 0x0002 || element != 0x0000 || vr != "UL" {
		return 0, 0, fmt.Errorf("dicomutil: expected (0002,0000) UL, got (%04x,%04x) %s", group, element, vr)
	}
	length := binary.LittleEndian.Uint16(data[offset+6 : offset+8])
	if length != 4 || offset+8+4 > len(data) {
		return 0, 0, fmt.Errorf("dicomutil: malformed file meta group length element")
	}
	value := binary.LittleEndian.Uint32(data[offset+8 : offset+12])
	return value, offset + 12, nil
}

// scanFileMetaElements walks Explicit VR Little Endian elements,
// extracting the three tags this gateway cares about and ignoring the
// rest (e.g. MediaStorageSOPClassUID is redundant with the identifier
// supplied by the manifest, but is recovered here for self-description).
func scanFileMetaElements(data []byte, meta *FileMeta) error {
	offset := 0
	for offset+8 <= len(data) {
		group := binary.LittleEndian.Uint16(data[offset : offset+2])
		element := binary.LittleEndian.Uint16(data[offset+2 : offset+4])
		vr := string(data[offset+4 : offset+6])

		var length uint32
		var valueStart int
		if isLongVR(vr) {
			if offset+12 > len(data) {
				return fmt.Errorf("dicomutil: truncated long-VR element header")
			}
			length = binary.LittleEndian.Uint32(data[offset+8 : offset+12])
			valueStart = offset + 12
		} else {
			if offset+8 > len(data) {
				return fmt.Errorf("dicomutil: truncated short-VR element header")
			}
			length = uint32(binary.LittleEndian.Uint16(data[offset+6 : offset+8]))
			valueStart = offset + 8
		}

		valueEnd := valueStart + int(length)
		if valueEnd > len(data) {
			return fmt.Errorf("dicomutil: element (%04x,%04x) length %d exceeds buffer", group, element, length)
		}
		value := trimPadding(data[valueStart:valueEnd])

		switch {
		case group == 0x0002 && element == 0x0002:
			meta.MediaStorageSOPClassUID = string(value)
		case group == 0x0002 && element == 0x0003:
			meta.MediaStorageSOPInstanceUID = string(value)
		case group == 0x0002 && element == 0x0010:
			meta.TransferSyntaxUID = string(value)
		}

		offset = valueEnd
	}
	return nil
}

func isLongVR(vr string) bool {
	switch vr {
	case "OB", "OW", "OF", "SQ", "UT", "UN":
		return true
	default:
		return false
	}
}

func trimPadding(b []byte) []byte {
	for len(b) > 0 && (b[len(b)-1] == 0x00 || b[len(b)-1] == ' ') {
		b = b[:len(b)-1]
	}
	return b
}
