package dicomutil

import (
	"encoding/binary"
	"testing"
)

func explicitVRElement(group, element uint16, vr string, value []byte) []byte {
	if len(value)%2 == 1 {
		value = append(value, 0x00)
	}
	b := make([]byte, 8)
	binary.LittleEndian.PutUint16(b[0:2], group)
	binary.LittleEndian.PutUint16(b[2:4], element)
	copy(b[4:6], vr)
	binary.LittleEndian.PutUint16(b[6:8], uint16(len(value)))
	return append(b, value...)
}

func buildPart10(sopClassUID, sopInstanceUID, transferSyntax string, mainDataset []byte) []byte {
	var metaElements []byte
	metaElements = append(metaElements, explicitVRElement(0x0002, 0x0002, "UI", []byte(sopClassUID))...)
	metaElements = append(metaElements, explicitVRElement(0x0002, 0x0003, "UI", []byte(sopInstanceUID))...)
	metaElements = append(metaElements, explicitVRElement(0x0002, 0x0010, "UI", []byte(transferSyntax))...)

	groupLength := make([]byte, 4)
	binary.LittleEndian.PutUint32(groupLength, uint32(len(metaElements)))
	groupLengthElement := explicitVRElement(0x0002, 0x0000, "UL", groupLength)

	out := make([]byte, 128)
	out = append(out, []byte("DICM")...)
	out = append(out, groupLengthElement...)
	out = append(out, metaElements...)
	out = append(out, mainDataset...)
	return out
}

func TestIsPart10(t *testing.T) {
	data := buildPart10("1.2.840.10008.5.1.4.1.1.7", "1.2.3", "1.2.840.10008.1.2", []byte{0xAA, 0xBB})
	if !IsPart10(data) {
		t.Fatal("IsPart10 = false on well-formed Part-10 data")
	}
	if IsPart10([]byte("not dicom at all")) {
		t.Fatal("IsPart10 = true on non-DICOM bytes")
	}
	if IsPart10(make([]byte, 100)) {
		t.Fatal("IsPart10 = true on truncated buffer")
	}
}

func TestSplitFileMeta(t *testing.T) {
	mainDataset := []byte{0x10, 0x20, 0x30, 0x40}
	data := buildPart10("1.2.840.10008.5.1.4.1.1.7", "1.2.3.4.5", "1.2.840.10008.1.2.1", mainDataset)

	meta, rest, err := SplitFileMeta(data)
	if err != nil {
		t.Fatalf("SplitFileMeta: %v", err)
	}
	if meta.MediaStorageSOPClassUID != "1.2.840.10008.5.1.4.1.1.7" {
		t.Errorf("MediaStorageSOPClassUID = %q", meta.MediaStorageSOPClassUID)
	}
	if meta.MediaStorageSOPInstanceUID != "1.2.3.4.5" {
		t.Errorf("MediaStorageSOPInstanceUID = %q", meta.MediaStorageSOPInstanceUID)
	}
	if meta.TransferSyntaxUID != "1.2.840.10008.1.2.1" {
		t.Errorf("TransferSyntaxUID = %q", meta.TransferSyntaxUID)
	}
	if string(rest) != string(mainDataset) {
		t.Errorf("rest = %v, want %v (main dataset bytes must pass through untouched)", rest, mainDataset)
	}
}

func TestSplitFileMetaRejectsMissingMagic(t *testing.T) {
	if _, _, err := SplitFileMeta(make([]byte, 256)); err == nil {
		t.Fatal("expected error for missing Part-10 magic")
	}
}

func TestSplitFileMetaRejectsMissingTransferSyntax(t *testing.T) {
	var metaElements []byte
	metaElements = append(metaElements, explicitVRElement(0x0002, 0x0002, "UI", []byte("1.2.3"))...)
	groupLength := make([]byte, 4)
	binary.LittleEndian.PutUint32(groupLength, uint32(len(metaElements)))
	groupLengthElement := explicitVRElement(0x0002, 0x0000, "UL", groupLength)

	data := make([]byte, 128)
	data = append(data, []byte("DICM")...)
	data = append(data, groupLengthElement...)
	data = append(data, metaElements...)

	if _, _, err := SplitFileMeta(data); err == nil {
		t.Fatal("expected error when TransferSyntaxUID is absent from file meta group")
	}
}
