// Package dimse implements the DICOM upper-layer protocol: PDU framing,
// association negotiation, and the Implicit VR Little Endian command-set
// codec needed to speak C-ECHO, C-FIND, C-MOVE and C-STORE as either the
// service class provider or the service class user.
package dimse

// PDU type octets, as laid out in DICOM PS3.8.
const (
	PDUTypeAssociateRQ byte = 0x01
	PDUTypeAssociateAC byte = 0x02
	PDUTypeAssociateRJ byte = 0x03
	PDUTypePDataTF     byte = 0x04
	PDUTypeReleaseRQ   byte = 0x05
	PDUTypeReleaseRP   byte = 0x06
	PDUTypeAbort       byte = 0x07
)

// Sub-item type octets inside A-ASSOCIATE-RQ/AC PDUs.
const (
	ItemTypeApplicationContext    byte = 0x10
	ItemTypePresentationContextRQ byte = 0x20
	ItemTypePresentationContextAC byte = 0x21
	ItemTypeAbstractSyntax        byte = 0x30
	ItemTypeTransferSyntax        byte = 0x40
	ItemTypeUserInformation       byte = 0x50
	ItemTypeMaxLength             byte = 0x51
	ItemTypeImplementationClassUID byte = 0x52
	ItemTypeImplementationVersion   byte = 0x55
)

// Presentation context result codes carried in A-ASSOCIATE-AC.
const (
	PresentationResultAccepted                  byte = 0
	PresentationResultUserRejection              byte = 1
	PresentationResultNoReason                   byte = 2
	PresentationResultAbstractSyntaxNotSupported byte = 3
	PresentationResultTransferSyntaxNotSupported byte = 4
)

// Well-known UIDs this gateway negotiates.
const (
	ApplicationContextName = "1.2.840.10008.3.1.1.1"

	ImplementationClassUID     = "1.2.826.0.1.3680043.9.7433.1.1.1"
	ImplementationVersionName  = "MADOGATEWAY_1"

	VerificationSOPClass = "1.2.840.10008.1.1"

	PatientRootFindSOPClass = "1.2.840.10008.5.1.4.1.2.1.1"
	PatientRootMoveSOPClass = "1.2.840.10008.5.1.4.1.2.1.2"
	StudyRootFindSOPClass   = "1.2.840.10008.5.1.4.1.2.2.1"
	StudyRootMoveSOPClass   = "1.2.840.10008.5.1.4.1.2.2.2"

	TransferSyntaxImplicitVRLittleEndian = "1.2.840.10008.1.2"
	TransferSyntaxExplicitVRLittleEndian = "1.2.840.10008.1.2.1"
	TransferSyntaxExplicitVRBigEndian    = "1.2.840.10008.1.2.2"
)

// DefaultTransferSyntaxes is the set of transfer syntaxes offered for
// every presentation context this gateway proposes or accepts.
var DefaultTransferSyntaxes = []string{
	TransferSyntaxImplicitVRLittleEndian,
	TransferSyntaxExplicitVRLittleEndian,
	TransferSyntaxExplicitVRBigEndian,
}

// DIMSE command field values (PS3.7 E.1).
const (
	CommandCStoreRQ  uint16 = 0x0001
	CommandCStoreRSP uint16 = 0x8001
	CommandCGetRQ    uint16 = 0x0010
	CommandCGetRSP   uint16 = 0x8010
	CommandCFindRQ   uint16 = 0x0020
	CommandCFindRSP  uint16 = 0x8020
	CommandCMoveRQ   uint16 = 0x0021
	CommandCMoveRSP  uint16 = 0x8021
	CommandCEchoRQ   uint16 = 0x0030
	CommandCEchoRSP  uint16 = 0x8030
)

// Status codes (PS3.7 C).
const (
	StatusSuccess                       uint16 = 0x0000
	StatusPending                       uint16 = 0xFF00
	StatusCancel                        uint16 = 0xFE00
	StatusRefused                       uint16 = 0xA700
	StatusUnableToProcess               uint16 = 0xC000
	StatusInvalidArgumentValue          uint16 = 0x0115
	StatusIdentifierDoesNotMatchSOPClass uint16 = 0xA900
	StatusMoveDestinationUnknown        uint16 = 0xA801
	StatusUnrecognizedOperation         uint16 = 0x0211
	StatusProcessingFailure             uint16 = 0x0110
)

// Command Data Set Type value meaning "no data set follows".
const CommandDataSetTypeNull uint16 = 0x0101

// Message control header bits inside a P-DATA-TF value item.
const (
	mchCommandBit byte = 0x01
	mchLastBit    byte = 0x02
)
