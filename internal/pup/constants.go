package pup

import "fmt"

const (
	HeaderSize   = 20
	ChecksumSize = 2

	// MaxContents is the largest number of content bytes a PUP may carry.
	MaxContents = 532
	MaxSize     = HeaderSize + MaxContents + ChecksumSize

	// NoChecksum in the checksum word tells the receiver not to verify.
	NoChecksum uint16 = 0xffff
)

type Type uint8

const (
	EchoMe     Type = 1
	ImAnEcho   Type = 2
	ImABadEcho Type = 3
	Error      Type = 4

	RFC            Type = 8
	Abort          Type = 9
	End            Type = 10
	EndReply       Type = 11
	Data           Type = 16
	AData          Type = 17
	Ack            Type = 18
	Mark           Type = 19
	Interrupt      Type = 20
	InterruptReply Type = 21
	AMark          Type = 22

	NameLookupRequest     Type = 0x90
	NameLookupResponse    Type = 0x91
	DirectoryLookupError  Type = 0x92
	AddressLookupRequest  Type = 0x93
	AddressLookupResponse Type = 0x94
)

var typeNames = map[Type]string{
	EchoMe:                "EchoMe",
	ImAnEcho:              "ImAnEcho",
	ImABadEcho:            "ImABadEcho",
	Error:                 "Error",
	RFC:                   "RFC",
	Abort:                 "Abort",
	End:                   "End",
	EndReply:              "EndReply",
	Data:                  "Data",
	AData:                 "AData",
	Ack:                   "Ack",
	Mark:                  "Mark",
	Interrupt:             "Interrupt",
	InterruptReply:        "InterruptReply",
	AMark:                 "AMark",
	NameLookupRequest:     "NameLookupRequest",
	NameLookupResponse:    "NameLookupResponse",
	DirectoryLookupError:  "DirectoryLookupError",
	AddressLookupRequest:  "AddressLookupRequest",
	AddressLookupResponse: "AddressLookupResponse",
}

func (t Type) String() string {
	if name, ok := typeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("Type(%d)", uint8(t))
}

// IsStream reports whether t belongs to the byte stream protocol and is
// handled by a connection rather than a datagram handler.
func (t Type) IsStream() bool {
	switch t {
	case RFC, Abort, End, EndReply, Data, AData, Ack, Mark, Interrupt, InterruptReply, AMark:
		return true
	}
	return false
}

// Well-known sockets.
const (
	SocketTelnet       uint32 = 1
	SocketFTP          uint32 = 3
	SocketMiscServices uint32 = 4
	SocketEcho         uint32 = 5
	SocketBSPEcho      uint32 = 6
)
