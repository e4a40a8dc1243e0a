package plist

// Well-known FTP property names.
const (
	ServerFilename      = "Server-Filename"
	Type                = "Type"
	EndOfLineConvention = "End-of-Line-Convention"
	ByteSize            = "Byte-Size"
	Device              = "Device"
	Directory           = "Directory"
	NameBody            = "Name-Body"
	Version             = "Version"
	Size                = "Size"
	UserName            = "User-Name"
	UserPassword        = "User-Password"
	UserAccount         = "User-Account"
	ConnectName         = "Connect-Name"
	ConnectPassword     = "Connect-Password"
	CreationDate        = "Creation-Date"
	WriteDate           = "Write-Date"
	ReadDate            = "Read-Date"
	Author              = "Author"
	Checksum            = "Checksum"
	DesiredProperty     = "Desired-Property"
	Mailbox             = "Mailbox"
	Length              = "Length"
	DateReceived        = "Date-Received"
	Opened              = "Opened"
	Deleted             = "Deleted"
)
