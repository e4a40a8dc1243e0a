package directory

import (
	"strconv"
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/SimonJGillespie/ContraltoVRFarm/internal/pup"
	"github.com/SimonJGillespie/ContraltoVRFarm/internal/serial"
)

type nameRecord struct {
	Name string
}

func (r *nameRecord) Fields() []serial.Field {
	return []serial.Field{serial.String("name", &r.Name)}
}

// LookupService answers name and address lookups arriving on the misc
// services socket.
type LookupService struct {
	dir    *Directory
	sender pup.Sender
	log    *log.Entry
}

func NewLookupService(dir *Directory, sender pup.Sender, logger *log.Entry) *LookupService {
	if logger == nil {
		logger = log.NewEntry(log.StandardLogger())
	}
	return &LookupService{dir: dir, sender: sender, log: logger.WithField("component", "lookup")}
}

// HandlePacket is registered with the router for both request types.
func (s *LookupService) HandlePacket(pck *pup.Packet) {
	switch pck.Type {
	case pup.NameLookupRequest:
		s.nameLookup(pck)
	case pup.AddressLookupRequest:
		s.addressLookup(pck)
	default:
		s.log.WithField("type", pck.Type).Warn("Unexpected packet for lookup service")
	}
}

func (s *LookupService) reply(req *pup.Packet, t pup.Type, contents []byte) {
	src := s.dir.ResolveLocalAddress().WithSocket(req.Destination.Socket)
	if err := s.sender.Send(pup.New(t, req.ID, req.Source, src, contents)); err != nil {
		s.log.WithError(err).Error("Could not send lookup reply")
	}
}

func (s *LookupService) nameLookup(pck *pup.Packet) {
	var req nameRecord
	if err := serial.Decode(pck.Contents(), &req); err != nil {
		s.log.WithError(err).Warn("Malformed name lookup")
		return
	}

	e, err := s.dir.Resolve(req.Name)
	if err != nil {
		s.log.WithField("name", req.Name).Debug("Name lookup failed")
		text, _ := serial.Encode(&nameRecord{Name: "Name not found"})
		s.reply(pck, pup.DirectoryLookupError, text)
		return
	}
	s.reply(pck, pup.NameLookupResponse, e.ToBytes())
}

func (s *LookupService) addressLookup(pck *pup.Packet) {
	e, err := pup.EndpointFromBytes(pck.Contents())
	if err != nil {
		s.log.WithError(err).Warn("Malformed address lookup")
		return
	}

	name, err := s.dir.LookupName(e.Network, e.Host)
	if err != nil {
		text, _ := serial.Encode(&nameRecord{Name: "Address not found"})
		s.reply(pck, pup.DirectoryLookupError, text)
		return
	}
	text, _ := serial.Encode(&nameRecord{Name: name})
	s.reply(pck, pup.AddressLookupResponse, text)
}

// Resolve accepts either a host name or a literal octal address of the form
// net#host# or net#host#socket.
func (d *Directory) Resolve(name string) (pup.Endpoint, error) {
	if strings.Contains(name, "#") {
		return ParseAddress(name)
	}
	return d.ResolveRemoteHost(name)
}

// ParseAddress parses octal net#host#[socket] notation.
func ParseAddress(s string) (pup.Endpoint, error) {
	parts := strings.Split(strings.TrimSpace(s), "#")
	if len(parts) != 3 {
		return pup.Endpoint{}, ErrUnknownHost
	}

	net, err := parseOctal(parts[0], 8)
	if err != nil {
		return pup.Endpoint{}, ErrUnknownHost
	}
	host, err := parseOctal(parts[1], 8)
	if err != nil {
		return pup.Endpoint{}, ErrUnknownHost
	}
	socket, err := parseOctal(parts[2], 32)
	if err != nil {
		return pup.Endpoint{}, ErrUnknownHost
	}
	return pup.Endpoint{Network: uint8(net), Host: uint8(host), Socket: uint32(socket)}, nil
}

func parseOctal(s string, bits int) (uint64, error) {
	if s == "" {
		return 0, nil
	}
	return strconv.ParseUint(s, 8, bits)
}
