package ftp

import (
	"fmt"

	"github.com/SimonJGillespie/ContraltoVRFarm/internal/bsp"
	"github.com/SimonJGillespie/ContraltoVRFarm/internal/serial"
)

// Command marks.
const (
	Retrieve           byte = 1
	Store              byte = 2
	Yes                byte = 3
	No                 byte = 4
	HereIsFile         byte = 5
	EndOfCommand       byte = 6
	Abort              byte = 7
	Version            byte = 8
	NewStore           byte = 9
	Enumerate          byte = 10
	HereIsPropertyList byte = 11
	NewEnumerate       byte = 12
	Delete             byte = 14
)

// Reply codes carried after Yes and No.
const (
	CodeOK              byte = 0
	CodeBadCommand      byte = 1
	CodeMalformedList   byte = 2
	CodeIllegalFilename byte = 201
	CodeFileNotFound    byte = 207
	CodeAccessDenied    byte = 210
	CodeTransferFailed  byte = 223
)

// ProtocolVersion is sent in the Version exchange.
const ProtocolVersion byte = 1

type replyRecord struct {
	Code byte
	Text string
}

func (r *replyRecord) Fields() []serial.Field {
	return []serial.Field{
		serial.Byte("code", &r.Code),
		serial.String("text", &r.Text),
	}
}

type versionRecord struct {
	Version byte
	Herald  string
}

func (r *versionRecord) Fields() []serial.Field {
	return []serial.Field{
		serial.Byte("version", &r.Version),
		serial.String("herald", &r.Herald),
	}
}

// ProtocolError reports a command sequence the server cannot follow.
type ProtocolError struct {
	Expected byte
	Got      byte
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("ftp: expected mark %d, got %d", e.Expected, e.Got)
}

// stream frames FTP commands on a channel: a command mark, its body, and a
// terminating mark.
type stream struct {
	ch  *bsp.Channel
	buf []byte
}

func newStream(ch *bsp.Channel) *stream {
	return &stream{ch: ch, buf: make([]byte, 512)}
}

// nextMark discards data until the next mark and returns its code.
func (s *stream) nextMark() (byte, error) {
	for {
		_, mark, err := s.ch.Read(s.buf)
		if err != nil {
			return 0, err
		}
		if mark != nil {
			return mark.Code, nil
		}
	}
}

// body reads data up to and including the next mark.
func (s *stream) body() ([]byte, byte, error) {
	var out []byte
	for {
		n, mark, err := s.ch.Read(s.buf)
		if err != nil {
			return nil, 0, err
		}
		if mark != nil {
			return out, mark.Code, nil
		}
		out = append(out, s.buf[:n]...)
	}
}

// command reads a body that must end with EndOfCommand.
func (s *stream) command() ([]byte, error) {
	b, term, err := s.body()
	if err != nil {
		return nil, err
	}
	if term != EndOfCommand {
		return nil, &ProtocolError{Expected: EndOfCommand, Got: term}
	}
	return b, nil
}

func (s *stream) send(mark byte, body []byte) error {
	if err := s.ch.SendMark(mark, false); err != nil {
		return err
	}
	if len(body) > 0 {
		return s.ch.Send(body)
	}
	return nil
}

func (s *stream) endCommand() error {
	return s.ch.SendMark(EndOfCommand, true)
}

func (s *stream) reply(mark, code byte, text string) error {
	body, err := serial.Encode(&replyRecord{Code: code, Text: text})
	if err != nil {
		return err
	}
	if err := s.send(mark, body); err != nil {
		return err
	}
	return s.endCommand()
}

func (s *stream) yes(code byte, text string) error { return s.reply(Yes, code, text) }

func (s *stream) no(code byte, text string) error { return s.reply(No, code, text) }
