package bsp

import "github.com/SimonJGillespie/ContraltoVRFarm/internal/serial"

// Mark is an in-band signal occupying one position in the byte stream.
type Mark struct {
	Code byte
}

type ackRecord struct {
	MaxBytesPerPup uint16
	MaxPups        uint16
	BytesAvailable uint16
}

func (r *ackRecord) Fields() []serial.Field {
	return []serial.Field{
		serial.Uint16("max-bytes", &r.MaxBytesPerPup),
		serial.Uint16("max-pups", &r.MaxPups),
		serial.Uint16("bytes-available", &r.BytesAvailable),
	}
}

type abortRecord struct {
	Code uint16
	Text string
}

func (r *abortRecord) Fields() []serial.Field {
	return []serial.Field{
		serial.Uint16("code", &r.Code),
		serial.String("text", &r.Text),
	}
}

func encodeAbort(code uint16, text string) []byte {
	b, err := serial.Encode(&abortRecord{Code: code, Text: text})
	if err != nil {
		return []byte{byte(code >> 8), byte(code)}
	}
	return b
}
