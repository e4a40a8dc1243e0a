package bsp

import "time"

type Options struct {
	// Window caps both the receive buffer and the bytes in flight.
	Window  int
	MaxPups int

	ConnectTimeout time.Duration
	RetransmitMin  time.Duration
	RetransmitMax  time.Duration
	MaxRetries     int
	AckDelay       time.Duration
}

func NewDefaultOptions() *Options {
	return &Options{
		Window:         2048,
		MaxPups:        8,
		ConnectTimeout: 5 * time.Second,
		RetransmitMin:  250 * time.Millisecond,
		RetransmitMax:  2 * time.Second,
		MaxRetries:     8,
		AckDelay:       20 * time.Millisecond,
	}
}
