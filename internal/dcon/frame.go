package dcon

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Kind classifies a request by the reply shape it expects.
type Kind string

const (
	KindIdentify Kind = "identify"
	KindAnalog   Kind = "analog"
	KindDigital  Kind = "digital"
	KindWrite    Kind = "write"
)

// Terminator ends every request and reply line.
const Terminator = '\r'

// MinAnalogChannels is the channel count of a complete analog reply.
const MinAnalogChannels = 8

var (
	ErrTimeout         = errors.New("dcon: response timeout")
	ErrInvalidResponse = errors.New("dcon: invalid response")
)

// Request is one ASCII command addressed to a module.
type Request struct {
	Kind   Kind
	Module string
	Text   string
}

func (r Request) String() string {
	return r.Text
}

// Encode returns the wire bytes including the terminator.
func (r Request) Encode() []byte {
	return append([]byte(r.Text), Terminator)
}

// Identify builds $AAM.
func Identify(module string) Request {
	return Request{Kind: KindIdentify, Module: module, Text: fmt.Sprintf("$%sM", module)}
}

// ReadAnalog builds #AA.
func ReadAnalog(module string) Request {
	return Request{Kind: KindAnalog, Module: module, Text: "#" + module}
}

// ReadDigital builds @AA.
func ReadDigital(module string) Request {
	return Request{Kind: KindDigital, Module: module, Text: "@" + module}
}

// WriteLow builds #AA00HH, setting output bits 0-7.
func WriteLow(module string, value byte) Request {
	return Request{Kind: KindWrite, Module: module, Text: fmt.Sprintf("#%s00%02X", module, value)}
}

// WriteHigh builds #AA0BHH, setting output bits 8-15.
func WriteHigh(module string, value byte) Request {
	return Request{Kind: KindWrite, Module: module, Text: fmt.Sprintf("#%s0B%02X", module, value)}
}

// ValidModule reports whether module is a two-digit hex address.
func ValidModule(module string) bool {
	if len(module) != 2 {
		return false
	}
	_, err := strconv.ParseUint(module, 16, 8)
	return err == nil
}

// Validate checks a trimmed reply against the shape its request kind expects.
func Validate(kind Kind, resp string) error {
	if resp == "" {
		return ErrTimeout
	}
	switch kind {
	case KindAnalog:
		if _, err := ParseAnalog(resp); err != nil {
			return err
		}
	case KindDigital:
		if _, err := ParseDigital(resp); err != nil {
			return err
		}
	case KindIdentify:
		if !strings.HasPrefix(resp, "!") {
			return fmt.Errorf("%w: identify reply %q", ErrInvalidResponse, resp)
		}
	case KindWrite:
		if !strings.HasPrefix(resp, ">") {
			return fmt.Errorf("%w: write reply %q", ErrInvalidResponse, resp)
		}
	}
	return nil
}

// ParseAnalog extracts the signed channel values of a #AA reply, e.g.
// ">+0020.8+0021.0-0001.5...".
func ParseAnalog(resp string) ([]float64, error) {
	body := strings.TrimPrefix(strings.TrimSpace(resp), ">")

	var values []float64
	start := -1
	flush := func(end int) error {
		if start < 0 {
			return nil
		}
		v, err := strconv.ParseFloat(body[start:end], 64)
		if err != nil {
			return fmt.Errorf("%w: analog value %q", ErrInvalidResponse, body[start:end])
		}
		values = append(values, v)
		return nil
	}

	for i := 0; i < len(body); i++ {
		if body[i] == '+' || body[i] == '-' {
			if err := flush(i); err != nil {
				return nil, err
			}
			start = i
		}
	}
	if err := flush(len(body)); err != nil {
		return nil, err
	}

	if len(values) < MinAnalogChannels {
		return nil, fmt.Errorf("%w: %d analog channels, need %d", ErrInvalidResponse, len(values), MinAnalogChannels)
	}
	return values, nil
}

// ParseDigital decodes the 16-bit value of a >hhhh reply.
func ParseDigital(resp string) (uint16, error) {
	resp = strings.TrimSpace(resp)
	if !strings.HasPrefix(resp, ">") {
		return 0, fmt.Errorf("%w: digital reply %q", ErrInvalidResponse, resp)
	}
	hex := strings.TrimSpace(resp[1:])
	if hex == "" || len(hex) > 6 {
		return 0, fmt.Errorf("%w: digital reply %q", ErrInvalidResponse, resp)
	}
	// Some modules append two status digits after the 16-bit value.
	if len(hex) > 4 {
		hex = hex[:4]
	}
	v, err := strconv.ParseUint(hex, 16, 16)
	if err != nil {
		return 0, fmt.Errorf("%w: digital reply %q", ErrInvalidResponse, resp)
	}
	return uint16(v), nil
}
