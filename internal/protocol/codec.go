package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// Messages are framed as newline-delimited JSON, one message per line.

// Encoder writes messages to a stream. It is not safe for concurrent use.
type Encoder struct {
	enc *json.Encoder
}

// NewEncoder returns an Encoder writing to w.
func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{enc: json.NewEncoder(w)}
}

// EncodeCall validates and writes a Call.
func (e *Encoder) EncodeCall(c *Call) error {
	if err := ValidateCall(c); err != nil {
		return err
	}
	if err := e.enc.Encode(c); err != nil {
		return fmt.Errorf("failed to encode call: %w", err)
	}
	return nil
}

// EncodeResponse validates and writes a Response.
func (e *Encoder) EncodeResponse(r *Response) error {
	if err := ValidateResponse(r); err != nil {
		return err
	}
	if err := e.enc.Encode(r); err != nil {
		return fmt.Errorf("failed to encode response: %w", err)
	}
	return nil
}

// Decoder reads messages from a stream. It is not safe for concurrent use.
type Decoder struct {
	dec *json.Decoder
}

// NewDecoder returns a Decoder reading from r.
func NewDecoder(r io.Reader) *Decoder {
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields() // Strict parsing
	return &Decoder{dec: dec}
}

// DecodeCall reads the next Call. It returns io.EOF when the stream ends cleanly.
func (d *Decoder) DecodeCall() (*Call, error) {
	var c Call
	if err := d.dec.Decode(&c); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("failed to decode call: %w", err)
	}
	if err := ValidateCall(&c); err != nil {
		return nil, err
	}
	return &c, nil
}

// DecodeResponse reads the next Response. It returns io.EOF when the stream ends cleanly.
func (d *Decoder) DecodeResponse() (*Response, error) {
	var r Response
	if err := d.dec.Decode(&r); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	if err := ValidateResponse(&r); err != nil {
		return nil, err
	}
	return &r, nil
}

// ValidateCall checks required Call fields.
func ValidateCall(c *Call) error {
	if c == nil {
		return fmt.Errorf("call is nil")
	}
	if c.ID == 0 {
		return fmt.Errorf("call missing required field: id")
	}
	if c.Fn == "" {
		return fmt.Errorf("call missing required field: fn")
	}
	return nil
}

// ValidateResponse checks required Response fields.
func ValidateResponse(r *Response) error {
	if r == nil {
		return fmt.Errorf("response is nil")
	}
	if r.ID == 0 {
		return fmt.Errorf("response missing required field: id")
	}
	if !r.OK && (r.Error == nil || r.Error.Message == "") {
		return fmt.Errorf("response has ok=false but no error message")
	}
	if r.OK && r.Error != nil {
		return fmt.Errorf("response has ok=true and an error")
	}
	return nil
}
