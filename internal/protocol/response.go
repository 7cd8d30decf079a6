package protocol

import (
	"bytes"
	"io"
	"strconv"
)

// Wire codes of the two verdicts.
const (
	AcceptedCode = "10"
	RejectedCode = "01"
)

// Response is a verdict ready to be written to the client.
type Response interface {
	Encode() []byte
	Accepted() bool
}

// Accepted is sent when the classifier is at least as confident as the threshold.
type Accepted struct {
	Score float64
	Label string
}

// Encode renders "10,{score},{label}". The score uses the shortest decimal
// form that round-trips, always with a fractional part ("92.3", "70.0").
func (a Accepted) Encode() []byte {
	msg := make([]byte, 0, len(AcceptedCode)+len(a.Label)+16)
	msg = append(msg, AcceptedCode...)
	msg = append(msg, ',')
	msg = appendScore(msg, a.Score)
	msg = append(msg, ',')
	msg = append(msg, a.Label...)
	return msg
}

func appendScore(dst []byte, score float64) []byte {
	start := len(dst)
	dst = strconv.AppendFloat(dst, score, 'f', -1, 64)
	if bytes.IndexByte(dst[start:], '.') < 0 {
		dst = append(dst, ".0"...)
	}
	return dst
}

// Accepted reports true.
func (Accepted) Accepted() bool { return true }

// Rejected is sent when the classifier is not confident enough.
type Rejected struct{}

// Encode renders "01".
func (Rejected) Encode() []byte { return []byte(RejectedCode) }

// Accepted reports false.
func (Rejected) Accepted() bool { return false }

// Decide maps a confidence percentage onto a verdict. The threshold is inclusive.
func Decide(label string, confidence, threshold float64) Response {
	if confidence >= threshold {
		return Accepted{Score: confidence, Label: label}
	}
	return Rejected{}
}

// WriteAll writes msg completely, retrying short writes.
func WriteAll(w io.Writer, msg []byte) error {
	for len(msg) > 0 {
		n, err := w.Write(msg)
		msg = msg[n:]
		if err != nil {
			return err
		}
		if n == 0 {
			return io.ErrShortWrite
		}
	}
	return nil
}
