// Package wire implements the fixed-width ASCII MCS request/reply framing
// used by the Request Handler: a 38-byte header plus payload, carried over
// UDP. See the header layout in Decode/Encode below.
package wire

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

const (
	headerLen = 38

	destOffset, destLen           = 0, 3
	senderOffset, senderLen       = 3, 3
	commandOffset, commandLen     = 6, 3
	refOffset, refLen             = 9, 9
	dataLenOffset, dataLenLen     = 18, 4
	mjdOffset, mjdLen             = 22, 6
	mpmOffset, mpmLen             = 28, 9
	separatorOffset                = 37
)

// Packet is a decoded MCS request or reply header plus its payload.
type Packet struct {
	Destination string
	Sender      string
	Command     string
	Reference   int64
	MJD         int
	MPM         int
	Payload     []byte
}

// Decode parses a raw UDP datagram into a Packet. It returns an error for
// anything shorter than the header or whose numeric fields do not parse.
// The Request Handler logs such datagrams and drops them without sending
// any reply.
func Decode(raw []byte) (Packet, error) {
	if len(raw) < headerLen {
		return Packet{}, fmt.Errorf("wire: packet too short: %d bytes", len(raw))
	}

	ref, err := parseInt(raw[refOffset : refOffset+refLen])
	if err != nil {
		return Packet{}, fmt.Errorf("wire: bad reference id: %w", err)
	}
	dataLen, err := parseInt(raw[dataLenOffset : dataLenOffset+dataLenLen])
	if err != nil {
		return Packet{}, fmt.Errorf("wire: bad data length: %w", err)
	}
	mjd, err := parseInt(raw[mjdOffset : mjdOffset+mjdLen])
	if err != nil {
		return Packet{}, fmt.Errorf("wire: bad MJD: %w", err)
	}
	mpm, err := parseInt(raw[mpmOffset : mpmOffset+mpmLen])
	if err != nil {
		return Packet{}, fmt.Errorf("wire: bad MPM: %w", err)
	}

	payload := raw[headerLen:]
	if int64(len(payload)) < dataLen {
		return Packet{}, fmt.Errorf("wire: declared length %d exceeds payload %d", dataLen, len(payload))
	}

	return Packet{
		Destination: strings.TrimSpace(string(raw[destOffset : destOffset+destLen])),
		Sender:      strings.TrimSpace(string(raw[senderOffset : senderOffset+senderLen])),
		Command:     strings.TrimSpace(string(raw[commandOffset : commandOffset+commandLen])),
		Reference:   ref,
		MJD:         int(mjd),
		MPM:         int(mpm),
		Payload:     payload[:dataLen],
	}, nil
}

// Encode renders a packet from the header fields exactly as given (a reply
// passes the request's sender as destination), stamps the current MJD/MPM,
// and appends the payload
// verbatim (accepted/rejected marker and status are the caller's concern,
// just as in the original protocol where they are the first bytes of data).
func Encode(destination, sender, command string, reference int64, payload []byte) []byte {
	mjd, mpm := Now()

	buf := make([]byte, 0, headerLen+len(payload))
	buf = append(buf, padLeft(destination, destLen)...)
	buf = append(buf, padLeft(sender, senderLen)...)
	buf = append(buf, padLeft(command, commandLen)...)
	buf = append(buf, rightJustify(strconv.FormatInt(reference, 10), refLen)...)
	buf = append(buf, rightJustify(strconv.Itoa(len(payload)), dataLenLen)...)
	buf = append(buf, rightJustify(strconv.Itoa(mjd), mjdLen)...)
	buf = append(buf, rightJustify(strconv.Itoa(mpm), mpmLen)...)
	buf = append(buf, ' ')
	buf = append(buf, payload...)
	return buf
}

// EncodeReply builds a reply payload: accepted/rejected marker, the
// 7-character subsystem status, then command-specific bytes.
func EncodeReply(accepted bool, status string, body []byte) []byte {
	marker := byte('R')
	if accepted {
		marker = 'A'
	}
	out := make([]byte, 0, 1+7+len(body))
	out = append(out, marker)
	out = append(out, []byte(rightJustify(status, 7))...)
	out = append(out, body...)
	return out
}

// Now returns the current MJD and MPM, replicating the original service's
// getTime(): MJD via the standard civil-to-Julian-day integer formula, MPM
// as milliseconds elapsed since UTC midnight.
func Now() (mjd, mpm int) {
	return timeToMJDMPM(time.Now().UTC())
}

func timeToMJDMPM(t time.Time) (int, int) {
	year, month, day := t.Date()
	hour, minute, second := t.Clock()
	millisecond := t.Nanosecond() / 1_000_000

	a := (14 - int(month)) / 12
	y := year + 4800 - a
	m := int(month) + 12*a - 3
	p := day + ((153*m+2)/5) + 365*y
	q := (y / 4) - (y / 100) + (y / 400) - 32045
	mjd := int(math.Floor(float64(p+q) - 2400000.5))

	mpm := int(math.Floor(float64((hour*3600+minute*60+second)*1000 + millisecond)))

	return mjd, mpm
}

func parseInt(b []byte) (int64, error) {
	s := strings.TrimSpace(string(b))
	if s == "" {
		return 0, fmt.Errorf("empty numeric field")
	}
	return strconv.ParseInt(s, 10, 64)
}

func padLeft(s string, width int) string {
	if len(s) >= width {
		return s[:width]
	}
	return s + strings.Repeat(" ", width-len(s))
}

func rightJustify(s string, width int) string {
	if len(s) >= width {
		return s[len(s)-width:]
	}
	return strings.Repeat(" ", width-len(s)) + s
}
