package edi

import (
	"errors"
	"fmt"

	"github.com/digris/edi2edi/internal/frame"
)

// ErrProtocolNotSeen is returned (and logged, not fatal) when a "deti" tag
// arrives before the mandatory "*ptr" pointer tag has been observed on this
// connection (spec §4.1).
var ErrProtocolNotSeen = errors.New("edi: deti tag seen before protocol pointer")

// FCTModulus is the wrap point of the wire-carried FCT byte (spec
// §3/§4.4): a deti tag's FCT cycles 0..249, 20 cycles per dlfc hyperframe
// of 5000 (frame.DLFCModulus).
const FCTModulus = 250

// Decoder reassembles a byte stream into TAG packets and tracks the
// minimal per-connection state (protocol-seen gate, dlfc extension)
// needed to emit frame.TagPacket values. One Decoder belongs to one
// Receiver.
type Decoder struct {
	buf        []byte
	sawPointer bool
	haveFCT    bool
	lastFCT    uint8
	dlfc       uint16
}

// NewDecoder returns a fresh decoder for a newly (re)connected source.
func NewDecoder() *Decoder {
	return &Decoder{}
}

// Reset clears per-connection state; called by the receiver on every
// reconnect since the protocol pointer must be re-observed (spec §4.1),
// and the dlfc extension restarts from whatever FCT the new connection
// first carries.
func (d *Decoder) Reset() {
	d.buf = nil
	d.sawPointer = false
	d.haveFCT = false
}

// Feed appends freshly-received bytes and returns every complete
// tagpacket that can now be extracted, plus any non-fatal decode errors
// encountered along the way (one entry per malformed AF packet skipped).
func (d *Decoder) Feed(origin string, data []byte) ([]*frame.TagPacket, []error) {
	d.buf = append(d.buf, data...)

	var tps []*frame.TagPacket
	var errs []error
	for {
		af, n, err := ParseAF(d.buf)
		if err != nil {
			if n == 0 {
				// not enough bytes yet for even a header; wait for more.
				break
			}
			// malformed packet of known length: skip it and keep going.
			d.buf = d.buf[n:]
			errs = append(errs, err)
			continue
		}
		d.buf = d.buf[n:]
		if af.PT != PayloadTypeTAG {
			continue
		}
		tp, err := d.decodeTagPacket(origin, af)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if tp != nil {
			tps = append(tps, tp)
		}
	}
	return tps, errs
}

func (d *Decoder) decodeTagPacket(origin string, af *AFPacket) (*frame.TagPacket, error) {
	items, err := DecodeTagItems(af.Payload)
	if err != nil {
		return nil, fmt.Errorf("edi: %w", err)
	}

	var (
		deti      *DETIFrame
		detiBytes []byte
		fic       []byte
	)
	for _, it := range items {
		switch it.NameString() {
		case "*ptr":
			d.sawPointer = true
		case "deti":
			if !d.sawPointer {
				return nil, ErrProtocolNotSeen
			}
			df, err := DecodeDETI(it.Value)
			if err != nil {
				return nil, fmt.Errorf("edi: %w", err)
			}
			deti = &df
			detiBytes = it.Value
			fic = df.FIC
		}
	}
	if deti == nil {
		// not every AF/TAG packet carries a deti tag (e.g. pure FIC
		// refresh frames in some profiles); nothing to schedule.
		return nil, nil
	}

	seconds := DETISeconds(detiBytes)
	ts := frame.Timestamp{Seconds: seconds, Tsta: deti.FC.Tsta}
	deti.FC.DLFC = d.extendDLFC(deti.FC.FCT)

	tp := frame.NewTagPacket(origin, frame.SeqInfo{Seq: af.Seq, SeqValid: true}, deti.FC, ts, af.Payload)
	if len(fic) > 0 {
		tp.ETI = &frame.ETIExtras{FIC: fic, MNSC: deti.MNSC, RFU: deti.RFU}
	}
	return tp, nil
}

// extendDLFC derives the 0..4999 dlfc from the wire-carried FCT byte
// (0..249) by tracking how far it advanced since the last successfully
// decoded deti tag. Any AF/TAG packet the caller skipped in between
// (ParseAF/DecodeTagItems/DecodeDETI failure, a dropped connection's
// worth of bytes) shows up here as a jump of more than one FCT tick,
// which carries straight through into a real dlfc gap — exactly the
// discontinuity spec §4.2 invariant I6 is meant to catch.
func (d *Decoder) extendDLFC(fct uint8) uint16 {
	if !d.haveFCT {
		d.haveFCT = true
		d.lastFCT = fct
		d.dlfc = uint16(fct) % frame.DLFCModulus
		return d.dlfc
	}
	delta := int(fct) - int(d.lastFCT)
	if delta <= 0 {
		delta += FCTModulus
	}
	d.lastFCT = fct
	d.dlfc = uint16((uint32(d.dlfc) + uint32(delta)) % frame.DLFCModulus)
	return d.dlfc
}

// EncodeTagPacket builds a full TAG packet payload (the value wrapped by
// WrapAF) carrying a protocol pointer and a deti tag — used by the sender
// when re-emitting a previously decoded frame and by tests to synthesise
// input traces.
func EncodeTagPacket(fc frame.FCData, seconds uint32, mnsc, rfu uint16, fic []byte) []byte {
	ptr := EncodeTagItem("*ptr", []byte(ProtocolPointer))
	deti := EncodeTagItem("deti", EncodeDETI(fc, seconds, mnsc, rfu, fic))
	out := make([]byte, 0, len(ptr)+len(deti))
	out = append(out, ptr...)
	out = append(out, deti...)
	return out
}
