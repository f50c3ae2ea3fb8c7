package edi

import (
	"testing"

	"github.com/digris/edi2edi/internal/frame"
)

func TestDecodeRoundTrip(t *testing.T) {
	fc := frame.FCData{FCT: 1, FP: 0, MID: 0, FICF: true}
	fic := make([]byte, 96)
	tagPayload := EncodeTagPacket(fc, 789000001, 0, 0, fic)
	af := WrapAF(42, tagPayload)

	d := NewDecoder()
	tps, errs := d.Feed("src-a", af)
	if len(errs) != 0 {
		t.Fatalf("unexpected errors: %v", errs)
	}
	if len(tps) != 1 {
		t.Fatalf("want 1 tagpacket, got %d", len(tps))
	}
	tp := tps[0]
	if tp.Timestamp.Seconds != 789000001 {
		t.Errorf("seconds = %d, want 789000001", tp.Timestamp.Seconds)
	}
	if !tp.Seq.SeqValid || tp.Seq.Seq != 42 {
		t.Errorf("seq = %+v, want seq=42 valid", tp.Seq)
	}
	if tp.ETI == nil || len(tp.ETI.FIC) != 96 {
		t.Errorf("expected 96-byte FIC, got %+v", tp.ETI)
	}
}

func TestDecodeRequiresProtocolPointer(t *testing.T) {
	fc := frame.FCData{FCT: 1}
	deti := EncodeTagItem("deti", EncodeDETI(fc, 1, 0, 0, nil))
	af := WrapAF(1, deti)

	d := NewDecoder()
	tps, errs := d.Feed("src-a", af)
	if len(tps) != 0 {
		t.Fatalf("expected no tagpackets before protocol pointer seen, got %d", len(tps))
	}
	if len(errs) != 1 || errs[0] != ErrProtocolNotSeen {
		t.Fatalf("expected ErrProtocolNotSeen, got %v", errs)
	}
}

func TestDLFCAdvancesWithFCT(t *testing.T) {
	d := NewDecoder()
	ptr := EncodeTagItem("*ptr", []byte(ProtocolPointer))
	d.Feed("src-a", WrapAF(1, ptr))

	frame0 := EncodeTagItem("deti", EncodeDETI(frame.FCData{FCT: 10}, 1, 0, 0, nil))
	tps, errs := d.Feed("src-a", WrapAF(2, frame0))
	if len(errs) != 0 || len(tps) != 1 {
		t.Fatalf("unexpected feed result: tps=%d errs=%v", len(tps), errs)
	}
	if tps[0].DLFC != 10 {
		t.Fatalf("expected first dlfc to track fct=10, got %d", tps[0].DLFC)
	}

	frame1 := EncodeTagItem("deti", EncodeDETI(frame.FCData{FCT: 11}, 1, 0, 0, nil))
	tps, errs = d.Feed("src-a", WrapAF(3, frame1))
	if len(errs) != 0 || len(tps) != 1 {
		t.Fatalf("unexpected feed result: tps=%d errs=%v", len(tps), errs)
	}
	if tps[0].DLFC != 11 {
		t.Fatalf("expected dlfc to advance by one, got %d", tps[0].DLFC)
	}
}

func TestDLFCGapsOnSkippedDecodeErrors(t *testing.T) {
	d := NewDecoder()
	ptr := EncodeTagItem("*ptr", []byte(ProtocolPointer))
	d.Feed("src-a", WrapAF(1, ptr))

	frame0 := EncodeTagItem("deti", EncodeDETI(frame.FCData{FCT: 20}, 1, 0, 0, nil))
	tps, _ := d.Feed("src-a", WrapAF(2, frame0))
	if len(tps) != 1 || tps[0].DLFC != 20 {
		t.Fatalf("expected first dlfc=20, got %+v", tps)
	}

	// Simulate losing two intermediate frames (e.g. a malformed AF packet
	// that ParseAF/DecodeTagItems rejected) by jumping straight to a deti
	// tag whose fct advanced by 3.
	frame3 := EncodeTagItem("deti", EncodeDETI(frame.FCData{FCT: 23}, 1, 0, 0, nil))
	tps, errs := d.Feed("src-a", WrapAF(3, frame3))
	if len(errs) != 0 || len(tps) != 1 {
		t.Fatalf("unexpected feed result: tps=%d errs=%v", len(tps), errs)
	}
	if tps[0].DLFC != 23 {
		t.Fatalf("expected dlfc to carry the gap through (23), got %d", tps[0].DLFC)
	}
	if frame.NextDLFC(20) == tps[0].DLFC {
		t.Fatal("expected a real discontinuity, not a seamless +1 step")
	}
}

func TestPFTFragmentRoundTrip(t *testing.T) {
	payload := make([]byte, 300)
	for i := range payload {
		payload[i] = byte(i)
	}
	frags := Fragment(7, payload, FragmentConfig{Enabled: true, FECLevel: 1, Align: 8})
	if len(frags) < 2 {
		t.Fatalf("expected at least 2 fragments, got %d", len(frags))
	}

	r := NewReassembler()
	var out []byte
	for _, raw := range frags {
		f, err := ParsePFTFragment(raw)
		if err != nil {
			t.Fatalf("parse fragment: %v", err)
		}
		if got, done := r.Push(f); done {
			out = got
		}
	}
	if string(out) != string(payload) {
		t.Fatalf("reassembled payload mismatch")
	}
}

func TestPFTReassemblyRecoversSingleDrop(t *testing.T) {
	payload := make([]byte, 300)
	for i := range payload {
		payload[i] = byte(i * 3)
	}
	frags := Fragment(9, payload, FragmentConfig{Enabled: true, FECLevel: 1, Align: 8})

	r := NewReassembler()
	var out []byte
	for i, raw := range frags {
		if i == 0 {
			continue // drop the first data fragment
		}
		f, err := ParsePFTFragment(raw)
		if err != nil {
			t.Fatalf("parse fragment: %v", err)
		}
		if got, done := r.Push(f); done {
			out = got
		}
	}
	if string(out) != string(payload) {
		t.Fatalf("expected FEC recovery of the dropped fragment")
	}
}
