package tap

import (
	"bytes"
	"testing"

	"fragorder/internal/domain"
)

func TestFragmentRecordKeepsNullTimestamp(t *testing.T) {
	in := domain.Fragment{Timestamp: domain.NullTimestamp, SourceID: 7, Barrier: domain.BarrierEndRun, Payload: []byte("end")}
	b, err := EncodeFragment(in)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	out, err := DecodeFragment(b)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.HasTimestamp() || out.SourceID != 7 || out.Barrier != domain.BarrierEndRun || out.Size != 3 {
		t.Fatalf("decoded %+v", out)
	}
	if !bytes.Equal(out.Payload, in.Payload) {
		t.Fatalf("payload = %q", out.Payload)
	}
}

func TestFragmentRecordCarriesUnknownBarrier(t *testing.T) {
	b, err := EncodeFragment(domain.Fragment{Timestamp: 0, Barrier: domain.BarrierKind(9)})
	if err != nil {
		t.Fatal(err)
	}
	out, err := DecodeFragment(b)
	if err != nil {
		t.Fatal(err)
	}
	if out.Timestamp != 0 || out.Barrier != domain.BarrierKind(9) {
		t.Fatalf("decoded %+v", out)
	}
}

func TestBarrierNoticeRoundTrip(t *testing.T) {
	n := NewBarrierNotice("run-1", domain.Fragment{Timestamp: 44, SourceID: 2, Barrier: domain.BarrierBeginRun}, 1234)
	b, err := MarshalMessage(n)
	if err != nil {
		t.Fatal(err)
	}
	got, err := UnmarshalBarrierNotice(b)
	if err != nil {
		t.Fatal(err)
	}
	if got.RunId != "run-1" || got.SourceId != 2 || got.Timestamp != 44 || !got.HasTimestamp || got.EmittedAtNs != 1234 {
		t.Fatalf("notice = %+v", got)
	}
}

func TestDecodeFragmentRejectsGarbage(t *testing.T) {
	if _, err := DecodeFragment([]byte{0xff, 0xff, 0xff}); err == nil {
		t.Fatalf("expected error")
	}
}
