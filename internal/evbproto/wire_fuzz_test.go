package evbproto

import (
	"bufio"
	"bytes"
	"testing"

	"fragorder/internal/domain"
)

func FuzzReadMessage(f *testing.F) {
	f.Add(EncodeConnect("x", []uint32{1}))
	f.Add(EncodeDisconnect())
	f.Add([]byte{0xff, 0xff, 0xff, 0xff, 2, 0, 0, 0})
	f.Fuzz(func(t *testing.T, data []byte) {
		h, body, err := ReadMessage(bytes.NewReader(data))
		if err != nil {
			return
		}
		switch h.Type {
		case MsgConnect:
			_, _ = DecodeConnect(body)
		case MsgFragments:
			_, _ = DecodeFragments(body)
		}
	})
}

func FuzzDecodeFragments(f *testing.F) {
	f.Add(AppendFragmentHeader(nil, domain.Fragment{}))
	f.Add([]byte{1, 2, 3})
	f.Fuzz(func(t *testing.T, data []byte) {
		frags, err := DecodeFragments(data)
		if err != nil {
			return
		}
		n := 0
		for _, fr := range frags {
			n += FragmentHeaderSize + len(fr.Payload)
		}
		if n != len(data) {
			t.Fatalf("decoded %d of %d bytes", n, len(data))
		}
	})
}

func FuzzReadReply(f *testing.F) {
	f.Add([]byte("OK\n"))
	f.Fuzz(func(t *testing.T, data []byte) {
		_, _ = ReadReply(bufio.NewReader(bytes.NewReader(data)))
	})
}
