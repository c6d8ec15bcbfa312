// Package evbproto is the framing used between fragment producers and the
// event ordering service. All integers are little endian.
package evbproto

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"strings"

	"fragorder/internal/domain"
)

const (
	HeaderSize         = 8
	FragmentHeaderSize = 20
	DescriptionSize    = 80
	MaxBodySize        = 64 << 20
	MaxReplySize       = 4096

	ReplyOK = "OK"
)

var (
	ErrMalformed    = errors.New("malformed message")
	ErrBodyTooLarge = errors.New("message body too large")
)

type MsgType uint32

const (
	MsgConnect    MsgType = 1
	MsgFragments  MsgType = 2
	MsgDisconnect MsgType = 4
)

func (m MsgType) String() string {
	switch m {
	case MsgConnect:
		return "CONNECT"
	case MsgFragments:
		return "FRAGMENTS"
	case MsgDisconnect:
		return "DISCONNECT"
	default:
		return fmt.Sprintf("msg(%d)", uint32(m))
	}
}

type Header struct {
	BodySize uint32
	Type     MsgType
}

func AppendHeader(dst []byte, h Header) []byte {
	dst = binary.LittleEndian.AppendUint32(dst, h.BodySize)
	return binary.LittleEndian.AppendUint32(dst, uint32(h.Type))
}

// AppendFragmentHeader appends the 20 byte {timestamp, source, size,
// barrier} record that precedes each payload.
func AppendFragmentHeader(dst []byte, f domain.Fragment) []byte {
	dst = binary.LittleEndian.AppendUint64(dst, f.Timestamp)
	dst = binary.LittleEndian.AppendUint32(dst, f.SourceID)
	dst = binary.LittleEndian.AppendUint32(dst, f.Size)
	return binary.LittleEndian.AppendUint32(dst, uint32(f.Barrier))
}

// EncodeConnect builds a complete CONNECT message. The description is
// truncated or zero padded to DescriptionSize bytes.
func EncodeConnect(description string, sourceIDs []domain.SourceID) []byte {
	body := DescriptionSize + 4 + 4*len(sourceIDs)
	out := AppendHeader(make([]byte, 0, HeaderSize+body), Header{BodySize: uint32(body), Type: MsgConnect})
	var desc [DescriptionSize]byte
	copy(desc[:], description)
	out = append(out, desc[:]...)
	out = binary.LittleEndian.AppendUint32(out, uint32(len(sourceIDs)))
	for _, id := range sourceIDs {
		out = binary.LittleEndian.AppendUint32(out, id)
	}
	return out
}

func EncodeDisconnect() []byte {
	return AppendHeader(nil, Header{Type: MsgDisconnect})
}

// FragmentsBodySize is the FRAGMENTS body length for frags.
func FragmentsBodySize(frags []*domain.Fragment) int {
	n := 0
	for _, f := range frags {
		n += FragmentHeaderSize + len(f.Payload)
	}
	return n
}

func ReadHeader(r io.Reader) (Header, error) {
	var b [HeaderSize]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return Header{}, err
	}
	return Header{
		BodySize: binary.LittleEndian.Uint32(b[0:]),
		Type:     MsgType(binary.LittleEndian.Uint32(b[4:])),
	}, nil
}

// ReadMessage reads one framed request.
func ReadMessage(r io.Reader) (Header, []byte, error) {
	h, err := ReadHeader(r)
	if err != nil {
		return Header{}, nil, err
	}
	if h.BodySize > MaxBodySize {
		return h, nil, fmt.Errorf("%w: %d", ErrBodyTooLarge, h.BodySize)
	}
	body := make([]byte, int(h.BodySize))
	if _, err := io.ReadFull(r, body); err != nil {
		return h, nil, fmt.Errorf("read %s body: %w", h.Type, err)
	}
	return h, body, nil
}

type Connect struct {
	Description string
	SourceIDs   []domain.SourceID
}

func DecodeConnect(body []byte) (Connect, error) {
	if len(body) < DescriptionSize+4 {
		return Connect{}, fmt.Errorf("%w: connect body of %d bytes", ErrMalformed, len(body))
	}
	desc := body[:DescriptionSize]
	if i := bytes.IndexByte(desc, 0); i >= 0 {
		desc = desc[:i]
	}
	n := binary.LittleEndian.Uint32(body[DescriptionSize:])
	ids := body[DescriptionSize+4:]
	if uint64(len(ids)) != 4*uint64(n) {
		return Connect{}, fmt.Errorf("%w: %d source ids in %d bytes", ErrMalformed, n, len(ids))
	}
	c := Connect{Description: string(desc), SourceIDs: make([]domain.SourceID, n)}
	for i := range c.SourceIDs {
		c.SourceIDs[i] = binary.LittleEndian.Uint32(ids[4*i:])
	}
	return c, nil
}

// DecodeFragments splits a FRAGMENTS body. Payloads alias body.
func DecodeFragments(body []byte) ([]domain.Fragment, error) {
	var out []domain.Fragment
	for off := 0; off < len(body); {
		f, n, err := decodeFragment(body[off:])
		if err != nil {
			return nil, fmt.Errorf("fragment at offset %d: %w", off, err)
		}
		out = append(out, f)
		off += n
	}
	return out, nil
}

func decodeFragment(b []byte) (domain.Fragment, int, error) {
	if len(b) < FragmentHeaderSize {
		return domain.Fragment{}, 0, fmt.Errorf("%w: truncated fragment header", ErrMalformed)
	}
	f := parseFragmentHeader(b)
	end := FragmentHeaderSize + uint64(f.Size)
	if end > uint64(len(b)) {
		return domain.Fragment{}, 0, fmt.Errorf("%w: payload of %d bytes with %d left", ErrMalformed, f.Size, len(b)-FragmentHeaderSize)
	}
	f.Payload = b[FragmentHeaderSize:end:end]
	return f, int(end), nil
}

func parseFragmentHeader(b []byte) domain.Fragment {
	return domain.Fragment{
		Timestamp: binary.LittleEndian.Uint64(b[0:]),
		SourceID:  binary.LittleEndian.Uint32(b[8:]),
		Size:      binary.LittleEndian.Uint32(b[12:]),
		Barrier:   domain.BarrierKind(binary.LittleEndian.Uint32(b[16:])),
	}
}

// WriteFragment writes one header+payload record, the layout used both in
// FRAGMENTS bodies and in merged output streams.
func WriteFragment(w io.Writer, f domain.Fragment) error {
	var hdr [FragmentHeaderSize]byte
	f.Size = uint32(len(f.Payload))
	if _, err := w.Write(AppendFragmentHeader(hdr[:0], f)); err != nil {
		return err
	}
	_, err := w.Write(f.Payload)
	return err
}

// ReadFragment reads one record written by WriteFragment. A clean end of
// stream between records is io.EOF.
func ReadFragment(r io.Reader) (domain.Fragment, error) {
	var hdr [FragmentHeaderSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return domain.Fragment{}, err
	}
	f := parseFragmentHeader(hdr[:])
	if f.Size > MaxBodySize {
		return domain.Fragment{}, fmt.Errorf("%w: fragment of %d bytes", ErrBodyTooLarge, f.Size)
	}
	f.Payload = make([]byte, int(f.Size))
	if _, err := io.ReadFull(r, f.Payload); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return domain.Fragment{}, err
	}
	return f, nil
}

// ReadReply reads one newline terminated reply and strips the terminator.
func ReadReply(r *bufio.Reader) (string, error) {
	var sb strings.Builder
	for {
		c, err := r.ReadByte()
		if err != nil {
			return sb.String(), err
		}
		if c == '\n' {
			return sb.String(), nil
		}
		if sb.Len() >= MaxReplySize {
			return sb.String(), fmt.Errorf("%w: reply longer than %d bytes", ErrMalformed, MaxReplySize)
		}
		sb.WriteByte(c)
	}
}

func WriteReply(w io.Writer, reply string) error {
	_, err := io.WriteString(w, reply+"\n")
	return err
}
