package protocol

import (
	"fmt"
	"unicode/utf8"

	"google.golang.org/protobuf/encoding/protowire"
)

const (
	fileHeaderNameField protowire.Number = 1
	fileHeaderSizeField protowire.Number = 2
)

// FileHeader announces an inbound file: its name and declared total size.
type FileHeader struct {
	Name string
	Size int64
}

// TextFrame builds a Text frame carrying UTF-8 text.
func TextFrame(text string) Frame {
	return Frame{Kind: KindText, Payload: []byte(text)}
}

// ErrorFrame builds an Error frame carrying a diagnostic for the peer.
func ErrorFrame(message string) Frame {
	return Frame{Kind: KindError, Payload: []byte(message)}
}

// ChunkFrame builds a FileChunk frame. data is referenced, not copied.
func ChunkFrame(data []byte) Frame {
	return Frame{Kind: KindFileChunk, Payload: data}
}

// EndFrame builds the empty FileEnd frame.
func EndFrame() Frame {
	return Frame{Kind: KindFileEnd}
}

// FileHeaderFrame builds a FileHeader frame. The payload uses protobuf wire
// encoding: field 1 holds the UTF-8 name, field 2 the size as fixed64.
func FileHeaderFrame(header FileHeader) (Frame, error) {
	if header.Name == "" {
		return Frame{}, fmt.Errorf("%w: file header name is empty", ErrProtocolViolation)
	}
	if !utf8.ValidString(header.Name) {
		return Frame{}, fmt.Errorf("%w: file header name is not UTF-8", ErrProtocolViolation)
	}
	if header.Size < 0 {
		return Frame{}, fmt.Errorf("%w: negative file size %d", ErrProtocolViolation, header.Size)
	}

	var payload []byte
	payload = protowire.AppendTag(payload, fileHeaderNameField, protowire.BytesType)
	payload = protowire.AppendString(payload, header.Name)
	payload = protowire.AppendTag(payload, fileHeaderSizeField, protowire.Fixed64Type)
	payload = protowire.AppendFixed64(payload, uint64(header.Size))
	return Frame{Kind: KindFileHeader, Payload: payload}, nil
}

// DecodeFileHeader parses a FileHeader frame payload. Unknown fields are
// skipped so the header can grow without breaking older peers.
func DecodeFileHeader(payload []byte) (FileHeader, error) {
	var (
		header  FileHeader
		hasName bool
		hasSize bool
	)

	for len(payload) > 0 {
		num, typ, n := protowire.ConsumeTag(payload)
		if n < 0 {
			return FileHeader{}, fmt.Errorf("%w: file header tag: %v", ErrProtocolViolation, protowire.ParseError(n))
		}
		payload = payload[n:]

		switch {
		case num == fileHeaderNameField && typ == protowire.BytesType:
			raw, m := protowire.ConsumeBytes(payload)
			if m < 0 {
				return FileHeader{}, fmt.Errorf("%w: file header name: %v", ErrProtocolViolation, protowire.ParseError(m))
			}
			header.Name = string(raw)
			hasName = true
			payload = payload[m:]
		case num == fileHeaderSizeField && typ == protowire.Fixed64Type:
			size, m := protowire.ConsumeFixed64(payload)
			if m < 0 {
				return FileHeader{}, fmt.Errorf("%w: file header size: %v", ErrProtocolViolation, protowire.ParseError(m))
			}
			header.Size = int64(size)
			hasSize = true
			payload = payload[m:]
		default:
			m := protowire.ConsumeFieldValue(num, typ, payload)
			if m < 0 {
				return FileHeader{}, fmt.Errorf("%w: file header field %d: %v", ErrProtocolViolation, num, protowire.ParseError(m))
			}
			payload = payload[m:]
		}
	}

	if !hasName || header.Name == "" || !utf8.ValidString(header.Name) {
		return FileHeader{}, fmt.Errorf("%w: file header missing valid name", ErrProtocolViolation)
	}
	if !hasSize || header.Size < 0 {
		return FileHeader{}, fmt.Errorf("%w: file header missing valid size", ErrProtocolViolation)
	}
	return header, nil
}
