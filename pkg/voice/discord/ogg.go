package discord

import (
	"bytes"
	"errors"
	"fmt"
)

// oggPageHeaderLen is the fixed portion of an Ogg page header, up to and
// including the segment count byte.
const oggPageHeaderLen = 27

var oggCapturePattern = []byte("OggS")

// ErrBadOggStream reports a malformed Ogg container.
var ErrBadOggStream = errors.New("discord: malformed ogg stream")

// oggOpusPackets extracts the Opus packets from an Ogg Opus byte stream,
// skipping the OpusHead and OpusTags header packets. Packets spanning
// multiple segments (255-byte lacing continuation) are reassembled;
// packets spanning pages are supported.
func oggOpusPackets(data []byte) ([][]byte, error) {
	var packets [][]byte
	var partial []byte

	for len(data) > 0 {
		if len(data) < oggPageHeaderLen {
			return nil, fmt.Errorf("%w: truncated page header", ErrBadOggStream)
		}
		if !bytes.Equal(data[:4], oggCapturePattern) {
			return nil, fmt.Errorf("%w: missing capture pattern", ErrBadOggStream)
		}
		if version := data[4]; version != 0 {
			return nil, fmt.Errorf("%w: unsupported version %d", ErrBadOggStream, version)
		}
		segments := int(data[26])
		if len(data) < oggPageHeaderLen+segments {
			return nil, fmt.Errorf("%w: truncated segment table", ErrBadOggStream)
		}
		table := data[oggPageHeaderLen : oggPageHeaderLen+segments]
		body := data[oggPageHeaderLen+segments:]

		bodyLen := 0
		for _, l := range table {
			bodyLen += int(l)
		}
		if len(body) < bodyLen {
			return nil, fmt.Errorf("%w: truncated page body", ErrBadOggStream)
		}

		offset := 0
		for _, lacing := range table {
			partial = append(partial, body[offset:offset+int(lacing)]...)
			offset += int(lacing)
			if lacing < 255 {
				if !isOpusHeaderPacket(partial) {
					packets = append(packets, partial)
				}
				partial = nil
			}
		}

		data = body[bodyLen:]
	}

	if len(partial) > 0 {
		return nil, fmt.Errorf("%w: unterminated packet", ErrBadOggStream)
	}
	return packets, nil
}

// isOpusHeaderPacket reports whether pkt is the OpusHead or OpusTags
// stream header rather than audio.
func isOpusHeaderPacket(pkt []byte) bool {
	return bytes.HasPrefix(pkt, []byte("OpusHead")) || bytes.HasPrefix(pkt, []byte("OpusTags"))
}
