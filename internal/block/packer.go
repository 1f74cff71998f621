// Package block packs the prepared romload image into fixed-size blocks
// with the 10-byte header the romloader handshake expects (spec §4.3).
package block

import "github.com/osmocom/gsm-loader/internal/session"

// HeaderSize is the fixed length of the block header preceding the payload.
const HeaderSize = 10

// imageOffset is a known-unresolved quirk carried over unchanged: block
// read offsets into the image buffer are computed with a +2 that only makes
// sense for the compal length prefix, even though romload never writes one.
// Reproduced byte-for-byte per the testable properties.
const imageOffset = 2

// Next packs the block at s.BlockIndex from s.Image into s.Block, advances
// BlockIndex and ChecksumAccum, and sets s.Romload to SendingBlocks or
// SendingLastBlock depending on whether this was the final block.
//
// payloadSize is the negotiated per-block payload size (peer block size
// minus HeaderSize), already stored on the session by the caller.
func Next(s *session.Session) {
	payloadSize := s.PayloadSize
	start := imageOffset + s.BlockIndex*payloadSize
	end := start + payloadSize
	total := len(s.Image.Data)

	s.Block.Reset(HeaderSize + payloadSize)
	hdr := s.Block.Data[:HeaderSize]
	hdr[0] = 0x3C
	hdr[1] = 0x77
	hdr[2] = 0x01
	hdr[3] = 0x01
	hdr[4] = byte(payloadSize >> 8)
	hdr[5] = byte(payloadSize)

	addr := uint32(session.RomloadBaseAddress + s.BlockIndex*payloadSize)
	hdr[6] = byte(addr >> 24)
	hdr[7] = byte(addr >> 16)
	hdr[8] = byte(addr >> 8)
	hdr[9] = byte(addr)

	payload := s.Block.Data[HeaderSize:]
	copied := 0
	if start < total {
		n := end
		if n > total {
			n = total
		}
		copied = copy(payload, s.Image.Data[start:n])
	}
	for i := copied; i < len(payload); i++ {
		payload[i] = 0x00
	}

	var sum byte = 5
	for _, b := range s.Block.Data[5:] {
		sum += b
	}
	checksum := ^sum
	s.ChecksumAccum += checksum

	remaining := total - start
	if remaining <= payloadSize {
		s.Romload = session.SendingLastBlock
	} else {
		s.Romload = session.SendingBlocks
	}
	s.BlockIndex++
}

// DownloadChecksum returns the final one-byte checksum sent after the last
// block, derived from the accumulated per-block checksums.
func DownloadChecksum(s *session.Session) byte {
	return ^s.ChecksumAccum
}
