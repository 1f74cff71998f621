// Package image builds the exact byte pattern a compal-ramloader or
// romloader target expects from a raw payload file (spec §3, §4.2).
package image

import (
	"fmt"
	"os"

	"github.com/osmocom/gsm-loader/internal/session"
)

// MaxPayloadSize is the largest payload a compal profile can carry: the
// length prefix is a 16-bit field covering header+payload.
const MaxPayloadSize = 65535

// MagicOffset is the fixed address at which C140 variants require the
// ASCII bytes "1003" to be present in the RAM image.
const MagicOffset = 0x3BE2

var magicBytes = [4]byte{'1', '0', '0', '3'}

// ErrPayloadTooLarge is returned when the payload file exceeds MaxPayloadSize.
var ErrPayloadTooLarge = fmt.Errorf("payload exceeds maximum of %d bytes", MaxPayloadSize)

// header returns the profile-specific header bytes prepended to the
// payload for compal profiles. Romload carries no header.
//
// C123 and C140 (and their XOR-seeded siblings) share a header: the
// ramloader on both targets has a hard-coded check for these four bytes at
// the start of the image. C155 has no such restriction but starts its
// ramloader in THUMB mode, so its header instead switches the CPU back to
// ARM mode before execution continues.
func header(p session.Profile) []byte {
	switch p {
	case session.ProfileC123, session.ProfileC123XOR, session.ProfileC140, session.ProfileC140XOR:
		return []byte{0xEE, 0x4C, 0x9F, 0x63}
	case session.ProfileC155:
		return []byte{0x78, 0x47, 0xC0, 0x46}
	default:
		return nil
	}
}

// Build reads the payload file and fills dst.Image with the prepared
// image, cursor reset to zero. It may be called more than once per session
// (selection, then re-prompt) and is idempotent for a given payload file.
func Build(dst *session.Session, log Logger) error {
	payload, err := os.ReadFile(dst.Filename)
	if err != nil {
		return fmt.Errorf("reading payload %s: %w", dst.Filename, err)
	}
	if len(payload) > MaxPayloadSize {
		return ErrPayloadTooLarge
	}

	if dst.Profile == session.ProfileRomload {
		dst.Image.Data = append(dst.Image.Data[:0], payload...)
		dst.Image.Cursor = 0
		return nil
	}

	hdr := header(dst.Profile)
	body := make([]byte, 0, len(hdr)+len(payload))
	body = append(body, hdr...)
	body = append(body, payload...)

	if dst.Profile.IsC140() {
		if len(payload) < MagicOffset {
			// MagicOffset is an offset into the final prepared image, which
			// is prefixed by the 2-byte length field; translate to an
			// offset into body (header+payload) by subtracting those 2 bytes.
			bodyMagicOffset := MagicOffset - 2
			needed := bodyMagicOffset + len(magicBytes)
			if len(body) < needed {
				body = append(body, make([]byte, needed-len(body))...)
			}
			copy(body[bodyMagicOffset:bodyMagicOffset+len(magicBytes)], magicBytes[:])
		} else if log != nil {
			log.Warnf("payload %d bytes exceeds magic offset 0x%X, not stamping magic", len(payload), MagicOffset)
		}
	}

	total := len(body)
	lengthHi := byte(total >> 8)
	lengthLo := byte(total)

	var xor byte = 0x02
	xor ^= lengthHi
	xor ^= lengthLo
	for _, b := range body {
		xor ^= b
	}

	out := make([]byte, 0, 2+total+1)
	out = append(out, lengthHi, lengthLo)
	out = append(out, body...)
	out = append(out, xor)

	dst.Image.Data = out
	dst.Image.Cursor = 0
	return nil
}

// Logger is the minimal logging surface Build needs; satisfied by
// *logrus.Logger and *logrus.Entry.
type Logger interface {
	Warnf(format string, args ...interface{})
}
