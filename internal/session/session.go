// Package session holds the process-wide download session: the selected
// target profile, the two mutually exclusive protocol sub-states, and the
// buffers that carry the prepared image and the current romload block.
package session

import "fmt"

// Profile selects the target variant: header bytes, XOR seeding, and
// whether the C140 magic-offset stamp applies.
type Profile int

const (
	ProfileC123 Profile = iota
	ProfileC123XOR
	ProfileC140
	ProfileC140XOR
	ProfileC155
	ProfileRomload
)

func (p Profile) String() string {
	switch p {
	case ProfileC123:
		return "c123"
	case ProfileC123XOR:
		return "c123xor"
	case ProfileC140:
		return "c140"
	case ProfileC140XOR:
		return "c140xor"
	case ProfileC155:
		return "c155"
	case ProfileRomload:
		return "romload"
	default:
		return "unknown"
	}
}

// IsCompal reports whether the profile uses the ramloader handshake rather
// than the romloader one.
func (p Profile) IsCompal() bool {
	return p != ProfileRomload
}

// IsC140 reports whether the profile stamps the 0x3BE2 magic offset.
func (p Profile) IsC140() bool {
	return p == ProfileC140 || p == ProfileC140XOR
}

// XORSeedsFirst reports whether the profile emits a lone 0x02 XOR-seed byte
// before the image rather than pausing briefly before the first write.
func (p Profile) XORSeedsFirst() bool {
	return p == ProfileC155 || p == ProfileC123XOR
}

// ParseProfile maps a CLI -m value to a Profile.
func ParseProfile(s string) (Profile, error) {
	switch s {
	case "c123":
		return ProfileC123, nil
	case "c123xor":
		return ProfileC123XOR, nil
	case "c140":
		return ProfileC140, nil
	case "c140xor":
		return ProfileC140XOR, nil
	case "c155":
		return ProfileC155, nil
	case "romload":
		return ProfileRomload, nil
	default:
		return 0, fmt.Errorf("unknown profile %q", s)
	}
}

// CompalState is the ramloader handshake sub-state (§4.4).
type CompalState int

const (
	WaitingPrompt1 CompalState = iota
	WaitingPrompt2
	Downloading
)

func (s CompalState) String() string {
	switch s {
	case WaitingPrompt1:
		return "WAITING_PROMPT1"
	case WaitingPrompt2:
		return "WAITING_PROMPT2"
	case Downloading:
		return "DOWNLOADING"
	default:
		return "UNKNOWN"
	}
}

// RomloadState is the romloader handshake sub-state (§4.5).
type RomloadState int

const (
	WaitingIdentification RomloadState = iota
	WaitingParamAck
	SendingBlocks
	SendingLastBlock
	LastBlockSent
	WaitingBlockAck
	WaitingChecksumAck
	WaitingBranchAck
	Finished
)

func (s RomloadState) String() string {
	switch s {
	case WaitingIdentification:
		return "WAITING_IDENTIFICATION"
	case WaitingParamAck:
		return "WAITING_PARAM_ACK"
	case SendingBlocks:
		return "SENDING_BLOCKS"
	case SendingLastBlock:
		return "SENDING_LAST_BLOCK"
	case LastBlockSent:
		return "LAST_BLOCK_SENT"
	case WaitingBlockAck:
		return "WAITING_BLOCK_ACK"
	case WaitingChecksumAck:
		return "WAITING_CHECKSUM_ACK"
	case WaitingBranchAck:
		return "WAITING_BRANCH_ACK"
	case Finished:
		return "FINISHED"
	default:
		return "UNKNOWN"
	}
}

// RomloadBaseAddress is the RAM address the first romload block is written
// to; subsequent block addresses are BASE + index*payloadSize.
const RomloadBaseAddress = 0x00820000

// Buffer is an owned byte slice with a write cursor, used for both the
// prepared image and the current romload block.
type Buffer struct {
	Data   []byte
	Cursor int
}

// Reset truncates the buffer and rewinds the cursor to the start, retaining
// the underlying array when it is large enough.
func (b *Buffer) Reset(size int) {
	if cap(b.Data) < size {
		b.Data = make([]byte, size)
	} else {
		b.Data = b.Data[:size]
	}
	b.Cursor = 0
}

// Remaining returns the number of unwritten bytes.
func (b *Buffer) Remaining() int {
	return len(b.Data) - b.Cursor
}

// Session is the process-wide download session singleton.
type Session struct {
	Profile  Profile
	Compal   CompalState
	Romload  RomloadState
	Filename string

	Image Buffer

	Block           Buffer
	BlockIndex      int
	PayloadSize     int
	ChecksumAccum   byte
}

// New creates a session for the given profile and source filename.
func New(profile Profile, filename string) *Session {
	return &Session{
		Profile:  profile,
		Compal:   WaitingPrompt1,
		Romload:  WaitingIdentification,
		Filename: filename,
	}
}

// ResetRomload returns the romload half of the session to its idle state,
// as required whenever a *_nack aborts the handshake back to identification
// (§4.5, §8).
func (s *Session) ResetRomload() {
	s.Romload = WaitingIdentification
	s.BlockIndex = 0
	s.ChecksumAccum = 0
}
