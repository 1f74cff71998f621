package image

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/osmocom/gsm-loader/internal/session"
)

func writePayload(t *testing.T, data []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "payload.bin")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("writing test payload: %v", err)
	}
	return path
}

// TestBuildC123 reproduces the literal end-to-end scenario #1 from the
// handset protocol's worked examples.
func TestBuildC123(t *testing.T) {
	path := writePayload(t, []byte{0xAA, 0xBB})
	s := session.New(session.ProfileC123, path)

	err := Build(s, nil)
	assert.NoError(t, err)
	assert.Equal(t, []byte{0x00, 0x06, 0xEE, 0x4C, 0x9F, 0x63, 0xAA, 0xBB, 0x9F}, s.Image.Data)
	assert.Equal(t, 0, s.Image.Cursor)
}

// TestBuildC155 reproduces worked example #2.
func TestBuildC155(t *testing.T) {
	path := writePayload(t, []byte{0x11, 0x22})
	s := session.New(session.ProfileC155, path)

	err := Build(s, nil)
	assert.NoError(t, err)
	assert.Equal(t, []byte{0x00, 0x06, 0x78, 0x47, 0xC0, 0x46, 0x11, 0x22, 0x8E}, s.Image.Data)
}

func TestBuildXORInvariant(t *testing.T) {
	payloads := [][]byte{
		{},
		{0x01},
		{0x01, 0x02, 0x03, 0x04, 0x05},
		make([]byte, 300),
	}
	for _, payload := range payloads {
		path := writePayload(t, payload)
		s := session.New(session.ProfileC123, path)
		if err := Build(s, nil); err != nil {
			t.Fatalf("Build: %v", err)
		}
		var xor byte = 0x02
		for _, b := range s.Image.Data[:len(s.Image.Data)-1] {
			xor ^= b
		}
		if got := s.Image.Data[len(s.Image.Data)-1]; got != xor {
			t.Errorf("trailing XOR byte = 0x%02X, want 0x%02X", got, xor)
		}
	}
}

func TestBuildC140MagicStamp(t *testing.T) {
	path := writePayload(t, []byte{0x01, 0x02, 0x03})
	s := session.New(session.ProfileC140, path)

	if err := Build(s, nil); err != nil {
		t.Fatalf("Build: %v", err)
	}
	got := s.Image.Data[MagicOffset : MagicOffset+4]
	assert.Equal(t, []byte("1003"), got)
}

func TestBuildRomloadIsRawPayload(t *testing.T) {
	payload := []byte{0xDE, 0xAD, 0xBE, 0xEF}
	path := writePayload(t, payload)
	s := session.New(session.ProfileRomload, path)

	if err := Build(s, nil); err != nil {
		t.Fatalf("Build: %v", err)
	}
	assert.Equal(t, payload, s.Image.Data)
}

func TestBuildPayloadTooLarge(t *testing.T) {
	path := writePayload(t, make([]byte, MaxPayloadSize+1))
	s := session.New(session.ProfileC123, path)

	err := Build(s, nil)
	if err != ErrPayloadTooLarge {
		t.Fatalf("Build: got %v, want ErrPayloadTooLarge", err)
	}
}

func TestBuildC140OversizeSkipsStamp(t *testing.T) {
	path := writePayload(t, make([]byte, MagicOffset))
	s := session.New(session.ProfileC140, path)

	if err := Build(s, nil); err != nil {
		t.Fatalf("Build: %v", err)
	}
	// Payload length equals MagicOffset, which is not "< MagicOffset", so
	// no stamping should occur and the body should just be header+payload.
	assert.Equal(t, header(session.ProfileC140), s.Image.Data[2:2+4])
}
