package compal

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/osmocom/gsm-loader/internal/session"
)

type fakeWriter struct {
	written [][]byte
}

func (w *fakeWriter) Write(p []byte) (int, error) {
	cp := append([]byte(nil), p...)
	w.written = append(w.written, cp)
	return len(p), nil
}

type fakeLogger struct{}

func (fakeLogger) Infof(format string, args ...interface{}) {}
func (fakeLogger) Warnf(format string, args ...interface{}) {}

func newTestSession(t *testing.T, profile session.Profile) *session.Session {
	t.Helper()
	path := filepath.Join(t.TempDir(), "payload.bin")
	if err := os.WriteFile(path, []byte{0xAA, 0xBB}, 0o644); err != nil {
		t.Fatalf("writing payload: %v", err)
	}
	return session.New(profile, path)
}

func feed(m *Machine, bytes ...byte) {
	for _, b := range bytes {
		m.RxByte(b)
	}
}

func TestPrompt1Transition(t *testing.T) {
	sess := newTestSession(t, session.ProfileC123)
	tx := &fakeWriter{}
	m := New(sess, tx, fakeLogger{})

	feed(m, 0x1B, 0xF6, 0x02, 0x00, 0x41, 0x01, 0x40)

	if sess.Compal != session.WaitingPrompt2 {
		t.Fatalf("Compal = %v, want WaitingPrompt2", sess.Compal)
	}
	if len(tx.written) != 1 {
		t.Fatalf("expected one write (cmd), got %d", len(tx.written))
	}
	want := []byte{0x1B, 0xF6, 0x02, 0x00, 0x52, 0x01, 0x53}
	got := tx.written[0]
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("cmd bytes = % X, want % X", got, want)
		}
	}
}

// TestPrompt1SlidingMatch reproduces end-to-end scenario #4: garbage bytes
// preceding the sentinel still trigger the transition.
func TestPrompt1SlidingMatch(t *testing.T) {
	sess := newTestSession(t, session.ProfileC123)
	m := New(sess, &fakeWriter{}, fakeLogger{})

	feed(m, 0x00, 0x11, 0x22, 0x1B, 0xF6, 0x02, 0x00, 0x41, 0x01, 0x40)

	if sess.Compal != session.WaitingPrompt2 {
		t.Fatalf("Compal = %v, want WaitingPrompt2 after garbage-prefixed sentinel", sess.Compal)
	}
}

func TestPrompt2EnablesWrite(t *testing.T) {
	sess := newTestSession(t, session.ProfileC123)
	m := New(sess, &fakeWriter{}, fakeLogger{})
	sess.Compal = session.WaitingPrompt2
	m.filled = headLen

	feed(m, 0x1B, 0xF6, 0x02, 0x00, 0x41, 0x02, 0x43)

	if sess.Compal != session.Downloading {
		t.Fatalf("Compal = %v, want Downloading", sess.Compal)
	}
	if !m.WriteReady() {
		t.Fatal("expected write-readiness to be enabled")
	}
}

func TestAckReturnsToPrompt1(t *testing.T) {
	sess := newTestSession(t, session.ProfileC123)
	sess.Compal = session.Downloading
	m := New(sess, &fakeWriter{}, fakeLogger{})
	m.filled = headLen

	feed(m, 0x1B, 0xF6, 0x02, 0x00, 0x41, 0x03, 0x42)

	if sess.Compal != session.WaitingPrompt1 {
		t.Fatalf("Compal = %v, want WaitingPrompt1", sess.Compal)
	}
}

func TestFtmtoolAbortsFromAnyState(t *testing.T) {
	for _, st := range []session.CompalState{session.WaitingPrompt1, session.WaitingPrompt2, session.Downloading} {
		sess := newTestSession(t, session.ProfileC123)
		sess.Compal = st
		m := New(sess, &fakeWriter{}, fakeLogger{})
		m.filled = headLen

		feed(m, 0x66, 0x74, 0x6D, 0x74, 0x6F, 0x6F, 0x6C)

		if sess.Compal != session.WaitingPrompt1 {
			t.Errorf("from %v: Compal = %v, want WaitingPrompt1", st, sess.Compal)
		}
	}
}

func TestNextChunkXORSeedFirst(t *testing.T) {
	sess := newTestSession(t, session.ProfileC155)
	sess.Image.Data = []byte{0xAA, 0xBB, 0xCC}
	sess.Image.Cursor = 0
	m := New(sess, &fakeWriter{}, fakeLogger{})
	m.seedPending = true
	m.writeReady = true

	chunk := m.NextChunk()
	if len(chunk) != 1 || chunk[0] != 0x02 {
		t.Fatalf("first chunk = % X, want [02]", chunk)
	}
	chunk = m.NextChunk()
	if len(chunk) != 3 {
		t.Fatalf("second chunk length = %d, want 3", len(chunk))
	}
}

func TestNextChunkEndOfImageClearsWriteReady(t *testing.T) {
	sess := newTestSession(t, session.ProfileC123)
	sess.Image.Data = []byte{0x01, 0x02}
	sess.Image.Cursor = 2
	m := New(sess, &fakeWriter{}, fakeLogger{})
	m.writeReady = true

	chunk := m.NextChunk()
	if chunk != nil {
		t.Fatalf("expected nil chunk at end of image, got % X", chunk)
	}
	if m.WriteReady() {
		t.Fatal("expected write-readiness cleared at end of image")
	}
}
