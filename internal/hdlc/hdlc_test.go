package hdlc

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

// pump drains every byte tx has queued for transmission into rx.
func pump(t *testing.T, tx, rx *Bridge) {
	t.Helper()
	for {
		var c byte
		if tx.PullTX(&c) != 0 {
			return
		}
		rx.RxChar(c)
	}
}

func TestRoundTripPayload(t *testing.T) {
	tx := Init()
	rx := Init()
	var got []byte
	rx.RegisterRX(0x05, func(payload []byte) { got = payload })

	assert.NoError(t, tx.Send(0x05, []byte("hi!")))
	pump(t, tx, rx)

	assert.Equal(t, []byte("hi!"), got)
}

func TestUnknownDLCIDropped(t *testing.T) {
	tx := Init()
	rx := Init()
	// no RegisterRX for 0x7F

	assert.NoError(t, tx.Send(0x7F, []byte("x")))

	var dropCode int
	for {
		var c byte
		if tx.PullTX(&c) != 0 {
			break
		}
		if code := rx.RxChar(c); code != 0 {
			dropCode = code
		}
	}
	assert.NotZero(t, dropCode)
}

func TestOversizePayloadRejected(t *testing.T) {
	b := Init()
	payload := make([]byte, maxFrame+1)
	err := b.Send(0x05, payload)
	assert.Error(t, err)
}

func TestEscapingRoundTrip(t *testing.T) {
	tx := Init()
	rx := Init()
	var got []byte
	rx.RegisterRX(0x05, func(payload []byte) { got = payload })

	payload := []byte{flagByte, escByte, 0x00, 0xFF, flagByte}
	assert.NoError(t, tx.Send(0x05, payload))
	pump(t, tx, rx)

	assert.Equal(t, payload, got)
}

func TestEmptyPayload(t *testing.T) {
	tx := Init()
	rx := Init()
	var called bool
	rx.RegisterRX(0x09, func(payload []byte) { called = true; assert.Empty(t, payload) })

	assert.NoError(t, tx.Send(0x09, nil))
	pump(t, tx, rx)

	assert.True(t, called)
}

func TestChecksumMismatchDropped(t *testing.T) {
	rx := Init()
	var called bool
	rx.RegisterRX(0x05, func(payload []byte) { called = true })

	frame := encodeFrame(0x05, []byte("hi"))
	checksumIdx := len(frame) - 2 // last byte before the trailing flag
	frame[checksumIdx] ^= 0xFF

	var codes []int
	for _, c := range frame {
		codes = append(codes, rx.RxChar(c))
	}
	assert.Contains(t, codes, 2)
	assert.False(t, called)
}
