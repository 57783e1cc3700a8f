package services

import (
	"bytes"
	"image/png"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"concert-tickets/internal/status"
)

func TestCodeEncoder_RoundTrip(t *testing.T) {
	clock := &fakeClock{t: time.Date(2026, 6, 1, 10, 0, 0, 0, time.UTC)}
	signer := newTestSigner(t, clock)
	enc := NewCodeEncoder(-6)

	st, err := signer.Sign(samplePayload(time.Date(2026, 6, 20, 19, 30, 0, 0, time.UTC)))
	require.NoError(t, err)

	img, code, err := enc.Encode(st)
	require.NoError(t, err)

	cfg, err := png.DecodeConfig(bytes.NewReader(img))
	require.NoError(t, err)
	assert.Equal(t, cfg.Width, cfg.Height)

	content, err := enc.DecodeImage(img)
	require.NoError(t, err)
	assert.Equal(t, code, string(content))

	decoded, err := enc.Decode(content)
	require.NoError(t, err)
	assert.Equal(t, st.TicketID, decoded.TicketID)
	assert.Equal(t, st.Signature, decoded.Signature)
	assert.True(t, signer.Verify(decoded).Valid)
}

func TestCodeEncoder_DecodeImageRejectsGarbage(t *testing.T) {
	enc := NewCodeEncoder(0)

	_, err := enc.DecodeImage([]byte("definitely not an image"))
	assert.ErrorIs(t, err, status.ErrInvalidFormat)
}
