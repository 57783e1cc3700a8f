package services

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"

	"github.com/makiuchi-d/gozxing"
	zxingqr "github.com/makiuchi-d/gozxing/qrcode"
	qrcode "github.com/skip2/go-qrcode"

	"concert-tickets/internal/status"
	"concert-tickets/models"
)

// CodeEncoder renders signed tickets as QR code PNGs.
type CodeEncoder struct {
	size int
}

// NewCodeEncoder returns an encoder producing images of size pixels. A
// negative size means -size pixels per QR module.
func NewCodeEncoder(size int) *CodeEncoder {
	if size == 0 {
		size = -8
	}
	return &CodeEncoder{size: size}
}

// Encode returns the PNG image and wire text for st. Highest error
// correction keeps codes readable from scratched phone screens.
func (e *CodeEncoder) Encode(st *models.SignedTicket) (png []byte, code string, err error) {
	code, err = EncodeCode(st)
	if err != nil {
		return nil, "", err
	}
	png, err = e.EncodeText(code)
	if err != nil {
		return nil, "", err
	}
	return png, code, nil
}

func (e *CodeEncoder) EncodeText(code string) ([]byte, error) {
	png, err := qrcode.Encode(code, qrcode.Highest, e.size)
	if err != nil {
		return nil, fmt.Errorf("qr encode: %w", err)
	}
	return png, nil
}

// Decode parses the bytes read off a code by a scanner.
func (e *CodeEncoder) Decode(content []byte) (*models.SignedTicket, error) {
	return ParseCode(content)
}

// DecodeImage extracts the QR content from a PNG or JPEG image.
func (e *CodeEncoder) DecodeImage(img []byte) ([]byte, error) {
	decoded, _, err := image.Decode(bytes.NewReader(img))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", status.ErrInvalidFormat, err)
	}
	bmp, err := gozxing.NewBinaryBitmapFromImage(decoded)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", status.ErrInvalidFormat, err)
	}
	result, err := zxingqr.NewQRCodeReader().Decode(bmp, map[gozxing.DecodeHintType]interface{}{
		gozxing.DecodeHintType_TRY_HARDER: true,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", status.ErrInvalidFormat, err)
	}
	text := result.GetText()
	if text == "" {
		return nil, errors.New("qr decode: empty content")
	}
	return []byte(text), nil
}
