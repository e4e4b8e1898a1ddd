package qr

import (
	"github.com/pkg/errors"
	"github.com/skip2/go-qrcode"
)

// DefaultPNGSize is the edge length of rendered codes in pixels.
const DefaultPNGSize = 300

// PNG encodes payload as a QR code image with medium error recovery.
func PNG(payload string, size int) ([]byte, error) {
	if size <= 0 {
		size = DefaultPNGSize
	}
	png, err := qrcode.Encode(payload, qrcode.Medium, size)
	if err != nil {
		return nil, errors.Wrap(err, "encode qr")
	}
	return png, nil
}
