package notificator

import (
	"fmt"

	"github.com/skip2/go-qrcode"
)

const qrSize = 512

// RenderQR encodes content as a PNG QR code.
func RenderQR(content string) ([]byte, error) {
	code, err := qrcode.New(content, qrcode.Medium)
	if err != nil {
		return nil, fmt.Errorf("failed to create QR code: %w", err)
	}
	png, err := code.PNG(qrSize)
	if err != nil {
		return nil, fmt.Errorf("failed to generate PNG: %w", err)
	}
	return png, nil
}
