package whatsapp

import (
	"fmt"
	"io"

	"github.com/skip2/go-qrcode"
)

// RenderQR writes a terminal-scannable rendition of a pairing code
// using half-block characters.
func RenderQR(w io.Writer, code string) error {
	q, err := qrcode.New(code, qrcode.Medium)
	if err != nil {
		return fmt.Errorf("encode QR: %w", err)
	}
	if _, err := io.WriteString(w, q.ToSmallString(false)); err != nil {
		return fmt.Errorf("write QR: %w", err)
	}
	return nil
}
