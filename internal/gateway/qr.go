package gateway

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"

	qrcode "github.com/yeqown/go-qrcode"
)

// RenderQR encodes a PIX copy-paste code as a base64 JPEG, used when the
// gateway response carries the code without an image.
func RenderQR(text string) (string, error) {
	if text == "" {
		return "", errors.New("qr: empty payload")
	}
	qrc, err := qrcode.New(text)
	if err != nil {
		return "", fmt.Errorf("qr: encode: %w", err)
	}
	var buf bytes.Buffer
	if err := qrc.SaveTo(&buf); err != nil {
		return "", fmt.Errorf("qr: render: %w", err)
	}
	return base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}
