package engine

import "github.com/skip2/go-qrcode"

// Challenge is the credential challenge handed to the caller when linking a
// new account. A phone pairing code can be requested separately via Pair
// while the challenge is live.
type Challenge struct {
	QR string
}

// PNG renders the QR payload as a PNG image.
func (c *Challenge) PNG() ([]byte, error) {
	return qrcode.Encode(c.QR, qrcode.Medium, 256)
}
