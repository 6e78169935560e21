// Package wifiqr renders Wi-Fi onboarding QR codes for guest credentials.
package wifiqr

import (
	"bytes"
	"fmt"
	"image/png"
	"strings"

	"github.com/boombuler/barcode"
	"github.com/boombuler/barcode/qr"
)

// Authentication types understood by phone camera apps.
const (
	AuthWPA2EAP = "WPA2-EAP"
	AuthWPA     = "WPA"
)

// DefaultSize is the rendered image edge in pixels.
const DefaultSize = 256

// Network describes the guest SSID.
type Network struct {
	SSID     string
	AuthType string // WPA2-EAP (default) or WPA
	// EAP and Phase2 apply to WPA2-EAP only; they default to PEAP and MSCHAPV2.
	EAP    string
	Phase2 string
	Hidden bool
}

var escaper = strings.NewReplacer(`\`, `\\`, `;`, `\;`, `,`, `\,`, `:`, `\:`, `"`, `\"`)

// Payload builds the WIFI: URI for the network and credentials.
func Payload(n Network, identity, password string) (string, error) {
	if n.SSID == "" {
		return "", fmt.Errorf("ssid is required")
	}
	auth := n.AuthType
	if auth == "" {
		auth = AuthWPA2EAP
	}

	var b strings.Builder
	b.WriteString("WIFI:T:" + auth + ";S:" + escaper.Replace(n.SSID) + ";")
	switch auth {
	case AuthWPA2EAP:
		eap, phase2 := n.EAP, n.Phase2
		if eap == "" {
			eap = "PEAP"
		}
		if phase2 == "" {
			phase2 = "MSCHAPV2"
		}
		b.WriteString("E:" + eap + ";PH2:" + phase2 + ";I:" + escaper.Replace(identity) + ";")
	case AuthWPA:
	default:
		return "", fmt.Errorf("unsupported auth type %q", auth)
	}
	b.WriteString("P:" + escaper.Replace(password) + ";")
	if n.Hidden {
		b.WriteString("H:true;")
	}
	b.WriteString(";")
	return b.String(), nil
}

// PNG encodes payload as a square QR code image.
func PNG(payload string, size int) ([]byte, error) {
	if size <= 0 {
		size = DefaultSize
	}
	code, err := qr.Encode(payload, qr.M, qr.Auto)
	if err != nil {
		return nil, fmt.Errorf("encoding qr: %w", err)
	}
	code, err = barcode.Scale(code, size, size)
	if err != nil {
		return nil, fmt.Errorf("scaling qr: %w", err)
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, code); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
