package domain

import (
	"strconv"
	"time"
)

// RADIUS attribute names written by the credential store.
const (
	AttrCleartextPassword = "Cleartext-Password"
	AttrSessionTimeout    = "Session-Timeout"
	AttrMaxDownload       = "WISPr-Bandwidth-Max-Down"
	AttrMaxUpload         = "WISPr-Bandwidth-Max-Up"
)

// CredentialRecord is the AAA-side representation of a guest identity.
type CredentialRecord struct {
	Username              string
	Secret                string
	SessionTimeoutSeconds int
	MaxDownloadBps        *int64
	MaxUploadBps          *int64
}

// ReplyAttribute is a directive returned to the access point.
type ReplyAttribute struct {
	Name  string
	Value string
}

// AccountingSession is an open accounting record reported by the access point.
type AccountingSession struct {
	Username        string     `json:"username"`
	NASIPAddress    string     `json:"nas_ip_address,omitempty"`
	FramedIPAddress string     `json:"framed_ip_address,omitempty"`
	StartTime       *time.Time `json:"start_time,omitempty"`
	StopTime        *time.Time `json:"stop_time,omitempty"`
	InputOctets     int64      `json:"input_octets"`
	OutputOctets    int64      `json:"output_octets"`
}

// ReplyAttributes returns the reply rows for the record; absent caps are skipped.
func (c CredentialRecord) ReplyAttributes() []ReplyAttribute {
	var attrs []ReplyAttribute
	if c.SessionTimeoutSeconds > 0 {
		attrs = append(attrs, ReplyAttribute{Name: AttrSessionTimeout, Value: strconv.Itoa(c.SessionTimeoutSeconds)})
	}
	if c.MaxDownloadBps != nil {
		attrs = append(attrs, ReplyAttribute{Name: AttrMaxDownload, Value: strconv.FormatInt(*c.MaxDownloadBps, 10)})
	}
	if c.MaxUploadBps != nil {
		attrs = append(attrs, ReplyAttribute{Name: AttrMaxUpload, Value: strconv.FormatInt(*c.MaxUploadBps, 10)})
	}
	return attrs
}
