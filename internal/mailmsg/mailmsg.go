// Package mailmsg reads the header of a raw RFC 5322 message without touching
// the body bytes.
package mailmsg

import (
	"bytes"
	"time"

	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"
)

// Info is the subset of header fields used for logging and append dates.
type Info struct {
	Date      time.Time
	Subject   string
	MessageID string
}

// Parse extracts Info from raw. Fields that are missing or malformed are left
// zero; Parse never fails.
func Parse(raw []byte) Info {
	var info Info
	// An unknown charset still yields a usable reader.
	r, _ := mail.CreateReader(bytes.NewReader(raw))
	if r == nil {
		return info
	}
	defer r.Close()

	if d, err := r.Header.Date(); err == nil {
		info.Date = d
	}
	if s, err := r.Header.Subject(); err == nil {
		info.Subject = s
	}
	if id, err := r.Header.MessageID(); err == nil {
		info.MessageID = id
	}
	return info
}
