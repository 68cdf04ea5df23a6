package imaputil

import (
	"context"
	"crypto/tls"
	"io"
	"net"
	"os"
	"strings"
	"time"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
	"github.com/pkg/errors"

	"github.com/pepperpark/mailmigrate/internal/config"
)

// DialAndLogin connects and logs into an IMAP server. The context bounds the
// TCP connect and TLS handshake; commands afterwards use timeout (0 means no
// per-command timeout).
func DialAndLogin(ctx context.Context, acct config.Account, timeout time.Duration) (*client.Client, error) {
	addr := acct.Addr()
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, errors.Wrapf(err, "dial %s", addr)
	}

	tlsConfig := &tls.Config{ServerName: acct.Host, InsecureSkipVerify: acct.InsecureSkipVerify}
	if acct.Security == config.SecurityTLS {
		tlsConn := tls.Client(conn, tlsConfig)
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			_ = conn.Close()
			return nil, errors.Wrapf(err, "tls handshake with %s", addr)
		}
		conn = tlsConn
	}

	c, err := client.New(conn)
	if err != nil {
		_ = conn.Close()
		return nil, errors.Wrapf(err, "greeting from %s", addr)
	}
	c.Timeout = timeout

	// Enable raw IMAP wire debug if requested via environment variable
	if os.Getenv("MAILMIGRATE_IMAP_DEBUG") == "1" {
		c.SetDebug(os.Stderr)
	}

	if acct.Security == config.SecurityStartTLS {
		if err := c.StartTLS(tlsConfig); err != nil {
			_ = c.Logout()
			return nil, errors.Wrap(err, "starttls")
		}
	}
	if err := c.Login(acct.Email, acct.Password); err != nil {
		_ = c.Logout()
		return nil, errors.Wrapf(err, "login as %s", acct.Email)
	}
	return c, nil
}

// ListMailboxes returns every mailbox of the account in server order.
func ListMailboxes(c *client.Client) ([]*imap.MailboxInfo, error) {
	mailboxes := []*imap.MailboxInfo{}
	ch := make(chan *imap.MailboxInfo, 32)
	done := make(chan error, 1)
	go func() {
		done <- c.List("", "*", ch)
	}()
	for m := range ch {
		if m != nil {
			mailboxes = append(mailboxes, m)
		}
	}
	if err := <-done; err != nil {
		return nil, err
	}
	return mailboxes, nil
}

// SelectMailbox selects a mailbox in read-only or read-write mode.
func SelectMailbox(c *client.Client, name string, readOnly bool) (*imap.MailboxStatus, error) {
	return c.Select(name, readOnly)
}

// SearchAllUIDs returns the UIDs of all messages in the selected mailbox.
func SearchAllUIDs(c *client.Client) ([]uint32, error) {
	criteria := imap.NewSearchCriteria()
	return c.UidSearch(criteria)
}

// FetchMessage fetches the full body, flags and internal date of one UID in
// the selected mailbox.
func FetchMessage(c *client.Client, uid uint32) (body []byte, flags []string, date time.Time, err error) {
	seq := new(imap.SeqSet)
	seq.AddNum(uid)

	section := &imap.BodySectionName{}
	items := []imap.FetchItem{section.FetchItem(), imap.FetchInternalDate, imap.FetchFlags, imap.FetchUid}
	msgs := make(chan *imap.Message, 1)
	done := make(chan error, 1)
	go func() {
		done <- c.UidFetch(seq, items, msgs)
	}()

	found := false
	for msg := range msgs {
		if msg == nil || msg.Uid != uid {
			continue
		}
		lit := msg.GetBody(section)
		if lit == nil {
			continue
		}
		b, rerr := io.ReadAll(lit)
		if rerr != nil {
			if err == nil {
				err = errors.Wrap(rerr, "read body")
			}
			continue
		}
		body, flags, date, found = b, msg.Flags, msg.InternalDate, true
	}
	if ferr := <-done; ferr != nil {
		return nil, nil, time.Time{}, ferr
	}
	if err != nil {
		return nil, nil, time.Time{}, err
	}
	if !found {
		return nil, nil, time.Time{}, errors.Errorf("UID %d: no message body returned", uid)
	}
	return body, flags, date, nil
}

// IsSelectable reports whether a folder with the given LIST attributes can be
// selected.
func IsSelectable(attrs []string) bool {
	for _, attr := range attrs {
		if strings.EqualFold(attr, imap.NoSelectAttr) {
			return false
		}
	}
	return true
}
