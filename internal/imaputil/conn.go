package imaputil

import (
	"bytes"
	"context"
	"sync"
	"time"

	"github.com/emersion/go-imap/client"

	"github.com/pepperpark/mailmigrate/internal/config"
	"github.com/pepperpark/mailmigrate/internal/migrate"
)

// Conn adapts a logged-in client to the migrate Source and Target interfaces.
type Conn struct {
	c         *client.Client
	closeOnce sync.Once
	closeErr  error
}

// Dial connects and logs in, returning a Conn.
func Dial(ctx context.Context, acct config.Account, timeout time.Duration) (*Conn, error) {
	c, err := DialAndLogin(ctx, acct, timeout)
	if err != nil {
		return nil, err
	}
	return &Conn{c: c}, nil
}

// ListFolders lists every folder on the server.
func (c *Conn) ListFolders() ([]migrate.Folder, error) {
	infos, err := ListMailboxes(c.c)
	if err != nil {
		return nil, err
	}
	folders := make([]migrate.Folder, 0, len(infos))
	for _, info := range infos {
		// go-imap decodes modified UTF-7 names, so Name is plain text here
		folders = append(folders, migrate.Folder{
			Name:       info.Name,
			Delimiter:  info.Delimiter,
			Attributes: info.Attributes,
		})
	}
	return folders, nil
}

// SelectFolder selects name, read-only when readOnly is set.
func (c *Conn) SelectFolder(name string, readOnly bool) error {
	_, err := SelectMailbox(c.c, name, readOnly)
	return err
}

// SearchAll returns the UIDs of all messages in the selected folder.
func (c *Conn) SearchAll() ([]uint32, error) {
	return SearchAllUIDs(c.c)
}

// Fetch returns the full message, flags and INTERNALDATE for uid.
func (c *Conn) Fetch(uid uint32) (*migrate.Message, error) {
	body, flags, date, err := FetchMessage(c.c, uid)
	if err != nil {
		return nil, err
	}
	return &migrate.Message{UID: uid, Body: body, Flags: flags, InternalDate: date}, nil
}

// CreateFolder creates name on the server.
func (c *Conn) CreateFolder(name string) error {
	return c.c.Create(name)
}

// Append stores msg in folder with its flags and INTERNALDATE.
func (c *Conn) Append(folder string, msg *migrate.Message) error {
	return c.c.Append(folder, msg.Flags, msg.InternalDate, bytes.NewBuffer(msg.Body))
}

// logoutWait bounds how long Close waits for the server to answer LOGOUT.
var logoutWait = 2 * time.Second

// Close logs out once. When the server does not answer in time, or a command
// is stuck on the connection, the socket is closed instead. Later calls return
// the first result.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		done := make(chan error, 1)
		go func() { done <- c.c.Logout() }()
		select {
		case err := <-done:
			c.closeErr = err
		case <-time.After(logoutWait):
			c.closeErr = c.c.Terminate()
		}
	})
	return c.closeErr
}

var (
	_ migrate.SourceConn = (*Conn)(nil)
	_ migrate.TargetConn = (*Conn)(nil)
)
