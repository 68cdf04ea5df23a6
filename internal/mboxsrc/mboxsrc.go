// Package mboxsrc reads a local MBOX file as a single-folder migration source.
package mboxsrc

import (
	"bytes"
	"io"
	"os"

	"github.com/emersion/go-mbox"
	"github.com/pkg/errors"

	"github.com/pepperpark/mailmigrate/internal/migrate"
)

// Source exposes the messages of an MBOX file as one folder. Message
// identifiers are 1-based positions in the file, so they stay stable as long
// as the file is only appended to.
type Source struct {
	path   string
	folder string
	count  int

	f    *os.File
	r    *mbox.Reader
	next uint32 // position of the message NextMessage returns next
}

// Open scans path once to count its messages. folder is the name the
// messages are listed under and the key they are recorded with.
func Open(path, folder string) (*Source, error) {
	s := &Source{path: path, folder: folder}
	if err := s.rewind(); err != nil {
		return nil, err
	}
	for {
		mr, err := s.r.NextMessage()
		if err == io.EOF {
			break
		}
		if err != nil {
			_ = s.f.Close()
			return nil, errors.Wrapf(err, "read mbox %s", path)
		}
		if _, err := io.Copy(io.Discard, mr); err != nil {
			_ = s.f.Close()
			return nil, errors.Wrapf(err, "read mbox %s", path)
		}
		s.count++
	}
	if err := s.rewind(); err != nil {
		return nil, err
	}
	return s, nil
}

// Count is the number of messages found by Open.
func (s *Source) Count() int { return s.count }

func (s *Source) rewind() error {
	if s.f != nil {
		_ = s.f.Close()
	}
	f, err := os.Open(s.path)
	if err != nil {
		return errors.Wrap(err, "open mbox")
	}
	s.f = f
	s.r = mbox.NewReader(f)
	s.next = 1
	return nil
}

func (s *Source) ListFolders() ([]migrate.Folder, error) {
	return []migrate.Folder{{Name: s.folder}}, nil
}

func (s *Source) SelectFolder(name string, readOnly bool) error {
	if name != s.folder {
		return errors.Errorf("mbox has no folder %q", name)
	}
	return nil
}

func (s *Source) SearchAll() ([]uint32, error) {
	uids := make([]uint32, s.count)
	for i := range uids {
		uids[i] = uint32(i + 1)
	}
	return uids, nil
}

// Fetch reads the message at position uid. Reads are sequential; asking for
// an earlier position reopens the file.
func (s *Source) Fetch(uid uint32) (*migrate.Message, error) {
	if uid == 0 || int(uid) > s.count {
		return nil, errors.Errorf("message %d out of range 1..%d", uid, s.count)
	}
	if uid < s.next {
		if err := s.rewind(); err != nil {
			return nil, err
		}
	}
	for {
		mr, err := s.r.NextMessage()
		if err == io.EOF {
			return nil, errors.Errorf("message %d: mbox ended early", uid)
		}
		if err != nil {
			return nil, errors.Wrap(err, "read mbox")
		}
		pos := s.next
		s.next++
		if pos < uid {
			if _, err := io.Copy(io.Discard, mr); err != nil {
				return nil, errors.Wrap(err, "read mbox")
			}
			continue
		}
		body, err := io.ReadAll(mr)
		if err != nil {
			return nil, errors.Wrapf(err, "read message %d", uid)
		}
		return &migrate.Message{UID: uid, Body: toCRLF(body)}, nil
	}
}

// toCRLF turns bare LF line endings, as mbox files usually have, into the
// CRLF that IMAP APPEND expects.
func toCRLF(b []byte) []byte {
	n := bytes.Count(b, []byte("\n")) - bytes.Count(b, []byte("\r\n"))
	if n <= 0 {
		return b
	}
	out := make([]byte, 0, len(b)+n)
	for i, c := range b {
		if c == '\n' && (i == 0 || b[i-1] != '\r') {
			out = append(out, '\r')
		}
		out = append(out, c)
	}
	return out
}

func (s *Source) Close() error {
	if s.f == nil {
		return nil
	}
	err := s.f.Close()
	s.f = nil
	return err
}

var _ migrate.SourceConn = (*Source)(nil)
