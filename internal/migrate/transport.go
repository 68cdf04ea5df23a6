package migrate

import (
	"context"
	"io"
	"time"

	"github.com/pepperpark/mailmigrate/internal/state"
)

// Folder is one entry of a folder listing. Only Name drives the migration.
type Folder struct {
	Name       string
	Delimiter  string
	Attributes []string
}

// Message is a fetched message. Body is the raw RFC 822 data and is appended
// unmodified.
type Message struct {
	UID          uint32
	Body         []byte
	Flags        []string
	InternalDate time.Time
}

// Lister lists folders.
type Lister interface {
	ListFolders() ([]Folder, error)
}

// Source is the read side of a migration.
type Source interface {
	Lister
	SelectFolder(name string, readOnly bool) error
	// SearchAll returns the UIDs of every message in the selected folder, in
	// server order.
	SearchAll() ([]uint32, error)
	// Fetch returns the full message with the given UID from the selected folder.
	Fetch(uid uint32) (*Message, error)
}

// Target is the write side of a migration.
type Target interface {
	SelectFolder(name string, readOnly bool) error
	CreateFolder(name string) error
	Append(folder string, msg *Message) error
}

// SourceConn is a Source that holds a connection.
type SourceConn interface {
	Source
	io.Closer
}

// TargetConn is a Target that holds a connection.
type TargetConn interface {
	Target
	io.Closer
}

// Connector opens both ends of a migration.
type Connector interface {
	ConnectSource(ctx context.Context) (SourceConn, error)
	ConnectTarget(ctx context.Context) (TargetConn, error)
}

// ConnectorFuncs adapts two functions to a Connector.
type ConnectorFuncs struct {
	Source func(ctx context.Context) (SourceConn, error)
	Target func(ctx context.Context) (TargetConn, error)
}

func (f ConnectorFuncs) ConnectSource(ctx context.Context) (SourceConn, error) { return f.Source(ctx) }
func (f ConnectorFuncs) ConnectTarget(ctx context.Context) (TargetConn, error) { return f.Target(ctx) }

// Store loads and persists migration state.
type Store interface {
	Load() (*state.State, error)
	Save(st *state.State) error
}
