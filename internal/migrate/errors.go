package migrate

import (
	"fmt"
)

// ConfigError means required settings are missing. Nothing was connected.
type ConfigError struct {
	Err error
}

func (e *ConfigError) Error() string { return "configuration: " + e.Err.Error() }
func (e *ConfigError) Unwrap() error { return e.Err }

// ConnectionError means connecting or logging in to one account failed.
type ConnectionError struct {
	Side string // "source" or "destination"
	Err  error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connect %s: %v", e.Side, e.Err)
}
func (e *ConnectionError) Unwrap() error { return e.Err }

// FolderAccessError means a source folder could not be selected or searched.
// The folder is skipped.
type FolderAccessError struct {
	Folder string
	Op     string
	Err    error
}

func (e *FolderAccessError) Error() string {
	return fmt.Sprintf("%s source folder %q: %v", e.Op, e.Folder, e.Err)
}
func (e *FolderAccessError) Unwrap() error { return e.Err }

// FolderProvisionError means the destination folder could not be created or
// selected. No message of the folder is attempted.
type FolderProvisionError struct {
	Folder string
	Err    error
}

func (e *FolderProvisionError) Error() string {
	return fmt.Sprintf("provision destination folder %q: %v", e.Folder, e.Err)
}
func (e *FolderProvisionError) Unwrap() error { return e.Err }

// MessageTransferError means fetching or appending one message failed. The
// message stays unrecorded and is retried on the next run.
type MessageTransferError struct {
	Folder string
	UID    uint32
	Op     string // "fetch" or "append"
	Err    error
}

func (e *MessageTransferError) Error() string {
	return fmt.Sprintf("%s UID %d in folder %q: %v", e.Op, e.UID, e.Folder, e.Err)
}
func (e *MessageTransferError) Unwrap() error { return e.Err }

// StatePersistError means a checkpoint could not be written. The in-memory
// state is intact and the next checkpoint retries.
type StatePersistError struct {
	Err error
}

func (e *StatePersistError) Error() string { return "persist state: " + e.Err.Error() }
func (e *StatePersistError) Unwrap() error { return e.Err }
