package migrate

// EventType enumerates emitted migration events.
type EventType string

const (
	EventFolderStart    EventType = "folder_start"
	EventFolderProgress EventType = "folder_progress"
	EventFolderDone     EventType = "folder_done"
	EventFolderSkipped  EventType = "folder_skipped"
	EventMessageFailed  EventType = "message_failed"
)

// Event carries progress about a folder.
type Event struct {
	Type   EventType
	Folder string
	Total  int
	Done   int
	UID    uint32
	Err    error
}
