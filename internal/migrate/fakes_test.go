package migrate

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/pkg/errors"

	"github.com/pepperpark/mailmigrate/internal/state"
)

type fakeSource struct {
	mu        sync.Mutex
	folders   []Folder
	boxes     map[string][]uint32
	listErr   error
	selectErr map[string]error
	searchErr map[string]error
	// fetchHook runs before every fetch; a non-nil error fails it.
	fetchHook func(folder string, uid uint32) error
	selected  string
	calls     []string
	closed    chan struct{}
	closeOnce sync.Once
	closeErr  error
	closes    int
}

func newFakeSource(boxes map[string][]uint32, order ...string) *fakeSource {
	s := &fakeSource{boxes: boxes, closed: make(chan struct{})}
	for _, name := range order {
		s.folders = append(s.folders, Folder{Name: name, Delimiter: "/"})
	}
	return s
}

func body(folder string, uid uint32) []byte {
	return []byte(fmt.Sprintf("Subject: %s %d\r\n\r\nmessage %d in %s\r\n", folder, uid, uid, folder))
}

func (s *fakeSource) record(call string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, call)
}

func (s *fakeSource) Calls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.calls...)
}

func (s *fakeSource) ListFolders() ([]Folder, error) {
	s.record("list")
	if s.listErr != nil {
		return nil, s.listErr
	}
	return s.folders, nil
}

func (s *fakeSource) SelectFolder(name string, readOnly bool) error {
	s.record("select:" + name)
	if !readOnly {
		return errors.New("source must be selected read-only")
	}
	if err := s.selectErr[name]; err != nil {
		return err
	}
	if _, ok := s.boxes[name]; !ok {
		return errors.New("no such mailbox")
	}
	s.selected = name
	return nil
}

func (s *fakeSource) SearchAll() ([]uint32, error) {
	s.record("search:" + s.selected)
	if err := s.searchErr[s.selected]; err != nil {
		return nil, err
	}
	return append([]uint32(nil), s.boxes[s.selected]...), nil
}

func (s *fakeSource) Fetch(uid uint32) (*Message, error) {
	s.record(fmt.Sprintf("fetch:%s:%d", s.selected, uid))
	if s.fetchHook != nil {
		if err := s.fetchHook(s.selected, uid); err != nil {
			return nil, err
		}
	}
	return &Message{UID: uid, Body: body(s.selected, uid), Flags: []string{`\Seen`, `\Recent`}}, nil
}

func (s *fakeSource) Close() error {
	s.mu.Lock()
	s.closes++
	s.mu.Unlock()
	s.closeOnce.Do(func() { close(s.closed) })
	return s.closeErr
}

type fakeTarget struct {
	mu        sync.Mutex
	boxes     map[string][]*Message
	createErr map[string]error
	// appendHook runs before every append; a non-nil error fails it.
	appendHook func(folder string, msg *Message) error
	calls      []string
	closeErr   error
	closes     int
}

func newFakeTarget(existing ...string) *fakeTarget {
	t := &fakeTarget{boxes: map[string][]*Message{}}
	for _, name := range existing {
		t.boxes[name] = nil
	}
	return t
}

func (t *fakeTarget) record(call string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.calls = append(t.calls, call)
}

func (t *fakeTarget) Calls() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.calls...)
}

func (t *fakeTarget) SelectFolder(name string, readOnly bool) error {
	t.record("select:" + name)
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.boxes[name]; !ok {
		return errors.New("no such mailbox")
	}
	return nil
}

func (t *fakeTarget) CreateFolder(name string) error {
	t.record("create:" + name)
	if err := t.createErr[name]; err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.boxes[name] = nil
	return nil
}

func (t *fakeTarget) Append(folder string, msg *Message) error {
	t.record(fmt.Sprintf("append:%s:%d", folder, msg.UID))
	if t.appendHook != nil {
		if err := t.appendHook(folder, msg); err != nil {
			return err
		}
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.boxes[folder]; !ok {
		return errors.New("append to missing mailbox")
	}
	t.boxes[folder] = append(t.boxes[folder], msg)
	return nil
}

func (t *fakeTarget) Messages(folder string) []*Message {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.boxes[folder]
}

func (t *fakeTarget) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closes++
	return t.closeErr
}

// memStore keeps every saved snapshot as JSON, like the file store would.
type memStore struct {
	mu        sync.Mutex
	data      []byte
	loadErr   error
	saveErr   error
	snapshots [][]byte
}

func newMemStore(initial map[string][]uint32) *memStore {
	m := &memStore{}
	if initial != nil {
		m.data, _ = json.Marshal(initial)
	}
	return m
}

func (m *memStore) Load() (*state.State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.loadErr != nil {
		return nil, m.loadErr
	}
	st := state.New()
	if m.data == nil {
		return st, nil
	}
	if err := json.Unmarshal(m.data, st); err != nil {
		return nil, &state.CorruptError{Path: "mem", Err: err}
	}
	return st, nil
}

func (m *memStore) Save(st *state.State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.saveErr != nil {
		return m.saveErr
	}
	b, err := json.Marshal(st)
	if err != nil {
		return err
	}
	m.data = b
	m.snapshots = append(m.snapshots, b)
	return nil
}

func (m *memStore) Saves() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.snapshots)
}

// Persisted returns what a restart would load.
func (m *memStore) Persisted() map[string][]uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := map[string][]uint32{}
	if m.data != nil {
		_ = json.Unmarshal(m.data, &out)
	}
	return out
}

func (m *memStore) Snapshot(i int) map[string][]uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := map[string][]uint32{}
	_ = json.Unmarshal(m.snapshots[i], &out)
	return out
}
