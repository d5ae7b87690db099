package credentials

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/goccy/go-json"
)

// Credential is the bearer pair issued by the backend.
type Credential struct {
	Access  string `json:"access"`
	Refresh string `json:"refresh"`
}

// Empty reports whether neither token is set.
func (c Credential) Empty() bool { return c.Access == "" && c.Refresh == "" }

// Session is the cached profile of the logged in user and its role names.
type Session struct {
	User  json.RawMessage `json:"user,omitempty"`
	Roles []string        `json:"roles"`
}

// Store persists credentials between runs.
type Store interface {
	Load() (Credential, error)
	Save(Credential) error
	Clear() error
}

// SessionCache is implemented by stores that can also keep the session profile.
type SessionCache interface {
	LoadSession() (*Session, error)
	SaveSession(Session) error
	ClearSession() error
}

// MemoryStore keeps credentials in process memory only.
type MemoryStore struct {
	mu   sync.Mutex
	cred Credential
}

// NewMemoryStore starts with initial, which may be empty.
func NewMemoryStore(initial Credential) *MemoryStore {
	return &MemoryStore{cred: initial}
}

func (m *MemoryStore) Load() (Credential, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cred, nil
}

func (m *MemoryStore) Save(c Credential) error {
	m.mu.Lock()
	m.cred = c
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) Clear() error {
	return m.Save(Credential{})
}

type fileState struct {
	Credential
	Session *Session `json:"session,omitempty"`
}

// FileStore keeps the two tokens and the session cache in one JSON file,
// readable only by the owner.
type FileStore struct {
	path string
	mu   sync.Mutex
}

// NewFileStore persists to path. The file is created on the first Save.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// Path returns the backing file.
func (f *FileStore) Path() string { return f.path }

// Load returns an empty Credential when the file does not exist yet.
func (f *FileStore) Load() (Credential, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	st, err := f.read()
	if err != nil {
		return Credential{}, err
	}
	return st.Credential, nil
}

func (f *FileStore) Save(c Credential) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	st, err := f.read()
	if err != nil {
		return err
	}
	st.Credential = c
	return f.write(st)
}

// Clear drops the tokens and keeps the session cache.
func (f *FileStore) Clear() error {
	return f.Save(Credential{})
}

// LoadSession returns nil when no session was cached.
func (f *FileStore) LoadSession() (*Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	st, err := f.read()
	if err != nil {
		return nil, err
	}
	return st.Session, nil
}

// SaveSession caches the profile next to the tokens.
func (f *FileStore) SaveSession(s Session) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	st, err := f.read()
	if err != nil {
		return err
	}
	st.Session = &s
	return f.write(st)
}

// ClearSession forgets the cached profile.
func (f *FileStore) ClearSession() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	st, err := f.read()
	if err != nil {
		return err
	}
	st.Session = nil
	return f.write(st)
}

func (f *FileStore) read() (fileState, error) {
	var st fileState
	data, err := os.ReadFile(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return st, nil
	}
	if err != nil {
		return st, fmt.Errorf("read credential file: %w", err)
	}
	if len(data) == 0 {
		return st, nil
	}
	if err := json.Unmarshal(data, &st); err != nil {
		return fileState{}, fmt.Errorf("decode credential file: %w", err)
	}
	return st, nil
}

func (f *FileStore) write(st fileState) error {
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("encode credential file: %w", err)
	}
	if dir := filepath.Dir(f.path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("create credential dir: %w", err)
		}
	}
	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write credential file: %w", err)
	}
	return os.Rename(tmp, f.path)
}
