package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/zeebo/blake3"

	"github.com/ashureev/chatrelay/internal/identity"
)

// Snapshot is an immutable, validated view of the app document together
// with the hash of the bytes it was parsed from. Callers must not mutate it.
type Snapshot struct {
	App      *App
	Hash     string
	Path     string
	LoadedAt time.Time

	ownerJID string
	byChat   map[string]*Entity
}

// HashBytes returns the hex BLAKE3 digest used to detect document changes.
func HashBytes(data []byte) string {
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// ParseSnapshot parses and validates a document. path is informational and
// anchors relative prompt files.
func ParseSnapshot(data []byte, path string) (*Snapshot, error) {
	app, err := ParseApp(data)
	if err != nil {
		return nil, err
	}
	if err := app.Validate(baseDir(path)); err != nil {
		return nil, err
	}

	snap := &Snapshot{
		App:      app,
		Hash:     HashBytes(data),
		Path:     path,
		LoadedAt: time.Now(),
		ownerJID: identity.UserJID(app.Owner.PhoneNumber),
		byChat:   make(map[string]*Entity, len(app.Entities)),
	}
	for i := range app.Entities {
		e := &app.Entities[i]
		snap.byChat[e.Identifier()] = e
	}
	return snap, nil
}

// LoadSnapshot reads, parses and validates the document at path.
func LoadSnapshot(path string) (*Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %v", ErrInvalid, path, err)
	}
	snap, err := ParseSnapshot(data, path)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return snap, nil
}

// ValidateFile is the read-only validate-configuration check.
func ValidateFile(path string) error {
	_, err := LoadSnapshot(path)
	return err
}

// OwnerJID returns the owner's own chat, where self conversations happen.
func (s *Snapshot) OwnerJID() string {
	return s.ownerJID
}

// IsOwnerChat reports whether chatID is the owner's self chat.
func (s *Snapshot) IsOwnerChat(chatID string) bool {
	return identity.Canonical(chatID) == s.ownerJID
}

// Entity returns the configured entity for a chat, active or not.
func (s *Snapshot) Entity(chatID string) (*Entity, bool) {
	e, ok := s.byChat[identity.Canonical(chatID)]
	return e, ok
}

// MonitoredChats lists every chat the agent should read, sorted. Inactive
// entities are included so their messages are drained and skipped rather
// than left pending. The owner chat is included when self mode is active.
func (s *Snapshot) MonitoredChats() []string {
	chats := make([]string, 0, len(s.byChat)+1)
	for id := range s.byChat {
		chats = append(chats, id)
	}
	if s.App.Self.Active {
		if _, dup := s.byChat[s.ownerJID]; !dup {
			chats = append(chats, s.ownerJID)
		}
	}
	sort.Strings(chats)
	return chats
}

// Target is the resolved per-chat policy the agent applies to a message.
type Target struct {
	ChatID        string
	Name          string
	IsSelf        bool
	Active        bool
	Prompt        string
	PromptIsFile  bool
	Persona       string
	Debug         bool
	HeyBot        bool
	ResponseDelay time.Duration
	SessionMemory SessionMemory
	// StaleAfter discards a session idle longer than this. Zero disables.
	StaleAfter time.Duration
}

// Target resolves the policy for chatID. The owner chat resolves to the
// self section; other chats to their entity with global fallbacks.
func (s *Snapshot) Target(chatID string) (Target, bool) {
	chatID = identity.Canonical(chatID)
	app := s.App

	if chatID == s.ownerJID {
		self := app.Self
		return Target{
			ChatID:        chatID,
			Name:          "self",
			IsSelf:        true,
			Active:        self.Active,
			Prompt:        self.Prompt,
			PromptIsFile:  self.PromptIsFile,
			Persona:       self.Persona,
			Debug:         self.Debug,
			SessionMemory: app.SessionMemory,
			StaleAfter:    time.Duration(self.StaleSessionSeconds) * time.Second,
		}, true
	}

	e, ok := s.byChat[chatID]
	if !ok {
		return Target{}, false
	}
	t := Target{
		ChatID:        chatID,
		Name:          e.Name,
		Active:        e.IsActive(),
		Prompt:        e.Prompt,
		PromptIsFile:  e.PromptIsFile,
		Persona:       e.Persona,
		Debug:         e.Debug,
		HeyBot:        e.HeyBot,
		ResponseDelay: time.Duration(app.ResponseDelaySeconds) * time.Second,
		SessionMemory: app.SessionMemory,
	}
	if e.ResponseDelaySeconds != nil {
		t.ResponseDelay = time.Duration(*e.ResponseDelaySeconds) * time.Second
	}
	if e.SessionMemory != nil {
		t.SessionMemory = *e.SessionMemory
	}
	return t, true
}

// ResolvePrompt returns the prompt text for a target. A value is read from
// disk when flagged as a file, or when it looks like a path and the file
// exists.
func (s *Snapshot) ResolvePrompt(t Target) (string, error) {
	prompt := t.Prompt
	path := ResolvePath(baseDir(s.Path), prompt)
	if !t.PromptIsFile {
		if !strings.Contains(prompt, "/") {
			return prompt, nil
		}
		if info, err := os.Stat(path); err != nil || info.IsDir() {
			return prompt, nil
		}
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read prompt file %s: %w", prompt, err)
	}
	return strings.TrimSpace(string(data)), nil
}

func baseDir(path string) string {
	if path == "" {
		return ""
	}
	return filepath.Dir(path)
}
