package toc

import (
	"strings"
	"sync"
)

// Capability is a client feature advertised at signon. Two capabilities are
// the same if their UUIDs match.
type Capability struct {
	UUID string
	Name string
}

var (
	Voice     = Capability{"09461341-4C7F-11D1-8222-444553540000", "Voice"}
	BuddyIcon = Capability{"09461346-4C7F-11D1-8222-444553540000", "BuddyIcon"}
	FileGet   = Capability{"09461348-4C7F-11D1-8222-444553540000", "FileGet"}
	FileSend  = Capability{"09461343-4C7F-11D1-8222-444553540000", "FileSend"}
	Games     = Capability{"0946134a-4C7F-11D1-8222-444553540000", "Games"}
	Image     = Capability{"09461345-4C7F-11D1-8222-444553540000", "Image"}
	Stocks    = Capability{"09461347-4C7F-11D1-8222-444553540000", "Stocks"}
)

// Equal reports whether c and other have the same UUID.
func (c Capability) Equal(other Capability) bool {
	return c.UUID == other.UUID
}

// Capabilities is an ordered set of capabilities. It is announced once at
// signon; later changes apply to the next signon.
type Capabilities struct {
	mu   sync.Mutex
	list []Capability
}

// Add appends c unless a capability with the same UUID is present.
// It reports whether c was added.
func (s *Capabilities) Add(c Capability) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.list {
		if existing.Equal(c) {
			return false
		}
	}
	s.list = append(s.list, c)
	return true
}

func (s *Capabilities) Remove(c Capability) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, existing := range s.list {
		if existing.Equal(c) {
			s.list = append(s.list[:i], s.list[i+1:]...)
			return
		}
	}
}

func (s *Capabilities) Contains(c Capability) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.list {
		if existing.Equal(c) {
			return true
		}
	}
	return false
}

func (s *Capabilities) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.list)
}

// List returns a copy of the set in insertion order.
func (s *Capabilities) List() []Capability {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Capability(nil), s.list...)
}

// command returns the toc_set_caps command, or "" if the set is empty.
func (s *Capabilities) command() string {
	list := s.List()
	if len(list) == 0 {
		return ""
	}
	uuids := make([]string, len(list))
	for i, c := range list {
		uuids[i] = c.UUID
	}
	return "toc_set_caps " + strings.Join(uuids, " ")
}
