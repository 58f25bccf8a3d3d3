package toc

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// rosterSync is the connection side of the roster: when a session is
// established, roster changes are mirrored to the server.
type rosterSync interface {
	established() bool
	protocol() ProtocolVersion
	send(payload string) error
}

// Roster is the local buddy list. Lookups are case-insensitive and
// enumeration follows insertion order.
type Roster struct {
	mu    sync.RWMutex
	byKey map[string]*Buddy
	order []*Buddy

	syncer rosterSync
}

// NewRoster returns an empty roster that is not attached to any client.
func NewRoster() *Roster {
	return &Roster{
		byKey: make(map[string]*Buddy),
	}
}

// Add appends b to the roster. If the screen name is already present the
// roster is left unchanged and ErrRosterConflict is returned. When the
// client is connected the server is told about the new buddy; an error
// doing so is returned but the buddy stays in the roster.
func (r *Roster) Add(b Buddy) error {
	if err := r.insert(b); err != nil {
		return err
	}
	if r.syncer == nil || !r.syncer.established() {
		return nil
	}

	var payload string
	if r.syncer.protocol() == TOCv2 {
		payload = "toc2_new_buddies {g:" + b.Group + "\nb:" + b.ScreenName + "}"
	} else {
		payload = "toc_add_buddy " + Normalize(b.ScreenName)
	}
	return r.syncer.send(payload)
}

func (r *Roster) insert(b Buddy) error {
	key := Key(b.ScreenName)

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byKey[key]; exists {
		return fmt.Errorf("%w: %s is already in the buddy list", ErrRosterConflict, b.ScreenName)
	}
	stored := b
	r.byKey[key] = &stored
	r.order = append(r.order, &stored)
	return nil
}

// Remove deletes screenName from the roster. When connected the server is
// told first; the local entry is removed whether or not that succeeds.
func (r *Roster) Remove(screenName string) error {
	b, ok := r.Get(screenName)
	if !ok {
		return fmt.Errorf("%w: %s is not in the buddy list", ErrRosterConflict, screenName)
	}

	var err error
	if r.syncer != nil && r.syncer.established() {
		if r.syncer.protocol() == TOCv2 {
			err = r.syncer.send("toc2_remove_buddy " + Normalize(b.ScreenName) + " " + b.Group)
		} else {
			err = r.syncer.send("toc_remove_buddy " + Normalize(b.ScreenName))
		}
	}

	r.delete(screenName)
	return err
}

func (r *Roster) delete(screenName string) {
	key := Key(screenName)

	r.mu.Lock()
	defer r.mu.Unlock()

	stored, ok := r.byKey[key]
	if !ok {
		return
	}
	delete(r.byKey, key)
	for i, b := range r.order {
		if b == stored {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
}

// Get returns a copy of the buddy stored under screenName.
func (r *Roster) Get(screenName string) (Buddy, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.byKey[Key(screenName)]
	if !ok {
		return Buddy{}, false
	}
	return *b, true
}

func (r *Roster) Contains(screenName string) bool {
	_, ok := r.Get(screenName)
	return ok
}

func (r *Roster) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.order)
}

// Buddies returns a copy of the roster in insertion order.
func (r *Roster) Buddies() []Buddy {
	r.mu.RLock()
	defer r.mu.RUnlock()
	buddies := make([]Buddy, len(r.order))
	for i, b := range r.order {
		buddies[i] = *b
	}
	return buddies
}

// update applies fn to the stored buddy in place and returns the result.
func (r *Roster) update(screenName string, fn func(*Buddy)) (Buddy, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.byKey[Key(screenName)]
	if !ok {
		return Buddy{}, false
	}
	fn(b)
	return *b, true
}

// ConfigText serializes the whole roster in the server's config format:
// buddies are grouped (stable, by group name) and each group is introduced
// by a "g" line.
func (r *Roster) ConfigText() string {
	buddies := r.Buddies()
	sort.SliceStable(buddies, func(i, j int) bool {
		return buddies[i].Group < buddies[j].Group
	})

	var b strings.Builder
	group := ""
	for i, buddy := range buddies {
		if i == 0 || buddy.Group != group {
			group = buddy.Group
			b.WriteString("g " + group + "\n")
		}
		b.WriteString("b " + buddy.ScreenName + "\n")
	}
	return b.String()
}
