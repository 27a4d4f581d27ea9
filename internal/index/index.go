// internal/index/index.go
package index

import (
	"errors"
	"fmt"
	"log"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"agcx/internal/codec"
	"agcx/internal/storage"
)

// The catalogue file starts with magic "AGCI" and a u16 version, followed
// by the entry table, the favorites set and the MRU list. It is small and
// rewritten whole on every save.

const (
	Magic          = "AGCI"
	CurrentVersion = uint16(1)

	// DefaultMRULimit bounds the most-recently-used list.
	DefaultMRULimit = 100
)

var (
	// ErrIndexCorrupted indicates the catalogue file is unreadable. The
	// caller should rebuild it from the session directory.
	ErrIndexCorrupted = errors.New("session index corrupted")
	// ErrNotIndexed indicates the session id is not in the catalogue.
	ErrNotIndexed = errors.New("session not in index")
)

// Entry is the catalogue's view of one session.
type Entry struct {
	ID           uuid.UUID
	Title        string
	CreatedAt    time.Time
	LastAccessed time.Time
	MessageCount uint32
	TurnCount    uint32
	SizeBytes    uint64
	Model        string
	Tags         []string
	Favorite     bool
}

// Index is the in-memory session catalogue. All methods are safe for
// concurrent use.
type Index struct {
	mu       sync.RWMutex
	path     string
	mruLimit int

	sessions  map[uuid.UUID]*Entry
	favorites map[uuid.UUID]struct{}
	tags      map[string]map[uuid.UUID]struct{}
	keywords  map[string]map[uuid.UUID]struct{}
	mru       []uuid.UUID
}

// New returns an empty catalogue that saves to path.
func New(path string) *Index {
	return &Index{
		path:      path,
		mruLimit:  DefaultMRULimit,
		sessions:  make(map[uuid.UUID]*Entry),
		favorites: make(map[uuid.UUID]struct{}),
		tags:      make(map[string]map[uuid.UUID]struct{}),
		keywords:  make(map[string]map[uuid.UUID]struct{}),
	}
}

// SetMRULimit overrides the most-recently-used list bound.
func (x *Index) SetMRULimit(n int) {
	x.mu.Lock()
	defer x.mu.Unlock()
	if n > 0 {
		x.mruLimit = n
		x.trimMRU()
	}
}

// Load reads the catalogue from path. A missing file yields an empty
// catalogue; an unreadable one reports ErrIndexCorrupted.
func Load(path string) (*Index, error) {
	x := New(path)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return x, nil
		}
		return nil, fmt.Errorf("read index: %w", err)
	}
	if err := x.decode(data); err != nil {
		return nil, err
	}
	return x, nil
}

// Save writes the catalogue atomically.
func (x *Index) Save() error {
	x.mu.RLock()
	data := x.encode()
	x.mu.RUnlock()

	if err := storage.WriteFileAtomic(x.path, data, 0o644); err != nil {
		return fmt.Errorf("save index: %w", err)
	}
	return nil
}

// Len reports the number of catalogued sessions.
func (x *Index) Len() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return len(x.sessions)
}

// Get returns the entry for a session id.
func (x *Index) Get(id uuid.UUID) (Entry, bool) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	e, ok := x.sessions[id]
	if !ok {
		return Entry{}, false
	}
	return x.view(e), true
}

// Upsert adds or replaces a session entry and marks it most recent.
func (x *Index) Upsert(e Entry) {
	x.mu.Lock()
	defer x.mu.Unlock()

	if old, ok := x.sessions[e.ID]; ok {
		x.unmap(old)
	}
	stored := e
	stored.Favorite = false // favorite state lives in the set
	x.sessions[e.ID] = &stored
	x.remap(&stored)
	if e.Favorite {
		x.favorites[e.ID] = struct{}{}
	} else {
		delete(x.favorites, e.ID)
	}
	x.touchLocked(e.ID)
}

// Remove drops a session from the catalogue.
func (x *Index) Remove(id uuid.UUID) {
	x.mu.Lock()
	defer x.mu.Unlock()

	e, ok := x.sessions[id]
	if !ok {
		return
	}
	x.unmap(e)
	delete(x.sessions, id)
	delete(x.favorites, id)
	for i, mid := range x.mru {
		if mid == id {
			x.mru = append(x.mru[:i], x.mru[i+1:]...)
			break
		}
	}
}

// Touch marks the session as just accessed.
func (x *Index) Touch(id uuid.UUID) error {
	x.mu.Lock()
	defer x.mu.Unlock()

	e, ok := x.sessions[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotIndexed, id)
	}
	e.LastAccessed = time.Now().UTC()
	x.touchLocked(id)
	return nil
}

// SetFavorite flags or unflags a session. Only catalogued sessions can be
// favorites.
func (x *Index) SetFavorite(id uuid.UUID, fav bool) error {
	x.mu.Lock()
	defer x.mu.Unlock()

	if _, ok := x.sessions[id]; !ok {
		return fmt.Errorf("%w: %s", ErrNotIndexed, id)
	}
	if fav {
		x.favorites[id] = struct{}{}
	} else {
		delete(x.favorites, id)
	}
	return nil
}

// AddTag attaches a tag to a session. Tags are stored lowercased.
func (x *Index) AddTag(id uuid.UUID, tag string) error {
	x.mu.Lock()
	defer x.mu.Unlock()

	e, ok := x.sessions[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotIndexed, id)
	}
	tag = normalizeTag(tag)
	if tag == "" {
		return nil
	}
	for _, existing := range e.Tags {
		if existing == tag {
			return nil
		}
	}
	e.Tags = append(e.Tags, tag)
	x.indexTag(tag, id)
	return nil
}

// RemoveTag detaches a tag from a session.
func (x *Index) RemoveTag(id uuid.UUID, tag string) error {
	x.mu.Lock()
	defer x.mu.Unlock()

	e, ok := x.sessions[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotIndexed, id)
	}
	tag = normalizeTag(tag)
	for i, existing := range e.Tags {
		if existing == tag {
			e.Tags = append(e.Tags[:i], e.Tags[i+1:]...)
			break
		}
	}
	if set, ok := x.tags[tag]; ok {
		delete(set, id)
		if len(set) == 0 {
			delete(x.tags, tag)
		}
	}
	return nil
}

// All returns every entry, most recently accessed first.
func (x *Index) All() []Entry {
	x.mu.RLock()
	defer x.mu.RUnlock()

	out := make([]Entry, 0, len(x.sessions))
	for _, e := range x.sessions {
		out = append(out, x.view(e))
	}
	sortByAccess(out)
	return out
}

// Recent returns up to n entries in most-recently-used order.
func (x *Index) Recent(n int) []Entry {
	x.mu.RLock()
	defer x.mu.RUnlock()

	if n <= 0 || n > len(x.mru) {
		n = len(x.mru)
	}
	out := make([]Entry, 0, n)
	for _, id := range x.mru[:n] {
		if e, ok := x.sessions[id]; ok {
			out = append(out, x.view(e))
		}
	}
	return out
}

// Favorites returns the favorite entries, most recently accessed first.
func (x *Index) Favorites() []Entry {
	x.mu.RLock()
	defer x.mu.RUnlock()

	out := make([]Entry, 0, len(x.favorites))
	for id := range x.favorites {
		if e, ok := x.sessions[id]; ok {
			out = append(out, x.view(e))
		}
	}
	sortByAccess(out)
	return out
}

// Search matches the query case-insensitively against titles as a
// substring and against tags exactly. Results are deduplicated and sorted
// by last access, newest first.
func (x *Index) Search(query string) []Entry {
	x.mu.RLock()
	defer x.mu.RUnlock()

	needle := strings.ToLower(strings.TrimSpace(query))
	if needle == "" {
		return nil
	}

	hits := make(map[uuid.UUID]struct{})
	for id, e := range x.sessions {
		if strings.Contains(strings.ToLower(e.Title), needle) {
			hits[id] = struct{}{}
		}
	}
	for id := range x.tags[needle] {
		hits[id] = struct{}{}
	}

	out := make([]Entry, 0, len(hits))
	for id := range hits {
		if e, ok := x.sessions[id]; ok {
			out = append(out, x.view(e))
		}
	}
	sortByAccess(out)
	return out
}

// SuggestTitles returns titles of sessions whose title words start with
// the prefix, for shell completion.
func (x *Index) SuggestTitles(prefix string) []string {
	x.mu.RLock()
	defer x.mu.RUnlock()

	prefix = strings.ToLower(strings.TrimSpace(prefix))
	if prefix == "" {
		return nil
	}
	seen := make(map[uuid.UUID]struct{})
	var titles []string
	for word, ids := range x.keywords {
		if !strings.HasPrefix(word, prefix) {
			continue
		}
		for id := range ids {
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}
			if e, ok := x.sessions[id]; ok {
				titles = append(titles, e.Title)
			}
		}
	}
	sort.Strings(titles)
	return titles
}

func (x *Index) view(e *Entry) Entry {
	out := *e
	out.Tags = append([]string(nil), e.Tags...)
	_, out.Favorite = x.favorites[e.ID]
	return out
}

func (x *Index) touchLocked(id uuid.UUID) {
	for i, mid := range x.mru {
		if mid == id {
			x.mru = append(x.mru[:i], x.mru[i+1:]...)
			break
		}
	}
	x.mru = append([]uuid.UUID{id}, x.mru...)
	x.trimMRU()
}

func (x *Index) trimMRU() {
	if len(x.mru) > x.mruLimit {
		x.mru = x.mru[:x.mruLimit]
	}
}

func (x *Index) remap(e *Entry) {
	for _, tag := range e.Tags {
		x.indexTag(tag, e.ID)
	}
	for _, word := range titleWords(e.Title) {
		set, ok := x.keywords[word]
		if !ok {
			set = make(map[uuid.UUID]struct{})
			x.keywords[word] = set
		}
		set[e.ID] = struct{}{}
	}
}

func (x *Index) unmap(e *Entry) {
	for _, tag := range e.Tags {
		if set, ok := x.tags[tag]; ok {
			delete(set, e.ID)
			if len(set) == 0 {
				delete(x.tags, tag)
			}
		}
	}
	for _, word := range titleWords(e.Title) {
		if set, ok := x.keywords[word]; ok {
			delete(set, e.ID)
			if len(set) == 0 {
				delete(x.keywords, word)
			}
		}
	}
}

func (x *Index) indexTag(tag string, id uuid.UUID) {
	set, ok := x.tags[tag]
	if !ok {
		set = make(map[uuid.UUID]struct{})
		x.tags[tag] = set
	}
	set[id] = struct{}{}
}

func normalizeTag(tag string) string {
	return strings.ToLower(strings.TrimSpace(tag))
}

func titleWords(title string) []string {
	return strings.Fields(strings.ToLower(title))
}

func sortByAccess(entries []Entry) {
	sort.Slice(entries, func(i, j int) bool {
		if !entries[i].LastAccessed.Equal(entries[j].LastAccessed) {
			return entries[i].LastAccessed.After(entries[j].LastAccessed)
		}
		return entries[i].ID.String() < entries[j].ID.String()
	})
}

func (x *Index) encode() []byte {
	e := codec.NewEncoder()
	e.PutU16(CurrentVersion)
	e.PutU16(0) // reserved

	ids := make([]uuid.UUID, 0, len(x.sessions))
	for id := range x.sessions {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].String() < ids[j].String() })

	e.PutCount(len(ids))
	for _, id := range ids {
		entry := x.sessions[id]
		e.PutID(entry.ID)
		e.PutString(entry.Title)
		e.PutTime(entry.CreatedAt)
		e.PutTime(entry.LastAccessed)
		e.PutU32(entry.MessageCount)
		e.PutU32(entry.TurnCount)
		e.PutU64(entry.SizeBytes)
		e.PutString(entry.Model)
		e.PutCount(len(entry.Tags))
		for _, tag := range entry.Tags {
			e.PutString(tag)
		}
	}

	favs := make([]uuid.UUID, 0, len(x.favorites))
	for id := range x.favorites {
		favs = append(favs, id)
	}
	sort.Slice(favs, func(i, j int) bool { return favs[i].String() < favs[j].String() })
	e.PutCount(len(favs))
	for _, id := range favs {
		e.PutID(id)
	}

	e.PutCount(len(x.mru))
	for _, id := range x.mru {
		e.PutID(id)
	}

	return append([]byte(Magic), e.Bytes()...)
}

func (x *Index) decode(data []byte) error {
	if len(data) < len(Magic)+2 || string(data[:len(Magic)]) != Magic {
		return fmt.Errorf("%w: bad magic", ErrIndexCorrupted)
	}
	d := codec.NewDecoder(data[len(Magic):])

	version, err := d.U16()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrIndexCorrupted, err)
	}
	if version != CurrentVersion {
		return fmt.Errorf("%w: version %d", ErrIndexCorrupted, version)
	}
	if _, err := d.U16(); err != nil {
		return fmt.Errorf("%w: %v", ErrIndexCorrupted, err)
	}

	count, err := d.Count()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrIndexCorrupted, err)
	}
	for i := 0; i < count; i++ {
		var entry Entry
		if entry.ID, err = d.ID(); err != nil {
			return fmt.Errorf("%w: entry %d: %v", ErrIndexCorrupted, i, err)
		}
		if entry.Title, err = d.String(); err != nil {
			return fmt.Errorf("%w: entry %d: %v", ErrIndexCorrupted, i, err)
		}
		if entry.CreatedAt, err = d.Time(); err != nil {
			return fmt.Errorf("%w: entry %d: %v", ErrIndexCorrupted, i, err)
		}
		if entry.LastAccessed, err = d.Time(); err != nil {
			return fmt.Errorf("%w: entry %d: %v", ErrIndexCorrupted, i, err)
		}
		if entry.MessageCount, err = d.U32(); err != nil {
			return fmt.Errorf("%w: entry %d: %v", ErrIndexCorrupted, i, err)
		}
		if entry.TurnCount, err = d.U32(); err != nil {
			return fmt.Errorf("%w: entry %d: %v", ErrIndexCorrupted, i, err)
		}
		if entry.SizeBytes, err = d.U64(); err != nil {
			return fmt.Errorf("%w: entry %d: %v", ErrIndexCorrupted, i, err)
		}
		if entry.Model, err = d.String(); err != nil {
			return fmt.Errorf("%w: entry %d: %v", ErrIndexCorrupted, i, err)
		}
		tagCount, err := d.Count()
		if err != nil {
			return fmt.Errorf("%w: entry %d: %v", ErrIndexCorrupted, i, err)
		}
		for j := 0; j < tagCount; j++ {
			tag, err := d.String()
			if err != nil {
				return fmt.Errorf("%w: entry %d tag %d: %v", ErrIndexCorrupted, i, j, err)
			}
			entry.Tags = append(entry.Tags, tag)
		}
		stored := entry
		x.sessions[entry.ID] = &stored
		x.remap(&stored)
	}

	favCount, err := d.Count()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrIndexCorrupted, err)
	}
	for i := 0; i < favCount; i++ {
		id, err := d.ID()
		if err != nil {
			return fmt.Errorf("%w: favorite %d: %v", ErrIndexCorrupted, i, err)
		}
		// A favorite must reference a catalogued session. Stale ids are
		// dropped rather than failing the load.
		if _, ok := x.sessions[id]; !ok {
			log.Printf("[Index] dropping favorite for unknown session %s", id)
			continue
		}
		x.favorites[id] = struct{}{}
	}

	mruCount, err := d.Count()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrIndexCorrupted, err)
	}
	for i := 0; i < mruCount; i++ {
		id, err := d.ID()
		if err != nil {
			return fmt.Errorf("%w: mru %d: %v", ErrIndexCorrupted, i, err)
		}
		if _, ok := x.sessions[id]; !ok {
			continue
		}
		x.mru = append(x.mru, id)
	}
	x.trimMRU()
	return nil
}
