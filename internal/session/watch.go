// internal/session/watch.go
package session

import (
	"log"
	"time"

	"agcx/internal/events"
	"agcx/internal/watcher"
)

// WatchSessions starts a directory watcher that keeps the catalogue in
// sync with session files other processes add, rewrite or remove. The
// caller owns the returned watcher and closes it on shutdown.
func (s *Service) WatchSessions(debounce time.Duration) (*watcher.Watcher, error) {
	w, err := watcher.New(s.store.SessionsDir(), debounce, s.onFileChange)
	if err != nil {
		return nil, err
	}
	if err := w.Start(); err != nil {
		w.Close()
		return nil, err
	}
	return w, nil
}

// onFileChange refreshes one catalogue entry from a changed session
// file. Changes to sessions open in this process are ignored, their
// managers keep the catalogue current themselves.
func (s *Service) onFileChange(ch watcher.Change) {
	s.mu.Lock()
	_, isOpen := s.open[ch.SessionID]
	s.mu.Unlock()
	if isOpen {
		return
	}

	switch ch.Op {
	case watcher.OpDelete:
		s.idx.Remove(ch.SessionID)
	default:
		entry, err := s.scanSession(ch.SessionID)
		if err != nil {
			log.Printf("[Session] watch refresh %s: %v", ch.SessionID, err)
			return
		}
		if cur, ok := s.idx.Get(ch.SessionID); ok {
			entry.Favorite = cur.Favorite
			if !cur.LastAccessed.IsZero() {
				entry.LastAccessed = cur.LastAccessed
			}
		}
		s.idx.Upsert(entry)
	}

	if err := s.idx.Save(); err != nil {
		log.Printf("[Session] index save: %v", err)
	}
	s.hub.EmitIndexRefreshed(events.IndexRefreshedEvent{Sessions: s.idx.Len()})
}
