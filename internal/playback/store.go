package playback

import (
	"strings"
	"sync"
	"unicode/utf8"
)

// Filler is the invisible glyph used to pad short display strings (U+3164
// HANGUL FILLER). Some overlays treat one-character strings as empty or
// collapse whitespace; the filler survives both.
const Filler = "\u3164"

// MinDisplayLength is the number of characters title and artist are padded
// to.
const MinDisplayLength = 2

// Store holds the single current playback info.
type Store struct {
	mu      sync.RWMutex
	current *Info
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{}
}

// Set replaces the current info.
func (s *Store) Set(info Info) {
	c := info.Clone()
	s.mu.Lock()
	s.current = &c
	s.mu.Unlock()
}

// Current returns a copy of the current info and whether one exists.
func (s *Store) Current() (Info, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.current == nil {
		return Info{}, false
	}
	return s.current.Clone(), true
}

// Snapshot returns the current info for JSON output, or nil when nothing
// has been stored yet.
func (s *Store) Snapshot() *Info {
	info, ok := s.Current()
	if !ok {
		return nil
	}
	return &info
}

// Clear drops the current info.
func (s *Store) Clear() {
	s.mu.Lock()
	s.current = nil
	s.mu.Unlock()
}

// Normalize returns a copy of info prepared for display.
//
// A title shorter than MinDisplayLength characters is right-padded with
// Filler. The artist is padded to MinDisplayLength only when it is shorter
// than the (already padded) title; the comparison against the title is
// kept as-is.
func Normalize(info Info) Info {
	out := info.Clone()

	if utf8.RuneCountInString(out.Title) < MinDisplayLength {
		out.Title = padRight(out.Title, MinDisplayLength)
	}
	if utf8.RuneCountInString(out.Artist) < utf8.RuneCountInString(out.Title) {
		out.Artist = padRight(out.Artist, MinDisplayLength)
	}

	return out
}

func padRight(s string, n int) string {
	missing := n - utf8.RuneCountInString(s)
	if missing <= 0 {
		return s
	}
	return s + strings.Repeat(Filler, missing)
}
