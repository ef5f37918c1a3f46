// Package playback holds the process-wide "now playing" record and the
// rules applied to it before it is broadcast.
package playback

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Keys of the fields the server interprets. Every other key of an incoming
// record is kept as-is.
const (
	keyTitle   = "title"
	keyArtist  = "artist"
	keyElapsed = "elapsedSeconds"
)

// Info describes what is currently playing. Fields other than title, artist
// and elapsedSeconds are carried opaquely in Extra and written back
// unchanged.
type Info struct {
	Title          string
	Artist         string
	ElapsedSeconds float64
	Extra          map[string]json.RawMessage
}

// Clone returns a deep copy of the info.
func (i Info) Clone() Info {
	out := i
	if i.Extra != nil {
		out.Extra = make(map[string]json.RawMessage, len(i.Extra))
		for k, v := range i.Extra {
			out.Extra[k] = append(json.RawMessage(nil), v...)
		}
	}
	return out
}

// IsEmpty reports whether the info carries no meaningful playback, i.e.
// both title and artist are empty.
func (i Info) IsEmpty() bool {
	return i.Title == "" && i.Artist == ""
}

// MarshalJSON writes the known fields next to the pass-through ones.
func (i Info) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(i.Extra)+3)
	for k, v := range i.Extra {
		out[k] = v
	}
	out[keyTitle] = i.Title
	out[keyArtist] = i.Artist
	out[keyElapsed] = i.ElapsedSeconds

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(out); err != nil {
		return nil, err
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}

// UnmarshalJSON reads the known fields and keeps the rest in Extra.
func (i *Info) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("playback info must be a JSON object: %w", err)
	}
	if raw == nil {
		// JSON null leaves the receiver untouched
		return nil
	}

	var info Info
	if v, ok := raw[keyTitle]; ok {
		if err := json.Unmarshal(v, &info.Title); err != nil {
			return fmt.Errorf("invalid %s: %w", keyTitle, err)
		}
		delete(raw, keyTitle)
	}
	if v, ok := raw[keyArtist]; ok {
		if err := json.Unmarshal(v, &info.Artist); err != nil {
			return fmt.Errorf("invalid %s: %w", keyArtist, err)
		}
		delete(raw, keyArtist)
	}
	if v, ok := raw[keyElapsed]; ok {
		if err := json.Unmarshal(v, &info.ElapsedSeconds); err != nil {
			return fmt.Errorf("invalid %s: %w", keyElapsed, err)
		}
		delete(raw, keyElapsed)
	}
	if len(raw) > 0 {
		info.Extra = raw
	}

	*i = info
	return nil
}
