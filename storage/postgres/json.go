package postgres

import (
	"encoding/json"
)

// notesToJSON converts review notes to a JSON string for storage.
func notesToJSON(notes []string) string {
	if len(notes) == 0 {
		return "[]"
	}
	b, _ := json.Marshal(notes)
	return string(b)
}

// notesFromJSON parses a JSON string into review notes.
func notesFromJSON(s string) []string {
	if s == "" || s == "null" {
		return nil
	}
	var notes []string
	if err := json.Unmarshal([]byte(s), &notes); err != nil {
		return nil
	}
	if len(notes) == 0 {
		return nil
	}
	return notes
}
