// Package authors loads the `--authors-map` JSON file (spec §6): a
// mapping from SVN username to the Name/Email pair a commit's author and
// committer identity should carry. This is explicitly out-of-scope as a
// "hard core" component (spec §1 lists authors-map JSON loading among
// the external collaborators), so it follows the teacher's own
// single-function config-loading idiom rather than growing any
// machinery of its own.
package authors

import (
	"encoding/json"
	"fmt"
	"os"
)

// Identity is one author's resolved Name/Email.
type Identity struct {
	Name  string `json:"Name"`
	Email string `json:"Email"`
}

// Map resolves SVN usernames to Identity, defaulting unknown usernames
// to "username@localhost" with the username itself as the display name
// (spec §6).
type Map map[string]Identity

// Load reads an authors-map JSON file. A missing filename (empty string)
// returns an empty Map, so every lookup falls through to the default.
func Load(filename string) (Map, error) {
	if filename == "" {
		return Map{}, nil
	}
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to load authors map %v: %v", filename, err)
	}
	var m Map
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("invalid authors map %v: %v", filename, err)
	}
	return m, nil
}

// Resolve returns username's mapped identity, or the "username@localhost"
// default when username is unmapped or empty.
func (m Map) Resolve(username string) Identity {
	if id, ok := m[username]; ok {
		return id
	}
	if username == "" {
		username = "unknown"
	}
	return Identity{Name: username, Email: username + "@localhost"}
}
