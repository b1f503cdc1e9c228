// Package cookie keeps the session cookie shared by every fetch of a job and
// persists it between runs.
package cookie

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// DefaultFile is the file name the jar is persisted to when no path is configured.
const DefaultFile = "cookie.json"

// Jar is a flat name → value cookie store. It is safe for concurrent use.
type Jar struct {
	mu     sync.RWMutex
	values map[string]string
	path   string

	// saveMu orders snapshot and rename so the file never goes back to an
	// older state.
	saveMu sync.Mutex
}

// New returns an empty jar persisted to path. An empty path keeps it in memory only.
func New(path string) *Jar {
	return &Jar{values: make(map[string]string), path: path}
}

// Load reads the jar stored at path. A missing file yields an empty jar.
func Load(path string) (*Jar, error) {
	j := New(path)
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return j, nil
		}
		return nil, fmt.Errorf("cookie: read %s: %w", path, err)
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		return j, nil
	}
	if err := json.Unmarshal(data, &j.values); err != nil {
		return nil, fmt.Errorf("cookie: unmarshal %s: %w", path, err)
	}
	if j.values == nil {
		j.values = make(map[string]string)
	}
	return j, nil
}

// Parse adds every "name=value" pair of a Cookie header string ("a=1; b=2").
func (j *Jar) Parse(header string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	for _, part := range strings.Split(header, ";") {
		name, value, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok || name == "" {
			continue
		}
		j.values[strings.TrimSpace(name)] = strings.TrimSpace(value)
	}
}

// Set stores one cookie.
func (j *Jar) Set(name, value string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.values[name] = value
}

// Get returns a cookie value.
func (j *Jar) Get(name string) (string, bool) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	v, ok := j.values[name]
	return v, ok
}

// Delete removes a cookie.
func (j *Jar) Delete(name string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	delete(j.values, name)
}

// Len returns the number of cookies.
func (j *Jar) Len() int {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return len(j.values)
}

// Update applies the cookies a response set. Expired cookies are removed.
// It reports whether anything changed.
func (j *Jar) Update(cookies []*http.Cookie) bool {
	if len(cookies) == 0 {
		return false
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	changed := false
	for _, c := range cookies {
		if c.MaxAge < 0 {
			if _, ok := j.values[c.Name]; ok {
				delete(j.values, c.Name)
				changed = true
			}
			continue
		}
		if j.values[c.Name] != c.Value {
			j.values[c.Name] = c.Value
			changed = true
		}
	}
	return changed
}

// String renders the jar as a Cookie header value with names in sorted order.
func (j *Jar) String() string {
	j.mu.RLock()
	defer j.mu.RUnlock()
	names := make([]string, 0, len(j.values))
	for name := range j.values {
		names = append(names, name)
	}
	sort.Strings(names)
	parts := make([]string, 0, len(names))
	for _, name := range names {
		parts = append(parts, name+"="+j.values[name])
	}
	return strings.Join(parts, "; ")
}

// Save writes the jar to its path. The file is replaced atomically.
func (j *Jar) Save() error {
	if j.path == "" {
		return nil
	}
	j.saveMu.Lock()
	defer j.saveMu.Unlock()

	j.mu.RLock()
	data, err := json.MarshalIndent(j.values, "", "  ")
	j.mu.RUnlock()
	if err != nil {
		return fmt.Errorf("cookie: marshal: %w", err)
	}

	dir := filepath.Dir(j.path)
	tmp, err := os.CreateTemp(dir, ".cookie-*.json")
	if err != nil {
		return fmt.Errorf("cookie: create temp: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("cookie: write: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("cookie: close: %w", err)
	}
	if err := os.Rename(tmp.Name(), j.path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("cookie: rename: %w", err)
	}
	return nil
}
