package cookie

import (
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseAndString(t *testing.T) {
	j := New("")
	j.Parse("session=abc; theme=dark ;  broken; =x")

	v, ok := j.Get("session")
	assert.True(t, ok)
	assert.Equal(t, "abc", v)
	assert.Equal(t, 2, j.Len())
	assert.Equal(t, "session=abc; theme=dark", j.String())

	j.Delete("theme")
	assert.Equal(t, "session=abc", j.String())
}

func TestUpdate(t *testing.T) {
	j := New("")
	j.Set("a", "1")
	j.Set("b", "2")

	changed := j.Update([]*http.Cookie{
		{Name: "a", Value: "1"},
		{Name: "b", MaxAge: -1},
		{Name: "c", Value: "3"},
	})
	assert.True(t, changed)
	assert.Equal(t, "a=1; c=3", j.String())

	assert.False(t, j.Update([]*http.Cookie{{Name: "a", Value: "1"}}))
	assert.False(t, j.Update(nil))
}

func TestSaveLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), DefaultFile)

	j := New(path)
	j.Parse("session=abc; token=xyz")
	require.NoError(t, j.Save())

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, j.String(), loaded.String())
}

func TestConcurrentSaveKeepsLatest(t *testing.T) {
	path := filepath.Join(t.TempDir(), DefaultFile)
	j := New(path)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			j.Set(fmt.Sprintf("c%02d", i), "v")
			assert.NoError(t, j.Save())
		}(i)
	}
	wg.Wait()

	// The last save to run saw every cookie, so the file holds all of them.
	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 50, loaded.Len())
	assert.Equal(t, j.String(), loaded.String())
}

func TestLoadMissingOrEmpty(t *testing.T) {
	dir := t.TempDir()

	j, err := Load(filepath.Join(dir, "missing.json"))
	require.NoError(t, err)
	assert.Equal(t, 0, j.Len())

	empty := filepath.Join(dir, "empty.json")
	require.NoError(t, os.WriteFile(empty, nil, 0o600))
	j, err = Load(empty)
	require.NoError(t, err)
	assert.Equal(t, 0, j.Len())

	bad := filepath.Join(dir, "bad.json")
	require.NoError(t, os.WriteFile(bad, []byte("{"), 0o600))
	_, err = Load(bad)
	assert.Error(t, err)
}
