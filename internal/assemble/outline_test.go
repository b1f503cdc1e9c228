package assemble

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildOutlineFlat(t *testing.T) {
	o := BuildOutline([]Bookmark{{Title: "A", Page: 1}, {Title: "B", Page: 2}, {Title: "C", Page: 3}}, 3)

	root := o.Root()
	assert.Equal(t, 1, root.ID)
	assert.Equal(t, 3, root.Count)

	a, c := o.Item(root.First), o.Item(root.Last)
	require.NotNil(t, a)
	require.NotNil(t, c)
	assert.Equal(t, "A", a.Title)
	assert.Equal(t, "C", c.Title)
	assert.Equal(t, "B", o.Item(a.Next).Title)
	assert.Equal(t, 0, a.Prev)
	assert.Equal(t, 0, c.Next)
	assert.Equal(t, root.ID, a.Parent)
	assert.Empty(t, o.Warnings)
}

func TestBuildOutlineSkipsOutOfRange(t *testing.T) {
	o := BuildOutline([]Bookmark{{Title: "A", Page: 1}, {Title: "X", Page: 99}, {Title: "C", Page: 3}, {Title: "Z", Page: 0}}, 3)

	assert.Equal(t, 2, o.Root().Count)
	require.Len(t, o.Warnings, 2)
	assert.Contains(t, o.Warnings[0], "99")

	a := o.Item(o.Root().First)
	assert.Equal(t, "C", o.Item(a.Next).Title)
	assert.Equal(t, o.Root().Last, a.Next)
}

func TestBuildOutlineNested(t *testing.T) {
	o := BuildOutline([]Bookmark{
		{Title: "X", Page: 50, Children: []Bookmark{{Title: "X.1", Page: 1}}},
		{Title: "A", Page: 1, Children: []Bookmark{
			{Title: "A.1", Page: 2},
			{Title: "A.2", Page: 3, Children: []Bookmark{{Title: "A.2.1", Page: 3}}},
		}},
		{Title: "B", Page: 4},
	}, 4)

	// root, A, B, then A's children, then A.2's child.
	titles := make([]string, len(o.Items))
	for i, it := range o.Items {
		assert.Equal(t, i+1, it.ID)
		titles[i] = it.Title
	}
	assert.Equal(t, []string{"", "A", "B", "A.1", "A.2", "A.2.1"}, titles)

	a := o.Item(2)
	assert.Equal(t, 4, a.First)
	assert.Equal(t, 5, a.Last)
	assert.Equal(t, 2, a.Count)
	assert.Equal(t, 2, o.Item(4).Parent)
	assert.Equal(t, 5, o.Item(4).Next)
	assert.Equal(t, 6, o.Item(5).First)
	assert.Equal(t, 0, o.Item(3).First)

	children := o.Children(2)
	require.Len(t, children, 2)
	assert.Equal(t, "A.2", children[1].Title)
	assert.Len(t, o.Warnings, 1)
}

func TestBuildOutlineEmpty(t *testing.T) {
	o := BuildOutline(nil, 10)
	assert.True(t, o.Empty())
	assert.Len(t, o.Items, 1)
}

func TestParseDestination(t *testing.T) {
	d := ParseDestination(4, "XYZ 114 1136 0")
	assert.False(t, d.Fit)
	assert.Equal(t, Destination{Page: 4, Left: 114, Top: 1136, Scale: 0}, d)

	for _, zoom := range []string{"", "Fit", "FitH 10", "XYZ 1 2", "XYZ a 2 3", "ABC 1 2 3"} {
		assert.Equal(t, Destination{Page: 4, Fit: true}, ParseDestination(4, zoom), zoom)
	}
}
