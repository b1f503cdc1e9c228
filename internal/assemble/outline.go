package assemble

import (
	"fmt"
	"strconv"
	"strings"
)

// Bookmark is one entry of a document's bookmark tree as delivered with the
// paged viewer configuration. Page is 1-based.
type Bookmark struct {
	Title    string     `json:"title"`
	Page     int        `json:"page"`
	Zoom     string     `json:"zoom,omitempty"`
	Children []Bookmark `json:"children,omitempty"`
}

// Destination is where an outline item points.
type Destination struct {
	Page int // 1-based
	// Fit shows the whole page. When false the view is XYZ Left Top Scale.
	Fit   bool
	Left  float64
	Top   float64
	Scale float64
}

// ParseDestination interprets a zoom directive such as "XYZ 114 1136 0".
// Anything that is not a well-formed XYZ directive yields a Fit destination.
func ParseDestination(page int, zoom string) Destination {
	fit := Destination{Page: page, Fit: true}
	parts := strings.Fields(zoom)
	if len(parts) != 4 || parts[0] != "XYZ" {
		return fit
	}
	var vals [3]float64
	for i, p := range parts[1:] {
		v, err := strconv.ParseFloat(p, 64)
		if err != nil {
			return fit
		}
		vals[i] = v
	}
	return Destination{Page: page, Left: vals[0], Top: vals[1], Scale: vals[2]}
}

// OutlineItem is one node of the outline. Links hold item ids; 0 means none.
// The root carries only First, Last and Count.
type OutlineItem struct {
	ID     int
	Title  string
	Dest   Destination
	Parent int
	Prev   int
	Next   int
	First  int
	Last   int
	Count  int
}

// Outline is the navigation tree of a document. Items are indexed by id; the
// root has id 1.
type Outline struct {
	Items    []*OutlineItem // Items[i].ID == i+1
	Warnings []string

	pages int
}

// Root returns the root item.
func (o *Outline) Root() *OutlineItem {
	return o.Items[0]
}

// Item returns the item with id, or nil.
func (o *Outline) Item(id int) *OutlineItem {
	if id <= 0 || id > len(o.Items) {
		return nil
	}
	return o.Items[id-1]
}

// Children returns the items directly under id, in order.
func (o *Outline) Children(id int) []*OutlineItem {
	var out []*OutlineItem
	parent := o.Item(id)
	if parent == nil {
		return nil
	}
	for c := o.Item(parent.First); c != nil; c = o.Item(c.Next) {
		out = append(out, c)
	}
	return out
}

// Empty reports whether the outline has no entries.
func (o *Outline) Empty() bool {
	return o.Root().Count == 0
}

// BuildOutline builds the outline of a document with pageCount pages. Entries
// pointing outside the document are skipped together with their children and
// reported in Warnings.
//
// Each level is built in three passes: create the items, link siblings, then
// descend into children. Ids are therefore handed out level by level within a
// subtree, starting with 1 for the root.
func BuildOutline(nodes []Bookmark, pageCount int) *Outline {
	o := &Outline{pages: pageCount}
	root := o.add("", Destination{})
	first, last, count := o.level(root.ID, nodes)
	root.First, root.Last, root.Count = first, last, count
	return o
}

func (o *Outline) add(title string, dest Destination) *OutlineItem {
	it := &OutlineItem{ID: len(o.Items) + 1, Title: title, Dest: dest}
	o.Items = append(o.Items, it)
	return it
}

func (o *Outline) level(parent int, nodes []Bookmark) (first, last, count int) {
	// Pass 1: create.
	items := make([]*OutlineItem, 0, len(nodes))
	kept := make([]Bookmark, 0, len(nodes))
	for _, n := range nodes {
		if n.Page < 1 || n.Page > o.pages {
			o.Warnings = append(o.Warnings, fmt.Sprintf("bookmark %q: page %d outside 1..%d, skipped", n.Title, n.Page, o.pages))
			continue
		}
		it := o.add(n.Title, ParseDestination(n.Page, n.Zoom))
		it.Parent = parent
		items = append(items, it)
		kept = append(kept, n)
	}
	if len(items) == 0 {
		return 0, 0, 0
	}

	// Pass 2: siblings.
	for i, it := range items {
		if i > 0 {
			it.Prev = items[i-1].ID
		}
		if i < len(items)-1 {
			it.Next = items[i+1].ID
		}
	}

	// Pass 3: children.
	for i, it := range items {
		if len(kept[i].Children) == 0 {
			continue
		}
		it.First, it.Last, it.Count = o.level(it.ID, kept[i].Children)
	}
	return items[0].ID, items[len(items)-1].ID, len(items)
}
