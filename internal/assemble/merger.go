package assemble

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/types"
)

// Merger concatenates PDFs and attaches outlines.
type Merger interface {
	// Merge writes the pages of inputs, in order, to w.
	Merge(ctx context.Context, inputs [][]byte, w io.Writer) error
	// PageCount returns the number of pages of pdf.
	PageCount(pdf []byte) (int, error)
	// AddOutline writes pdf with o as its outline to w.
	AddOutline(pdf []byte, o *Outline, w io.Writer) error
}

var disableConfigDir sync.Once

// PDFCPU is the Merger backed by pdfcpu.
type PDFCPU struct {
	conf *model.Configuration
}

// NewPDFCPU creates a pdfcpu merger with relaxed validation.
func NewPDFCPU() *PDFCPU {
	// pdfcpu would otherwise create a configuration directory on first use.
	disableConfigDir.Do(api.DisableConfigDir)
	conf := model.NewDefaultConfiguration()
	conf.ValidationMode = model.ValidationRelaxed
	return &PDFCPU{conf: conf}
}

func (p *PDFCPU) Merge(ctx context.Context, inputs [][]byte, w io.Writer) error {
	if len(inputs) == 0 {
		return fmt.Errorf("assemble: nothing to merge")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	rsc := make([]io.ReadSeeker, len(inputs))
	for i, in := range inputs {
		rsc[i] = bytes.NewReader(in)
	}
	if err := api.MergeRaw(rsc, w, false, p.conf); err != nil {
		return fmt.Errorf("assemble: merge %d documents: %w", len(inputs), err)
	}
	return nil
}

func (p *PDFCPU) PageCount(pdf []byte) (int, error) {
	n, err := api.PageCount(bytes.NewReader(pdf), p.conf)
	if err != nil {
		return 0, fmt.Errorf("assemble: page count: %w", err)
	}
	return n, nil
}

// AddOutline replaces the outline of pdf with o. Every item is written with
// the links computed by BuildOutline and an explicit destination, /XYZ when
// the bookmark carried a zoom directive and /Fit otherwise.
func (p *PDFCPU) AddOutline(pdf []byte, o *Outline, w io.Writer) error {
	if o.Empty() {
		_, err := w.Write(pdf)
		return err
	}

	conf := *p.conf
	conf.Cmd = model.ADDBOOKMARKS
	ctx, err := api.ReadValidateAndOptimize(bytes.NewReader(pdf), &conf)
	if err != nil {
		return fmt.Errorf("assemble: read pdf: %w", err)
	}
	if _, err := pdfcpu.RemoveBookmarks(ctx); err != nil {
		return fmt.Errorf("assemble: remove outline: %w", err)
	}
	if err := writeOutline(ctx.XRefTable, o); err != nil {
		return fmt.Errorf("assemble: write outline: %w", err)
	}
	if err := api.WriteContext(ctx, w); err != nil {
		return fmt.Errorf("assemble: write pdf: %w", err)
	}
	return nil
}

// writeOutline adds one dictionary per outline item and hooks the root into
// the catalog. Dictionaries are registered first so links can refer to any id.
func writeOutline(xt *model.XRefTable, o *Outline) error {
	dicts := make([]types.Dict, len(o.Items))
	refs := make([]types.IndirectRef, len(o.Items))
	for i := range o.Items {
		d := types.NewDict()
		ir, err := xt.IndRefForNewObject(d)
		if err != nil {
			return err
		}
		dicts[i], refs[i] = d, *ir
	}
	ref := func(id int) types.IndirectRef { return refs[id-1] }

	for i, it := range o.Items {
		d := dicts[i]
		if it.First != 0 {
			d["First"] = ref(it.First)
			d["Last"] = ref(it.Last)
			d["Count"] = types.Integer(it.Count)
		}
		if i == 0 {
			d["Type"] = types.Name("Outlines")
			continue
		}

		title, err := types.EscapeUTF16String(it.Title)
		if err != nil {
			return err
		}
		d["Title"] = types.StringLiteral(*title)
		d["Parent"] = ref(it.Parent)
		if it.Prev != 0 {
			d["Prev"] = ref(it.Prev)
		}
		if it.Next != 0 {
			d["Next"] = ref(it.Next)
		}
		dest, err := destination(xt, it.Dest)
		if err != nil {
			return fmt.Errorf("item %q: %w", it.Title, err)
		}
		d["Dest"] = dest
	}

	catalog, err := xt.Catalog()
	if err != nil {
		return err
	}
	catalog["Outlines"] = refs[0]
	return nil
}

func destination(xt *model.XRefTable, dest Destination) (types.Array, error) {
	_, page, _, err := xt.PageDict(dest.Page, false)
	if err != nil {
		return nil, err
	}
	if page == nil {
		return nil, fmt.Errorf("page %d not found", dest.Page)
	}
	if dest.Fit {
		return types.Array{*page, types.Name("Fit")}, nil
	}
	return types.Array{*page, types.Name("XYZ"), types.Float(dest.Left), types.Float(dest.Top), types.Float(dest.Scale)}, nil
}
