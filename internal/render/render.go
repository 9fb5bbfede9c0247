package render

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"gopkg.in/yaml.v3"
)

// Format represents an output format
type Format string

const (
	FormatTable  Format = "table"
	FormatJSON   Format = "json"
	FormatNDJSON Format = "ndjson"
	FormatYAML   Format = "yaml"
	FormatTSV    Format = "tsv"
)

// ParseFormat validates an output format name. Empty means table.
func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(s)); f {
	case "":
		return FormatTable, nil
	case FormatTable, FormatJSON, FormatNDJSON, FormatYAML, FormatTSV:
		return f, nil
	default:
		return "", fmt.Errorf("unknown output format %q (want table, json, ndjson, yaml or tsv)", s)
	}
}

// Structured reports whether f encodes whole values rather than cells.
func (f Format) Structured() bool {
	return f == FormatJSON || f == FormatNDJSON || f == FormatYAML
}

// Options for rendering
type Options struct {
	Format Format
	// Porcelain drops table decoration and JSON indentation.
	Porcelain bool
}

// Listing collects the result of a list command. Cells feed the table and
// tsv formats; items feed the structured ones.
type Listing struct {
	Headers []string
	rows    [][]string
	items   []interface{}
}

// NewListing starts a listing with the given column headers.
func NewListing(headers ...string) *Listing {
	return &Listing{Headers: headers, items: []interface{}{}}
}

// Add appends one result: its structured item and its table cells.
func (l *Listing) Add(item interface{}, cells ...string) {
	l.items = append(l.items, item)
	l.rows = append(l.rows, cells)
}

func (l *Listing) Len() int { return len(l.items) }

// Renderer writes listings and single values in one format.
type Renderer struct {
	w    io.Writer
	opts Options
}

// NewRenderer creates a new renderer
func NewRenderer(w io.Writer, opts Options) *Renderer {
	if opts.Format == "" {
		opts.Format = FormatTable
	}
	return &Renderer{w: w, opts: opts}
}

func (r *Renderer) Format() Format { return r.opts.Format }

// List renders l. An empty listing renders as [] in JSON and as nothing in
// the cell formats.
func (r *Renderer) List(l *Listing) error {
	switch r.opts.Format {
	case FormatJSON:
		return r.json(l.items)
	case FormatNDJSON:
		enc := json.NewEncoder(r.w)
		for _, item := range l.items {
			if err := enc.Encode(item); err != nil {
				return err
			}
		}
		return nil
	case FormatYAML:
		return r.yaml(l.items)
	case FormatTSV:
		return r.tsv(l.Headers, l.rows)
	default:
		return r.Table(l.Headers, l.rows)
	}
}

// Object renders a single value in a structured format. Cell formats fall
// back to YAML, which reads well on a terminal.
func (r *Renderer) Object(v interface{}) error {
	switch r.opts.Format {
	case FormatJSON:
		return r.json(v)
	case FormatNDJSON:
		return json.NewEncoder(r.w).Encode(v)
	default:
		return r.yaml(v)
	}
}

// Table writes an aligned table with a dashed rule under the header. In
// porcelain mode it writes tab separated cells instead.
func (r *Renderer) Table(headers []string, rows [][]string) error {
	if len(rows) == 0 {
		return nil
	}
	if r.opts.Porcelain {
		return r.tsv(headers, rows)
	}

	tw := tabwriter.NewWriter(r.w, 0, 0, 2, ' ', 0)
	rule := make([]string, len(headers))
	for i, h := range headers {
		width := len(h)
		for _, row := range rows {
			if i < len(row) && len(row[i]) > width {
				width = len(row[i])
			}
		}
		rule[i] = strings.Repeat("-", width)
	}
	for _, line := range append([][]string{headers, rule}, rows...) {
		if _, err := fmt.Fprintln(tw, strings.Join(line, "\t")); err != nil {
			return err
		}
	}
	return tw.Flush()
}

func (r *Renderer) tsv(headers []string, rows [][]string) error {
	for _, line := range append([][]string{headers}, rows...) {
		if _, err := fmt.Fprintln(r.w, strings.Join(line, "\t")); err != nil {
			return err
		}
	}
	return nil
}

func (r *Renderer) json(v interface{}) error {
	enc := json.NewEncoder(r.w)
	if !r.opts.Porcelain {
		enc.SetIndent("", "  ")
	}
	return enc.Encode(v)
}

func (r *Renderer) yaml(v interface{}) error {
	enc := yaml.NewEncoder(r.w)
	enc.SetIndent(2)
	if err := enc.Encode(v); err != nil {
		return err
	}
	return enc.Close()
}
