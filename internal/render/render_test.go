package render

import (
	"bytes"
	"strings"
	"testing"
)

func statusListing() *Listing {
	l := NewListing("ID", "Status")
	l.Add(map[string]int{"id": 1}, "1", "Pending")
	l.Add(map[string]int{"id": 12}, "12", "Complete")
	return l
}

func TestRenderer_Table(t *testing.T) {
	var buf bytes.Buffer
	if err := NewRenderer(&buf, Options{}).List(statusListing()); err != nil {
		t.Fatalf("List failed: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 4 {
		t.Fatalf("Expected header, rule and 2 rows, got %q", buf.String())
	}
	if !strings.HasPrefix(lines[0], "ID  Status") {
		t.Errorf("Unexpected header %q", lines[0])
	}
	if !strings.HasPrefix(lines[1], "--  --------") {
		t.Errorf("Unexpected rule %q", lines[1])
	}
	if !strings.HasPrefix(lines[3], "12  Complete") {
		t.Errorf("Unexpected row %q", lines[3])
	}
}

func TestRenderer_PorcelainTable(t *testing.T) {
	var buf bytes.Buffer
	if err := NewRenderer(&buf, Options{Porcelain: true}).List(statusListing()); err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if buf.String() != "ID\tStatus\n1\tPending\n12\tComplete\n" {
		t.Errorf("Unexpected porcelain table %q", buf.String())
	}
}

func TestRenderer_StructuredList(t *testing.T) {
	var buf bytes.Buffer
	if err := NewRenderer(&buf, Options{Format: FormatNDJSON}).List(statusListing()); err != nil {
		t.Fatalf("List ndjson failed: %v", err)
	}
	if buf.String() != "{\"id\":1}\n{\"id\":12}\n" {
		t.Errorf("Unexpected ndjson %q", buf.String())
	}

	buf.Reset()
	if err := NewRenderer(&buf, Options{Format: FormatJSON}).List(NewListing("ID")); err != nil {
		t.Fatalf("List json failed: %v", err)
	}
	if strings.TrimSpace(buf.String()) != "[]" {
		t.Errorf("Expected empty JSON array, got %q", buf.String())
	}

	buf.Reset()
	if err := NewRenderer(&buf, Options{Format: FormatYAML}).List(statusListing()); err != nil {
		t.Fatalf("List yaml failed: %v", err)
	}
	if !strings.Contains(buf.String(), "- id: 12") {
		t.Errorf("Unexpected yaml %q", buf.String())
	}
}

func TestRenderer_Object(t *testing.T) {
	v := map[string]string{"name": "delta"}

	var buf bytes.Buffer
	if err := NewRenderer(&buf, Options{Format: FormatJSON, Porcelain: true}).Object(v); err != nil {
		t.Fatalf("Object json failed: %v", err)
	}
	if buf.String() != "{\"name\":\"delta\"}\n" {
		t.Errorf("Unexpected json %q", buf.String())
	}

	buf.Reset()
	if err := NewRenderer(&buf, Options{Format: FormatTable}).Object(v); err != nil {
		t.Fatalf("Object table failed: %v", err)
	}
	if buf.String() != "name: delta\n" {
		t.Errorf("Expected yaml fallback, got %q", buf.String())
	}
}

func TestParseFormat(t *testing.T) {
	tests := []struct {
		in      string
		want    Format
		wantErr bool
	}{
		{"", FormatTable, false},
		{"JSON", FormatJSON, false},
		{"tsv", FormatTSV, false},
		{"xml", "", true},
	}
	for _, tt := range tests {
		got, err := ParseFormat(tt.in)
		if (err != nil) != tt.wantErr || got != tt.want {
			t.Errorf("ParseFormat(%q) = %q, %v", tt.in, got, err)
		}
	}
	if !FormatYAML.Structured() || FormatTSV.Structured() {
		t.Error("Unexpected Structured classification")
	}
}
