// Package cursor implements opaque keyset pagination cursors used by the
// CLI listings of change groups and conflicts.
package cursor

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
)

// Cursor represents a pagination cursor with sort fields and last seen values
type Cursor struct {
	SortFields []string      `json:"sort_fields"`
	LastValues []interface{} `json:"last_values"`
	LastID     int64         `json:"last_id"`
}

// New creates a cursor from the last row values of a page
func New(sortFields []string, lastValues []interface{}, lastID int64) (*Cursor, error) {
	if len(sortFields) != len(lastValues) {
		return nil, fmt.Errorf("sort fields and last values length mismatch")
	}
	if lastID <= 0 {
		return nil, fmt.Errorf("last ID required")
	}
	return &Cursor{SortFields: sortFields, LastValues: lastValues, LastID: lastID}, nil
}

// Encode serializes the cursor to an opaque base64 string
func (c *Cursor) Encode() (string, error) {
	if len(c.SortFields) != len(c.LastValues) {
		return "", fmt.Errorf("sort fields and last values length mismatch")
	}

	jsonData, err := json.Marshal(c)
	if err != nil {
		return "", fmt.Errorf("failed to marshal cursor: %w", err)
	}

	return base64.URLEncoding.EncodeToString(jsonData), nil
}

// Decode deserializes a cursor from an opaque base64 string
func Decode(encoded string) (*Cursor, error) {
	if encoded == "" {
		return nil, fmt.Errorf("empty cursor string")
	}

	jsonData, err := base64.URLEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("invalid cursor encoding: %w", err)
	}

	dec := json.NewDecoder(strings.NewReader(string(jsonData)))
	dec.UseNumber()
	var c Cursor
	if err := dec.Decode(&c); err != nil {
		return nil, fmt.Errorf("invalid cursor format: %w", err)
	}

	if len(c.SortFields) != len(c.LastValues) {
		return nil, fmt.Errorf("cursor sort fields and values length mismatch")
	}
	if c.LastID <= 0 {
		return nil, fmt.Errorf("cursor missing last ID")
	}
	for i, v := range c.LastValues {
		// json.Number keeps integers exact; hand the driver an int64 when possible.
		if n, ok := v.(json.Number); ok {
			if iv, err := n.Int64(); err == nil {
				c.LastValues[i] = iv
			} else if fv, err := n.Float64(); err == nil {
				c.LastValues[i] = fv
			}
		}
	}

	return &c, nil
}

// BuildWhereClause constructs a SQL WHERE clause for keyset pagination.
// For ORDER BY a, b, id (ascending) it generates:
//
//	((a > ?) OR (a = ? AND b > ?) OR (a = ? AND b = ? AND id > ?))
//
// idColumn names the tie-breaker column (for example "g.id").
func (c *Cursor) BuildWhereClause(descending []bool, idColumn string) (string, []interface{}, error) {
	if len(c.SortFields) != len(descending) {
		return "", nil, fmt.Errorf("sort fields and descending flags length mismatch")
	}
	if idColumn == "" {
		idColumn = "id"
	}

	var params []interface{}
	var orConditions []string

	// Level i: equality on fields 0..i-1, comparison on field i
	for i := 0; i < len(c.SortFields); i++ {
		var andParts []string
		for j := 0; j < i; j++ {
			andParts = append(andParts, fmt.Sprintf("%s = ?", c.SortFields[j]))
			params = append(params, c.LastValues[j])
		}
		andParts = append(andParts, fmt.Sprintf("%s %s ?", c.SortFields[i], op(descending[i])))
		params = append(params, c.LastValues[i])
		orConditions = append(orConditions, "("+strings.Join(andParts, " AND ")+")")
	}

	// Final tie-breaker on id uses the direction of the last sort field
	var andParts []string
	for j := 0; j < len(c.SortFields); j++ {
		andParts = append(andParts, fmt.Sprintf("%s = ?", c.SortFields[j]))
		params = append(params, c.LastValues[j])
	}
	last := false
	if len(descending) > 0 {
		last = descending[len(descending)-1]
	}
	andParts = append(andParts, fmt.Sprintf("%s %s ?", idColumn, op(last)))
	params = append(params, c.LastID)
	orConditions = append(orConditions, "("+strings.Join(andParts, " AND ")+")")

	return "(" + strings.Join(orConditions, " OR ") + ")", params, nil
}

func op(desc bool) string {
	if desc {
		return "<"
	}
	return ">"
}
