// Package source loads the sentence collections a batch is built from.
//
// Two layouts are accepted: an object mapping group names to arrays of
// records (key order is kept), or a bare array of records that becomes a
// single group.
package source

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/tidwall/gjson"
)

// ErrNoRecords is returned when the input holds no records at all.
var ErrNoRecords = errors.New("input contains no records")

// Term is an annotated span inside a record's text. Offsets count code points.
type Term struct {
	Start int    `json:"start"`
	End   int    `json:"end"`
	Text  string `json:"text"`
}

// Record is one input sentence. Metadata is kept verbatim.
type Record struct {
	Text    string          `json:"text"`
	Terms   []Term          `json:"terms,omitempty"`
	ChunkID json.RawMessage `json:"chunk_id,omitempty"`
	OrigID  json.RawMessage `json:"orig_id,omitempty"`
	Label   json.RawMessage `json:"label,omitempty"`
}

// Group is a named, ordered sequence of records.
type Group struct {
	Name    string
	Records []Record
}

// Count returns the number of records across groups.
func Count(groups []Group) int {
	n := 0
	for _, g := range groups {
		n += len(g.Records)
	}
	return n
}

// Load reads and parses the input file at path.
func Load(path, defaultGroup string) ([]Group, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read input: %w", err)
	}
	groups, err := Parse(data, defaultGroup)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return groups, nil
}

// Parse decodes input data. A bare array is returned as one group named defaultGroup.
func Parse(data []byte, defaultGroup string) ([]Group, error) {
	if !gjson.ValidBytes(data) {
		return nil, errors.New("invalid JSON document")
	}
	doc := gjson.ParseBytes(data)

	var groups []Group
	switch {
	case doc.IsArray():
		recs, err := parseRecords(defaultGroup, doc)
		if err != nil {
			return nil, err
		}
		groups = append(groups, Group{Name: defaultGroup, Records: recs})
	case doc.IsObject():
		seen := make(map[string]struct{})
		var perr error
		doc.ForEach(func(key, value gjson.Result) bool {
			name := key.String()
			if strings.TrimSpace(name) == "" {
				perr = errors.New("group name must not be empty")
				return false
			}
			if _, dup := seen[name]; dup {
				perr = fmt.Errorf("duplicate group %q", name)
				return false
			}
			seen[name] = struct{}{}
			if !value.IsArray() {
				perr = fmt.Errorf("group %q: expected an array of records", name)
				return false
			}
			recs, err := parseRecords(name, value)
			if err != nil {
				perr = err
				return false
			}
			groups = append(groups, Group{Name: name, Records: recs})
			return true
		})
		if perr != nil {
			return nil, perr
		}
	default:
		return nil, errors.New("input must be an object of groups or an array of records")
	}

	if Count(groups) == 0 {
		return nil, ErrNoRecords
	}
	return groups, nil
}

func parseRecords(group string, arr gjson.Result) ([]Record, error) {
	var recs []Record
	var perr error
	ordinal := 0
	arr.ForEach(func(_, value gjson.Result) bool {
		ordinal++
		if !value.IsObject() {
			perr = fmt.Errorf("group %q record %d: expected an object", group, ordinal)
			return false
		}
		if !value.Get("text").Exists() {
			perr = fmt.Errorf("group %q record %d: missing text", group, ordinal)
			return false
		}
		var rec Record
		if err := json.Unmarshal([]byte(value.Raw), &rec); err != nil {
			perr = fmt.Errorf("group %q record %d: %w", group, ordinal, err)
			return false
		}
		recs = append(recs, rec)
		return true
	})
	return recs, perr
}
