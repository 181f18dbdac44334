// Package batch plans synthesis tasks and runs them through a bounded pool.
package batch

import (
	"fmt"
	"regexp"
	"strings"
	"unicode"

	"github.com/loqalabs/loqa-tts-batch/internal/source"
)

const (
	SchemeDeterministic = "deterministic"
	SchemeUUID          = "uuid"
)

// Naming controls how output file names are derived.
type Naming struct {
	Scheme       string
	PrefixLength int
	IndexWidth   int
	Format       string
}

// Task is one record scheduled for synthesis. Tasks are immutable once planned.
type Task struct {
	Category string
	Index    int // 1-based within the category
	Text     string
	Record   source.Record
	// File is the deterministic output name; empty under the uuid scheme,
	// where the name is chosen when the task runs.
	File string
	Ext  string
}

// Plan expands groups into tasks in input order.
func Plan(groups []source.Group, naming Naming, sentinels []string) ([]Task, error) {
	if naming.Format == "" {
		return nil, fmt.Errorf("output format is required")
	}
	scheme := naming.Scheme
	if scheme == "" {
		scheme = SchemeDeterministic
	}
	if scheme != SchemeDeterministic && scheme != SchemeUUID {
		return nil, fmt.Errorf("unknown naming scheme %q", naming.Scheme)
	}
	clean := NewCleaner(sentinels)

	prefixes := make(map[string]string)
	var tasks []Task
	for _, g := range groups {
		var prefix string
		if scheme == SchemeDeterministic {
			prefix = FilePrefix(g.Name, naming.PrefixLength)
			if prefix == "" {
				return nil, fmt.Errorf("group %q does not yield a file prefix", g.Name)
			}
			if other, ok := prefixes[prefix]; ok {
				return nil, fmt.Errorf("groups %q and %q share file prefix %q", other, g.Name, prefix)
			}
			prefixes[prefix] = g.Name
		}
		for i, rec := range g.Records {
			task := Task{
				Category: g.Name,
				Index:    i + 1,
				Text:     clean(rec.Text),
				Record:   rec,
				Ext:      naming.Format,
			}
			if scheme == SchemeDeterministic {
				task.File = fmt.Sprintf("%s_%0*d.%s", prefix, naming.IndexWidth, task.Index, naming.Format)
			}
			tasks = append(tasks, task)
		}
	}
	return tasks, nil
}

// FilePrefix returns the first n letters or digits of name, lowercased.
// Other characters are dropped. n <= 0 keeps the whole name.
func FilePrefix(name string, n int) string {
	var b strings.Builder
	count := 0
	for _, r := range name {
		if n > 0 && count == n {
			break
		}
		if !unicode.IsLetter(r) && !unicode.IsDigit(r) {
			continue
		}
		b.WriteRune(unicode.ToLower(r))
		count++
	}
	return b.String()
}

// NewCleaner returns a function that trims whitespace and removes trailing
// sentinel tokens (matched case-insensitively as whole words).
func NewCleaner(sentinels []string) func(string) string {
	var alts []string
	for _, s := range sentinels {
		if s = strings.TrimSpace(s); s != "" {
			alts = append(alts, regexp.QuoteMeta(s))
		}
	}
	if len(alts) == 0 {
		return strings.TrimSpace
	}
	tail := regexp.MustCompile(`(?i)(?:(?:^|\s+)(?:` + strings.Join(alts, "|") + `))+\s*$`)
	return func(text string) string {
		return strings.TrimSpace(tail.ReplaceAllString(text, ""))
	}
}
