package versions

import (
	"encoding/json"
	"sort"
	"strings"

	"github.com/MarcoPoloResearchLab/flowz/backend/internal/editor"
	"github.com/google/go-cmp/cmp"
	"github.com/sergi/go-diff/diffmatchpatch"
)

// CompareValues lists the fields that differ between from and to, sorted by name.
// String fields are diffed character by character; other values are diffed on their
// JSON rendering.
func CompareValues(from, to editor.FormValues) []FieldDiff {
	fields := make(map[string]struct{}, len(from)+len(to))
	for field := range from {
		fields[field] = struct{}{}
	}
	for field := range to {
		fields[field] = struct{}{}
	}
	names := make([]string, 0, len(fields))
	for field := range fields {
		names = append(names, field)
	}
	sort.Strings(names)

	dmp := diffmatchpatch.New()
	diffs := make([]FieldDiff, 0)
	for _, field := range names {
		before, inFrom := from[field]
		after, inTo := to[field]
		var kind ChangeKind
		switch {
		case inFrom && !inTo:
			kind = ChangeRemoved
		case !inFrom && inTo:
			kind = ChangeAdded
		case cmp.Equal(before, after):
			continue
		default:
			kind = ChangeChanged
		}
		diffs = append(diffs, FieldDiff{
			Field:  field,
			Kind:   kind,
			Before: before,
			After:  after,
			Chunks: textChunks(dmp, renderValue(before, inFrom), renderValue(after, inTo)),
		})
	}
	return diffs
}

func textChunks(dmp *diffmatchpatch.DiffMatchPatch, base, head string) []Chunk {
	diffs := dmp.DiffMain(base, head, true)
	diffs = dmp.DiffCleanupSemantic(diffs)

	chunks := make([]Chunk, 0, len(diffs))
	for _, d := range diffs {
		var chunkType ChangeKind
		switch d.Type {
		case diffmatchpatch.DiffInsert:
			chunkType = ChangeAdded
		case diffmatchpatch.DiffDelete:
			chunkType = ChangeRemoved
		default:
			continue
		}
		if strings.TrimSpace(d.Text) == "" {
			continue
		}
		chunks = append(chunks, Chunk{Type: chunkType, Content: d.Text})
	}
	return chunks
}

func renderValue(value any, present bool) string {
	if !present || value == nil {
		return ""
	}
	if text, ok := value.(string); ok {
		return text
	}
	payload, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return ""
	}
	return string(payload)
}
