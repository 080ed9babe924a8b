package server

import (
	"html"
	"html/template"
	"strings"

	"github.com/sergi/go-diff/diffmatchpatch"
)

// renderDiffHTML produces the escaped line diff shown on the review page.
// Each line becomes a div classed by its change kind.
func renderDiffHTML(original, modified string) template.HTML {
	dmp := diffmatchpatch.New()
	charsA, charsB, lineIndex := dmp.DiffLinesToChars(original, modified)
	diffs := dmp.DiffCharsToLines(dmp.DiffMain(charsA, charsB, false), lineIndex)

	var builder strings.Builder
	for _, diff := range diffs {
		class, prefix := diffClass(diff.Type)
		for _, line := range diffLines(diff.Text) {
			builder.WriteString(`<div class="`)
			builder.WriteString(class)
			builder.WriteString(`">`)
			builder.WriteString(html.EscapeString(prefix + line))
			builder.WriteString("</div>\n")
		}
	}
	return template.HTML(builder.String())
}

func diffClass(op diffmatchpatch.Operation) (class, prefix string) {
	switch op {
	case diffmatchpatch.DiffInsert:
		return "diff-add", "+ "
	case diffmatchpatch.DiffDelete:
		return "diff-remove", "- "
	default:
		return "diff-context", "  "
	}
}

func diffLines(text string) []string {
	trimmed := strings.TrimSuffix(text, "\n")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "\n")
}
