// Package transform computes the new body of a note from an edit
// operation descriptor. Every operation is defined purely on the text
// snapshot passed in; the package performs no I/O.
package transform

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Operation enumerates the supported edit operations.
type Operation string

const (
	OperationAppend         Operation = "append"
	OperationPrepend        Operation = "prepend"
	OperationReplace        Operation = "replace"
	OperationInsertAtLine   Operation = "insert_at_line"
	OperationReplaceSection Operation = "replace_section"
)

var (
	// ErrUnknownOperation indicates an operation name outside the supported set.
	ErrUnknownOperation = errors.New("transform: unknown operation")
	// ErrMissingTarget indicates an operation that requires a target got none.
	ErrMissingTarget = errors.New("transform: target is required")
	// ErrInvalidTarget indicates a target that does not parse for the operation.
	ErrInvalidTarget = errors.New("transform: invalid target")
	// ErrTargetNotFound indicates the replace target is absent from the note.
	ErrTargetNotFound = errors.New("transform: target text not found")
	// ErrSectionNotFound indicates no heading matched the section target.
	ErrSectionNotFound = errors.New("transform: section not found")
)

// ParseOperation validates a raw operation name.
func ParseOperation(value string) (Operation, error) {
	switch Operation(strings.ToLower(strings.TrimSpace(value))) {
	case OperationAppend:
		return OperationAppend, nil
	case OperationPrepend:
		return OperationPrepend, nil
	case OperationReplace:
		return OperationReplace, nil
	case OperationInsertAtLine:
		return OperationInsertAtLine, nil
	case OperationReplaceSection:
		return OperationReplaceSection, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownOperation, value)
	}
}

// RequiresTarget reports whether the operation cannot run without a target.
func (op Operation) RequiresTarget() bool {
	return op == OperationInsertAtLine || op == OperationReplaceSection
}

// Apply computes the new note body for the given operation. The original
// text is never mutated; identical inputs always produce identical output.
func Apply(original string, op Operation, target, content string) (string, error) {
	switch op {
	case OperationAppend:
		return original + "\n" + content, nil
	case OperationPrepend:
		return content + "\n" + original, nil
	case OperationReplace:
		if target == "" {
			return content, nil
		}
		return replaceFirst(original, target, content)
	case OperationInsertAtLine:
		return insertAtLine(original, target, content)
	case OperationReplaceSection:
		return replaceSection(original, target, content)
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownOperation, op)
	}
}

// replaceFirst swaps the first literal occurrence of target only. Replacing
// every occurrence would silently rewrite repeated phrases the reviewer
// never saw in the diff.
func replaceFirst(original, target, content string) (string, error) {
	if !strings.Contains(original, target) {
		return "", fmt.Errorf("%w: %q", ErrTargetNotFound, target)
	}
	return strings.Replace(original, target, content, 1), nil
}

func insertAtLine(original, target, content string) (string, error) {
	if target == "" {
		return "", fmt.Errorf("%w: insert_at_line needs a line number", ErrMissingTarget)
	}
	lineNumber, err := strconv.Atoi(strings.TrimSpace(target))
	if err != nil {
		return "", fmt.Errorf("%w: line number %q", ErrInvalidTarget, target)
	}

	lines := strings.Split(original, "\n")
	index := lineNumber - 1
	if index < 0 {
		index = 0
	}
	if index > len(lines) {
		index = len(lines)
	}

	expanded := make([]string, 0, len(lines)+1)
	expanded = append(expanded, lines[:index]...)
	expanded = append(expanded, content)
	expanded = append(expanded, lines[index:]...)
	return strings.Join(expanded, "\n"), nil
}

func replaceSection(original, target, content string) (string, error) {
	if target == "" {
		return "", fmt.Errorf("%w: replace_section needs a heading", ErrMissingTarget)
	}

	lines := strings.Split(original, "\n")
	headerIndex := -1
	headerLevel := 0
	for i, line := range lines {
		trimmed := strings.TrimSpace(line)
		if !strings.HasPrefix(trimmed, "#") {
			continue
		}
		if strings.Contains(line, target) {
			headerIndex = i
			headerLevel = headingLevel(trimmed)
			break
		}
	}
	if headerIndex < 0 {
		return "", fmt.Errorf("%w: %q", ErrSectionNotFound, target)
	}

	// The section body runs until the next heading at the same or a
	// shallower level, or the end of the document.
	sectionEnd := len(lines)
	for i := headerIndex + 1; i < len(lines); i++ {
		trimmed := strings.TrimSpace(lines[i])
		if strings.HasPrefix(trimmed, "#") && headingLevel(trimmed) <= headerLevel {
			sectionEnd = i
			break
		}
	}

	rebuilt := make([]string, 0, headerIndex+2+len(lines)-sectionEnd)
	rebuilt = append(rebuilt, lines[:headerIndex+1]...)
	rebuilt = append(rebuilt, content)
	rebuilt = append(rebuilt, lines[sectionEnd:]...)
	return strings.Join(rebuilt, "\n"), nil
}

func headingLevel(trimmedLine string) int {
	level := 0
	for _, r := range trimmedLine {
		if r != '#' {
			break
		}
		level++
	}
	return level
}
