// ABOUTME: Terminal output sanitization and choice extraction for prompt excerpts
// ABOUTME: Strips ANSI control sequences before any prompt text is surfaced to a channel

package prompt

import (
	"regexp"
	"strconv"
	"strings"
)

var (
	// csiPattern matches CSI sequences including private-mode ones such as
	// \x1b[?1004l, which a plain SGR pattern misses.
	csiPattern = regexp.MustCompile(`\x1b\[[0-9;?]*[A-Za-z]`)
	// oscPattern matches OSC sequences terminated by BEL or ST.
	oscPattern = regexp.MustCompile(`\x1b\][^\x07\x1b]*(?:\x07|\x1b\\)`)
	// charsetPattern matches charset designators such as \x1b(B.
	charsetPattern = regexp.MustCompile(`\x1b[()][0-9A-Za-z]`)

	alnumPattern = regexp.MustCompile(`[0-9A-Za-z]`)

	numberedChoice = regexp.MustCompile(`^\s*(\d+)[).:]\s+(.+)$`)
	letteredChoice = regexp.MustCompile(`^\s*([A-Za-z])[).:]\s+(.+)$`)
	inlineChoice   = regexp.MustCompile(`[\[(]([^\[\]()]+/[^\[\]()]+)[\])]`)
)

// StripANSI removes ANSI escape sequences and carriage returns from text.
func StripANSI(text string) string {
	text = csiPattern.ReplaceAllString(text, "")
	text = oscPattern.ReplaceAllString(text, "")
	text = charsetPattern.ReplaceAllString(text, "")
	return strings.ReplaceAll(text, "\r", "")
}

// SanitizeTerminalOutput resolves carriage-return overwrites line by line
// (keeping only the final content of each line) and strips ANSI sequences.
func SanitizeTerminalOutput(text string) string {
	lines := strings.Split(text, "\n")
	for i, line := range lines {
		if idx := strings.LastIndexByte(line, '\r'); idx >= 0 {
			line = line[idx+1:]
		}
		lines[i] = StripANSI(line)
	}
	return strings.Join(lines, "\n")
}

// IsMeaningful reports whether text still carries user-relevant content
// after sanitization: at least three characters with at least one of them
// alphanumeric. ANSI remnants and symbol noise fail this check.
func IsMeaningful(text string) bool {
	s := strings.TrimSpace(StripANSI(text))
	return len(s) >= 3 && alnumPattern.MatchString(s)
}

// ExtractChoices pulls a list of selectable options out of a prompt
// excerpt: consecutive numbered or lettered lines, or an inline
// slash-separated list. Bare yes/no pairs are not choices; they are
// TypeYesNo territory and yield nil.
func ExtractChoices(text string) []string {
	text = StripANSI(text)

	if choices := numberedChoices(text); len(choices) >= 2 {
		return choices
	}
	if choices := letteredChoices(text); len(choices) >= 2 {
		return choices
	}
	return inlineChoices(text)
}

// numberedChoices matches "1) Fast / 2) Balanced" style lists. Numbering
// must start at 1 and be consecutive.
func numberedChoices(text string) []string {
	var choices []string
	next := 1
	for _, line := range strings.Split(text, "\n") {
		m := numberedChoice.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		if m[1] != strconv.Itoa(next) {
			return nil
		}
		choices = append(choices, strings.TrimSpace(m[2]))
		next++
	}
	return choices
}

// letteredChoices matches "a) Apple / b) Banana" style lists. Lettering
// must start at a (or A) and be consecutive.
func letteredChoices(text string) []string {
	var choices []string
	var next byte
	for _, line := range strings.Split(text, "\n") {
		m := letteredChoice.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		letter := m[1][0]
		if next == 0 {
			if letter != 'a' && letter != 'A' {
				return nil
			}
			next = letter
		}
		if letter != next {
			return nil
		}
		choices = append(choices, strings.TrimSpace(m[2]))
		next++
	}
	return choices
}

// inlineChoices matches "[fast/balanced/thorough]" and "(quick/normal/careful)".
func inlineChoices(text string) []string {
	m := inlineChoice.FindStringSubmatch(text)
	if m == nil {
		return nil
	}
	parts := strings.Split(m[1], "/")
	if len(parts) < 2 {
		return nil
	}
	choices := make([]string, 0, len(parts))
	yesNoOnly := true
	for _, part := range parts {
		choice := strings.TrimSpace(part)
		if choice == "" {
			return nil
		}
		switch strings.ToLower(choice) {
		case "y", "n", "yes", "no":
		default:
			yesNoOnly = false
		}
		choices = append(choices, choice)
	}
	if yesNoOnly {
		return nil
	}
	return choices
}
