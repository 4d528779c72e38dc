package link

import "strings"

// DefaultName labels records whose link carried no fragment.
const DefaultName = "Unnamed"

// DefaultGroup holds records whose name contains no group delimiter.
const DefaultGroup = "Default"

// groupDelimiters in priority order: the first delimiter present anywhere in
// the name decides the split point.
var groupDelimiters = []string{"|", "-", "_", " "}

// deriveNameGroup turns a URI fragment into a display name and a group.
// Flag-emoji pairs are stripped first; the prefix before the highest-priority
// delimiter becomes the group.
func deriveNameGroup(fragment string) (name, group string) {
	name = strings.TrimSpace(stripFlagEmoji(fragment))
	if name == "" {
		name = DefaultName
	}

	for _, delim := range groupDelimiters {
		if idx := strings.Index(name, delim); idx >= 0 {
			if prefix := strings.TrimSpace(name[:idx]); prefix != "" {
				return name, prefix
			}
			break
		}
	}
	return name, DefaultGroup
}

// stripFlagEmoji removes regional-indicator characters (the building blocks
// of flag emoji) from a name.
func stripFlagEmoji(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if r >= 0x1F1E6 && r <= 0x1F1FF {
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
