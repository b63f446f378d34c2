package chat

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

var mentionPattern = regexp.MustCompile(`@([\w\-./]+/?)`)

// Mention is an @path reference found in user input.
type Mention struct {
	Path   string
	Exists bool
	IsDir  bool
	// Size is the file size in bytes.
	Size int64
	// Files is the number of regular files below a directory.
	Files int
}

// ParseMentions finds the @file and @dir/ references in text, resolved
// against baseDir. Each path is reported once, in order of appearance.
func ParseMentions(baseDir, text string) []Mention {
	var out []Mention
	seen := map[string]bool{}
	for _, m := range mentionPattern.FindAllStringSubmatch(text, -1) {
		p := strings.TrimRight(m[1], ".")
		if p == "" || p == "/" || seen[p] {
			continue
		}
		seen[p] = true

		mention := Mention{Path: p}
		full := p
		if !filepath.IsAbs(full) {
			full = filepath.Join(baseDir, p)
		}
		if info, err := os.Stat(full); err == nil {
			mention.Exists = true
			mention.IsDir = info.IsDir()
			mention.Size = info.Size()
			if mention.IsDir {
				mention.Files = countFiles(full)
			}
		}
		out = append(out, mention)
	}
	return out
}

func countFiles(dir string) int {
	var n int
	filepath.WalkDir(dir, func(path string, de fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if de.IsDir() && path != dir && skipMentionDir(de.Name()) {
			return filepath.SkipDir
		}
		if de.Type().IsRegular() {
			n++
		}
		return nil
	})
	return n
}

func skipMentionDir(name string) bool {
	return strings.HasPrefix(name, ".") || name == "node_modules" || name == "vendor"
}

// FormatMentions renders mentions as context that precedes the user's
// message.
func FormatMentions(mentions []Mention) string {
	if len(mentions) == 0 {
		return ""
	}
	var (
		b           strings.Builder
		files, dirs bool
	)
	b.WriteString("User mentioned the following files:\n")
	for _, m := range mentions {
		switch {
		case !m.Exists:
			fmt.Fprintf(&b, "- @%s ⚠️ (not found)\n", m.Path)
		case m.IsDir:
			dirs = true
			fmt.Fprintf(&b, "- @%s (directory with %d files)\n", m.Path, m.Files)
		default:
			files = true
			fmt.Fprintf(&b, "- @%s (%d bytes)\n", m.Path, m.Size)
		}
	}
	if files {
		b.WriteString("Use the read_file tool to read the mentioned files.\n")
	}
	if dirs {
		b.WriteString("Use the get_file_list tool to explore the mentioned directories.\n")
	}
	b.WriteString("\n")
	return b.String()
}
