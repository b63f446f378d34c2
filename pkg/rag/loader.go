// Package rag indexes local documents and answers questions from them.
package rag

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"
)

// Document is a loaded source file.
type Document struct {
	Source   string
	FileType string
	Size     int64
	Content  string
}

var supportedExtensions = map[string]bool{
	".txt": true, ".md": true, ".rst": true, ".py": true, ".js": true,
	".ts": true, ".java": true, ".go": true, ".rs": true, ".cpp": true,
}

var ignoredDirs = map[string]bool{
	".git": true, "node_modules": true, "vendor": true, "__pycache__": true,
	".venv": true, "venv": true, ".idea": true, "dist": true, "build": true,
}

// Supported reports whether path has an extension the loader understands.
func Supported(path string) bool {
	return supportedExtensions[strings.ToLower(filepath.Ext(path))]
}

// Load reads a file, or every supported file below a directory.
func Load(path string) ([]Document, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		if !Supported(path) {
			return nil, fmt.Errorf("unsupported file type %q", filepath.Ext(path))
		}
		doc, err := loadFile(path)
		if err != nil {
			return nil, err
		}
		return []Document{doc}, nil
	}

	var docs []Document
	err = filepath.WalkDir(path, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if p != path && (ignoredDirs[d.Name()] || strings.HasPrefix(d.Name(), ".")) {
				return filepath.SkipDir
			}
			return nil
		}
		if !Supported(p) {
			return nil
		}
		doc, err := loadFile(p)
		if err != nil {
			return err
		}
		if strings.TrimSpace(doc.Content) != "" {
			docs = append(docs, doc)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walking %s: %w", path, err)
	}
	return docs, nil
}

func loadFile(path string) (Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Document{}, fmt.Errorf("reading %s: %w", path, err)
	}
	ext := strings.ToLower(filepath.Ext(path))
	content := string(data)
	if ext == ".md" {
		content = FlattenMarkdown(data)
	}
	return Document{
		Source:   path,
		FileType: strings.TrimPrefix(ext, "."),
		Size:     int64(len(data)),
		Content:  content,
	}, nil
}

// FlattenMarkdown renders markdown as plain text, one block per paragraph,
// heading or code block, separated by blank lines.
func FlattenMarkdown(src []byte) string {
	doc := goldmark.New().Parser().Parse(text.NewReader(src))

	var blocks []string
	var cur strings.Builder
	ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		switch n := n.(type) {
		case *ast.Heading, *ast.Paragraph, *ast.TextBlock:
			if entering {
				cur.Reset()
			} else if s := strings.TrimSpace(cur.String()); s != "" {
				blocks = append(blocks, s)
			}
		case *ast.FencedCodeBlock, *ast.CodeBlock:
			if entering {
				var b strings.Builder
				lines := n.Lines()
				for i := 0; i < lines.Len(); i++ {
					seg := lines.At(i)
					b.Write(seg.Value(src))
				}
				if s := strings.TrimRight(b.String(), "\n"); s != "" {
					blocks = append(blocks, s)
				}
			}
			return ast.WalkSkipChildren, nil
		case *ast.Text:
			if entering {
				cur.Write(n.Segment.Value(src))
				if n.SoftLineBreak() || n.HardLineBreak() {
					cur.WriteByte(' ')
				}
			}
		case *ast.String:
			if entering {
				cur.Write(n.Value)
			}
		}
		return ast.WalkContinue, nil
	})
	return strings.Join(blocks, "\n\n")
}
