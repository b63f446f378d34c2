// Package filesystem serves read access to a project tree as MCP tools.
// Every path is confined to the root directory the server was created with.
package filesystem

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

const (
	MaxFileSize      = 100_000
	MaxTotalSize     = 500_000
	MaxSearchResults = 100
)

var ignoredNames = map[string]bool{
	"__pycache__": true, ".venv": true, "venv": true, "node_modules": true, "env": true,
	"build": true, "dist": true, "target": true, ".git": true, ".idea": true, ".vscode": true,
	".gradle": true, ".mvn": true, "out": true, "bin": true, ".pytest_cache": true,
	".mypy_cache": true, ".tox": true, ".eggs": true, "vendor": true,
}

var ignoredExtensions = map[string]bool{
	".pyc": true, ".pyo": true, ".class": true, ".o": true, ".obj": true, ".exe": true,
	".dll": true, ".so": true, ".dylib": true, ".jar": true, ".war": true, ".zip": true,
	".tar": true, ".gz": true, ".rar": true, ".7z": true, ".png": true, ".jpg": true,
	".jpeg": true, ".gif": true, ".ico": true, ".svg": true, ".pdf": true, ".doc": true,
	".docx": true, ".xls": true, ".xlsx": true,
}

var supportedExtensions = map[string]bool{
	".py": true, ".kt": true, ".kts": true, ".java": true, ".js": true, ".ts": true,
	".jsx": true, ".tsx": true, ".go": true, ".rs": true, ".cpp": true, ".c": true,
	".h": true, ".hpp": true, ".cs": true, ".rb": true, ".php": true, ".swift": true,
	".scala": true, ".sql": true, ".sh": true, ".bash": true, ".yaml": true, ".yml": true,
	".json": true, ".xml": true, ".html": true, ".css": true, ".md": true, ".txt": true,
	".toml": true, ".ini": true, ".cfg": true, ".mod": true, ".sum": true,
}

// ErrOutsideRoot is returned for paths that resolve outside the server root.
var ErrOutsideRoot = errors.New("path is outside the allowed root")

// FS resolves and reads paths below Root.
type FS struct {
	Root string
}

func New(root string) (*FS, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	if abs, err = filepath.EvalSymlinks(abs); err != nil {
		return nil, err
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%s is not a directory", root)
	}
	return &FS{Root: abs}, nil
}

// Resolve maps p (absolute or relative to the root) to an absolute path
// inside the root.
func (f *FS) Resolve(p string) (string, error) {
	if p == "" || p == "." {
		return f.Root, nil
	}
	if !filepath.IsAbs(p) {
		p = filepath.Join(f.Root, p)
	}
	p = filepath.Clean(p)
	if !f.contains(p) {
		return "", fmt.Errorf("%s: %w", p, ErrOutsideRoot)
	}
	resolved, err := evalExisting(p)
	if err != nil {
		return "", err
	}
	if !f.contains(resolved) {
		return "", fmt.Errorf("%s links to %s: %w", p, resolved, ErrOutsideRoot)
	}
	return p, nil
}

func (f *FS) contains(p string) bool {
	rel, err := filepath.Rel(f.Root, p)
	return err == nil && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// evalExisting resolves the symlinks of the longest existing prefix of p and
// appends the part that does not exist yet.
func evalExisting(p string) (string, error) {
	var rest []string
	for {
		resolved, err := filepath.EvalSymlinks(p)
		if err == nil {
			return filepath.Join(append([]string{resolved}, rest...)...), nil
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return "", err
		}
		parent := filepath.Dir(p)
		if parent == p {
			return "", err
		}
		rest = append([]string{filepath.Base(p)}, rest...)
		p = parent
	}
}

func (f *FS) rel(p string) string {
	if r, err := filepath.Rel(f.Root, p); err == nil {
		return r
	}
	return p
}

func ignored(name string, isDir bool) bool {
	if ignoredNames[name] || strings.HasSuffix(name, ".egg-info") {
		return true
	}
	return !isDir && ignoredExtensions[strings.ToLower(filepath.Ext(name))]
}

func matchesExt(name string, exts []string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	if len(exts) == 0 {
		return supportedExtensions[ext]
	}
	for _, e := range exts {
		if !strings.HasPrefix(e, ".") {
			e = "." + e
		}
		if strings.EqualFold(e, ext) {
			return true
		}
	}
	return false
}

type TreeStats struct {
	Files       int   `json:"files"`
	Directories int   `json:"directories"`
	TotalSize   int64 `json:"total_size"`
	MaxDepth    int   `json:"max_depth"`
}

// Tree renders the directory tree below p down to maxDepth levels.
func (f *FS) Tree(p string, maxDepth int) (string, TreeStats, error) {
	root, err := f.Resolve(p)
	if err != nil {
		return "", TreeStats{}, err
	}
	info, err := os.Stat(root)
	if err != nil {
		return "", TreeStats{}, err
	}
	if !info.IsDir() {
		return "", TreeStats{}, fmt.Errorf("path is not a directory: %s", p)
	}

	stats := TreeStats{MaxDepth: maxDepth}
	lines := []string{filepath.Base(root) + "/"}
	var walk func(dir, prefix string, depth int)
	walk = func(dir, prefix string, depth int) {
		if depth > maxDepth {
			return
		}
		entries, err := os.ReadDir(dir)
		if err != nil {
			return
		}
		var kept []fs.DirEntry
		for _, e := range entries {
			if !ignored(e.Name(), e.IsDir()) {
				kept = append(kept, e)
			}
		}
		// Directories first, then by name.
		sort.SliceStable(kept, func(i, j int) bool {
			if kept[i].IsDir() != kept[j].IsDir() {
				return kept[i].IsDir()
			}
			return kept[i].Name() < kept[j].Name()
		})
		for i, e := range kept {
			branch, next := "├── ", "│   "
			if i == len(kept)-1 {
				branch, next = "└── ", "    "
			}
			if e.IsDir() {
				lines = append(lines, prefix+branch+e.Name()+"/")
				stats.Directories++
				walk(filepath.Join(dir, e.Name()), prefix+next, depth+1)
				continue
			}
			var size int64
			if fi, err := e.Info(); err == nil {
				size = fi.Size()
			}
			suffix := ""
			if size > 1024 {
				suffix = fmt.Sprintf(" (%d bytes)", size)
			}
			lines = append(lines, prefix+branch+e.Name()+suffix)
			stats.Files++
			stats.TotalSize += size
		}
	}
	walk(root, "", 0)
	return strings.Join(lines, "\n"), stats, nil
}

type FileInfo struct {
	Path      string `json:"path"`
	Size      int64  `json:"size"`
	Extension string `json:"extension"`
	Readable  bool   `json:"readable"`
	Modified  string `json:"modified,omitempty"`
}

// List returns the files below p with one of exts (or a supported source
// extension when exts is empty).
func (f *FS) List(p string, exts []string) ([]FileInfo, error) {
	root, err := f.Resolve(p)
	if err != nil {
		return nil, err
	}
	var out []FileInfo
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ignored(d.Name(), d.IsDir()) && path != root {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() || !matchesExt(d.Name(), exts) {
			return nil
		}
		fi, err := d.Info()
		if err != nil {
			return nil
		}
		out = append(out, FileInfo{
			Path:      f.rel(path),
			Size:      fi.Size(),
			Extension: filepath.Ext(path),
			Readable:  fi.Size() <= MaxFileSize,
			Modified:  fi.ModTime().UTC().Format("2006-01-02T15:04:05Z"),
		})
		return nil
	})
	return out, err
}

// Read returns the content of a file no larger than MaxFileSize.
func (f *FS) Read(p string) (string, error) {
	path, err := f.Resolve(p)
	if err != nil {
		return "", err
	}
	fi, err := os.Stat(path)
	if err != nil {
		return "", err
	}
	if fi.IsDir() {
		return "", fmt.Errorf("path is a directory: %s", p)
	}
	if fi.Size() > MaxFileSize {
		return "", fmt.Errorf("file too large: %d bytes (max: %d)", fi.Size(), MaxFileSize)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

type Match struct {
	File string `json:"file"`
	Line int    `json:"line"`
	Text string `json:"text"`
}

// Search finds lines matching the regular expression pattern.
func (f *FS) Search(p, pattern string, exts []string) ([]Match, bool, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, false, fmt.Errorf("invalid pattern: %w", err)
	}
	files, err := f.List(p, exts)
	if err != nil {
		return nil, false, err
	}
	var matches []Match
	for _, fi := range files {
		if !fi.Readable {
			continue
		}
		content, err := f.Read(fi.Path)
		if err != nil {
			continue
		}
		for i, line := range strings.Split(content, "\n") {
			if re.MatchString(line) {
				matches = append(matches, Match{File: fi.Path, Line: i + 1, Text: strings.TrimSpace(line)})
				if len(matches) >= MaxSearchResults {
					return matches, true, nil
				}
			}
		}
	}
	return matches, false, nil
}

// Write creates or replaces a file, creating parent directories.
func (f *FS) Write(p, content string) (int, error) {
	path, err := f.Resolve(p)
	if err != nil {
		return 0, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return 0, err
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return 0, err
	}
	return len(content), nil
}

// NewServer exposes f as MCP tools. Writing is only offered when writable is set.
func NewServer(f *FS, writable bool) *server.MCPServer {
	srv := server.NewMCPServer("filesystem", "1.0.0", server.WithToolCapabilities(false))

	srv.AddTool(mcp.NewTool("get_project_tree",
		mcp.WithDescription("Get the directory tree of a project, skipping build output and VCS folders."),
		mcp.WithString("path", mcp.Description("Directory to scan, relative to the project root."), mcp.DefaultString(".")),
		mcp.WithNumber("max_depth", mcp.Description("Maximum depth to traverse."), mcp.DefaultNumber(3)),
	), func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		tree, stats, err := f.Tree(req.GetString("path", "."), req.GetInt("max_depth", 3))
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		return jsonResult(map[string]any{"success": true, "tree": tree, "stats": stats})
	})

	srv.AddTool(mcp.NewTool("get_file_list",
		mcp.WithDescription("List source files with their size and modification time."),
		mcp.WithString("path", mcp.Description("Directory to scan."), mcp.DefaultString(".")),
		mcp.WithArray("extensions", mcp.Description("Only include these extensions, e.g. [\".go\", \".md\"]."), mcp.WithStringItems()),
	), func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		files, err := f.List(req.GetString("path", "."), req.GetStringSlice("extensions", nil))
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		return jsonResult(map[string]any{"success": true, "count": len(files), "files": files, "max_file_size": MaxFileSize})
	})

	srv.AddTool(mcp.NewTool("read_file",
		mcp.WithDescription("Read the content of a file."),
		mcp.WithString("file_path", mcp.Required(), mcp.Description("File to read.")),
	), func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		p, err := req.RequireString("file_path")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		content, err := f.Read(p)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		return mcp.NewToolResultText(content), nil
	})

	srv.AddTool(mcp.NewTool("read_multiple_files",
		mcp.WithDescription("Read several files at once, up to a total size budget."),
		mcp.WithArray("file_paths", mcp.Required(), mcp.Description("Files to read."), mcp.WithStringItems()),
	), func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		paths, err := req.RequireStringSlice("file_paths")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		files := map[string]string{}
		errs := map[string]string{}
		total := 0
		for _, p := range paths {
			content, err := f.Read(p)
			if err != nil {
				errs[p] = err.Error()
				continue
			}
			if total+len(content) > MaxTotalSize {
				errs[p] = "skipped: total size budget exhausted"
				continue
			}
			total += len(content)
			files[p] = content
		}
		return jsonResult(map[string]any{"success": len(files) > 0, "files": files, "errors": errs, "total_size": total})
	})

	srv.AddTool(mcp.NewTool("search_in_files",
		mcp.WithDescription("Search file contents with a regular expression."),
		mcp.WithString("pattern", mcp.Required(), mcp.Description("Regular expression to match against each line.")),
		mcp.WithString("path", mcp.Description("Directory to search."), mcp.DefaultString(".")),
		mcp.WithArray("extensions", mcp.Description("Only search these extensions."), mcp.WithStringItems()),
	), func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		pattern, err := req.RequireString("pattern")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		matches, truncated, err := f.Search(req.GetString("path", "."), pattern, req.GetStringSlice("extensions", nil))
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		return jsonResult(map[string]any{"success": true, "count": len(matches), "matches": matches, "truncated": truncated})
	})

	srv.AddTool(mcp.NewTool("get_file_info",
		mcp.WithDescription("Get size, extension and modification time of a file."),
		mcp.WithString("file_path", mcp.Required(), mcp.Description("File to describe.")),
	), func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		p, err := req.RequireString("file_path")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		path, err := f.Resolve(p)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		fi, err := os.Stat(path)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		return jsonResult(FileInfo{
			Path:      f.rel(path),
			Size:      fi.Size(),
			Extension: filepath.Ext(path),
			Readable:  !fi.IsDir() && fi.Size() <= MaxFileSize,
			Modified:  fi.ModTime().UTC().Format("2006-01-02T15:04:05Z"),
		})
	})

	if writable {
		srv.AddTool(mcp.NewTool("write_file",
			mcp.WithDescription("Create or overwrite a file with the given content."),
			mcp.WithString("file_path", mcp.Required(), mcp.Description("File to write.")),
			mcp.WithString("content", mcp.Required(), mcp.Description("Full file content.")),
		), func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			p, err := req.RequireString("file_path")
			if err != nil {
				return mcp.NewToolResultError(err.Error()), nil
			}
			content, err := req.RequireString("content")
			if err != nil {
				return mcp.NewToolResultError(err.Error()), nil
			}
			n, err := f.Write(p, content)
			if err != nil {
				return mcp.NewToolResultError(err.Error()), nil
			}
			return mcp.NewToolResultText(fmt.Sprintf("Wrote %d bytes to %s", n, p)), nil
		})
	}

	return srv
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, err
	}
	return mcp.NewToolResultText(string(data)), nil
}
