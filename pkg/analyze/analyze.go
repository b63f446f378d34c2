// Package analyze extracts metadata from a source file, runs a handful of
// static checks over it and turns the findings into a quality score.
package analyze

import (
	"context"
	"fmt"
	"go/ast"
	"go/parser"
	"go/token"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/nstogner/godagent/pkg/model"
)

// MaxSourceSize is the largest file File accepts.
const MaxSourceSize = 1 << 20

// Severity of an Issue.
type Severity string

const (
	SeverityHigh   Severity = "high"
	SeverityMedium Severity = "medium"
	SeverityLow    Severity = "low"
	SeverityInfo   Severity = "info"
)

// Metadata describes the shape of a source file.
type Metadata struct {
	Language     string   `json:"language"`
	TotalLines   int      `json:"total_lines"`
	CodeLines    int      `json:"code_lines"`
	CommentLines int      `json:"comment_lines"`
	BlankLines   int      `json:"blank_lines"`
	Functions    []string `json:"functions"`
	Classes      []string `json:"classes"`
	Imports      []string `json:"imports"`

	// funcLengths is filled for languages where function bodies can be located.
	funcLengths map[string]int
}

type Issue struct {
	Line     int      `json:"line"`
	Kind     string   `json:"type"`
	Severity Severity `json:"severity"`
	Message  string   `json:"message"`
}

// Static holds the result of the static checks.
type Static struct {
	// Complexity is the average cyclomatic complexity per function.
	Complexity int      `json:"complexity"`
	Smells     []string `json:"code_smells"`
	Issues     []Issue  `json:"issues"`
}

// Report is the full analysis of one file.
type Report struct {
	Path            string   `json:"path"`
	Metadata        Metadata `json:"metadata"`
	Static          Static   `json:"static_analysis"`
	Score           float64  `json:"quality_score"`
	Recommendations []string `json:"recommendations"`
	Overview        string   `json:"ai_documentation,omitempty"`
}

var languages = map[string]string{
	".py":   "python",
	".js":   "javascript",
	".jsx":  "javascript",
	".ts":   "typescript",
	".tsx":  "typescript",
	".java": "java",
	".go":   "go",
	".rs":   "rust",
	".cpp":  "c++",
	".cc":   "c++",
	".cxx":  "c++",
	".hpp":  "c++",
	".h":    "c++",
}

// DetectLanguage maps a file name to a language, or "unknown".
func DetectLanguage(path string) string {
	if lang, ok := languages[strings.ToLower(filepath.Ext(path))]; ok {
		return lang
	}
	return "unknown"
}

// File reads and analyzes path. When p is non-nil an AI overview is added;
// a failed overview is reported in the Overview text rather than as an error.
func File(ctx context.Context, path string, p model.Provider, settings model.Settings) (*Report, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", path, err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("%s is a directory", path)
	}
	if info.Size() > MaxSourceSize {
		return nil, fmt.Errorf("%s is too large (%d bytes, max %d)", path, info.Size(), MaxSourceSize)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}

	r := Source(path, string(data))
	if p != nil {
		overview, err := Overview(ctx, p, settings, r, string(data))
		if err != nil {
			r.Overview = fmt.Sprintf("Failed to generate documentation: %v", err)
		} else {
			r.Overview = overview
		}
	}
	return r, nil
}

// Source analyzes code that was read from path.
func Source(path, code string) *Report {
	md := Extract(path, code)
	st := Check(code, md)
	score, recs := Assess(md, st)
	return &Report{
		Path:            path,
		Metadata:        md,
		Static:          st,
		Score:           score,
		Recommendations: recs,
	}
}

var (
	pyFunc    = regexp.MustCompile(`(?m)^\s*def\s+([a-zA-Z_]\w*)\s*\(`)
	pyClass   = regexp.MustCompile(`(?m)^\s*class\s+([a-zA-Z_]\w*)\s*[:(]`)
	pyImport  = regexp.MustCompile(`(?m)^\s*(?:from\s+([\w.]+)\s+)?import\s+([\w., ]+)`)
	jsFunc    = regexp.MustCompile(`(?m)function\s+([a-zA-Z_$][\w$]*)|(?:const|let|var)\s+([a-zA-Z_$][\w$]*)\s*=\s*(?:async\s*)?\([^)]*\)\s*=>`)
	jsClass   = regexp.MustCompile(`(?m)^\s*(?:export\s+)?class\s+([a-zA-Z_$][\w$]*)`)
	jsImport  = regexp.MustCompile(`(?m)import\s+.*?from\s+['"]([^'"]+)['"]|require\(\s*['"]([^'"]+)['"]\s*\)`)
	magicNums = regexp.MustCompile(`\b\d{2,}\b`)
)

// Extract counts lines and collects functions, classes and imports.
func Extract(path, code string) Metadata {
	md := Metadata{Language: DetectLanguage(path)}

	lines := strings.Split(code, "\n")
	md.TotalLines = len(lines)
	for _, line := range lines {
		s := strings.TrimSpace(line)
		switch {
		case s == "":
			md.BlankLines++
		case isComment(s, md.Language):
			md.CommentLines++
		default:
			md.CodeLines++
		}
	}

	switch md.Language {
	case "go":
		extractGo(code, &md)
	case "python":
		for _, m := range pyFunc.FindAllStringSubmatch(code, -1) {
			md.Functions = append(md.Functions, m[1])
		}
		for _, m := range pyClass.FindAllStringSubmatch(code, -1) {
			md.Classes = append(md.Classes, m[1])
		}
		for _, m := range pyImport.FindAllStringSubmatch(code, -1) {
			items := strings.TrimSpace(m[2])
			if m[1] != "" {
				md.Imports = append(md.Imports, "from "+m[1]+" import "+items)
			} else {
				md.Imports = append(md.Imports, "import "+items)
			}
		}
		md.funcLengths = pythonFuncLengths(lines)
	case "javascript", "typescript":
		for _, m := range jsFunc.FindAllStringSubmatch(code, -1) {
			md.Functions = append(md.Functions, m[1]+m[2])
		}
		for _, m := range jsClass.FindAllStringSubmatch(code, -1) {
			md.Classes = append(md.Classes, m[1])
		}
		for _, m := range jsImport.FindAllStringSubmatch(code, -1) {
			md.Imports = append(md.Imports, m[1]+m[2])
		}
	}
	return md
}

func isComment(line, lang string) bool {
	switch lang {
	case "python":
		return strings.HasPrefix(line, "#")
	case "javascript", "typescript", "java", "c++", "go", "rust":
		return strings.HasPrefix(line, "//") || strings.HasPrefix(line, "/*") || strings.HasPrefix(line, "*")
	}
	return false
}

// extractGo uses the real parser. Files that do not parse keep their line
// counts and nothing else.
func extractGo(code string, md *Metadata) {
	fset := token.NewFileSet()
	f, err := parser.ParseFile(fset, "", code, parser.SkipObjectResolution)
	if err != nil {
		return
	}
	md.funcLengths = map[string]int{}
	for _, imp := range f.Imports {
		path, _ := strconv.Unquote(imp.Path.Value)
		md.Imports = append(md.Imports, path)
	}
	for _, decl := range f.Decls {
		switch d := decl.(type) {
		case *ast.FuncDecl:
			name := d.Name.Name
			if d.Recv != nil && len(d.Recv.List) > 0 {
				name = recvName(d.Recv.List[0].Type) + "." + name
			}
			md.Functions = append(md.Functions, name)
			md.funcLengths[name] = fset.Position(d.End()).Line - fset.Position(d.Pos()).Line + 1
		case *ast.GenDecl:
			if d.Tok != token.TYPE {
				continue
			}
			for _, spec := range d.Specs {
				md.Classes = append(md.Classes, spec.(*ast.TypeSpec).Name.Name)
			}
		}
	}
}

func recvName(expr ast.Expr) string {
	switch t := expr.(type) {
	case *ast.StarExpr:
		return recvName(t.X)
	case *ast.IndexExpr:
		return recvName(t.X)
	case *ast.IndexListExpr:
		return recvName(t.X)
	case *ast.Ident:
		return t.Name
	}
	return "?"
}

func pythonFuncLengths(lines []string) map[string]int {
	lengths := map[string]int{}
	current, start := "", 0
	for i, line := range lines {
		s := strings.TrimSpace(line)
		if m := pyFunc.FindStringSubmatch(line); m != nil && strings.HasPrefix(s, "def ") {
			if current != "" {
				lengths[current] = i - start
			}
			current, start = m[1], i
			continue
		}
		if current != "" && line != "" && line[0] != ' ' && line[0] != '\t' {
			lengths[current] = i - start
			current = ""
		}
	}
	if current != "" {
		lengths[current] = len(lines) - start
	}
	return lengths
}

// Check runs the static checks.
func Check(code string, md Metadata) Static {
	return Static{
		Complexity: complexity(code, md),
		Smells:     smells(code, md),
		Issues:     issues(code, md),
	}
}

var decisionWords = regexp.MustCompile(`\b(?:if|elif|else|for|while|case|catch|and|or)\b|&&|\|\|`)

// complexity approximates the average cyclomatic complexity per function:
// (functions + decision points) / functions, at least 1.
func complexity(code string, md Metadata) int {
	var decisions int
	if md.Language == "go" {
		decisions = goDecisions(code)
	} else {
		decisions = len(decisionWords.FindAllStringIndex(code, -1))
	}
	n := len(md.Functions)
	if n == 0 {
		n = 1
	}
	return max(1, (n+decisions)/n)
}

func goDecisions(code string) int {
	f, err := parser.ParseFile(token.NewFileSet(), "", code, parser.SkipObjectResolution)
	if err != nil {
		return len(decisionWords.FindAllStringIndex(code, -1))
	}
	var n int
	ast.Inspect(f, func(node ast.Node) bool {
		switch x := node.(type) {
		case *ast.IfStmt, *ast.ForStmt, *ast.RangeStmt, *ast.CommClause:
			n++
		case *ast.CaseClause:
			if x.List != nil {
				n++
			}
		case *ast.BinaryExpr:
			if x.Op == token.LAND || x.Op == token.LOR {
				n++
			}
		}
		return true
	})
	return n
}

func smells(code string, md Metadata) []string {
	var out []string
	for _, name := range md.Functions {
		if l := md.funcLengths[name]; l > 50 {
			out = append(out, fmt.Sprintf("Long function '%s' (%d lines)", name, l))
		}
	}
	if len(md.Functions) > 20 {
		out = append(out, fmt.Sprintf("Too many functions (%d) - consider splitting module", len(md.Functions)))
	}
	if md.CodeLines > 0 {
		ratio := float64(md.CommentLines) / float64(md.CodeLines)
		if ratio < 0.05 {
			out = append(out, fmt.Sprintf("Low comment ratio (%.1f%%) - consider adding more documentation", ratio*100))
		}
	}
	if len(magicNums.FindAllStringIndex(code, -1)) > 5 {
		out = append(out, "Multiple magic numbers detected - consider using named constants")
	}
	return out
}

func issues(code string, md Metadata) []Issue {
	var out []Issue
	for i, line := range strings.Split(code, "\n") {
		n := i + 1
		if l := len([]rune(line)); l > 120 {
			out = append(out, Issue{Line: n, Kind: "style", Severity: SeverityLow, Message: fmt.Sprintf("Line too long (%d characters)", l)})
		}
		if strings.Contains(line, "TODO") || strings.Contains(line, "FIXME") {
			out = append(out, Issue{Line: n, Kind: "maintenance", Severity: SeverityInfo, Message: "TODO/FIXME comment found"})
		}
		s := strings.TrimSpace(line)
		switch md.Language {
		case "python":
			if strings.Contains(line, "eval(") || strings.Contains(line, "exec(") {
				out = append(out, Issue{Line: n, Kind: "security", Severity: SeverityHigh, Message: "Use of eval/exec is potentially dangerous"})
			}
			if s == "except:" {
				out = append(out, Issue{Line: n, Kind: "reliability", Severity: SeverityMedium, Message: "Bare except clause hides errors"})
			}
		case "javascript", "typescript":
			if strings.Contains(line, "eval(") {
				out = append(out, Issue{Line: n, Kind: "security", Severity: SeverityHigh, Message: "Use of eval is potentially dangerous"})
			}
		case "go":
			if strings.HasPrefix(s, "panic(") {
				out = append(out, Issue{Line: n, Kind: "reliability", Severity: SeverityMedium, Message: "panic in library code - return an error instead"})
			}
			if strings.Contains(s, "_ = err") {
				out = append(out, Issue{Line: n, Kind: "reliability", Severity: SeverityMedium, Message: "Error discarded"})
			}
		}
	}
	return out
}

// Assess scores the file from 0 to 100 and lists recommendations.
func Assess(md Metadata, st Static) (float64, []string) {
	score := 100.0
	var recs []string

	switch {
	case st.Complexity > 20:
		score -= 15
		recs = append(recs, "High complexity detected - consider refactoring to simplify logic")
	case st.Complexity > 10:
		score -= 5
		recs = append(recs, "Moderate complexity - review complex functions")
	}

	score -= float64(len(st.Smells) * 3)
	if len(st.Smells) > 0 {
		recs = append(recs, fmt.Sprintf("Address %d code smell(s)", len(st.Smells)))
	}

	var high, medium int
	for _, is := range st.Issues {
		switch is.Severity {
		case SeverityHigh:
			high++
		case SeverityMedium:
			medium++
		}
	}
	score -= float64(high*10 + medium*5)
	if high > 0 {
		recs = append(recs, fmt.Sprintf("Fix %d high-severity issue(s) immediately", high))
	}

	if md.CodeLines > 0 {
		ratio := float64(md.CommentLines) / float64(md.CodeLines)
		if ratio > 0.2 {
			score += 5
		} else if ratio < 0.05 {
			recs = append(recs, "Add more comments and documentation")
		}
	}

	if len(md.Functions) > 0 && md.CodeLines > 0 {
		perFunc := float64(md.CodeLines) / float64(len(md.Functions))
		if perFunc < 30 {
			score += 5
		} else if perFunc > 100 {
			recs = append(recs, "Functions are too large on average - increase modularization")
		}
	}

	return min(100, max(0, score)), recs
}

const maxOverviewSource = 8000

// Overview asks the model for a short documentation summary of the file.
func Overview(ctx context.Context, p model.Provider, settings model.Settings, r *Report, code string) (string, error) {
	if len(code) > maxOverviewSource {
		code = code[:maxOverviewSource] + "\n... (truncated)"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Analyze this %s code and provide concise documentation.\n\n", r.Metadata.Language)
	fmt.Fprintf(&b, "File: %s\n", filepath.Base(r.Path))
	if len(r.Metadata.Functions) > 0 {
		fmt.Fprintf(&b, "Functions: %s\n", strings.Join(r.Metadata.Functions, ", "))
	}
	if len(r.Metadata.Classes) > 0 {
		fmt.Fprintf(&b, "Types: %s\n", strings.Join(r.Metadata.Classes, ", "))
	}
	fmt.Fprintf(&b, "\nCode:\n```%s\n%s\n```\n\n", r.Metadata.Language, code)
	b.WriteString("Provide:\n1. A brief overview (2-3 sentences)\n2. Key components and their purpose\n3. Usage notes if applicable\n\nKeep it concise and practical.")
	settings.Temperature = 0.3
	return model.Complete(ctx, p, settings, b.String())
}

// Format renders a report for the terminal.
func (r *Report) Format() string {
	var b strings.Builder
	md := r.Metadata
	fmt.Fprintf(&b, "Code analysis: %s (%s)\n", r.Path, md.Language)
	fmt.Fprintf(&b, "Lines: %d total, %d code, %d comment, %d blank\n", md.TotalLines, md.CodeLines, md.CommentLines, md.BlankLines)
	fmt.Fprintf(&b, "Functions: %d  Types/classes: %d  Imports: %d\n", len(md.Functions), len(md.Classes), len(md.Imports))
	fmt.Fprintf(&b, "Complexity: %d\n", r.Static.Complexity)
	fmt.Fprintf(&b, "Quality score: %.0f/100\n", r.Score)
	if len(r.Static.Smells) > 0 {
		b.WriteString("\nCode smells:\n")
		for _, s := range r.Static.Smells {
			fmt.Fprintf(&b, "  - %s\n", s)
		}
	}
	if len(r.Static.Issues) > 0 {
		b.WriteString("\nIssues:\n")
		for _, is := range r.Static.Issues {
			fmt.Fprintf(&b, "  line %d [%s] %s\n", is.Line, is.Severity, is.Message)
		}
	}
	if len(r.Recommendations) > 0 {
		b.WriteString("\nRecommendations:\n")
		for _, rec := range r.Recommendations {
			fmt.Fprintf(&b, "  - %s\n", rec)
		}
	}
	if r.Overview != "" {
		b.WriteString("\n" + r.Overview + "\n")
	}
	return b.String()
}
