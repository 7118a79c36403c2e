// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package ast

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

// DefaultMaxFileSize is the largest file the analyzer will scan (2MB).
// Oversized files are skipped with a warning; generated bundles above this
// size carry no review signal worth the scan cost.
const DefaultMaxFileSize = 2 * 1024 * 1024

// defaultExtensions are the source extensions the analyzer accepts.
var defaultExtensions = []string{".ts", ".tsx", ".js", ".jsx", ".mjs", ".cjs"}

// Line-oriented extraction patterns. The analyzer is a textual scanner by
// contract, so these are intentionally anchored, single-line heuristics.
var (
	reImportFrom    = regexp.MustCompile(`^\s*import\s+(?:type\s+)?(.+?)\s+from\s+['"]([^'"]+)['"]`)
	reImportSide    = regexp.MustCompile(`^\s*import\s+['"]([^'"]+)['"]`)
	reDynamicImport = regexp.MustCompile(`import\s*\(\s*['"]([^'"]+)['"]\s*\)`)
	reRequire       = regexp.MustCompile(`(?:const|let|var)\s+([A-Za-z_$][\w$]*)\s*=\s*require\s*\(\s*['"]([^'"]+)['"]\s*\)`)

	reExportDefault = regexp.MustCompile(`^\s*export\s+default\b`)
	reExportDecl    = regexp.MustCompile(`^\s*export\s+(?:declare\s+)?(?:abstract\s+)?(?:async\s+)?(?:function\s*\*?|class|const|let|var|interface|type|enum)\s+([A-Za-z_$][\w$]*)`)
	reExportList    = regexp.MustCompile(`^\s*export\s*\{([^}]*)\}(?:\s*from\s*['"]([^'"]+)['"])?`)
	reExportStar    = regexp.MustCompile(`^\s*export\s*\*(?:\s+as\s+([A-Za-z_$][\w$]*))?\s*from\s*['"]([^'"]+)['"]`)

	reFuncDecl  = regexp.MustCompile(`^\s*(export\s+)?(default\s+)?(async\s+)?function\s*\*?\s*([A-Za-z_$][\w$]*)\s*\(([^)]*)`)
	reArrowFunc = regexp.MustCompile(`^\s*(export\s+)?(?:const|let|var)\s+([A-Za-z_$][\w$]*)\s*(?::\s*[^=]+?)?=\s*(async\s+)?(?:\(([^)]*)\)|([A-Za-z_$][\w$]*))\s*(?::\s*[^=]+?)?=>`)
	reClassDecl = regexp.MustCompile(`^\s*(export\s+)?(?:default\s+)?(?:declare\s+)?(?:abstract\s+)?class\s+([A-Za-z_$][\w$]*)(?:\s+extends\s+([A-Za-z_$][\w$.]*))?(?:\s+implements\s+([^{]+?))?\s*\{?\s*$`)
	reMethod    = regexp.MustCompile(`^\s*(?:(?:public|private|protected|static|async|readonly|override|get|set)\s+)*([A-Za-z_$][\w$]*)\s*(?:<[^>]*>)?\s*\([^;]*$`)

	reCallToken  = regexp.MustCompile(`([A-Za-z_$][\w$]*)\s*\(`)
	reIdentifier = regexp.MustCompile(`[A-Za-z_$][\w$]*`)
)

// callKeywords are identifiers that look like call sites to reCallToken but
// are language constructs, not functions.
var callKeywords = map[string]bool{
	"if": true, "for": true, "while": true, "switch": true, "catch": true,
	"function": true, "return": true, "typeof": true, "await": true,
	"new": true, "do": true, "else": true, "super": true, "import": true,
	"require": true, "constructor": true, "async": true,
}

// Option configures an Analyzer.
type Option func(*Analyzer)

// WithMaxFileSize sets the maximum file size the analyzer will accept.
// Non-positive values are ignored.
func WithMaxFileSize(bytes int64) Option {
	return func(a *Analyzer) {
		if bytes > 0 {
			a.maxFileSize = bytes
		}
	}
}

// WithExtensions replaces the accepted source extensions.
// Extensions must include the leading dot.
func WithExtensions(exts []string) Option {
	return func(a *Analyzer) {
		if len(exts) == 0 {
			return
		}
		a.extensions = make(map[string]bool, len(exts))
		for _, e := range exts {
			a.extensions[strings.ToLower(e)] = true
		}
	}
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(a *Analyzer) {
		if logger != nil {
			a.logger = logger
		}
	}
}

// Analyzer extracts code relationships from source files.
//
// Thread Safety:
//
//	Analyzer is safe for concurrent use. Analyze holds no mutable state
//	across calls; each call operates on its own scan state.
type Analyzer struct {
	maxFileSize int64
	extensions  map[string]bool
	logger      *slog.Logger
}

// NewAnalyzer creates an Analyzer with the given options.
//
// Example:
//
//	analyzer := ast.NewAnalyzer(ast.WithMaxFileSize(5 * 1024 * 1024))
func NewAnalyzer(opts ...Option) *Analyzer {
	a := &Analyzer{
		maxFileSize: DefaultMaxFileSize,
		extensions:  make(map[string]bool, len(defaultExtensions)),
		logger:      slog.Default(),
	}
	for _, e := range defaultExtensions {
		a.extensions[e] = true
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Extensions returns the accepted source extensions in no particular order.
func (a *Analyzer) Extensions() []string {
	out := make([]string, 0, len(a.extensions))
	for e := range a.extensions {
		out = append(out, e)
	}
	return out
}

// Analyze scans the file at path and returns its FileNode.
//
// Description:
//
//	Returns (nil, nil), an absent result rather than an error, when the file has
//	a non-source extension, does not exist, cannot be read, or exceeds the
//	size limit. Graph data is advisory, so analysis failures never block
//	the review loop; only a missing file is silent, every other read
//	failure is logged.
//
// Inputs:
//
//	ctx - Context for cancellation. Must not be nil.
//	path - File path. Used verbatim as FileNode.Path.
//
// Outputs:
//
//	*FileNode - The extracted relationships, or nil if the file was skipped.
//	error - Non-nil only when ctx is cancelled.
//
// Thread Safety: Safe for concurrent use.
func (a *Analyzer) Analyze(ctx context.Context, path string) (*FileNode, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	ext := strings.ToLower(filepath.Ext(path))
	if !a.extensions[ext] {
		return nil, nil
	}

	info, err := os.Stat(path)
	if err != nil {
		if !os.IsNotExist(err) {
			a.logger.Warn("stat failed, skipping file", "path", path, "error", err)
		}
		return nil, nil
	}
	if info.Size() > a.maxFileSize {
		a.logger.Warn("file exceeds size limit, skipping",
			"path", path, "size", info.Size(), "limit", a.maxFileSize)
		return nil, nil
	}

	content, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			a.logger.Warn("read failed, skipping file", "path", path, "error", err)
		}
		return nil, nil
	}

	return a.analyzeContent(path, content), nil
}

// AnalyzeContent scans in-memory content. Exposed for tests and for callers
// that already hold the file bytes.
func (a *Analyzer) AnalyzeContent(path string, content []byte) *FileNode {
	return a.analyzeContent(path, content)
}

func (a *Analyzer) analyzeContent(path string, content []byte) *FileNode {
	lines := strings.Split(string(content), "\n")
	node := &FileNode{Path: path}

	a.extractImports(lines, node)
	a.extractExports(lines, node)
	a.extractClasses(lines, node)
	a.extractFunctions(lines, node)

	return node
}

// extractImports collects static, side-effect, CommonJS and dynamic imports.
func (a *Analyzer) extractImports(lines []string, node *FileNode) {
	for i, line := range lines {
		lineNo := i + 1

		if m := reImportFrom.FindStringSubmatch(line); m != nil {
			imp := Import{Source: m[2], Line: lineNo}
			parseImportClause(m[1], &imp)
			node.Imports = append(node.Imports, imp)
			continue
		}

		if m := reImportSide.FindStringSubmatch(line); m != nil {
			node.Imports = append(node.Imports, Import{Source: m[1], Line: lineNo})
			continue
		}

		if m := reRequire.FindStringSubmatch(line); m != nil {
			node.Imports = append(node.Imports, Import{
				Source:     m[2],
				Specifiers: []string{m[1]},
				IsDefault:  true,
				Line:       lineNo,
			})
		}

		for _, m := range reDynamicImport.FindAllStringSubmatch(line, -1) {
			node.Imports = append(node.Imports, Import{
				Source:    m[1],
				IsDynamic: true,
				Line:      lineNo,
			})
		}
	}
}

// parseImportClause fills specifier fields from the text between `import`
// and `from`, e.g. `Default, { a, b as c }` or `* as ns`.
func parseImportClause(clause string, imp *Import) {
	clause = strings.TrimSpace(clause)

	if idx := strings.Index(clause, "{"); idx >= 0 {
		end := strings.Index(clause, "}")
		if end < 0 {
			end = len(clause)
		}
		for _, part := range strings.Split(clause[idx+1:end], ",") {
			name := localBinding(part)
			if name != "" {
				imp.Specifiers = append(imp.Specifiers, name)
			}
		}
		before := strings.TrimSpace(strings.TrimSuffix(clause[:idx], ","))
		before = strings.TrimSpace(strings.TrimSuffix(before, ","))
		if name := reIdentifier.FindString(before); name != "" {
			imp.IsDefault = true
			imp.Specifiers = append([]string{name}, imp.Specifiers...)
		}
		return
	}

	if idx := strings.Index(clause, "*"); idx >= 0 {
		imp.IsNamespace = true
		rest := clause[idx+1:]
		if asIdx := strings.Index(rest, "as"); asIdx >= 0 {
			if name := reIdentifier.FindString(rest[asIdx+2:]); name != "" {
				imp.Specifiers = append(imp.Specifiers, name)
			}
		}
		return
	}

	if name := reIdentifier.FindString(clause); name != "" {
		imp.IsDefault = true
		imp.Specifiers = append(imp.Specifiers, name)
	}
}

// localBinding returns the local name of an import/export list entry,
// honoring `orig as alias`.
func localBinding(entry string) string {
	entry = strings.TrimSpace(entry)
	if entry == "" {
		return ""
	}
	fields := strings.Fields(entry)
	// "orig as alias" binds alias locally.
	if len(fields) == 3 && fields[1] == "as" {
		return fields[2]
	}
	return reIdentifier.FindString(fields[0])
}

// extractExports collects default, named, list and re-export forms.
func (a *Analyzer) extractExports(lines []string, node *FileNode) {
	for i, line := range lines {
		lineNo := i + 1

		if m := reExportStar.FindStringSubmatch(line); m != nil {
			name := m[1]
			if name == "" {
				name = "*"
			}
			node.Exports = append(node.Exports, Export{
				Name: name, Kind: ExportReExport, Source: m[2], Line: lineNo,
			})
			continue
		}

		if m := reExportList.FindStringSubmatch(line); m != nil {
			kind := ExportList
			if m[2] != "" {
				kind = ExportReExport
			}
			for _, part := range strings.Split(m[1], ",") {
				name := localBinding(part)
				if name == "" {
					continue
				}
				node.Exports = append(node.Exports, Export{
					Name: name, Kind: kind, Source: m[2], Line: lineNo,
				})
			}
			continue
		}

		if m := reExportDecl.FindStringSubmatch(line); m != nil {
			node.Exports = append(node.Exports, Export{
				Name: m[1], Kind: ExportNamed, Line: lineNo,
			})
			continue
		}

		if reExportDefault.MatchString(line) {
			node.Exports = append(node.Exports, Export{
				Name: "default", Kind: ExportDefault, Line: lineNo,
			})
		}
	}
}

// extractClasses collects class declarations with brace-balanced bodies.
func (a *Analyzer) extractClasses(lines []string, node *FileNode) {
	for i := 0; i < len(lines); i++ {
		m := reClassDecl.FindStringSubmatch(lines[i])
		if m == nil {
			continue
		}

		cls := Class{
			Name:       m[2],
			Extends:    m[3],
			StartLine:  i + 1,
			IsExported: m[1] != "",
		}
		if m[4] != "" {
			for _, part := range strings.Split(m[4], ",") {
				if name := reIdentifier.FindString(part); name != "" {
					cls.Implements = append(cls.Implements, name)
				}
			}
		}

		endIdx, body := balanceBraces(lines, i)
		cls.EndLine = endIdx + 1
		cls.Methods = extractMethods(body)
		node.Classes = append(node.Classes, cls)

		i = endIdx
	}
}

// extractMethods scans a class body for method declarations at brace depth 1.
func extractMethods(body []string) []string {
	depth := 0
	var methods []string
	for idx, line := range body {
		atTop := depth == 1
		depth += braceDelta(line)
		if idx == 0 || !atTop {
			continue
		}
		m := reMethod.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		name := m[1]
		if callKeywords[name] && name != "constructor" {
			continue
		}
		if name == "constructor" || !isReservedWord(name) {
			methods = append(methods, name)
		}
	}
	return methods
}

// extractFunctions collects function declarations and bound arrow functions,
// skipping lines inside class bodies (those are methods).
func (a *Analyzer) extractFunctions(lines []string, node *FileNode) {
	inClass := make([]bool, len(lines))
	for _, cls := range node.Classes {
		for l := cls.StartLine - 1; l < cls.EndLine && l < len(lines); l++ {
			inClass[l] = true
		}
	}

	for i := 0; i < len(lines); i++ {
		if inClass[i] {
			continue
		}

		if m := reFuncDecl.FindStringSubmatch(lines[i]); m != nil {
			fn := Function{
				Name:       m[4],
				StartLine:  i + 1,
				IsAsync:    m[3] != "",
				IsExported: m[1] != "",
				Params:     parseParams(m[5]),
			}
			endIdx, body := balanceBraces(lines, i)
			fn.EndLine = endIdx + 1
			fn.Calls = extractCalls(body, fn.Name)
			node.Functions = append(node.Functions, fn)
			i = endIdx
			continue
		}

		if m := reArrowFunc.FindStringSubmatch(lines[i]); m != nil {
			params := m[4]
			if m[5] != "" {
				params = m[5]
			}
			fn := Function{
				Name:       m[2],
				StartLine:  i + 1,
				IsAsync:    m[3] != "",
				IsExported: m[1] != "",
				Params:     parseParams(params),
			}
			if strings.Contains(lines[i], "{") {
				endIdx, body := balanceBraces(lines, i)
				fn.EndLine = endIdx + 1
				fn.Calls = extractCalls(body, fn.Name)
				i = endIdx
			} else {
				// Expression-bodied arrow: single line.
				fn.EndLine = i + 1
				fn.Calls = extractCalls([]string{lines[i]}, fn.Name)
			}
			node.Functions = append(node.Functions, fn)
		}
	}
}

// parseParams flattens a parameter list into identifier names.
// Type annotations, defaults, rest markers and destructuring patterns are
// reduced to the identifiers they bind.
func parseParams(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	var params []string
	for _, part := range splitTopLevel(raw) {
		part = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(part), "..."))
		if part == "" {
			continue
		}
		// Drop default value and type annotation.
		if idx := strings.IndexAny(part, "=:"); idx >= 0 {
			part = part[:idx]
		}
		for _, id := range reIdentifier.FindAllString(part, -1) {
			params = append(params, id)
		}
	}
	return params
}

// splitTopLevel splits on commas outside brackets/braces/parens.
func splitTopLevel(s string) []string {
	var parts []string
	depth := 0
	start := 0
	for i, r := range s {
		switch r {
		case '(', '[', '{', '<':
			depth++
		case ')', ']', '}', '>':
			depth--
		case ',':
			if depth == 0 {
				parts = append(parts, s[start:i])
				start = i + 1
			}
		}
	}
	parts = append(parts, s[start:])
	return parts
}

// extractCalls returns the called-function names found in a body,
// deduplicated in first-occurrence order. The function's own name is kept:
// recursion is a call like any other.
func extractCalls(body []string, _ string) []string {
	seen := make(map[string]bool)
	var calls []string
	for i, line := range body {
		for _, m := range reCallToken.FindAllStringSubmatch(line, -1) {
			name := m[1]
			if callKeywords[name] || isReservedWord(name) {
				continue
			}
			// The declaration line matches its own signature; skip the
			// declared name there but not real calls later in the body.
			if i == 0 && strings.Contains(line, "function") && strings.Contains(line, name+"(") {
				if first := reCallToken.FindStringSubmatch(line); first != nil && first[1] == name {
					continue
				}
			}
			if !seen[name] {
				seen[name] = true
				calls = append(calls, name)
			}
		}
	}
	return calls
}

// isReservedWord reports whether name is a JS/TS keyword that can precede
// an open paren in non-call positions.
func isReservedWord(name string) bool {
	switch name {
	case "void", "delete", "in", "of", "instanceof", "yield", "throw", "case":
		return true
	}
	return false
}

// balanceBraces scans forward from startIdx until the brace depth opened on
// or after that line returns to zero. Braces inside strings, template
// literals and comments are ignored. Returns the index of the closing line
// and the slice of lines spanning the construct. If no opening brace is
// found within a few lines, the construct is treated as single-line.
func balanceBraces(lines []string, startIdx int) (int, []string) {
	depth := 0
	opened := false
	st := &scanState{}

	for i := startIdx; i < len(lines); i++ {
		d := st.delta(lines[i])
		depth += d
		if !opened && depth > 0 {
			opened = true
		}
		if opened && depth <= 0 {
			return i, lines[startIdx : i+1]
		}
		// Heuristic guard: a declaration whose opening brace never appears
		// within 3 lines is treated as single-line (e.g. `declare function`).
		if !opened && i-startIdx >= 3 {
			return startIdx, lines[startIdx : startIdx+1]
		}
	}
	return len(lines) - 1, lines[startIdx:]
}

// scanState tracks string/comment context across lines for brace counting.
type scanState struct {
	inBlockComment bool
	inTemplate     bool
}

// delta returns the net brace count of a line, skipping braces inside
// strings, template literals and comments.
func (s *scanState) delta(line string) int {
	delta := 0
	var quote byte
	escaped := false

	for i := 0; i < len(line); i++ {
		c := line[i]

		if s.inBlockComment {
			if c == '*' && i+1 < len(line) && line[i+1] == '/' {
				s.inBlockComment = false
				i++
			}
			continue
		}
		if escaped {
			escaped = false
			continue
		}
		if c == '\\' {
			escaped = true
			continue
		}
		if quote != 0 {
			if c == quote {
				quote = 0
			}
			continue
		}
		if s.inTemplate {
			if c == '`' {
				s.inTemplate = false
			}
			continue
		}

		switch c {
		case '\'', '"':
			quote = c
		case '`':
			s.inTemplate = true
		case '/':
			if i+1 < len(line) {
				switch line[i+1] {
				case '/':
					return delta // rest of line is a comment
				case '*':
					s.inBlockComment = true
					i++
				}
			}
		case '{':
			delta++
		case '}':
			delta--
		}
	}
	return delta
}

// braceDelta is a context-free brace count used only for method-depth
// tracking inside an already-balanced class body.
func braceDelta(line string) int {
	st := &scanState{}
	return st.delta(line)
}
