package bundle

import (
	"errors"
	"fmt"
	"os"
	"slices"
	"strings"
	"unicode"
)

// MDXValidator performs a syntactic check of MDX templates. It rejects
// unbalanced fences, tags, expressions and container directives, ESM
// statements, script-capable HTML, event handler attributes and directives
// outside the allow-list.
type MDXValidator struct {
	// AllowedDirectives lists permitted ::name and :::name directives.
	AllowedDirectives []string
	// AllowedComponents restricts capitalised JSX components. Empty allows any.
	AllowedComponents []string
	// ForbiddenIdentifiers may not appear inside {expressions}.
	ForbiddenIdentifiers []string
}

// DefaultMDXValidator returns the validator used for bundle installs.
func DefaultMDXValidator() *MDXValidator {
	return &MDXValidator{
		AllowedDirectives: []string{"note", "tip", "info", "warning", "caution", "details"},
		ForbiddenIdentifiers: []string{
			"eval", "Function", "require", "import", "process", "window", "document",
			"globalThis", "fetch", "XMLHttpRequest", "localStorage", "__proto__", "constructor",
		},
	}
}

var forbiddenElements = []string{"script", "iframe", "object", "embed", "style", "link", "meta", "base", "form", "frame", "frameset"}

var voidElements = []string{"area", "br", "col", "hr", "img", "input", "source", "track", "wbr"}

// MDXError is one problem found in a template.
type MDXError struct {
	Line int
	Msg  string
}

func (e *MDXError) Error() string { return fmt.Sprintf("line %d: %s", e.Line, e.Msg) }

// ValidateFile validates the template at path.
func (v *MDXValidator) ValidateFile(path string) error {
	src, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := v.Validate(src); err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	return nil
}

// Validate returns every problem found in src joined into one error.
func (v *MDXValidator) Validate(src []byte) error {
	s := &mdxScanner{v: v, src: []rune(string(src)), line: 1}
	s.run()
	if len(s.errs) == 0 {
		return nil
	}
	errs := make([]error, len(s.errs))
	for i := range s.errs {
		errs[i] = &s.errs[i]
	}
	return errors.Join(errs...)
}

type openTag struct {
	name string
	line int
}

type mdxScanner struct {
	v    *MDXValidator
	src  []rune
	pos  int
	line int

	tags       []openTag
	containers []openTag
	errs       []MDXError
}

func (s *mdxScanner) fail(line int, format string, args ...any) {
	s.errs = append(s.errs, MDXError{Line: line, Msg: fmt.Sprintf(format, args...)})
}

func (s *mdxScanner) eof() bool { return s.pos >= len(s.src) }

func (s *mdxScanner) peek(off int) rune {
	if s.pos+off >= len(s.src) {
		return 0
	}
	return s.src[s.pos+off]
}

func (s *mdxScanner) advance() rune {
	r := s.src[s.pos]
	s.pos++
	if r == '\n' {
		s.line++
	}
	return r
}

// restOfLine returns the text from pos up to the next newline.
func (s *mdxScanner) restOfLine() string {
	end := s.pos
	for end < len(s.src) && s.src[end] != '\n' {
		end++
	}
	return string(s.src[s.pos:end])
}

func (s *mdxScanner) skipLine() {
	for !s.eof() && s.advance() != '\n' {
	}
}

func (s *mdxScanner) run() {
	atLineStart := true
	for !s.eof() {
		if atLineStart {
			atLineStart = false
			if s.lineStart() {
				atLineStart = true
				continue
			}
		}
		switch r := s.peek(0); {
		case r == '\n':
			s.advance()
			atLineStart = true
		case r == '`':
			s.inlineCode()
		case r == '\\':
			s.advance()
			if !s.eof() {
				if s.advance() == '\n' {
					atLineStart = true
				}
			}
		case r == '{':
			s.expression()
		case r == '<':
			s.tag()
		default:
			s.advance()
		}
	}
	for _, t := range s.tags {
		s.fail(t.line, "element <%s> is never closed", t.name)
	}
	for _, c := range s.containers {
		s.fail(c.line, "directive :::%s is never closed", c.name)
	}
}

// lineStart handles constructs that are only recognised at the start of a
// line. It reports whether the whole line was consumed.
func (s *mdxScanner) lineStart() bool {
	line := s.restOfLine()
	trimmed := strings.TrimLeft(line, " \t")
	indent := len(line) - len(trimmed)

	if fence := fenceMarker(trimmed); fence != "" && indent < 4 {
		s.fence(fence)
		return true
	}
	if indent == 0 && (strings.HasPrefix(trimmed, "import ") || strings.HasPrefix(trimmed, "export ")) {
		s.fail(s.line, "ESM statements are not allowed")
		s.skipLine()
		return true
	}
	if strings.HasPrefix(trimmed, ":::") {
		name := directiveName(trimmed[3:])
		switch {
		case name == "" && strings.TrimSpace(trimmed[3:]) == "":
			if len(s.containers) == 0 {
				s.fail(s.line, "closing ::: without an open directive")
			} else {
				s.containers = s.containers[:len(s.containers)-1]
			}
		case name == "":
			s.fail(s.line, "malformed container directive")
		default:
			s.checkDirective(name)
			s.containers = append(s.containers, openTag{name: name, line: s.line})
		}
		s.skipLine()
		return true
	}
	if strings.HasPrefix(trimmed, "::") {
		if name := directiveName(trimmed[2:]); name != "" {
			s.checkDirective(name)
			s.skipLine()
			return true
		}
	}
	return false
}

func (s *mdxScanner) checkDirective(name string) {
	if !slices.Contains(s.v.AllowedDirectives, name) {
		s.fail(s.line, "directive %q is not allowed", name)
	}
}

func fenceMarker(line string) string {
	for _, c := range []string{"`", "~"} {
		n := 0
		for n < len(line) && line[n] == c[0] {
			n++
		}
		if n >= 3 {
			return strings.Repeat(c, n)
		}
	}
	return ""
}

func (s *mdxScanner) fence(marker string) {
	start := s.line
	s.skipLine()
	for !s.eof() {
		line := strings.TrimLeft(s.restOfLine(), " \t")
		s.skipLine()
		if strings.HasPrefix(line, marker) && strings.TrimSpace(strings.TrimLeft(line, marker[:1])) == "" {
			return
		}
	}
	s.fail(start, "code fence is never closed")
}

func directiveName(rest string) string {
	end := 0
	for end < len(rest) && (isIdent(rune(rest[end])) || rest[end] == '-') {
		end++
	}
	if end == 0 || !unicode.IsLetter(rune(rest[0])) {
		return ""
	}
	return rest[:end]
}

func isIdent(r rune) bool {
	return r == '_' || r == '$' || unicode.IsLetter(r) || unicode.IsDigit(r)
}

func (s *mdxScanner) inlineCode() {
	n := 0
	for s.peek(n) == '`' {
		n++
	}
	for i := 0; i < n; i++ {
		s.advance()
	}
	for !s.eof() {
		if s.peek(0) == '`' {
			m := 0
			for s.peek(m) == '`' {
				m++
			}
			for i := 0; i < m; i++ {
				s.advance()
			}
			if m == n {
				return
			}
			continue
		}
		if s.peek(0) == '\n' && s.peek(1) == '\n' {
			// A blank line ends the paragraph, so the backticks were literal.
			return
		}
		s.advance()
	}
}

// expression consumes a balanced {...} block and checks its identifiers.
func (s *mdxScanner) expression() {
	start := s.line
	s.advance()
	depth := 1
	var body strings.Builder
	var quote rune
	for !s.eof() {
		r := s.advance()
		switch {
		case quote != 0:
			if r == '\\' && !s.eof() {
				body.WriteRune(r)
				r = s.advance()
			} else if r == quote {
				quote = 0
			}
		case r == '"' || r == '\'' || r == '`':
			quote = r
		case r == '{':
			depth++
		case r == '}':
			depth--
			if depth == 0 {
				s.checkExpression(start, body.String())
				return
			}
		}
		body.WriteRune(r)
	}
	s.fail(start, "expression is never closed")
}

func (s *mdxScanner) checkExpression(line int, body string) {
	ids := identifiers(body)
	for _, id := range ids {
		if slices.Contains(s.v.ForbiddenIdentifiers, id) {
			s.fail(line, "expression uses forbidden identifier %q", id)
		}
	}
	if strings.Contains(body, "=>") || slices.Contains(ids, "function") {
		s.fail(line, "expressions may not define functions")
	}
}

func identifiers(src string) []string {
	var out []string
	start := -1
	for i, r := range src {
		if isIdent(r) {
			if start < 0 {
				start = i
			}
			continue
		}
		if start >= 0 {
			out = append(out, src[start:i])
			start = -1
		}
	}
	if start >= 0 {
		out = append(out, src[start:])
	}
	return out
}

func (s *mdxScanner) tag() {
	next := s.peek(1)
	switch {
	case next == '/' || next == '>' || unicode.IsLetter(next):
	default:
		// "a < b" is plain text.
		s.advance()
		return
	}
	start := s.line
	s.advance()
	closing := false
	if s.peek(0) == '/' {
		closing = true
		s.advance()
	}
	var name strings.Builder
	for !s.eof() && (isIdent(s.peek(0)) || s.peek(0) == '.' || s.peek(0) == '-' || s.peek(0) == ':') {
		name.WriteRune(s.advance())
	}
	tagName := name.String()
	if lower := strings.ToLower(tagName); strings.HasSuffix(lower, ":") &&
		(strings.HasPrefix(lower, "http") || strings.HasPrefix(lower, "mailto")) {
		s.autolink()
		return
	}

	selfClosing := false
	for !s.eof() {
		r := s.peek(0)
		switch {
		case r == '>':
			s.advance()
			s.finishTag(start, tagName, closing, selfClosing)
			return
		case r == '/' && s.peek(1) == '>':
			selfClosing = true
			s.advance()
		case r == '{':
			s.expression()
		case r == '"' || r == '\'':
			s.attributeValue(start)
		case isIdent(r):
			s.attributeName(start)
		default:
			s.advance()
		}
	}
	s.fail(start, "tag <%s is never terminated", tagName)
}

func (s *mdxScanner) autolink() {
	for !s.eof() && s.peek(0) != '>' && s.peek(0) != '\n' {
		s.advance()
	}
	if !s.eof() && s.peek(0) == '>' {
		s.advance()
	}
}

func (s *mdxScanner) attributeName(line int) {
	var b strings.Builder
	for !s.eof() && (isIdent(s.peek(0)) || s.peek(0) == '-' || s.peek(0) == ':') {
		b.WriteRune(s.advance())
	}
	name := b.String()
	lower := strings.ToLower(name)
	if len(lower) > 2 && strings.HasPrefix(lower, "on") {
		s.fail(line, "event handler attribute %q is not allowed", name)
	}
	if name == "dangerouslySetInnerHTML" {
		s.fail(line, "attribute %q is not allowed", name)
	}
}

func (s *mdxScanner) attributeValue(line int) {
	quote := s.advance()
	var b strings.Builder
	for !s.eof() && s.peek(0) != quote {
		b.WriteRune(s.advance())
	}
	if s.eof() {
		s.fail(line, "attribute value is never closed")
		return
	}
	s.advance()
	if v := strings.ToLower(strings.TrimSpace(b.String())); strings.HasPrefix(v, "javascript:") || strings.HasPrefix(v, "vbscript:") {
		s.fail(line, "script URL in attribute value")
	}
}

func (s *mdxScanner) finishTag(line int, name string, closing, selfClosing bool) {
	if name != "" {
		lower := strings.ToLower(name)
		if slices.Contains(forbiddenElements, lower) {
			s.fail(line, "element <%s> is not allowed", name)
		}
		if unicode.IsUpper([]rune(name)[0]) && len(s.v.AllowedComponents) > 0 && !slices.Contains(s.v.AllowedComponents, name) {
			s.fail(line, "component <%s> is not allowed", name)
		}
	}
	if selfClosing || (!closing && slices.Contains(voidElements, strings.ToLower(name))) {
		return
	}
	if !closing {
		s.tags = append(s.tags, openTag{name: name, line: line})
		return
	}
	if len(s.tags) == 0 {
		s.fail(line, "closing </%s> without an open element", name)
		return
	}
	top := s.tags[len(s.tags)-1]
	if top.name != name {
		s.fail(line, "closing </%s> does not match <%s> opened on line %d", name, top.name, top.line)
		return
	}
	s.tags = s.tags[:len(s.tags)-1]
}
