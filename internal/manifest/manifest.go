package manifest

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"os"
	"regexp"
	"strings"

	"github.com/Masterminds/semver/v3"
	"github.com/opencontainers/go-digest"
)

var (
	nameRe   = regexp.MustCompile(`^([A-Za-z0-9](?:[A-Za-z0-9._-]*[A-Za-z0-9])?)\s*(?:\[([^\]]*)\])?\s*(.*)$`)
	clauseRe = regexp.MustCompile(`^(===|==|!=|~=|>=|<=|>|<)\s*(\S+)$`)
	sepRe    = regexp.MustCompile(`[-_.]+`)
	preRe    = regexp.MustCompile(`^(\d+(?:\.\d+)*)[.-]?((?:a|b|c|rc|alpha|beta|pre|preview|dev)\.?\d*)$`)
	postRe   = regexp.MustCompile(`^(\d+(?:\.\d+)*)(?:[.-]?(?:post|rev|r)\.?(\d*)|-(\d+))$`)
)

// A single dependency specifier from a manifest.
type Requirement struct {
	Name       string   // Package name as written.
	Extras     []string // Optional extras, e.g. ["standard"].
	Constraint string   // Normalized version clauses, e.g. ">=0.29,<0.30". Empty when unconstrained.
	Marker     string   // Environment marker after ";", untouched.
	URL        string   // Direct reference after "@", if any.
	Line       int      // 1-based line number of the entry.
	Raw        string   // Entry text with comments and continuations removed.
}

// Returns the normalized package name used for comparisons.
func (r Requirement) Key() string {
	return Normalize(r.Name)
}

// Returns the entry as written in the manifest.
func (r Requirement) String() string {
	return r.Raw
}

// Reports whether version satisfies the requirement's constraint.
//
// The second result is false when the answer cannot be decided with
// semantic versions: arbitrary equality, epochs, four-part versions, a
// pre-release checked against a constraint that names none, or a
// post-release its base release does not satisfy. Callers should then
// defer to the installer.
func (r Requirement) Allows(version string) (allowed bool, ok bool) {
	if r.Constraint == "" {
		return true, true
	}

	c, expr, err := r.semverConstraint()
	if err != nil {
		return false, false
	}

	// A post-release sorts after its release and before the next one. It is
	// allowed when both ends of that gap are; anything else is undecided.
	release, post := postRelease(version)

	v, err := semver.NewVersion(normalizeVersion(release))
	if err != nil {
		return false, false
	}

	if v.Prerelease() != "" && !strings.Contains(expr, "-") {
		return false, false
	}

	allowed = c.Check(v)
	if post {
		next := v.IncPatch()
		if !allowed || !c.Check(&next) {
			return false, false
		}
	}
	return allowed, true
}

// Translates the requirement's clauses into a semver constraint.
// Also returns the translated expression.
func (r Requirement) semverConstraint() (*semver.Constraints, string, error) {
	var parts []string
	for _, clause := range strings.Split(r.Constraint, ",") {
		m := clauseRe.FindStringSubmatch(clause)
		if m == nil {
			return nil, "", fmt.Errorf("unsupported clause %q", clause)
		}
		translated, err := translateClause(m[1], m[2])
		if err != nil {
			return nil, "", err
		}
		parts = append(parts, translated)
	}
	expr := strings.Join(parts, ", ")
	c, err := semver.NewConstraint(expr)
	if err != nil {
		return nil, "", err
	}
	return c, expr, nil
}

// Ordered list of requirements read from a manifest file.
type Manifest struct {
	Requirements []Requirement // Specifiers in file order.
	Options      []string      // Installer option lines, e.g. "--index-url ...".
	Digest       digest.Digest // Digest of the raw file content.
}

// Returns the requirement for the given package name, matched after
// normalization.
func (m *Manifest) Lookup(name string) (Requirement, bool) {
	key := Normalize(name)
	for _, r := range m.Requirements {
		if r.Key() == key {
			return r, true
		}
	}
	return Requirement{}, false
}

// Returns the normalized names of all requirements, in file order.
func (m *Manifest) Names() []string {
	names := make([]string, len(m.Requirements))
	for i, r := range m.Requirements {
		names[i] = r.Key()
	}
	return names
}

// Reads and parses the manifest at path.
func ParseFile(path string) (*Manifest, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return Parse(f)
}

// Parses a manifest.
//
// Returns a [*SyntaxError] naming the first malformed entry.
func Parse(r io.Reader) (*Manifest, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}

	m := &Manifest{Digest: digest.FromBytes(data)}
	seen := make(map[string]int)

	for entry := range logicalLines(data) {
		if strings.HasPrefix(entry.text, "-") {
			m.Options = append(m.Options, entry.text)
			continue
		}

		req, err := parseRequirement(entry.text, entry.line)
		if err != nil {
			return nil, err
		}

		if prev, dup := seen[req.Key()]; dup {
			return nil, &SyntaxError{Line: entry.line, Entry: entry.text, Reason: fmt.Sprintf("duplicate of line %d", prev)}
		}
		seen[req.Key()] = entry.line

		m.Requirements = append(m.Requirements, req)
	}

	return m, nil
}

// A comment-free, continuation-joined manifest line.
type logicalLine struct {
	text string
	line int
}

// Yields non-empty logical lines. Backslash continuations are joined and
// reported at the line where the entry starts.
func logicalLines(data []byte) func(yield func(logicalLine) bool) {
	return func(yield func(logicalLine) bool) {
		scanner := bufio.NewScanner(bytes.NewReader(data))
		var (
			buf   strings.Builder
			start int
			n     int
		)

		for scanner.Scan() {
			n++
			text := stripComment(scanner.Text())
			if buf.Len() == 0 {
				start = n
			}

			if cont, ok := strings.CutSuffix(strings.TrimRight(text, " \t"), `\`); ok {
				buf.WriteString(cont)
				buf.WriteByte(' ')
				continue
			}

			buf.WriteString(text)
			entry := strings.TrimSpace(buf.String())
			buf.Reset()

			if entry == "" {
				continue
			}
			if !yield(logicalLine{text: entry, line: start}) {
				return
			}
		}

		if entry := strings.TrimSpace(buf.String()); entry != "" {
			yield(logicalLine{text: entry, line: start})
		}
	}
}

// Removes a "#" comment. A "#" only starts a comment at the beginning of the
// line or after whitespace, so URL fragments survive.
func stripComment(line string) string {
	if strings.HasPrefix(strings.TrimSpace(line), "#") {
		return ""
	}
	for i := 1; i < len(line); i++ {
		if line[i] == '#' && (line[i-1] == ' ' || line[i-1] == '\t') {
			return line[:i]
		}
	}
	return line
}

// Parses a single specifier.
func parseRequirement(text string, line int) (Requirement, error) {
	req := Requirement{Raw: text, Line: line}

	spec := text
	if before, marker, ok := strings.Cut(spec, ";"); ok {
		spec = strings.TrimSpace(before)
		req.Marker = strings.TrimSpace(marker)
	}

	m := nameRe.FindStringSubmatch(spec)
	if m == nil {
		return Requirement{}, &SyntaxError{Line: line, Entry: text, Reason: "invalid package name"}
	}
	req.Name = m[1]

	if m[2] != "" {
		for _, extra := range strings.Split(m[2], ",") {
			if extra = strings.TrimSpace(extra); extra != "" {
				req.Extras = append(req.Extras, extra)
			}
		}
	}

	rest := strings.TrimSpace(m[3])
	if url, ok := strings.CutPrefix(rest, "@"); ok {
		req.URL = strings.TrimSpace(url)
		if req.URL == "" {
			return Requirement{}, &SyntaxError{Line: line, Entry: text, Reason: "empty direct reference"}
		}
		return req, nil
	}

	rest = strings.TrimSuffix(strings.TrimPrefix(rest, "("), ")")
	if strings.TrimSpace(rest) == "" {
		return req, nil
	}

	var clauses []string
	for _, clause := range strings.Split(rest, ",") {
		clause = strings.TrimSpace(clause)
		cm := clauseRe.FindStringSubmatch(clause)
		if cm == nil {
			return Requirement{}, &SyntaxError{Line: line, Entry: text, Reason: fmt.Sprintf("invalid version clause %q", clause)}
		}
		if cm[1] == "~=" && !strings.Contains(cm[2], ".") {
			return Requirement{}, &SyntaxError{Line: line, Entry: text, Reason: "~= requires at least two version components"}
		}
		clauses = append(clauses, cm[1]+cm[2])
	}
	req.Constraint = strings.Join(clauses, ",")

	return req, nil
}

// Normalizes a package name: lowercase, runs of "-", "_" and "." collapsed
// to a single "-".
func Normalize(name string) string {
	return sepRe.ReplaceAllString(strings.ToLower(strings.TrimSpace(name)), "-")
}

// Translates a single clause into semver syntax.
func translateClause(op, version string) (string, error) {
	if _, post := postRelease(version); post {
		return "", fmt.Errorf("post-release bound %q is not comparable", version)
	}
	switch op {
	case "===":
		return "", fmt.Errorf("arbitrary equality is not comparable")
	case "==":
		return "=" + wildcard(version), nil
	case "!=":
		return "!=" + wildcard(version), nil
	case "~=":
		upper, err := compatibleUpperBound(version)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf(">=%s, <%s", normalizeVersion(version), upper), nil
	default:
		return op + normalizeVersion(version), nil
	}
}

// Rewrites a trailing ".*" wildcard to the semver "x" form.
func wildcard(version string) string {
	if base, ok := strings.CutSuffix(version, ".*"); ok {
		return base + ".x"
	}
	return normalizeVersion(version)
}

// Returns the exclusive upper bound of a compatible-release clause: the
// last component is dropped and the new last one incremented, so "0.29.1"
// gives "0.30" and "2.2" gives "3".
func compatibleUpperBound(version string) (string, error) {
	release := strings.Split(strings.SplitN(normalizeVersion(version), "-", 2)[0], ".")
	if len(release) < 2 {
		return "", fmt.Errorf("compatible release %q needs two components", version)
	}

	release = release[:len(release)-1]
	var last int
	if _, err := fmt.Sscanf(release[len(release)-1], "%d", &last); err != nil {
		return "", err
	}
	release[len(release)-1] = fmt.Sprintf("%d", last+1)

	return strings.Join(release, "."), nil
}

// Splits a post-release ("2.9.0.post0", "1.0-1") into its release.
func postRelease(version string) (string, bool) {
	v := strings.TrimSpace(version)
	if m := postRe.FindStringSubmatch(v); m != nil {
		return m[1], true
	}
	return v, false
}

// Rewrites release-style pre-release and dev suffixes ("1.0rc1") into
// semver pre-release form ("1.0-rc1").
func normalizeVersion(version string) string {
	v := strings.TrimPrefix(strings.TrimSpace(version), "v")
	if m := preRe.FindStringSubmatch(v); m != nil {
		return m[1] + "-" + strings.ReplaceAll(m[2], ".", "")
	}
	return v
}
