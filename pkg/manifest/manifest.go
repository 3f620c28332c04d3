package manifest

import (
	"bufio"
	"bytes"
	"crypto/sha256"
	"fmt"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	internalUtils "github.com/envcore/envcore/internal/utils"
	envErrors "github.com/envcore/envcore/pkg/errors"
	"github.com/twpayne/go-vfs/v4"
)

// Entry is a single requirement from a manifest.
type Entry struct {
	Name       string   // distribution name as written, empty for bare paths/URLs
	Extras     []string // e.g. ["socks"] from requests[socks]
	Constraint string   // version spec, e.g. "==2.31.0" or ">=1.0,<2.0"
	Marker     string   // environment marker after ';', verbatim
	URL        string   // direct reference target from "name @ url"
	Editable   bool     // entry came from a -e line
	Raw        string   // the line as written
	File       string   // manifest file the entry came from
	Line       int      // 1-based line number in File
}

// Manifest is a parsed requirements file, includes flattened in.
type Manifest struct {
	Path        string
	Files       []string // every file read, root first, includes in read order
	Entries     []Entry
	Constraints []Entry  // from -c files, they pin but never install
	Options     []string // global option lines passed through to the installer
}

var (
	nameRegexp   = regexp.MustCompile(`^([A-Za-z0-9](?:[A-Za-z0-9._-]*[A-Za-z0-9])?)\s*(\[[^\]]*\])?\s*(.*)$`)
	clauseRegexp = regexp.MustCompile(`^(===|==|!=|<=|>=|~=|<|>)\s*[A-Za-z0-9v*][A-Za-z0-9._*+!-]*$`)
	normalizeRe  = regexp.MustCompile(`[-_.]+`)
)

// Canonical normalizes a distribution name the way package indexes do:
// lowercase, with runs of separators collapsed to a single dash.
func Canonical(name string) string {
	return strings.ToLower(normalizeRe.ReplaceAllString(name, "-"))
}

// Load parses the manifest at path, following -r and -c includes. Includes
// are resolved relative to the file containing them and each file is read
// once, so include loops terminate.
func Load(fsys vfs.FS, path string) (*Manifest, error) {
	m := &Manifest{Path: path}
	visited := map[string]bool{}
	if err := m.loadFile(fsys, path, visited, false); err != nil {
		return nil, err
	}

	// Installers refuse a name requested twice, catch it at parse time.
	seen := map[string]int{}
	for _, e := range m.Entries {
		if e.Name == "" {
			continue
		}
		key := Canonical(e.Name)
		if prev, dup := seen[key]; dup {
			return nil, envErrors.NewManifestParseError(e.File, e.Line,
				fmt.Errorf("double requirement given: %q already listed at line %d", e.Name, prev))
		}
		seen[key] = e.Line
	}
	return m, nil
}

func (m *Manifest) loadFile(fsys vfs.FS, path string, visited map[string]bool, asConstraint bool) error {
	clean := filepath.Clean(path)
	if visited[clean] {
		internalUtils.Log.Debug().Str("file", clean).Msg("Manifest already included, skipping")
		return nil
	}
	visited[clean] = true

	data, err := fsys.ReadFile(clean)
	if err != nil {
		return envErrors.NewManifestNotFoundError(clean, err)
	}
	m.Files = append(m.Files, clean)

	scanner := bufio.NewScanner(bytes.NewReader(data))
	var (
		lineNo    int
		cont      string
		contStart int
	)
	for scanner.Scan() {
		lineNo++
		if cont == "" {
			contStart = lineNo
		}
		full := cont + scanner.Text()
		if strings.HasSuffix(full, `\`) {
			cont = strings.TrimSuffix(full, `\`)
			continue
		}
		cont = ""
		if err := m.addLine(fsys, clean, full, contStart, visited, asConstraint); err != nil {
			return err
		}
	}
	if cont != "" {
		if err := m.addLine(fsys, clean, cont, contStart, visited, asConstraint); err != nil {
			return err
		}
	}
	return scanner.Err()
}

func (m *Manifest) addLine(fsys vfs.FS, file, line string, lineNo int, visited map[string]bool, asConstraint bool) error {
	line = strings.TrimSpace(stripComment(line))
	if line == "" {
		return nil
	}

	if strings.HasPrefix(line, "-") {
		return m.addOption(fsys, file, line, lineNo, visited, asConstraint)
	}

	entry, err := parseRequirement(line)
	if err != nil {
		return envErrors.NewManifestParseError(file, lineNo, err)
	}
	entry.File = file
	entry.Line = lineNo
	if asConstraint {
		m.Constraints = append(m.Constraints, entry)
	} else {
		m.Entries = append(m.Entries, entry)
	}
	return nil
}

func (m *Manifest) addOption(fsys vfs.FS, file, line string, lineNo int, visited map[string]bool, asConstraint bool) error {
	flag, arg := splitOption(line)
	switch flag {
	case "-r", "--requirement":
		if arg == "" {
			return envErrors.NewManifestParseError(file, lineNo, fmt.Errorf("%s needs a file argument", flag))
		}
		return m.loadFile(fsys, resolveInclude(file, arg), visited, asConstraint)
	case "-c", "--constraint":
		if arg == "" {
			return envErrors.NewManifestParseError(file, lineNo, fmt.Errorf("%s needs a file argument", flag))
		}
		return m.loadFile(fsys, resolveInclude(file, arg), visited, true)
	case "-e", "--editable":
		if asConstraint {
			return envErrors.NewManifestParseError(file, lineNo, fmt.Errorf("editable requirements are not allowed in constraint files"))
		}
		if arg == "" {
			return envErrors.NewManifestParseError(file, lineNo, fmt.Errorf("%s needs a path argument", flag))
		}
		m.Entries = append(m.Entries, Entry{Editable: true, Raw: line, File: file, Line: lineNo})
		return nil
	default:
		// Index and download options are not interpreted here, the
		// installer gets them verbatim.
		m.Options = append(m.Options, line)
		return nil
	}
}

func splitOption(line string) (flag, arg string) {
	fields := strings.Fields(line)
	flag = fields[0]
	if i := strings.Index(flag, "="); i != -1 {
		return flag[:i], flag[i+1:]
	}
	if len(fields) > 1 {
		arg = fields[1]
	}
	return flag, arg
}

func resolveInclude(from, target string) string {
	if filepath.IsAbs(target) {
		return target
	}
	return filepath.Join(filepath.Dir(from), target)
}

// stripComment removes a trailing comment. A '#' only starts a comment at
// the beginning of the line or after whitespace, so URL fragments survive.
func stripComment(line string) string {
	for i := 0; i < len(line); i++ {
		if line[i] != '#' {
			continue
		}
		if i == 0 || line[i-1] == ' ' || line[i-1] == '\t' {
			return line[:i]
		}
	}
	return line
}

func parseRequirement(line string) (Entry, error) {
	e := Entry{Raw: line}

	// Bare archive paths and URLs carry no name to parse.
	if strings.Contains(line, "://") && !strings.Contains(line, "@") {
		return e, nil
	}
	if strings.HasPrefix(line, ".") || strings.HasPrefix(line, "/") {
		return e, nil
	}

	rest := line
	if i := strings.Index(rest, ";"); i != -1 {
		e.Marker = strings.TrimSpace(rest[i+1:])
		rest = strings.TrimSpace(rest[:i])
	}

	matches := nameRegexp.FindStringSubmatch(rest)
	if matches == nil {
		return e, fmt.Errorf("cannot parse requirement %q", line)
	}
	e.Name = matches[1]
	if matches[2] != "" {
		for _, extra := range strings.Split(strings.Trim(matches[2], "[]"), ",") {
			if extra = strings.TrimSpace(extra); extra != "" {
				e.Extras = append(e.Extras, extra)
			}
		}
	}

	spec := strings.TrimSpace(matches[3])
	if strings.HasPrefix(spec, "@") {
		e.URL = strings.TrimSpace(strings.TrimPrefix(spec, "@"))
		if e.URL == "" {
			return e, fmt.Errorf("direct reference %q has no URL", line)
		}
		return e, nil
	}
	spec = strings.TrimSpace(strings.Trim(spec, "()"))
	if spec != "" {
		for _, clause := range strings.Split(spec, ",") {
			if !clauseRegexp.MatchString(strings.TrimSpace(clause)) {
				return e, fmt.Errorf("invalid version spec %q in %q", clause, line)
			}
		}
		e.Constraint = strings.ReplaceAll(spec, " ", "")
	}
	return e, nil
}

// Pinned reports whether the entry names exactly one version.
func (e Entry) Pinned() bool {
	spec := strings.TrimSpace(e.Constraint)
	if spec == "" || strings.Contains(spec, ",") {
		return false
	}
	if !strings.HasPrefix(spec, "==") {
		return false
	}
	return !strings.HasSuffix(spec, ".*")
}

// Version returns the pinned version, or empty when the entry floats.
func (e Entry) Version() string {
	if !e.Pinned() {
		return ""
	}
	return strings.TrimLeft(e.Constraint, "=")
}

// IsDirect reports whether the entry points at a path or URL rather than an
// index name. Direct entries are installed verbatim and skipped by the
// import check.
func (e Entry) IsDirect() bool {
	return e.Name == "" || e.URL != "" || e.Editable
}

// String renders the entry in normalized form, the same input always
// producing the same output. Digest depends on that.
func (e Entry) String() string {
	if e.Editable {
		return e.Raw
	}
	if e.Name == "" {
		return e.Raw
	}
	s := Canonical(e.Name)
	if len(e.Extras) > 0 {
		extras := make([]string, len(e.Extras))
		copy(extras, e.Extras)
		sort.Strings(extras)
		s += "[" + strings.Join(extras, ",") + "]"
	}
	if e.URL != "" {
		s += " @ " + e.URL
	} else if e.Constraint != "" {
		s += e.Constraint
	}
	if e.Marker != "" {
		s += "; " + e.Marker
	}
	return s
}

// Names returns the canonical names of all named entries, in manifest order.
func (m *Manifest) Names() []string {
	var names []string
	for _, e := range m.Entries {
		if e.Name != "" {
			names = append(names, Canonical(e.Name))
		}
	}
	return names
}

// Digest fingerprints the manifest content. Formatting and comments do not
// count, the same requirements always hash the same.
func (m *Manifest) Digest() string {
	h := sha256.New()
	for _, e := range m.Entries {
		fmt.Fprintln(h, e.String())
	}
	for _, c := range m.Constraints {
		fmt.Fprintln(h, "constraint:", c.String())
	}
	for _, o := range m.Options {
		fmt.Fprintln(h, "option:", o)
	}
	return fmt.Sprintf("%x", h.Sum(nil))
}
