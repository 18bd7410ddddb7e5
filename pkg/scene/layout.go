package scene

import (
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
)

// Default archive layouts.
const (
	DefaultLayout          = "{sensor}/{level}/{year}/{doy}/{filename}"
	DefaultCompositeLayout = "{sensor}/{level}/{composite}/{year}/{doy}/{filename}"
)

type layoutPart interface {
	append(dst *strings.Builder, k Key) error
}

type literal string

func (p literal) append(dst *strings.Builder, _ Key) error {
	dst.WriteString(string(p))
	return nil
}

type field func(Key) (string, error)

func (f field) append(dst *strings.Builder, k Key) error {
	v, err := f(k)
	if err != nil {
		return err
	}
	dst.WriteString(v)
	return nil
}

func required(name string, get func(Key) string) field {
	return func(k Key) (string, error) {
		v := get(k)
		if v == "" {
			return "", fmt.Errorf("{%s} is empty for %s", name, k)
		}
		return v, nil
	}
}

var placeholders = map[string]field{
	"sensor":      required("sensor", func(k Key) string { return k.Sensor.Name() }),
	"sensor_code": required("sensor_code", func(k Key) string { return string(k.Sensor) }),
	"level":       required("level", func(k Key) string { return string(k.Level) }),
	"composite":   required("composite", func(k Key) string { return k.Composite }),
	"suite":       required("suite", func(k Key) string { return k.Suite }),
	"variable":    required("variable", func(k Key) string { return k.Variable }),
	"year":        func(k Key) (string, error) { return strconv.Itoa(k.Time.UTC().Year()), nil },
	"doy":         func(k Key) (string, error) { return fmt.Sprintf("%03d", k.DOY()), nil },
	"filename":    Filename,
}

// Template renders a relative path from a Key.
//
// Supported placeholders: {sensor}, {sensor_code}, {level}, {composite},
// {suite}, {variable}, {year}, {doy}, {filename}.
type Template struct {
	raw   string
	parts []layoutPart
}

// CompileTemplate parses a template string.
func CompileTemplate(template string) (*Template, error) {
	if strings.TrimSpace(template) == "" {
		return nil, fmt.Errorf("empty template")
	}
	var parts []layoutPart
	s := template
	for len(s) > 0 {
		open := strings.IndexByte(s, '{')
		if open == -1 {
			parts = append(parts, literal(s))
			break
		}
		if open > 0 {
			parts = append(parts, literal(s[:open]))
			s = s[open:]
		}
		end := strings.IndexByte(s, '}')
		if end == -1 {
			return nil, fmt.Errorf("unclosed placeholder in %q", template)
		}
		name := s[1:end]
		s = s[end+1:]
		f, ok := placeholders[name]
		if !ok {
			return nil, fmt.Errorf("unsupported placeholder {%s}", name)
		}
		parts = append(parts, f)
	}
	return &Template{raw: template, parts: parts}, nil
}

// MustCompileTemplate is CompileTemplate for package-level defaults.
func MustCompileTemplate(template string) *Template {
	t, err := CompileTemplate(template)
	if err != nil {
		panic(err)
	}
	return t
}

// Apply renders the template for k.
func (t *Template) Apply(k Key) (string, error) {
	var b strings.Builder
	for _, p := range t.parts {
		if err := p.append(&b, k); err != nil {
			return "", err
		}
	}
	out := strings.TrimPrefix(strings.ReplaceAll(b.String(), "//", "/"), "/")
	if out == "" {
		return "", fmt.Errorf("template %q produced an empty path for %s", t.raw, k)
	}
	return out, nil
}

func (t *Template) String() string { return t.raw }

// Resolver maps keys to locations in an archive.
type Resolver interface {
	Path(k Key) (string, error)
	Dir(k Key) (string, error)
}

// Layout is the default Resolver: a data root plus one template for
// composite levels and one for everything else. Building paths performs
// no filesystem access.
type Layout struct {
	Root      string
	Scene     *Template
	Composite *Template
}

// NewLayout returns a Layout using the default templates.
func NewLayout(root string) *Layout {
	return &Layout{
		Root:      root,
		Scene:     MustCompileTemplate(DefaultLayout),
		Composite: MustCompileTemplate(DefaultCompositeLayout),
	}
}

// Path returns the absolute archive path for k.
func (l *Layout) Path(k Key) (string, error) {
	tmpl := l.Scene
	if k.Level == L3m {
		tmpl = l.Composite
	}
	rel, err := tmpl.Apply(k)
	if err != nil {
		return "", err
	}
	return filepath.Join(l.Root, filepath.FromSlash(rel)), nil
}

// Dir returns the directory k's file lives in.
func (l *Layout) Dir(k Key) (string, error) {
	p, err := l.Path(k)
	if err != nil {
		return "", err
	}
	return filepath.Dir(p), nil
}

// Locate parses a path under Root back into a Key. Only the filename is
// consulted.
func (l *Layout) Locate(path string) (Key, error) {
	return ParseFilename(filepath.ToSlash(path))
}
