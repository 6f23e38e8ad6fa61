package msgcat

import (
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"text/template"

	yaml "gopkg.in/yaml.v3"
)

// DefaultLang is the locale every other locale falls back to.
const DefaultLang = "en"

//go:embed messages.*.yaml
var embedded embed.FS

// Catalog holds parsed message templates keyed by flattened dot-keys
// (guard.exit_prompt, move.rejected, ...). Templates are parsed at load time,
// so a broken override fails New instead of the first Render.
type Catalog struct {
	lang string

	mu   sync.RWMutex
	tpls map[string]*template.Template
}

type Option func(*loadOptions)

type loadOptions struct {
	lang string
}

// WithLang selects an embedded locale. Keys it lacks fall back to DefaultLang.
func WithLang(lang string) Option {
	return func(o *loadOptions) { o.lang = strings.ToLower(strings.TrimSpace(lang)) }
}

var ErrUnknownLang = errors.New("msgcat: unknown language")

// New builds a catalog from the embedded locale files and then applies
// *.yaml/*.yml overrides from overrideDir when it is set.
func New(overrideDir string, opts ...Option) (*Catalog, error) {
	o := loadOptions{lang: DefaultLang}
	for _, opt := range opts {
		opt(&o)
	}
	if o.lang == "" {
		o.lang = DefaultLang
	}

	c := &Catalog{lang: o.lang, tpls: make(map[string]*template.Template)}
	if err := c.loadLocale(DefaultLang); err != nil {
		return nil, err
	}
	if o.lang != DefaultLang {
		if err := c.loadLocale(o.lang); err != nil {
			return nil, err
		}
	}
	if dir := strings.TrimSpace(overrideDir); dir != "" {
		if err := c.applyDir(dir); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// Langs lists the embedded locales.
func Langs() []string {
	matches, _ := fs.Glob(embedded, "messages.*.yaml")
	out := make([]string, 0, len(matches))
	for _, m := range matches {
		out = append(out, strings.TrimSuffix(strings.TrimPrefix(path.Base(m), "messages."), ".yaml"))
	}
	sort.Strings(out)
	return out
}

// Lang returns the locale the catalog was built for.
func (c *Catalog) Lang() string { return c.lang }

func (c *Catalog) loadLocale(lang string) error {
	raw, err := fs.ReadFile(embedded, "messages."+lang+".yaml")
	if errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%w: %s", ErrUnknownLang, lang)
	}
	if err != nil {
		return fmt.Errorf("read embedded messages: %w", err)
	}
	flat, err := flattenYAML(raw)
	if err != nil {
		return fmt.Errorf("messages.%s.yaml: %w", lang, err)
	}
	return c.install(flat, "messages."+lang+".yaml")
}

func (c *Catalog) applyDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("read override dir: %w", err)
	}
	var files []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(e.Name())) {
		case ".yaml", ".yml":
			files = append(files, e.Name())
		}
	}
	sort.Strings(files)

	owner := make(map[string]string)
	for _, name := range files {
		raw, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return fmt.Errorf("read %s: %w", name, err)
		}
		flat, err := flattenYAML(raw)
		if err != nil {
			return fmt.Errorf("parse %s: %w", name, err)
		}
		for k := range flat {
			if prev, ok := owner[k]; ok {
				return fmt.Errorf("duplicate override key %q in %s and %s", k, prev, name)
			}
			owner[k] = name
		}
		if err := c.install(flat, name); err != nil {
			return err
		}
	}
	return nil
}

// install parses every template before swapping any in.
func (c *Catalog) install(flat map[string]string, source string) error {
	parsed := make(map[string]*template.Template, len(flat))
	for k, text := range flat {
		if strings.TrimSpace(text) == "" {
			continue
		}
		t, err := template.New(k).Option("missingkey=error").Parse(text)
		if err != nil {
			return fmt.Errorf("%s: key %s: %w", source, k, err)
		}
		parsed[k] = t
	}
	c.mu.Lock()
	for k, t := range parsed {
		c.tpls[k] = t
	}
	c.mu.Unlock()
	return nil
}

func flattenYAML(raw []byte) (map[string]string, error) {
	var root map[string]any
	if err := yaml.Unmarshal(raw, &root); err != nil {
		return nil, err
	}
	out := make(map[string]string)
	if err := flatten(root, "", out); err != nil {
		return nil, err
	}
	return out, nil
}

func flatten(node any, prefix string, out map[string]string) error {
	switch v := node.(type) {
	case map[string]any:
		for k, child := range v {
			key := k
			if prefix != "" {
				key = prefix + "." + k
			}
			if err := flatten(child, key, out); err != nil {
				return err
			}
		}
	case string:
		if prefix == "" {
			return errors.New("string value without key")
		}
		out[prefix] = v
	case nil:
	default:
		return fmt.Errorf("unsupported value at %s: %T", prefix, v)
	}
	return nil
}

// Render executes the template stored under key. Unknown keys and missing
// data fields are errors; use RenderOr when a fallback is acceptable.
func (c *Catalog) Render(key string, data any) (string, error) {
	c.mu.RLock()
	t, ok := c.tpls[strings.TrimSpace(key)]
	c.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("template not found: %s", key)
	}
	var b strings.Builder
	if err := t.Execute(&b, data); err != nil {
		return "", err
	}
	return b.String(), nil
}

// RenderOr renders key and returns fallback when the key is missing or fails to render.
func (c *Catalog) RenderOr(key string, data any, fallback string) string {
	if c == nil {
		return fallback
	}
	out, err := c.Render(key, data)
	if err != nil || strings.TrimSpace(out) == "" {
		return fallback
	}
	return out
}

func (c *Catalog) Has(key string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.tpls[strings.TrimSpace(key)]
	return ok
}

var (
	defaultMu  sync.RWMutex
	defaultCat *Catalog
)

// Default returns the process-wide catalog: the one passed to SetDefault, or
// the embedded English messages.
func Default() *Catalog {
	defaultMu.RLock()
	c := defaultCat
	defaultMu.RUnlock()
	if c != nil {
		return c
	}

	defaultMu.Lock()
	defer defaultMu.Unlock()
	if defaultCat == nil {
		built, err := New("")
		if err != nil {
			panic(fmt.Sprintf("msgcat: embedded catalog: %v", err))
		}
		defaultCat = built
	}
	return defaultCat
}

// SetDefault replaces the process-wide catalog and returns a func restoring
// the previous one. A nil c resets to the embedded messages.
func SetDefault(c *Catalog) (restore func()) {
	defaultMu.Lock()
	prev := defaultCat
	defaultCat = c
	defaultMu.Unlock()
	return func() {
		defaultMu.Lock()
		defaultCat = prev
		defaultMu.Unlock()
	}
}
