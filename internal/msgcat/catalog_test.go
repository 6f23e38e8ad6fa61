package msgcat

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestDefaultRendersGuardPrompt(t *testing.T) {
	c := Default()
	out, err := c.Render("guard.exit_prompt", map[string]any{"Sessions": []string{"g1", "g2"}})
	if err != nil { t.Fatalf("Render: %v", err) }
	if !strings.Contains(out, "g1, g2") || !strings.Contains(out, "them") {
		t.Fatalf("unexpected prompt: %q", out)
	}
}

func TestRenderMissingKey(t *testing.T) {
	c := Default()
	if _, err := c.Render("nope.missing", nil); err == nil { t.Fatalf("expected error for missing key") }
	if got := c.RenderOr("nope.missing", nil, "fallback"); got != "fallback" { t.Fatalf("got %q", got) }
	if _, err := c.Render("clock.timeout", map[string]any{}); err == nil { t.Fatalf("expected error for missing field") }
}

func TestOverrideDir(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "a.yaml"), []byte("clock:\n  timeout: \"{{.Side}} flagged\"\n"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	c, err := New(dir)
	if err != nil { t.Fatalf("New: %v", err) }
	out, err := c.Render("clock.timeout", map[string]string{"Side": "white"})
	if err != nil { t.Fatalf("Render: %v", err) }
	if out != "white flagged" { t.Fatalf("got %q", out) }
	if !c.Has("move.rejected") { t.Fatalf("embedded keys should survive overrides") }
}

func TestOverrideDuplicateKeys(t *testing.T) {
	dir := t.TempDir()
	body := []byte("move:\n  rejected: x\n")
	_ = os.WriteFile(filepath.Join(dir, "a.yaml"), body, 0o600)
	_ = os.WriteFile(filepath.Join(dir, "b.yml"), body, 0o600)
	if _, err := New(dir); err == nil { t.Fatalf("expected duplicate key error") }
}

func TestBrokenOverrideFailsAtLoad(t *testing.T) {
	dir := t.TempDir()
	_ = os.WriteFile(filepath.Join(dir, "a.yaml"), []byte("move:\n  rejected: \"{{.Reason\"\n"), 0o600)
	_, err := New(dir)
	if err == nil || !strings.Contains(err.Error(), "move.rejected") {
		t.Fatalf("expected parse error naming the key, got %v", err)
	}
}

func TestLocaleFallsBackToEnglish(t *testing.T) {
	c, err := New("", WithLang("KO"))
	if err != nil { t.Fatalf("New: %v", err) }
	if c.Lang() != "ko" { t.Fatalf("lang=%q", c.Lang()) }

	out, err := c.Render("clock.timeout", map[string]string{"Side": "white"})
	if err != nil { t.Fatalf("Render: %v", err) }
	if out != "white 시간 초과" { t.Fatalf("got %q", out) }

	// not translated
	out, err = c.Render("compute.superseded", nil)
	if err != nil { t.Fatalf("Render: %v", err) }
	if !strings.Contains(out, "position already advanced") { t.Fatalf("got %q", out) }
}

func TestUnknownLang(t *testing.T) {
	_, err := New("", WithLang("xx"))
	if !errors.Is(err, ErrUnknownLang) { t.Fatalf("got %v", err) }
	langs := Langs()
	if len(langs) != 2 || langs[0] != "en" || langs[1] != "ko" { t.Fatalf("langs=%v", langs) }
}

func TestSetDefault(t *testing.T) {
	ko, err := New("", WithLang("ko"))
	if err != nil { t.Fatalf("New: %v", err) }
	restore := SetDefault(ko)
	if Default() != ko { t.Fatalf("SetDefault not applied") }
	restore()
	if Default() == ko { t.Fatalf("restore did not reset") }
	if Default().Lang() != DefaultLang { t.Fatalf("lang=%q", Default().Lang()) }
}
