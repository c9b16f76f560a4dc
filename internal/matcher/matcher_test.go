package matcher

import "testing"

func TestLiteralMatch(t *testing.T) {
	m, err := New(ModeLiteral, "etc/passwd")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if !m.Match("etc/passwd") {
		t.Fatal("expected exact literal match")
	}
	if m.Match("etc/passwd2") {
		t.Fatal("literal mode must not match a superstring")
	}
}

func TestGlobMatch(t *testing.T) {
	m, err := New(ModeGlob, "etc/*.conf")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if !m.Match("etc/app.conf") {
		t.Fatal("expected glob match")
	}
	if m.Match("var/app.conf") {
		t.Fatal("glob must not match outside etc/")
	}
}

func TestRegexMatch(t *testing.T) {
	m, err := New(ModeRegex, `^home/[^/]+/\.bashrc$`)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if !m.Match("home/alice/.bashrc") {
		t.Fatal("expected regex match")
	}
	if m.Match("home/alice/bob/.bashrc") {
		t.Fatal("regex must anchor to a single path segment")
	}
}

func TestRegexCompileError(t *testing.T) {
	if _, err := New(ModeRegex, "("); err == nil {
		t.Fatal("expected a compile error for unbalanced parens")
	}
}

func TestEmptyPatternMatchesEverything(t *testing.T) {
	m, err := New(ModeGlob, "")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if !m.Match("anything/at/all") {
		t.Fatal("empty pattern should select every entry")
	}
}

func TestMatchAll(t *testing.T) {
	m := MatchAll()
	if !m.Match("") || !m.Match("deep/nested/path") {
		t.Fatal("MatchAll must select every name, including the empty one")
	}
}
