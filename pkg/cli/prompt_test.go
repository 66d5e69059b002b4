package cli

import (
	"bytes"
	"strings"
	"testing"
)

func newTestPrompter(input string) (*Prompter, *bytes.Buffer) {
	out := &bytes.Buffer{}
	return &Prompter{In: strings.NewReader(input), Out: out}, out
}

func TestAsk(t *testing.T) {
	cases := []struct {
		name       string
		input      string
		defaultVal string
		want       string
	}{
		{"typed answer", "hello\n", "default", "hello"},
		{"empty uses default", "\n", "fallback", "fallback"},
		{"whitespace uses default", "   \n", "fallback", "fallback"},
		{"no trailing newline", "hello", "default", "hello"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p, _ := newTestPrompter(tc.input)
			if got := p.Ask("Name", tc.defaultVal); got != tc.want {
				t.Errorf("Ask() = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestAskSequential(t *testing.T) {
	p, _ := newTestPrompter("first\nsecond\n")
	if got := p.Ask("One", ""); got != "first" {
		t.Errorf("first Ask() = %q, want %q", got, "first")
	}
	if got := p.Ask("Two", ""); got != "second" {
		t.Errorf("second Ask() = %q, want %q", got, "second")
	}
}

func TestAskPasswordFallback(t *testing.T) {
	// Not a real terminal, so it falls back to a plain line read.
	p, _ := newTestPrompter("secret123\n")
	if got := p.AskPassword("Password"); got != "secret123" {
		t.Errorf("AskPassword() = %q, want %q", got, "secret123")
	}
}

func TestChoose(t *testing.T) {
	options := []string{"alpha", "beta", "gamma"}

	p, _ := newTestPrompter("2\n")
	if got := p.Choose("Pick one", options, 0); got != "beta" {
		t.Errorf("Choose() = %q, want %q", got, "beta")
	}

	p, _ = newTestPrompter("\n")
	if got := p.Choose("Pick one", options, 1); got != "beta" {
		t.Errorf("Choose() default = %q, want %q", got, "beta")
	}
}

func TestChooseRejectsOutOfRange(t *testing.T) {
	p, out := newTestPrompter("9\n1\n")
	options := []string{"alpha", "beta"}
	if got := p.Choose("Pick one", options, 0); got != "alpha" {
		t.Errorf("Choose() = %q, want %q", got, "alpha")
	}
	if !strings.Contains(out.String(), "between 1 and 2") {
		t.Error("expected re-prompt message after out-of-range choice")
	}
}

func TestConfirm(t *testing.T) {
	cases := []struct {
		name       string
		input      string
		defaultYes bool
		want       bool
	}{
		{"yes", "y\n", false, true},
		{"yes word", "yes\n", false, true},
		{"no", "n\n", true, false},
		{"default yes", "\n", true, true},
		{"default no", "\n", false, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p, _ := newTestPrompter(tc.input)
			if got := p.Confirm("Continue?", tc.defaultYes); got != tc.want {
				t.Errorf("Confirm() = %v, want %v", got, tc.want)
			}
		})
	}
}
