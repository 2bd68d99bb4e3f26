package cli

import (
	"bytes"
	"strings"
	"testing"
)

func newTestPrompter(input string) (*Prompter, *bytes.Buffer) {
	out := &bytes.Buffer{}
	return &Prompter{
		In:  strings.NewReader(input),
		Out: out,
	}, out
}

func TestAskPort_RetriesOutOfRange(t *testing.T) {
	p, out := newTestPrompter("70000\nabc\n8883\n")
	got := p.AskPort("Port", 1883)
	if got != 8883 {
		t.Errorf("AskPort() = %d, want %d", got, 8883)
	}
	if n := strings.Count(out.String(), "between 1 and 65535"); n != 2 {
		t.Errorf("expected 2 retry hints, got %d", n)
	}
}

func TestAskPort_DefaultOnEOF(t *testing.T) {
	p, _ := newTestPrompter("")
	if got := p.AskPort("Port", 1883); got != 1883 {
		t.Errorf("AskPort() = %d, want %d", got, 1883)
	}
}

func TestAskPort_DefaultOnEmpty(t *testing.T) {
	p, _ := newTestPrompter("\n")
	if got := p.AskPort("Port", 1883); got != 1883 {
		t.Errorf("AskPort() = %d, want %d", got, 1883)
	}
}

func TestChoose_DriverSelection(t *testing.T) {
	drivers := []string{"sqlite", "postgres"}
	cases := []struct {
		name, input string
		defaultIdx  int
		want        string
	}{
		{"by number", "2\n", 0, "postgres"},
		{"by name", "Postgres\n", 0, "postgres"},
		{"default", "\n", 1, "postgres"},
		{"default on EOF", "", 0, "sqlite"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p, _ := newTestPrompter(tc.input)
			if got := p.Choose("Driver", drivers, tc.defaultIdx); got != tc.want {
				t.Errorf("Choose() = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestChoose_InvalidThenValid(t *testing.T) {
	p, out := newTestPrompter("9\n1\n")
	got := p.Choose("Driver", []string{"sqlite", "postgres"}, 1)
	if got != "sqlite" {
		t.Errorf("Choose() = %q, want %q", got, "sqlite")
	}
	if !strings.Contains(out.String(), "between 1 and 2") {
		t.Error("expected retry hint")
	}
}

func TestAsk(t *testing.T) {
	cases := map[string]string{
		"./data\n": "./data",
		"\n":       "./uploads",
		"   \n":    "./uploads",
		"":         "./uploads",
	}
	for input, want := range cases {
		p, _ := newTestPrompter(input)
		if got := p.Ask("Upload directory", "./uploads"); got != want {
			t.Errorf("Ask(%q) = %q, want %q", input, got, want)
		}
	}
}

func TestAskPassword_NotATerminal(t *testing.T) {
	p, _ := newTestPrompter("secret123\n")
	if got := p.AskPassword("Broker password"); got != "secret123" {
		t.Errorf("AskPassword() = %q, want %q", got, "secret123")
	}
}

func TestConfirm(t *testing.T) {
	cases := []struct {
		input      string
		defaultYes bool
		want       bool
	}{
		{"y\n", false, true},
		{"yes\n", false, true},
		{"n\n", true, false},
		{"\n", true, true},
		{"\n", false, false},
	}
	for _, tc := range cases {
		p, _ := newTestPrompter(tc.input)
		if got := p.Confirm("Mirror rooms?", tc.defaultYes); got != tc.want {
			t.Errorf("Confirm(%q, default %v) = %v, want %v", tc.input, tc.defaultYes, got, tc.want)
		}
	}
}
