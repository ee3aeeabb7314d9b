package build

import (
	"reflect"
	"strings"
	"testing"
)

func TestParse(t *testing.T) {
	dockerfile := `
# build the service
FROM alpine:3.19

ENV PORT=8080 \
    MODE=server

RUN apk add --no-cache \
    # tools the build needs
    curl \
    git

COPY . /app
CMD ["/app/serve", "--port", "8080"]
`
	instructions, err := Parse(strings.NewReader(dockerfile))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}

	cmds := make([]string, 0, len(instructions))
	for _, inst := range instructions {
		cmds = append(cmds, inst.Cmd)
	}
	want := []string{"FROM", "ENV", "RUN", "COPY", "CMD"}
	if !reflect.DeepEqual(cmds, want) {
		t.Fatalf("instructions = %v, want %v", cmds, want)
	}

	if instructions[1].Args != "PORT=8080 MODE=server" {
		t.Errorf("continuation not joined: %q", instructions[1].Args)
	}
	if instructions[2].Args != "apk add --no-cache curl git" {
		t.Errorf("comment inside continuation not skipped: %q", instructions[2].Args)
	}
	if instructions[3].JSONForm() {
		t.Error("COPY without brackets should be shell form")
	}
	if !instructions[4].JSONForm() {
		t.Fatal("CMD with a JSON array should be exec form")
	}
	if !reflect.DeepEqual(instructions[4].List, []string{"/app/serve", "--port", "8080"}) {
		t.Errorf("CMD list = %v", instructions[4].List)
	}
}

func TestParseShellFormFallback(t *testing.T) {
	// Bracketed text that is not valid JSON stays shell form.
	instructions, err := Parse(strings.NewReader("FROM scratch\nRUN [ -f /etc/hosts ] && echo ok\n"))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	run := instructions[1]
	if run.JSONForm() {
		t.Error("shell test expression misparsed as exec form")
	}
	if run.Args != "[ -f /etc/hosts ] && echo ok" {
		t.Errorf("Args = %q", run.Args)
	}
}

func TestParseErrors(t *testing.T) {
	cases := map[string]string{
		"unknown instruction": "FROM scratch\nBUILD thing\n",
		"missing arguments":   "FROM\n",
		"empty file":          "# nothing here\n",
	}
	for name, content := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := Parse(strings.NewReader(content)); err == nil {
				t.Error("expected a parse error")
			}
		})
	}
}

func TestSplitFields(t *testing.T) {
	tests := []struct {
		in   string
		want []string
	}{
		{`a b c`, []string{"a", "b", "c"}},
		{`key="two words" other=plain`, []string{"key=two words", "other=plain"}},
		{`'single quoted' rest`, []string{"single quoted", "rest"}},
		{`esc\ aped`, []string{"esc aped"}},
	}
	for _, tt := range tests {
		got, err := splitFields(tt.in)
		if err != nil {
			t.Fatalf("splitFields(%q) failed: %v", tt.in, err)
		}
		if !reflect.DeepEqual(got, tt.want) {
			t.Errorf("splitFields(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}

	if _, err := splitFields(`"unterminated`); err == nil {
		t.Error("expected an error for an unterminated quote")
	}
}

func TestParsePairs(t *testing.T) {
	t.Run("key=value list", func(t *testing.T) {
		pairs, order, err := parsePairs(`A=1 B="with space" C=`)
		if err != nil {
			t.Fatalf("parsePairs failed: %v", err)
		}
		if !reflect.DeepEqual(order, []string{"A", "B", "C"}) {
			t.Errorf("order = %v", order)
		}
		if pairs["B"] != "with space" || pairs["C"] != "" {
			t.Errorf("pairs = %v", pairs)
		}
	})

	t.Run("legacy space form", func(t *testing.T) {
		pairs, order, err := parsePairs(`JAVA_HOME /usr/lib/jvm/default`)
		if err != nil {
			t.Fatalf("parsePairs failed: %v", err)
		}
		if len(order) != 1 || pairs["JAVA_HOME"] != "/usr/lib/jvm/default" {
			t.Errorf("pairs = %v order = %v", pairs, order)
		}
	})
}
