package build

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"strings"
)

// Instruction is one Dockerfile step with continuations already joined.
type Instruction struct {
	// Cmd is the canonical upper-case instruction name.
	Cmd string
	// Args is the argument text following the instruction name.
	Args string
	// List holds the elements when the arguments were a JSON array
	// (exec form). Nil for shell form.
	List []string
	// Raw is the instruction as written, used for step logging and cache
	// keys.
	Raw string
	// Line is the first source line of the instruction.
	Line int
}

// JSONForm reports whether the instruction used the JSON array form.
func (i Instruction) JSONForm() bool { return i.List != nil }

var knownInstructions = map[string]bool{
	"FROM": true, "RUN": true, "COPY": true, "ADD": true, "ENV": true,
	"WORKDIR": true, "CMD": true, "ENTRYPOINT": true, "EXPOSE": true,
	"USER": true, "LABEL": true, "ARG": true, "VOLUME": true,
}

// Parse reads a Dockerfile. Comment lines start with #, a trailing backslash
// continues an instruction on the next line, and comment lines inside a
// continuation are skipped the way docker build skips them.
func Parse(r io.Reader) ([]Instruction, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	var instructions []Instruction
	var pending strings.Builder
	pendingLine := 0
	lineNo := 0

	flush := func() error {
		if pending.Len() == 0 {
			return nil
		}
		text := strings.TrimSpace(pending.String())
		pending.Reset()
		if text == "" {
			return nil
		}
		inst, err := parseInstruction(text, pendingLine)
		if err != nil {
			return err
		}
		instructions = append(instructions, inst)
		return nil
	}

	for scanner.Scan() {
		lineNo++
		line := scanner.Text()
		trimmed := strings.TrimSpace(line)

		if strings.HasPrefix(trimmed, "#") {
			continue
		}
		if trimmed == "" {
			if err := flush(); err != nil {
				return nil, err
			}
			continue
		}

		if pending.Len() == 0 {
			pendingLine = lineNo
		} else {
			pending.WriteByte(' ')
		}

		if strings.HasSuffix(trimmed, "\\") {
			pending.WriteString(strings.TrimSpace(strings.TrimSuffix(trimmed, "\\")))
			continue
		}
		pending.WriteString(trimmed)
		if err := flush(); err != nil {
			return nil, err
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read Dockerfile: %w", err)
	}
	if err := flush(); err != nil {
		return nil, err
	}

	if len(instructions) == 0 {
		return nil, fmt.Errorf("Dockerfile contains no instructions")
	}
	return instructions, nil
}

func parseInstruction(text string, line int) (Instruction, error) {
	name := text
	args := ""
	if idx := strings.IndexAny(text, " \t"); idx >= 0 {
		name = text[:idx]
		args = strings.TrimSpace(text[idx+1:])
	}

	cmd := strings.ToUpper(name)
	if !knownInstructions[cmd] {
		return Instruction{}, fmt.Errorf("line %d: unknown instruction %s", line, name)
	}
	if args == "" {
		return Instruction{}, fmt.Errorf("line %d: %s requires arguments", line, cmd)
	}

	inst := Instruction{Cmd: cmd, Args: args, Raw: text, Line: line}

	// A leading bracket is the JSON array (exec) form. Anything that fails
	// to decode falls back to shell form, matching docker's parser.
	if strings.HasPrefix(args, "[") {
		var list []string
		if err := json.Unmarshal([]byte(args), &list); err == nil {
			inst.List = list
		}
	}
	return inst, nil
}

// splitFields splits on unquoted whitespace. Quoted segments stay intact and
// lose their quotes; backslash escapes the next byte outside single quotes.
func splitFields(s string) ([]string, error) {
	var fields []string
	var current strings.Builder
	var quote byte
	escaped := false

	flush := func() {
		if current.Len() > 0 {
			fields = append(fields, current.String())
			current.Reset()
		}
	}

	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case escaped:
			current.WriteByte(c)
			escaped = false
		case c == '\\' && quote != '\'':
			escaped = true
		case quote != 0:
			if c == quote {
				quote = 0
			} else {
				current.WriteByte(c)
			}
		case c == '"' || c == '\'':
			quote = c
		case c == ' ' || c == '\t':
			flush()
		default:
			current.WriteByte(c)
		}
	}
	if quote != 0 {
		return nil, fmt.Errorf("unterminated quote in %q", s)
	}
	if escaped {
		return nil, fmt.Errorf("trailing escape in %q", s)
	}
	flush()
	return fields, nil
}

// parsePairs handles the key=value list form used by ENV and LABEL, plus the
// legacy single-pair form where everything after the key is the value.
func parsePairs(args string) (map[string]string, []string, error) {
	fields, err := splitFields(args)
	if err != nil {
		return nil, nil, err
	}
	if len(fields) == 0 {
		return nil, nil, fmt.Errorf("expected key=value pairs in %q", args)
	}

	pairs := make(map[string]string)
	var order []string

	if !strings.Contains(fields[0], "=") {
		// Legacy form: ENV key value with spaces.
		idx := strings.IndexAny(args, " \t")
		if idx < 0 {
			return nil, nil, fmt.Errorf("%q needs a value", args)
		}
		key := args[:idx]
		pairs[key] = strings.TrimSpace(args[idx+1:])
		return pairs, []string{key}, nil
	}

	for _, field := range fields {
		eq := strings.IndexByte(field, '=')
		if eq <= 0 {
			return nil, nil, fmt.Errorf("invalid key=value pair %q", field)
		}
		key := field[:eq]
		if _, dup := pairs[key]; !dup {
			order = append(order, key)
		}
		pairs[key] = field[eq+1:]
	}
	return pairs, order, nil
}
