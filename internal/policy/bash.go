package policy

import "strings"

// BashCommand is the parsed shape of a single shell clause
type BashCommand struct {
	Executable  string
	Args        []string
	HasPipe     bool
	HasSubshell bool
	HasRedirect bool
}

// Wrapper executables that defer to their first non-flag argument.
// sudo is deliberately not here: elevation is what the classifier needs
// to see.
var commandWrappers = map[string]bool{
	"env":     true,
	"nice":    true,
	"nohup":   true,
	"time":    true,
	"command": true,
}

// Wrapper flags that consume the next token as their value. A flag not
// listed here stands alone (or carries its value attached, -n10).
var wrapperValueFlags = map[string]map[string]bool{
	"env":  {"-u": true, "-S": true, "-C": true, "-P": true, "--unset": true},
	"nice": {"-n": true, "--adjustment": true},
}

// Input guard: pathological inputs are truncated instead of parsed in
// full, keeping the tokenizer linear in practice.
const maxParseLen = 128 * 1024

// ParseBashCommand tokenizes one shell clause and recovers the real
// executable behind env-var prefixes and command wrappers. It never
// returns an error; unparseable input yields an empty executable.
func ParseBashCommand(command string) *BashCommand {
	if len(command) > maxParseLen {
		command = command[:maxParseLen]
	}

	tokens, hasPipe, hasSubshell, hasRedirect := tokenize(command)

	// Strip VAR=value prefixes
	i := 0
	for i < len(tokens) && isEnvAssignment(tokens[i]) {
		i++
	}
	// Strip wrapper chains (env -i nice -n 10 nohup ...)
	for i < len(tokens) {
		tok := tokens[i]
		if commandWrappers[tok] {
			valueFlags := wrapperValueFlags[tok]
			i++
			// skip the wrapper's own flags (and their values) and, for
			// env, assignments
			for i < len(tokens) && (strings.HasPrefix(tokens[i], "-") || isEnvAssignment(tokens[i])) {
				flag := tokens[i]
				i++
				if valueFlags[flag] && i < len(tokens) {
					i++
				}
			}
			continue
		}
		break
	}

	cmd := &BashCommand{
		HasPipe:     hasPipe,
		HasSubshell: hasSubshell,
		HasRedirect: hasRedirect,
	}
	if i < len(tokens) {
		cmd.Executable = baseName(tokens[i])
		cmd.Args = tokens[i+1:]
	}
	return cmd
}

// SplitClauses splits a command on unquoted &&, ||, ; and newlines.
// A pipeline stays a single clause; SplitPipeline breaks it further.
func SplitClauses(command string) []string {
	if len(command) > maxParseLen {
		command = command[:maxParseLen]
	}

	var clauses []string
	var cur strings.Builder
	inSingle, inDouble, escaped := false, false, false

	flush := func() {
		s := strings.TrimSpace(cur.String())
		if s != "" {
			clauses = append(clauses, s)
		}
		cur.Reset()
	}

	for i := 0; i < len(command); i++ {
		c := command[i]
		if escaped {
			cur.WriteByte(c)
			escaped = false
			continue
		}
		switch {
		case c == '\\' && !inSingle:
			cur.WriteByte(c)
			escaped = true
		case c == '\'' && !inDouble:
			inSingle = !inSingle
			cur.WriteByte(c)
		case c == '"' && !inSingle:
			inDouble = !inDouble
			cur.WriteByte(c)
		case !inSingle && !inDouble && (c == ';' || c == '\n'):
			flush()
		case !inSingle && !inDouble && c == '&' && i+1 < len(command) && command[i+1] == '&':
			flush()
			i++
		case !inSingle && !inDouble && c == '|' && i+1 < len(command) && command[i+1] == '|':
			flush()
			i++
		default:
			cur.WriteByte(c)
		}
	}
	flush()
	return clauses
}

// SplitPipeline splits one clause on unquoted single pipes
func SplitPipeline(clause string) []string {
	var segments []string
	var cur strings.Builder
	inSingle, inDouble, escaped := false, false, false

	flush := func() {
		s := strings.TrimSpace(cur.String())
		if s != "" {
			segments = append(segments, s)
		}
		cur.Reset()
	}

	for i := 0; i < len(clause); i++ {
		c := clause[i]
		if escaped {
			cur.WriteByte(c)
			escaped = false
			continue
		}
		switch {
		case c == '\\' && !inSingle:
			cur.WriteByte(c)
			escaped = true
		case c == '\'' && !inDouble:
			inSingle = !inSingle
			cur.WriteByte(c)
		case c == '"' && !inSingle:
			inDouble = !inDouble
			cur.WriteByte(c)
		case !inSingle && !inDouble && c == '|':
			flush()
		default:
			cur.WriteByte(c)
		}
	}
	flush()
	return segments
}

// tokenize splits a clause into words, honoring quotes and escapes, and
// flags pipes, subshells, and redirects seen outside quotes.
func tokenize(command string) (tokens []string, hasPipe, hasSubshell, hasRedirect bool) {
	var cur strings.Builder
	inSingle, inDouble, escaped := false, false, false
	started := false

	flush := func() {
		if started {
			tokens = append(tokens, cur.String())
			cur.Reset()
			started = false
		}
	}

	for i := 0; i < len(command); i++ {
		c := command[i]
		if escaped {
			cur.WriteByte(c)
			started = true
			escaped = false
			continue
		}
		switch {
		case c == '\\' && !inSingle:
			escaped = true
		case c == '\'' && !inDouble:
			inSingle = !inSingle
			started = true
		case c == '"' && !inSingle:
			inDouble = !inDouble
			started = true
		case inSingle || inDouble:
			cur.WriteByte(c)
			started = true
		case c == '|':
			hasPipe = true
			flush()
		case c == '$' && i+1 < len(command) && command[i+1] == '(':
			hasSubshell = true
			cur.WriteByte(c)
			started = true
		case c == '`':
			hasSubshell = true
		case c == '>' || c == '<':
			hasRedirect = true
			flush()
		case c == ' ' || c == '\t' || c == '\n':
			flush()
		default:
			cur.WriteByte(c)
			started = true
		}
	}
	flush()
	return tokens, hasPipe, hasSubshell, hasRedirect
}

// isEnvAssignment reports whether a token is a VAR=value prefix
func isEnvAssignment(tok string) bool {
	eq := strings.IndexByte(tok, '=')
	if eq <= 0 {
		return false
	}
	for i := 0; i < eq; i++ {
		c := tok[i]
		if !(c >= 'A' && c <= 'Z' || c >= 'a' && c <= 'z' || c >= '0' && c <= '9' || c == '_') {
			return false
		}
	}
	// must not start with a digit
	c := tok[0]
	return !(c >= '0' && c <= '9')
}

// baseName strips a path prefix from an executable token
func baseName(tok string) string {
	if idx := strings.LastIndexByte(tok, '/'); idx >= 0 {
		return tok[idx+1:]
	}
	return tok
}
