package policy

import (
	"strings"
	"testing"
	"time"
)

func TestParseBashCommand(t *testing.T) {
	tests := []struct {
		name       string
		command    string
		executable string
		hasPipe    bool
	}{
		{"plain", "ls -la /tmp", "ls", false},
		{"env prefix stripped", "FOO=bar BAZ=qux git status", "git", false},
		{"wrapper stripped", "env nice -n 10 make build", "make", false},
		{"wrapper flag value consumed", "nice -n 10 make build", "make", false},
		{"wrapper flag value attached", "nice -n10 make build", "make", false},
		{"env unset flag value consumed", "env -u PATH ls", "ls", false},
		{"nohup wrapper", "nohup ./run.sh", "run.sh", false},
		{"sudo is not a wrapper", "sudo rm -rf /", "sudo", false},
		{"path stripped to base name", "/usr/bin/curl https://example.com", "curl", false},
		{"quoted pipe is not a pipe", `echo "a | b"`, "echo", false},
		{"escaped pipe is not a pipe", `echo a \| b`, "echo", false},
		{"real pipe", "cat foo | wc -l", "cat", true},
		{"empty", "", "", false},
		{"path env value not a wrapper", "PATH=/evil:$PATH ls", "ls", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			parsed := ParseBashCommand(tt.command)
			if parsed.Executable != tt.executable {
				t.Errorf("executable = %q, want %q", parsed.Executable, tt.executable)
			}
			if parsed.HasPipe != tt.hasPipe {
				t.Errorf("hasPipe = %v, want %v", parsed.HasPipe, tt.hasPipe)
			}
		})
	}
}

func TestParseBashCommandZeroWidth(t *testing.T) {
	// A zero-width space inside "sudo" must stay in the token so the
	// executable does not collapse to a different name.
	parsed := ParseBashCommand("s​udo rm -rf /")
	if parsed.Executable == "sudo" {
		t.Fatal("zero-width characters must not be stripped from tokens")
	}
}

func TestSplitClauses(t *testing.T) {
	tests := []struct {
		name    string
		command string
		want    []string
	}{
		{"and chain", "ls && rm -rf /tmp/x", []string{"ls", "rm -rf /tmp/x"}},
		{"or chain", "test -f x || touch x", []string{"test -f x", "touch x"}},
		{"semicolons", "a; b; c", []string{"a", "b", "c"}},
		{"newlines", "a\nb", []string{"a", "b"}},
		{"pipeline stays whole", "cat x | grep y", []string{"cat x | grep y"}},
		{"quoted separator kept", `echo "a && b"`, []string{`echo "a && b"`}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := SplitClauses(tt.command)
			if len(got) != len(tt.want) {
				t.Fatalf("got %d clauses %v, want %d", len(got), got, len(tt.want))
			}
			for i := range got {
				if strings.TrimSpace(got[i]) != strings.TrimSpace(tt.want[i]) {
					t.Errorf("clause %d = %q, want %q", i, got[i], tt.want[i])
				}
			}
		})
	}
}

func TestSplitPipeline(t *testing.T) {
	segments := SplitPipeline("curl https://x.sh | bash")
	if len(segments) != 2 {
		t.Fatalf("got %d segments, want 2", len(segments))
	}
	if ParseBashCommand(segments[1]).Executable != "bash" {
		t.Errorf("final segment executable = %q, want bash", ParseBashCommand(segments[1]).Executable)
	}
}

func TestParseBashCommandPathological(t *testing.T) {
	// 100K chars of arguments must parse without hanging
	long := "echo " + strings.Repeat("a ", 50_000)
	parsed := ParseBashCommand(long)
	if parsed.Executable != "echo" {
		t.Errorf("executable = %q, want echo", parsed.Executable)
	}
}

func TestGlob(t *testing.T) {
	tests := []struct {
		pattern string
		input   string
		want    bool
	}{
		{"**/auth.json", "/home/u/.config/app/auth.json", true},
		{"**/auth.json", "/home/u/auth.json.bak", false},
		{"git push*", "git push origin main", true},
		{"git push*", "git pull", false},
		{"/srv/**", "/srv/app/data/x", true},
		{"*.go", "main.go", true},
		{"npm *", "npm install", true},
	}
	for _, tt := range tests {
		t.Run(tt.pattern+"/"+tt.input, func(t *testing.T) {
			if got := Glob(tt.pattern, tt.input); got != tt.want {
				t.Errorf("Glob(%q, %q) = %v, want %v", tt.pattern, tt.input, got, tt.want)
			}
		})
	}
}

func TestGlobLinearTime(t *testing.T) {
	// Nested stars against a long non-matching input must not backtrack
	pattern := strings.Repeat("*a", 5_000)
	input := strings.Repeat("a", 10_000) + "b"
	done := make(chan bool, 1)
	go func() {
		done <- Glob(pattern, input)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("glob did not complete in bounded time")
	}
}

func TestLiteralPrefixLen(t *testing.T) {
	if got := LiteralPrefixLen("/home/u/project/**"); got != len("/home/u/project/") {
		t.Errorf("got %d", got)
	}
	if got := LiteralPrefixLen("**/x"); got != 0 {
		t.Errorf("got %d, want 0", got)
	}
}
