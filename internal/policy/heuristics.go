package policy

import "strings"

// Shells that execute their piped input
var shellExecutables = map[string]bool{
	"sh":   true,
	"bash": true,
	"zsh":  true,
}

// Pipeline sources that are harmless on the left of a shell
var whitelistedPipeSources = map[string]bool{
	"ls":   true,
	"find": true,
	"grep": true,
	"sort": true,
	"uniq": true,
	"wc":   true,
	"jq":   true,
	"yes":  true,
}

// POST-ish flags that turn curl/wget into data egress
var egressFlags = []string{"-d", "--data", "--data-raw", "--data-binary", "--data-urlencode", "-X POST", "-XPOST", "--post-data", "--post-file", "-F", "--form", "-T", "--upload-file"}

// Raw socket tools that warrant a human look on the host
var rawSocketExecutables = map[string]bool{
	"nc":     true,
	"ncat":   true,
	"socat":  true,
	"telnet": true,
}

// evaluateHeuristics runs only when no stored rule matched. It inspects
// every chained clause and returns the most restrictive finding.
func evaluateHeuristics(req *Request) *Decision {
	command := req.CommandOf()
	if command == "" {
		return nil
	}

	for _, clause := range SplitClauses(command) {
		segments := SplitPipeline(clause)

		// Pipe-to-shell: a non-whitelisted source feeding sh/bash/zsh
		if len(segments) >= 2 {
			last := ParseBashCommand(segments[len(segments)-1])
			if shellExecutables[last.Executable] {
				first := ParseBashCommand(segments[0])
				if !whitelistedPipeSources[first.Executable] {
					return &Decision{
						Action: ActionAsk,
						Reason: "pipes " + first.Executable + " output into a shell",
						Layer:  LayerHeuristic,
					}
				}
			}
		}

		for _, segment := range segments {
			parsed := ParseBashCommand(segment)

			// Data egress: curl/wget with POST-like flags
			if parsed.Executable == "curl" || parsed.Executable == "wget" {
				for _, flag := range egressFlags {
					if flagPresent(segment, flag) {
						return &Decision{
							Action: ActionAsk,
							Reason: parsed.Executable + " sends data to a remote host",
							Layer:  LayerHeuristic,
						}
					}
				}
			}

			// Raw socket tools
			if rawSocketExecutables[parsed.Executable] {
				return &Decision{
					Action: ActionAsk,
					Reason: parsed.Executable + " opens raw network sockets",
					Layer:  LayerHeuristic,
				}
			}
		}
	}
	return nil
}

// flagPresent looks for a flag as a standalone token; multi-word flags
// like "-X POST" are matched as substrings on word boundaries.
func flagPresent(segment, flag string) bool {
	if strings.Contains(flag, " ") {
		return strings.Contains(segment, flag)
	}
	for _, tok := range strings.Fields(segment) {
		if tok == flag || strings.HasPrefix(tok, flag+"=") {
			return true
		}
	}
	return false
}

// External actions classified ask under the host preset even without a
// stored rule: publishing, remote shells, host-control scripts.
var hostPresetAskPrefixes = []string{
	"git push",
	"npm publish",
	"ssh ",
	"scp ",
	"systemctl ",
	"launchctl ",
	"shutdown",
	"reboot",
}

// evaluatePresetActions applies the preset's external-action ask list
func evaluatePresetActions(req *Request, preset Preset) *Decision {
	if preset != PresetHost {
		return nil
	}
	command := req.CommandOf()
	if command == "" {
		return nil
	}
	for _, clause := range SplitClauses(command) {
		normalized := strings.Join(strings.Fields(clause), " ")
		for _, prefix := range hostPresetAskPrefixes {
			if normalized == strings.TrimSpace(prefix) || strings.HasPrefix(normalized, prefix) {
				return &Decision{
					Action: ActionAsk,
					Reason: "external action on the host: " + strings.TrimSpace(prefix),
					Layer:  LayerFallback,
				}
			}
		}
	}
	return nil
}
