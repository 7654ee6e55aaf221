package jobengine

import (
	"bufio"
	"strings"
)

// stdlibModules is a small allow-list of modules assumed always resolvable
// inside the sandbox image; anything else is reported as unresolved. This is
// diagnostics only — the sandbox has no network, so nothing is ever actually
// fetched on the strength of this heuristic.
var stdlibModules = map[string]struct{}{
	"sys": {}, "os": {}, "json": {}, "time": {}, "math": {}, "re": {},
	"io": {}, "itertools": {}, "collections": {}, "functools": {},
	"pathlib": {}, "subprocess": {}, "typing": {}, "dataclasses": {},
}

// unresolvedImports parses the top-level "import X" and "from X import ..."
// statements of a Python payload and returns the module names not present in
// stdlibModules, for diagnostic reporting alongside the job's first log
// line. It never blocks execution.
func unresolvedImports(payload string) []string {
	seen := make(map[string]struct{})
	var unresolved []string

	scanner := bufio.NewScanner(strings.NewReader(payload))
	for scanner.Scan() {
		raw := scanner.Text()
		if strings.TrimLeft(raw, " \t") != raw {
			continue // indented: not a top-level statement
		}
		line := strings.TrimSpace(raw)
		var module string
		switch {
		case strings.HasPrefix(line, "import "):
			rest := strings.TrimPrefix(line, "import ")
			if fields := strings.FieldsFunc(rest, func(r rune) bool { return r == ',' || r == ' ' }); len(fields) > 0 {
				module = fields[0]
			}
		case strings.HasPrefix(line, "from "):
			rest := strings.TrimPrefix(line, "from ")
			fields := strings.Fields(rest)
			if len(fields) > 0 {
				module = fields[0]
			}
		default:
			continue
		}

		module = strings.SplitN(module, ".", 2)[0]
		if module == "" {
			continue
		}
		if _, known := stdlibModules[module]; known {
			continue
		}
		if _, dup := seen[module]; dup {
			continue
		}
		seen[module] = struct{}{}
		unresolved = append(unresolved, module)
	}
	return unresolved
}
