package policy

import (
	"fmt"
	"strings"

	clierr "github.com/ggonzalez94/routex/internal/errors"
)

// mutating lists command paths that sign or broadcast transactions.
var mutating = map[string]struct{}{
	"execute": {},
}

// CheckCommandAllowed enforces --enable-commands. An entry allows its exact
// path and every subcommand under it, so "history" allows "history get".
func CheckCommandAllowed(allowlist []string, commandPath string) error {
	if len(allowlist) == 0 {
		return nil
	}
	normPath := normalize(commandPath)
	for _, allowed := range allowlist {
		norm := normalize(allowed)
		if norm == "" {
			continue
		}
		if norm == normPath || strings.HasPrefix(normPath, norm+" ") {
			return nil
		}
	}
	return clierr.New(clierr.CodeBlocked, fmt.Sprintf("command %q blocked by --enable-commands policy", normPath))
}

// IsMutating reports whether commandPath may move funds.
func IsMutating(commandPath string) bool {
	_, ok := mutating[normalize(commandPath)]
	return ok
}

func normalize(v string) string {
	parts := strings.Fields(strings.ToLower(strings.TrimSpace(v)))
	return strings.Join(parts, " ")
}
