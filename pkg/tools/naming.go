package tools

import (
	"fmt"
	"regexp"
	"strings"
)

// Tool names are namespaced ("fs:read", "shell:exec", "<pluginId>:<command>").
// Provider APIs reject ':' in function names, so definitions sent to the
// model carry a sanitized form and tool calls coming back are restored
// against the registry.

const namespaceSeparator = ":"
const sanitizedSeparator = "__"

var namePattern = regexp.MustCompile(`^[A-Za-z0-9_-]+(:[A-Za-z0-9_-]+)?$`)

// ValidName reports whether a registry name is well formed. Double
// underscores are reserved for the sanitized form, and names whose
// sanitized form does not restore to themselves (a namespace ending in
// '_') are rejected.
func ValidName(name string) bool {
	if strings.Contains(name, sanitizedSeparator) {
		return false
	}
	if RestoreName(SanitizeName(name)) != name {
		return false
	}
	return namePattern.MatchString(name)
}

// SanitizeName converts a registry name to its provider-safe form.
func SanitizeName(name string) string {
	return strings.Replace(name, namespaceSeparator, sanitizedSeparator, 1)
}

// RestoreName maps a provider-safe name back to the registry name.
// Names that were never sanitized pass through unchanged.
func RestoreName(sanitized string) string {
	return strings.Replace(sanitized, sanitizedSeparator, namespaceSeparator, 1)
}

// SplitName returns the namespace and command of a tool name.
// Un-namespaced names return an empty namespace.
func SplitName(name string) (namespace, command string) {
	if idx := strings.Index(name, namespaceSeparator); idx >= 0 {
		return name[:idx], name[idx+1:]
	}
	return "", name
}

// QualifiedPluginName builds the registry name for a plugin command and
// validates both parts.
func QualifiedPluginName(pluginID, command string) (string, error) {
	name := pluginID + namespaceSeparator + command
	if !ValidName(name) {
		return "", fmt.Errorf("invalid plugin tool name %q", name)
	}
	return name, nil
}
