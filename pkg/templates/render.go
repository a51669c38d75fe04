package templates

import (
	"maps"
	"regexp"
)

var placeholderPattern = regexp.MustCompile(`\{\{\s*([A-Za-z0-9_.\-]+)\s*\}\}`)

// Interpolate replaces every {{key}} with vars[key]. Placeholders without a
// value are left untouched so missing data stays visible in the output.
func Interpolate(text string, vars map[string]string) string {
	if text == "" {
		return text
	}
	return placeholderPattern.ReplaceAllStringFunc(text, func(match string) string {
		key := placeholderPattern.FindStringSubmatch(match)[1]
		if v, ok := vars[key]; ok {
			return v
		}
		return match
	})
}

// MergeVars combines variable sources. Keys from identity are fixed: later
// sources add keys but never replace an identity field. Among the remaining
// sources, later ones win.
func MergeVars(identity map[string]string, sources ...map[string]string) map[string]string {
	merged := make(map[string]string, len(identity))
	for _, src := range sources {
		maps.Copy(merged, src)
	}
	maps.Copy(merged, identity)
	return merged
}
