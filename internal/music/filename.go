package music

import "strings"

var illegalChars = strings.NewReplacer(
	"<", "_", ">", "_", ":", "_", `"`, "_", "/", "_", `\`, "_", "|", "_", "?", "_", "*", "_",
)

// SanitizeFilename replaces characters that are illegal on common filesystems with "_".
func SanitizeFilename(name string) string {
	return illegalChars.Replace(name)
}
