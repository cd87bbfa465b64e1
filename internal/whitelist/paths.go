package whitelist

import (
	"path/filepath"
	"regexp"
	"strings"
)

var (
	// \??\C:\..., \\?\C:\..., \Device\HarddiskVolume1\...
	ntPrefix    = regexp.MustCompile(`(?i)^(\\\?\?\\|\\\\\?\\)`)
	devicePath  = regexp.MustCompile(`(?i)^\\device\\harddiskvolume[0-9]+`)
	drivePrefix = regexp.MustCompile(`^[A-Za-z]:`)
	systemRoot  = regexp.MustCompile(`(?i)^\\systemroot`)
)

// GuestToHost translates a guest Windows path to a path under the mounted
// disk root. It returns "" when the path cannot be translated.
func GuestToHost(root, guest string) string {
	if root == "" || guest == "" {
		return ""
	}
	p := ntPrefix.ReplaceAllString(guest, "")
	p = devicePath.ReplaceAllString(p, "")
	p = drivePrefix.ReplaceAllString(p, "")
	p = systemRoot.ReplaceAllString(p, `\WINDOWS`)
	if !strings.HasPrefix(p, `\`) {
		return ""
	}
	rel := strings.ReplaceAll(strings.TrimLeft(p, `\`), `\`, "/")
	if rel == "" {
		return ""
	}
	return filepath.Join(root, filepath.FromSlash(rel))
}

// Candidates returns the host paths to try for a module, in order: the
// translated guest path, then the system32 and drivers directories of the
// mounted disk.
func Candidates(root, guestPath, name string) []string {
	if root == "" {
		return nil
	}
	base := name
	if base == "" {
		base = guestPath
	}
	base = strings.ReplaceAll(base, `\`, "/")
	if i := strings.LastIndex(base, "/"); i >= 0 {
		base = base[i+1:]
	}

	var out []string
	seen := make(map[string]bool)
	add := func(p string) {
		if p != "" && !seen[p] {
			seen[p] = true
			out = append(out, p)
		}
	}
	add(GuestToHost(root, guestPath))
	if base != "" {
		add(filepath.Join(root, "WINDOWS", "system32", base))
		add(filepath.Join(root, "WINDOWS", "system32", "drivers", base))
	}
	return out
}
