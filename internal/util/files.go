package util

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"unicode/utf8"
)

var unsafeFilenameRe = regexp.MustCompile(`[<>:"/\\|?*\x00-\x1f]`)
var multiSpaceRe = regexp.MustCompile(`\s+`)

const maxFilenameLength = 200

// ClearTempDir empties every directory, creating the ones that are missing.
func ClearTempDir(dirs []string) error {
	for _, dir := range dirs {
		entries, err := os.ReadDir(dir)
		if err != nil {
			if err := os.MkdirAll(dir, 0755); err != nil {
				return fmt.Errorf("create %s: %w", dir, err)
			}
			continue
		}
		for _, e := range entries {
			os.RemoveAll(filepath.Join(dir, e.Name()))
		}
	}
	fmt.Println("✓ Cleared temp directories")
	return nil
}

// RemoveByPrefix deletes the entries of dir whose names start with prefix and
// returns how many were removed.
func RemoveByPrefix(dir, prefix string) int {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0
	}
	removed := 0
	for _, e := range entries {
		if !strings.HasPrefix(e.Name(), prefix) {
			continue
		}
		if err := os.RemoveAll(filepath.Join(dir, e.Name())); err == nil {
			removed++
		} else {
			log.Printf("[Cleanup] Failed to remove %s: %v", e.Name(), err)
		}
	}
	return removed
}

// SanitizeFilename makes a client supplied name safe to use as a single path
// component. Names that reduce to nothing, "." or ".." come back empty.
func SanitizeFilename(filename string) string {
	s := unsafeFilenameRe.ReplaceAllString(filename, "_")
	s = multiSpaceRe.ReplaceAllString(s, " ")
	s = strings.TrimSpace(s)
	if len(s) > maxFilenameLength {
		cut := maxFilenameLength
		for cut > 0 && !utf8.RuneStart(s[cut]) {
			cut--
		}
		s = s[:cut]
	}
	if strings.Trim(s, ".") == "" {
		return ""
	}
	return s
}

// ToASCIIFilename is used for the plain filename= parameter of
// Content-Disposition.
func ToASCIIFilename(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= 0x20 && r <= 0x7E && r != '"' {
			b.WriteRune(r)
		} else {
			b.WriteRune('_')
		}
	}
	return b.String()
}

func ShortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
