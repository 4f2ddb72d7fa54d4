package util

import (
	"fmt"
	"os/exec"
)

// CheckDependencies reports the external tools and returns false if ffmpeg
// is missing. The optional tools only disable the features that use them.
func CheckDependencies(ffmpeg string, optional ...string) bool {
	type dep struct {
		name     string
		required bool
	}
	deps := []dep{{ffmpeg, true}}
	for _, name := range optional {
		deps = append(deps, dep{name, false})
	}

	ok := true
	for _, dep := range deps {
		if dep.name == "" {
			continue
		}
		path, err := exec.LookPath(dep.name)
		if err != nil {
			if dep.required {
				fmt.Printf("✗ %s not found (REQUIRED)\n", dep.name)
				ok = false
			} else {
				fmt.Printf("- %s not found (optional)\n", dep.name)
			}
			continue
		}
		fmt.Printf("✓ %s found: %s\n", dep.name, path)
	}
	return ok
}
