package runtime

import (
	"fmt"
	"os"
	"path/filepath"
)

// CheckCredentialFilePermissions warns when the credential file is readable
// by group or others. Returns a non-empty warning string rather than an
// error so startup can proceed.
func CheckCredentialFilePermissions(path string) (string, error) {
	clean := filepath.Clean(path)
	info, err := os.Stat(clean)
	if err != nil {
		return "", fmt.Errorf("stat credential file: %w", err)
	}
	if info.IsDir() {
		return "", fmt.Errorf("credential file path %q is a directory", clean)
	}
	if info.Mode().Perm()&0o077 != 0 {
		return fmt.Sprintf("credential file %q has overly broad permissions %o; recommended mode is 0600", clean, info.Mode().Perm()), nil
	}
	return "", nil
}
