package storage

import (
	"fmt"
	"path"
	"strings"
)

const threadMediaRoot = "chats"

// ValidatePath accepts only canonical relative object keys: no "..", no
// leading slash, no backslash, no empty or "." segments and no trailing slash.
func ValidatePath(objectPath string) error {
	if objectPath == "" {
		return fmt.Errorf("object path cannot be empty")
	}
	if strings.ContainsRune(objectPath, 0) {
		return fmt.Errorf("path contains NUL byte")
	}
	if strings.Contains(objectPath, "..") {
		return fmt.Errorf("path contains directory traversal: %s", objectPath)
	}
	if strings.HasPrefix(objectPath, "/") {
		return fmt.Errorf("absolute paths not allowed: %s", objectPath)
	}
	if strings.ContainsRune(objectPath, '\\') {
		return fmt.Errorf("backslash not allowed: %s", objectPath)
	}
	if path.Clean(objectPath) != objectPath {
		return fmt.Errorf("path is not canonical: %s", objectPath)
	}
	return nil
}

// ValidatePrefix accepts a folder prefix: a valid object key followed by a
// single trailing slash.
func ValidatePrefix(prefix string) error {
	folder, ok := strings.CutSuffix(prefix, "/")
	if !ok {
		return fmt.Errorf("prefix must end with a slash: %s", prefix)
	}
	return ValidatePath(folder)
}

// ThreadPrefix is the storage folder holding a thread's media.
func ThreadPrefix(threadID int64) string {
	return fmt.Sprintf("%s/%d/", threadMediaRoot, threadID)
}
