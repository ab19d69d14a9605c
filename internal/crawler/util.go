package crawler

import (
	"crypto/md5" // #nosec G501 -- used for file naming and URL dedupe keys, not security.
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"
	"time"
)

// StampLayout formats the timestamp component of saved file names.
const StampLayout = "20060102_150405"

var invalidFilenameChars = regexp.MustCompile(`[^a-zA-Z0-9._-]+`)

// URLHash returns the hex MD5 of a URL, used as a dedupe key and in file stems.
func URLHash(rawURL string) string {
	sum := md5.Sum([]byte(rawURL)) // #nosec G401 -- not a security boundary.
	return hex.EncodeToString(sum[:])
}

// ContentHash returns the hex SHA-256 of data.
func ContentHash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// SystemClock implements Clock with the wall clock in UTC.
type SystemClock struct{}

// Now returns the current UTC time.
func (SystemClock) Now() time.Time {
	return time.Now().UTC()
}

// SafeName replaces characters that are unsafe in object names.
func SafeName(name string) string {
	cleaned := invalidFilenameChars.ReplaceAllString(name, "_")
	if cleaned == "" {
		return "unnamed"
	}
	return cleaned
}

// FileStem builds the {target}_{urlhash8}_{timestamp} stem shared by the
// files of one saved page or document.
func FileStem(target, rawURL string, ts time.Time) string {
	return fmt.Sprintf("%s_%s_%s", SafeName(target), URLHash(rawURL)[:8], ts.UTC().Format(StampLayout))
}
