package ingest

import (
	"bytes"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
)

// sniffSample is how many leading bytes of the first chunk the magic-byte
// table inspects.
const sniffSample = 32

// sanitizeFileName normalizes an incoming file name before it ever
// touches the filesystem:
// percent-decode once (never recursively), replace the fixed separator set
// with '_', strip control characters, then strip leading dots so a crafted
// name can never resolve outside download_dir or collide with a dotfile.
func sanitizeFileName(declared string) string {
	decoded := declared
	if unescaped, err := url.PathUnescape(declared); err == nil {
		decoded = unescaped
	}

	var b strings.Builder
	b.Grow(len(decoded))
	for _, r := range decoded {
		switch {
		case r == ':' || r == '/' || r == '\\' || r == 0:
			b.WriteRune('_')
		case r < 0x20 || r == 0x7f:
			// control characters are dropped outright
		default:
			b.WriteRune(r)
		}
	}

	name := strings.TrimLeft(b.String(), ".")
	if name == "" {
		name = "unnamed"
	}
	return name
}

// magicEntry pairs a sniffed prefix with the extension it implies.
type magicEntry struct {
	match func([]byte) bool
	ext   string
}

// magicTable is the fixed {magic prefix -> extension} list used for
// image/jpeg, image/png, image/gif, image/webp, application/pdf, video/mp4,
// audio/mpeg, application/zip.
var magicTable = []magicEntry{
	{func(b []byte) bool { return bytes.HasPrefix(b, []byte{0xFF, 0xD8, 0xFF}) }, ".jpg"},
	{func(b []byte) bool { return bytes.HasPrefix(b, []byte("\x89PNG\r\n\x1a\n")) }, ".png"},
	{func(b []byte) bool {
		return bytes.HasPrefix(b, []byte("GIF87a")) || bytes.HasPrefix(b, []byte("GIF89a"))
	}, ".gif"},
	{func(b []byte) bool {
		return len(b) >= 12 && bytes.HasPrefix(b, []byte("RIFF")) && bytes.Equal(b[8:12], []byte("WEBP"))
	}, ".webp"},
	{func(b []byte) bool { return bytes.HasPrefix(b, []byte("%PDF-")) }, ".pdf"},
	{func(b []byte) bool { return len(b) >= 8 && bytes.Equal(b[4:8], []byte("ftyp")) }, ".mp4"},
	{func(b []byte) bool {
		if bytes.HasPrefix(b, []byte("ID3")) {
			return true
		}
		return len(b) >= 2 && b[0] == 0xFF && (b[1]&0xE0) == 0xE0
	}, ".mp3"},
	{func(b []byte) bool { return bytes.HasPrefix(b, []byte("PK\x03\x04")) }, ".zip"},
}

// sniffExtension inspects the first bytes of an inbound body and returns
// the implied extension, or "" if nothing in magicTable matches.
func sniffExtension(sample []byte) string {
	if len(sample) > sniffSample {
		sample = sample[:sniffSample]
	}
	for _, entry := range magicTable {
		if entry.match(sample) {
			return entry.ext
		}
	}
	return ""
}

// finalFileName applies sniffing on top of sanitizeFileName when the
// sanitised name has no extension.
func finalFileName(declared string, sample []byte) string {
	name := sanitizeFileName(declared)
	if filepath.Ext(name) != "" {
		return name
	}
	if ext := sniffExtension(sample); ext != "" {
		return name + ext
	}
	return name
}

// tempFilePath is the `.part-{id}` temp file path used during streaming.
func tempFilePath(downloadDir, finalName, id string) string {
	return filepath.Join(downloadDir, finalName+".part-"+id)
}

// resolveFinalPath picks the smallest N >= 0 (N == 0 meaning no suffix)
// such that renaming tempPath to {name}[ (N)].{ext} succeeds, retrying on
// EEXIST. A zero-length
// placeholder file reserves the candidate name so two concurrent transfers
// can never pick the same final path.
func resolveFinalPath(tempPath, downloadDir, name string) (string, error) {
	ext := filepath.Ext(name)
	base := strings.TrimSuffix(name, ext)

	for n := 0; ; n++ {
		candidateName := name
		if n > 0 {
			candidateName = fmt.Sprintf("%s (%d)%s", base, n, ext)
		}
		candidate := filepath.Join(downloadDir, candidateName)

		reservation, err := os.OpenFile(candidate, os.O_CREATE|os.O_EXCL, 0o600)
		if err != nil {
			if os.IsExist(err) {
				continue
			}
			return "", fmt.Errorf("reserve final path %q: %w", candidate, err)
		}
		_ = reservation.Close()

		if err := os.Rename(tempPath, candidate); err != nil {
			return "", fmt.Errorf("rename into place %q: %w", candidate, err)
		}
		return candidate, nil
	}
}
