// Package nameallocator derives a valid, unique destination path from a
// URL/hint/response headers, per SPEC_FULL.md §4.4. Grounded on the
// donor's filesystem.Allocator (pre-allocation via os.Truncate) and
// internal/core.organizer's findAvailablePath/GetCategory, generalized
// from "sequential (n) suffix" into the spec's required widening-random-
// interval probe.
//
// No library in the retrieved pack covers VFAT-name sanitization or a
// MIME-to-extension table; both stay stdlib, justified in DESIGN.md.
package nameallocator

import (
	"fmt"
	"math/rand"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
)

var contentDispositionRe = regexp.MustCompile(`attachment;\s*filename\s*=\s*"([^"]*)"`)

// Hints bundles everything the Worker has learned about a response by
// the time it is ready to choose a destination, per SPEC_FULL.md §4.3
// step 7's inputs.
type Hints struct {
	Hint               string
	URL                string
	ContentDisposition string
	ContentLocation    string
	MimeType           string
}

var reservedNames = map[string]bool{
	"recovery": true,
}

// mimeToExt is the MIME->extension table the spec requires: text/html ->
// .html, other text/* -> .txt, everything else unknown -> .bin, plus the
// common cases a download manager actually sees.
var mimeToExt = map[string]string{
	"text/html":              ".html",
	"application/pdf":        ".pdf",
	"application/zip":        ".zip",
	"application/json":       ".json",
	"application/xml":        ".xml",
	"application/octet-stream": ".bin",
	"image/jpeg":              ".jpg",
	"image/png":               ".png",
	"image/gif":               ".gif",
	"audio/mpeg":              ".mp3",
	"video/mp4":               ".mp4",
}

func extForMime(mimeType string) string {
	mimeType = strings.TrimSpace(strings.ToLower(mimeType))
	if ext, ok := mimeToExt[mimeType]; ok {
		return ext
	}
	if mimeType == "" {
		return ".bin"
	}
	if strings.HasPrefix(mimeType, "text/") {
		return ".txt"
	}
	return ".bin"
}

// rawName picks the raw (unsanitized) filename by the selection order in
// SPEC_FULL.md §4.4: hint, then Content-Disposition, then
// Content-Location, then URL, then a default.
func rawName(h Hints) string {
	if h.Hint != "" {
		if tail := filepath.Base(h.Hint); tail != "." && tail != "/" {
			return tail
		}
	}
	if h.ContentDisposition != "" {
		if m := contentDispositionRe.FindStringSubmatch(h.ContentDisposition); len(m) == 2 && m[1] != "" {
			return m[1]
		}
	}
	if h.ContentLocation != "" {
		if u, err := url.Parse(h.ContentLocation); err == nil {
			if decoded, derr := url.QueryUnescape(u.Path); derr == nil {
				if tail := filepath.Base(decoded); tail != "." && tail != "/" {
					return tail
				}
			}
		}
	}
	if h.URL != "" {
		if u, err := url.Parse(h.URL); err == nil {
			if decoded, derr := url.QueryUnescape(u.Path); derr == nil {
				if tail := filepath.Base(decoded); tail != "." && tail != "/" {
					return tail
				}
			}
		}
	}
	return "downloadfile"
}

// sanitizeVFAT restricts name to an ASCII subset, replaces invalid
// characters with '_', trims trailing dots/spaces, and truncates to 127
// bytes of UTF-8.
func sanitizeVFAT(name string) string {
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '.' || r == '-' || r == '_' || r == ' ' || r == '(' || r == ')':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	out := strings.TrimRight(b.String(), " .")
	if out == "" {
		out = "downloadfile"
	}
	if len(out) > 127 {
		out = out[:127]
	}
	return out
}

// normalizeExtension applies the spec's extension rule: if the name has
// no extension, derive one from mimeType; if it has one that disagrees
// with mimeType's derived extension, replace it.
func normalizeExtension(name, mimeType string) string {
	ext := filepath.Ext(name)
	derived := extForMime(mimeType)
	if ext == "" {
		return name + derived
	}
	if mimeType != "" && !strings.EqualFold(ext, derived) {
		// Only override when the MIME type actually maps to something
		// specific; an unrecognized/empty mimeType keeps the existing
		// extension rather than forcing .bin onto a perfectly good name.
		if _, known := mimeToExt[strings.ToLower(strings.TrimSpace(mimeType))]; known {
			return strings.TrimSuffix(name, ext) + derived
		}
		if strings.HasPrefix(strings.ToLower(mimeType), "text/") {
			return strings.TrimSuffix(name, ext) + derived
		}
	}
	return name
}

// Allocator guards filename uniqueness with a process-wide mutex, per
// SPEC_FULL.md §4.4/§5's "NameAllocator guards unique filename assignment
// with a process-wide mutex" and §9's sanctioned single legitimate piece
// of process-wide mutable state.
type Allocator struct {
	mu  sync.Mutex
	rng *rand.Rand
}

// New constructs an Allocator. seed lets tests make the widening-random
// collision probe deterministic.
func New(seed int64) *Allocator {
	return &Allocator{rng: rand.New(rand.NewSource(seed))}
}

// Allocate derives a unique destination path under dir and reserves the
// name by creating the file, all under the allocation lock.
func (a *Allocator) Allocate(dir string, h Hints) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create destination directory: %w", err)
	}

	name := sanitizeVFAT(rawName(h))
	name = normalizeExtension(name, h.MimeType)

	base := strings.TrimSuffix(name, filepath.Ext(name))
	ext := filepath.Ext(name)
	if reservedNames[strings.ToLower(base)] {
		base = base + "_file"
	}

	candidate := filepath.Join(dir, base+ext)
	if f, err := createExclusive(candidate); err == nil {
		f.Close()
		return candidate, nil
	}

	// Widening random interval: magnitudes 1, 10, 100, ..., up to 1e8,
	// 9 probes per magnitude.
	magnitude := int64(1)
	for magnitude <= 100_000_000 {
		for probe := 0; probe < 9; probe++ {
			n := a.rng.Int63n(magnitude) + 1
			candidate = filepath.Join(dir, fmt.Sprintf("%s-%d%s", base, n, ext))
			if f, err := createExclusive(candidate); err == nil {
				f.Close()
				return candidate, nil
			}
		}
		magnitude *= 10
	}
	return "", fmt.Errorf("could not allocate a unique name for %q", name)
}

func createExclusive(path string) (*os.File, error) {
	return os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
}

// Category is the read-only, non-authoritative classification added in
// SPEC_FULL.md §3.1, grounded on the donor's GetCategory. It never moves
// the file; it only labels the extension the NameAllocator already
// chose.
func Category(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".jpg", ".jpeg", ".png", ".gif", ".webp", ".bmp", ".svg":
		return "Images"
	case ".mp4", ".mkv", ".mov", ".avi", ".webm", ".wmv":
		return "Videos"
	case ".mp3", ".wav", ".flac", ".aac", ".ogg", ".m4a":
		return "Music"
	case ".zip", ".rar", ".7z", ".tar", ".gz", ".iso":
		return "Archives"
	case ".pdf", ".docx", ".xlsx", ".pptx", ".txt", ".md":
		return "Documents"
	case ".exe", ".msi", ".dmg", ".pkg", ".deb":
		return "Software"
	default:
		return "Others"
	}
}
