package document

import (
	"fmt"
	"mime"
	"path/filepath"
	"strings"
)

// allowedContentTypes maps each accepted media type to its extensions; the first is canonical.
var allowedContentTypes = map[string][]string{
	"image/jpeg":         {"jpg", "jpeg"},
	"image/png":          {"png"},
	"image/gif":          {"gif"},
	"image/webp":         {"webp"},
	"image/heic":         {"heic"},
	"application/pdf":    {"pdf"},
	"text/plain":         {"txt"},
	"application/msword": {"doc"},
	"application/vnd.openxmlformats-officedocument.wordprocessingml.document": {"docx"},
	"application/vnd.ms-excel": {"xls"},
	"application/vnd.openxmlformats-officedocument.spreadsheetml.sheet": {"xlsx"},
}

// NormalizeContentType strips parameters and lowercases the media type.
func NormalizeContentType(raw string) (string, error) {
	if strings.TrimSpace(raw) == "" {
		return "", fmt.Errorf("%w: empty", ErrUnsupportedContentType)
	}
	mediaType, _, err := mime.ParseMediaType(raw)
	if err != nil {
		return "", fmt.Errorf("%w: %q", ErrUnsupportedContentType, raw)
	}
	return strings.ToLower(mediaType), nil
}

// checkContentType accepts ct only if it is on the global allow-list and, when restrict is
// non-empty, also in restrict.
func checkContentType(ct string, restrict []string) error {
	if _, ok := allowedContentTypes[ct]; !ok {
		return fmt.Errorf("%w: %q", ErrUnsupportedContentType, ct)
	}
	if len(restrict) == 0 {
		return nil
	}
	for _, r := range restrict {
		if strings.EqualFold(strings.TrimSpace(r), ct) {
			return nil
		}
	}
	return fmt.Errorf("%w: %q for this category", ErrUnsupportedContentType, ct)
}

// extensionFor keeps the uploaded file's extension when it matches the content type,
// otherwise it falls back to the canonical one.
func extensionFor(originalName, ct string) string {
	exts := allowedContentTypes[ct]
	if len(exts) == 0 {
		return ""
	}
	ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(originalName), "."))
	for _, e := range exts {
		if e == ext {
			return ext
		}
	}
	return exts[0]
}

// sanitizeName reduces a client-supplied file name to its base name.
func sanitizeName(name string) string {
	name = strings.ReplaceAll(name, "\\", "/")
	name = filepath.Base(strings.TrimSpace(name))
	if name == "." || name == "/" {
		return ""
	}
	if len(name) > 255 {
		name = name[:255]
	}
	return name
}
