package www

import (
	"mime"
	"path/filepath"
	"strings"
)

// DefaultMimeType is used when no table knows the extension.
const DefaultMimeType = "text/plain"

// builtinMimeTypes covers the asset types a web UI ships. It is consulted
// before the platform's mime database so results do not depend on the host.
var builtinMimeTypes = map[string]string{
	".css":   "text/css; charset=utf-8",
	".csv":   "text/csv; charset=utf-8",
	".eot":   "application/vnd.ms-fontobject",
	".gif":   "image/gif",
	".htm":   "text/html; charset=utf-8",
	".html":  "text/html; charset=utf-8",
	".ico":   "image/vnd.microsoft.icon",
	".jpeg":  "image/jpeg",
	".jpg":   "image/jpeg",
	".js":    "text/javascript; charset=utf-8",
	".json":  "application/json",
	".map":   "application/json",
	".mjs":   "text/javascript; charset=utf-8",
	".otf":   "font/otf",
	".pdf":   "application/pdf",
	".png":   "image/png",
	".svg":   "image/svg+xml",
	".tar":   "application/x-tar",
	".ttf":   "font/ttf",
	".txt":   "text/plain; charset=utf-8",
	".wasm":  "application/wasm",
	".webp":  "image/webp",
	".woff":  "font/woff",
	".woff2": "font/woff2",
	".xhtml": "application/xhtml+xml; charset=utf-8",
	".xml":   "application/xml; charset=utf-8",
	".zip":   "application/zip",
}

// encodingSuffixes maps a trailing compression suffix to its Content-Encoding.
var encodingSuffixes = map[string]string{
	".gz":  "gzip",
	".bz2": "bzip2",
	".xz":  "xz",
	".br":  "br",
	".Z":   "compress",
}

// suffixAliases expands shorthand archive suffixes before guessing.
var suffixAliases = map[string]string{
	".tgz":  ".tar.gz",
	".taz":  ".tar.gz",
	".tbz2": ".tar.bz2",
}

// GuessMimeType returns the content type and content encoding for a file
// name. The encoding is empty when the name carries no compression suffix.
// custom takes precedence over the built-in table and must have lowercase keys.
func GuessMimeType(name string, custom map[string]string) (contentType, encoding string) {
	base := filepath.Base(name)

	ext := filepath.Ext(base)
	if alias, ok := suffixAliases[strings.ToLower(ext)]; ok {
		base = strings.TrimSuffix(base, ext) + alias
		ext = filepath.Ext(base)
	}

	enc, ok := encodingSuffixes[ext]
	if !ok {
		enc, ok = encodingSuffixes[strings.ToLower(ext)]
	}
	if ok {
		encoding = enc
		base = strings.TrimSuffix(base, ext)
		ext = filepath.Ext(base)
	}

	return lookupType(strings.ToLower(ext), custom), encoding
}

func lookupType(ext string, custom map[string]string) string {
	if ext == "" {
		return DefaultMimeType
	}
	if t, ok := custom[ext]; ok {
		return t
	}
	if t, ok := builtinMimeTypes[ext]; ok {
		return t
	}
	if t := mime.TypeByExtension(ext); t != "" {
		return t
	}
	return DefaultMimeType
}
