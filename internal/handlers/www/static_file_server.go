package www

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"example.com/netprobed/v2/internal/config"
	"example.com/netprobed/v2/internal/logger"
	"example.com/netprobed/v2/internal/server"
)

// StaticFileServer serves files below the Resolver's root. Directories are
// answered with their default file; there is no directory listing.
type StaticFileServer struct {
	resolver    *Resolver
	defaultFile string
	mimeTypes   map[string]string
	log         *logger.Logger
}

// NewStaticFileServer creates a StaticFileServer. cfg may be nil.
func NewStaticFileServer(resolver *Resolver, cfg *config.WWWConfig, lg *logger.Logger) *StaticFileServer {
	if lg == nil {
		lg = logger.NewDiscardLogger()
	}
	s := &StaticFileServer{
		resolver:    resolver,
		defaultFile: config.DefaultFile,
		mimeTypes:   make(map[string]string),
		log:         lg,
	}
	if cfg != nil {
		if cfg.DefaultFile != "" {
			s.defaultFile = cfg.DefaultFile
		}
		for ext, t := range cfg.MimeTypes {
			s.mimeTypes[strings.ToLower(ext)] = t
		}
	}
	return s
}

// RootDir returns the canonical root directory, or "" when serving is disabled.
func (s *StaticFileServer) RootDir() string { return s.resolver.RootDir() }

// DefaultFile returns the file name served for directory requests.
func (s *StaticFileServer) DefaultFile() string { return s.defaultFile }

// ServeConn implements server.Handler.
func (s *StaticFileServer) ServeConn(conn *server.Connection, req *server.Request) error {
	if s.resolver.RootDir() == "" {
		s.log.Debug("Static serving disabled, no root directory", logger.LogFields{"path": req.Path})
		return server.WriteErrorResponse(conn, req, http.StatusForbidden, "")
	}

	switch req.Method {
	case http.MethodGet, http.MethodHead:
	default:
		resp := server.ComposeError(http.StatusMethodNotAllowed, "", server.PrefersJSON(req.Header.Get("Accept")))
		resp.Header.Set("Allow", "GET, HEAD")
		return conn.Write(resp)
	}

	fsPath, err := s.resolver.Resolve(req.Path)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return server.WriteErrorResponse(conn, req, http.StatusNotFound, "")
		}
		s.log.Warn("Rejected static path", logger.LogFields{
			"path":  req.Path,
			"error": err.Error(),
		})
		return server.WriteErrorResponse(conn, req, http.StatusForbidden, "")
	}

	fi, err := os.Stat(fsPath)
	if err == nil && fi.IsDir() {
		return s.ServeDirectory(conn, req, fsPath)
	}
	return s.ServeFile(conn, req, fsPath)
}

// ServeDirectory serves the default file of dir, re-confining it so that a
// symlinked default file cannot leave the root.
func (s *StaticFileServer) ServeDirectory(conn *server.Connection, req *server.Request, dir string) error {
	target, err := s.resolver.Confine(dir + string(filepath.Separator) + s.defaultFile)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return server.WriteErrorResponse(conn, req, http.StatusNotFound, "")
		}
		s.log.Warn("Rejected default file", logger.LogFields{
			"dir":   dir,
			"error": err.Error(),
		})
		return server.WriteErrorResponse(conn, req, http.StatusForbidden, "")
	}
	return s.ServeFile(conn, req, target)
}

// ServeFile sends the regular file at path. Anything that cannot be opened as
// a regular file is reported as 404. The file is closed by conn.Write.
func (s *StaticFileServer) ServeFile(conn *server.Connection, req *server.Request, path string) error {
	f, err := os.Open(path)
	if err != nil {
		s.log.Debug("Cannot open file", logger.LogFields{"path": path, "error": err.Error()})
		return server.WriteErrorResponse(conn, req, http.StatusNotFound, "")
	}
	fi, err := f.Stat()
	if err != nil || !fi.Mode().IsRegular() {
		_ = f.Close()
		return server.WriteErrorResponse(conn, req, http.StatusNotFound, "")
	}

	etag := generateETag(fi)
	lastModified := fi.ModTime().UTC().Format(http.TimeFormat)

	if notModified(req, fi, etag) {
		_ = f.Close()
		return conn.Write(&server.Response{
			Status: http.StatusNotModified,
			Header: http.Header{
				"Etag":          {etag},
				"Last-Modified": {lastModified},
			},
		})
	}

	contentType, encoding := GuessMimeType(path, s.mimeTypes)
	header := http.Header{}
	header.Set("Content-Type", contentType)
	if encoding != "" {
		header.Set("Content-Encoding", encoding)
	}
	header.Set("Content-Length", strconv.FormatInt(fi.Size(), 10))
	header.Set("Last-Modified", lastModified)
	header.Set("Etag", etag)

	s.log.Debug("Serving file", logger.LogFields{
		"path":         path,
		"size":         humanize.Bytes(uint64(fi.Size())),
		"content_type": contentType,
	})
	return conn.Write(&server.Response{Status: http.StatusOK, Header: header, Body: f})
}

// generateETag derives a strong ETag from size and modification time.
func generateETag(fi os.FileInfo) string {
	return fmt.Sprintf("\"%x-%x\"", fi.Size(), fi.ModTime().UnixNano())
}

// notModified evaluates If-None-Match, falling back to If-Modified-Since only
// when no If-None-Match header was sent.
func notModified(req *server.Request, fi os.FileInfo, etag string) bool {
	if req.Header == nil {
		return false
	}
	if inm := req.Header.Get("If-None-Match"); inm != "" {
		if strings.TrimSpace(inm) == "*" {
			return true
		}
		opaque := strings.Trim(etag, "\"")
		for _, candidate := range strings.Split(inm, ",") {
			candidate = strings.TrimPrefix(strings.TrimSpace(candidate), "W/")
			if strings.Trim(candidate, "\"") == opaque {
				return true
			}
		}
		return false
	}
	if ims := req.Header.Get("If-Modified-Since"); ims != "" {
		t, err := http.ParseTime(ims)
		if err != nil {
			return false
		}
		return !fi.ModTime().Truncate(time.Second).After(t.Truncate(time.Second))
	}
	return false
}
