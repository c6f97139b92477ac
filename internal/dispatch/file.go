package dispatch

import (
	"errors"
	"io/fs"
	"mime"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/fabian4/stagegate/internal/gwerr"
	"github.com/fabian4/stagegate/internal/model"
)

// DefaultIndexFile is served for directory requests.
const DefaultIndexFile = "index.html"

// Files serves static files below Root.
type Files struct {
	Root  string
	Index string
}

// Read resolves uri below the root. Missing files yield the 404 page, not
// an error.
func (f *Files) Read(uri string) (*model.Response, error) {
	p, _, _ := strings.Cut(uri, "?")
	clean := path.Clean("/" + p)
	full := filepath.Join(f.Root, filepath.FromSlash(clean))

	fi, err := os.Stat(full)
	if err == nil && fi.IsDir() {
		idx := f.Index
		if idx == "" {
			idx = DefaultIndexFile
		}
		full = filepath.Join(full, idx)
	}
	b, err := os.ReadFile(full)
	if errors.Is(err, fs.ErrNotExist) || errors.Is(err, fs.ErrPermission) {
		return model.NotFoundPage(), nil
	}
	if err != nil {
		return nil, gwerr.New(gwerr.ErrUpstream, "read file", err)
	}

	ctype := mime.TypeByExtension(filepath.Ext(full))
	if ctype == "" {
		ctype = http.DetectContentType(b)
	}
	h := make(http.Header)
	h.Set("Content-Type", ctype)
	h.Set("Content-Length", strconv.Itoa(len(b)))
	return &model.Response{Status: http.StatusOK, Proto: "HTTP/1.1", Header: h, Body: b}, nil
}
