package loader

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/gnufoo/MeCP/errors"
	"github.com/gnufoo/MeCP/store"
)

// Fetch reads the bytes named by uri: a file:// URI, an http(s):// URL or
// a plain filesystem path. It also returns the id derived from the file
// stem. Reads are bounded by the configured maximum size.
func (l *Loader) Fetch(ctx context.Context, uri string) ([]byte, string, error) {
	u, err := url.Parse(uri)
	if err != nil || u.Scheme == "" || len(u.Scheme) == 1 {
		// Windows drive letters parse as one-letter schemes.
		return l.readFile(uri)
	}
	switch strings.ToLower(u.Scheme) {
	case "file":
		path := u.Path
		if u.Host != "" && u.Host != "localhost" {
			path = u.Host + path
		}
		return l.readFile(path)
	case "http", "https":
		return l.download(ctx, u)
	default:
		return nil, "", errors.Unsupported(errors.PhaseLoad, nil,
			fmt.Sprintf("unsupported uri scheme %q", u.Scheme))
	}
}

func (l *Loader) readFile(path string) ([]byte, string, error) {
	f, err := l.fs.Open(path)
	if err != nil {
		return nil, "", errors.IO(errors.PhaseLoad, "open "+path, err)
	}
	defer f.Close()

	b, err := l.readLimited(f)
	if err != nil {
		return nil, "", err
	}
	return b, store.IDFromPath(path), nil
}

func (l *Loader) download(ctx context.Context, u *url.URL) ([]byte, string, error) {
	if l.opts.FetchTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.opts.FetchTimeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, "", errors.IO(errors.PhaseLoad, "build request", err)
	}
	resp, err := l.client.Do(req)
	if err != nil {
		return nil, "", errors.IO(errors.PhaseLoad, "download "+u.Redacted(), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, "", errors.New(errors.PhaseLoad, errors.KindIO).
			Detail("download %s: HTTP %d", u.Redacted(), resp.StatusCode).Build()
	}

	b, err := l.readLimited(resp.Body)
	if err != nil {
		return nil, "", err
	}
	return b, store.IDFromPath(u.Path), nil
}

func (l *Loader) readLimited(r io.Reader) ([]byte, error) {
	limit := l.opts.MaxBytes
	b, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, errors.IO(errors.PhaseLoad, "read component", err)
	}
	if int64(len(b)) > limit {
		return nil, errors.New(errors.PhaseLoad, errors.KindOutOfRange).
			Detail("component exceeds %d bytes", limit).Build()
	}
	return b, nil
}
