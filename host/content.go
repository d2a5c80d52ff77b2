package host

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"golang.org/x/net/html"
)

// ErrLocalFiles is returned when a local locator is used while local file
// content is disabled.
var ErrLocalFiles = errors.New("host: local file content is disabled")

// Content is a resolved content locator.
type Content struct {
	Locator string
	URL     string
	// Path is set for local file content.
	Path string
}

// Local reports whether the content is a local file.
func (c Content) Local() bool { return c.Path != "" }

// Resolve turns a locator into a loadable URL. http and https locators pass
// through. file URLs and bare paths are accepted only when allowLocal is
// set and the file exists.
func Resolve(locator string, allowLocal bool) (Content, error) {
	locator = strings.TrimSpace(locator)
	if locator == "" {
		return Content{}, fmt.Errorf("host: empty locator")
	}

	u, err := url.Parse(locator)
	if err == nil {
		switch strings.ToLower(u.Scheme) {
		case "http", "https":
			return Content{Locator: locator, URL: u.String()}, nil
		case "file":
			return resolveLocal(locator, u.Path, allowLocal)
		case "":
		default:
			return Content{}, fmt.Errorf("host: unsupported locator scheme %q", u.Scheme)
		}
	}
	return resolveLocal(locator, locator, allowLocal)
}

func resolveLocal(locator, path string, allowLocal bool) (Content, error) {
	if !allowLocal {
		return Content{}, ErrLocalFiles
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return Content{}, fmt.Errorf("host: resolve %s: %w", path, err)
	}
	fi, err := os.Stat(abs)
	if err != nil {
		return Content{}, fmt.Errorf("host: stat %s: %w", abs, err)
	}
	if fi.IsDir() {
		return Content{}, fmt.Errorf("host: %s is a directory", abs)
	}
	u := url.URL{Scheme: "file", Path: filepath.ToSlash(abs)}
	return Content{Locator: locator, URL: u.String(), Path: abs}, nil
}

// Assets parses a local HTML or SVG document and returns the absolute paths
// of the local files it references through href and src attributes.
// Absolute URLs, fragments and data URIs are skipped.
func Assets(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("host: open %s: %w", path, err)
	}
	defer f.Close()

	doc, err := html.Parse(f)
	if err != nil {
		return nil, fmt.Errorf("host: parse %s: %w", path, err)
	}

	dir := filepath.Dir(path)
	seen := make(map[string]bool)
	var out []string

	work := []*html.Node{doc}
	for len(work) > 0 {
		n := work[len(work)-1]
		work = work[:len(work)-1]

		if n.Type == html.ElementNode {
			for _, a := range n.Attr {
				if a.Key != "href" && a.Key != "src" {
					continue
				}
				p, ok := localRef(dir, a.Val)
				if ok && !seen[p] {
					seen[p] = true
					out = append(out, p)
				}
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			work = append(work, c)
		}
	}
	slices.Sort(out)
	return out, nil
}

func localRef(dir, ref string) (string, bool) {
	ref = strings.TrimSpace(ref)
	if ref == "" || strings.HasPrefix(ref, "#") {
		return "", false
	}
	u, err := url.Parse(ref)
	if err != nil {
		return "", false
	}
	switch {
	case u.Scheme == "file":
		return filepath.Clean(filepath.FromSlash(u.Path)), true
	case u.Scheme != "" || u.Host != "":
		return "", false
	case u.Path == "":
		return "", false
	}
	p := filepath.FromSlash(u.Path)
	if !filepath.IsAbs(p) {
		p = filepath.Join(dir, p)
	}
	return filepath.Clean(p), true
}
