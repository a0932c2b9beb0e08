package syncer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/ledongthuc/pdf"
	"golang.org/x/net/html"

	"github.com/satchel-dev/satchel/internal/storage"
)

const (
	localPageSize    = 50
	localMaxFileSize = 4 << 20 // bytes read per file
)

var localExtensions = map[string]bool{
	".txt":      true,
	".md":       true,
	".markdown": true,
	".html":     true,
	".htm":      true,
	".pdf":      true,
}

// LocalFilesProvider walks a root directory and serves supported files in
// sorted-path order. The page token is a numeric offset into that order; a
// file list change between pages shifts the offset, which the next full
// pass corrects.
type LocalFilesProvider struct {
	root string
}

func NewLocalFilesProvider(root string) *LocalFilesProvider {
	return &LocalFilesProvider{root: root}
}

func (p *LocalFilesProvider) Capability() Capability { return CapLocalFiles }
func (p *LocalFilesProvider) Class() RecordClass     { return ClassDocuments }

func (p *LocalFilesProvider) FetchPage(ctx context.Context, _ string, pageToken string) (Page, error) {
	paths, err := p.listFiles()
	if err != nil {
		return Page{}, fmt.Errorf("%w: walking %s: %v", ErrTransient, p.root, err)
	}

	offset := 0
	if pageToken != "" {
		offset, err = strconv.Atoi(pageToken)
		if err != nil || offset < 0 {
			return Page{}, fmt.Errorf("%w: bad page token %q", ErrDataIntegrity, pageToken)
		}
	}
	if offset >= len(paths) {
		return Page{}, nil
	}

	end := offset + localPageSize
	if end > len(paths) {
		end = len(paths)
	}

	page := Page{}
	for _, rel := range paths[offset:end] {
		if err := ctx.Err(); err != nil {
			return Page{}, err
		}
		doc, err := p.readDocument(rel)
		if err != nil {
			// Unreadable file: emit the id so the record survives eviction,
			// skip the content update.
			page.Records = append(page.Records, Upstream{ID: rel})
			continue
		}
		page.Records = append(page.Records, Upstream{ID: rel, Doc: doc})
	}
	if end < len(paths) {
		page.NextPageToken = strconv.Itoa(end)
	}
	return page, nil
}

func (p *LocalFilesProvider) listFiles() ([]string, error) {
	var paths []string
	err := filepath.WalkDir(p.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if strings.HasPrefix(d.Name(), ".") && path != p.root {
				return filepath.SkipDir
			}
			return nil
		}
		if !localExtensions[strings.ToLower(filepath.Ext(path))] {
			return nil
		}
		rel, err := filepath.Rel(p.root, path)
		if err != nil {
			return err
		}
		paths = append(paths, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(paths)
	return paths, nil
}

func (p *LocalFilesProvider) readDocument(rel string) (*storage.Document, error) {
	abs := filepath.Join(p.root, filepath.FromSlash(rel))
	info, err := os.Stat(abs)
	if err != nil {
		return nil, err
	}

	var content string
	switch strings.ToLower(filepath.Ext(abs)) {
	case ".pdf":
		content, err = extractPDF(abs)
	case ".html", ".htm":
		content, err = extractHTML(abs)
	default:
		content, err = readCapped(abs)
	}
	if err != nil {
		return nil, err
	}

	meta, _ := json.Marshal(map[string]string{
		"path":     abs,
		"modified": info.ModTime().UTC().Format("2006-01-02T15:04:05Z"),
	})

	snippet := truncateAtRune(content, 500)

	return &storage.Document{
		ID:         uuid.New().String(),
		UpstreamID: rel,
		Capability: string(CapLocalFiles),
		Kind:       "local_file",
		Title:      filepath.Base(rel),
		Content:    content,
		Snippet:    snippet,
		Hyperlink:  "file://" + abs,
		Metadata:   string(meta),
	}, nil
}

func readCapped(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, localMaxFileSize))
	if err != nil {
		return "", err
	}
	return string(bytes.ToValidUTF8(data, nil)), nil
}

// truncateAtRune caps s at max bytes without splitting a multi-byte
// character.
func truncateAtRune(s string, max int) string {
	if len(s) <= max {
		return s
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}

func extractPDF(path string) (string, error) {
	f, r, err := pdf.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	var b strings.Builder
	for i := 1; i <= r.NumPage(); i++ {
		page := r.Page(i)
		if page.V.IsNull() {
			continue
		}
		text, err := page.GetPlainText(nil)
		if err != nil {
			continue
		}
		b.WriteString(text)
		b.WriteString("\n")
		if b.Len() > localMaxFileSize {
			break
		}
	}
	return b.String(), nil
}

func extractHTML(path string) (string, error) {
	raw, err := readCapped(path)
	if err != nil {
		return "", err
	}
	doc, err := html.Parse(strings.NewReader(raw))
	if err != nil {
		return "", err
	}

	var b strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			switch n.Data {
			case "script", "style", "noscript":
				return
			}
		}
		if n.Type == html.TextNode {
			text := strings.TrimSpace(n.Data)
			if text != "" {
				b.WriteString(text)
				b.WriteString(" ")
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)
	return strings.TrimSpace(b.String()), nil
}
