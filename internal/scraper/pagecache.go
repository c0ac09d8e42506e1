package scraper

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zstd"
)

// PageCache keeps raw listing pages compressed in dir/{item-id}.html.zst.
type PageCache struct {
	dir string
}

// NewPageCache creates a page cache rooted at dir.
func NewPageCache(dir string) *PageCache {
	return &PageCache{dir: dir}
}

// Path returns the deterministic cache path for an item.
func (p *PageCache) Path(itemID string) string {
	return filepath.Join(p.dir, safeName(itemID)+".html.zst")
}

// Write compresses page into the cache, replacing any previous copy.
func (p *PageCache) Write(itemID string, page []byte) (string, error) {
	if err := os.MkdirAll(p.dir, 0o755); err != nil {
		return "", fmt.Errorf("create cache dir: %w", err)
	}

	destPath := p.Path(itemID)
	tmp, err := os.CreateTemp(p.dir, ".page-*")
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	encoder, err := zstd.NewWriter(tmp)
	if err != nil {
		tmp.Close()
		return "", fmt.Errorf("create zstd encoder: %w", err)
	}

	if _, err := encoder.Write(page); err != nil {
		encoder.Close()
		tmp.Close()
		return "", fmt.Errorf("compress: %w", err)
	}

	if err := encoder.Close(); err != nil {
		tmp.Close()
		return "", fmt.Errorf("finalize compression: %w", err)
	}

	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("close temp: %w", err)
	}

	if err := os.Rename(tmp.Name(), destPath); err != nil {
		return "", fmt.Errorf("store page: %w", err)
	}
	return destPath, nil
}

// Read returns the decompressed page of an item.
func (p *PageCache) Read(itemID string) ([]byte, error) {
	src, err := os.Open(p.Path(itemID))
	if err != nil {
		return nil, fmt.Errorf("open cached page: %w", err)
	}
	defer src.Close()

	decoder, err := zstd.NewReader(src)
	if err != nil {
		return nil, fmt.Errorf("create zstd decoder: %w", err)
	}
	defer decoder.Close()

	page, err := io.ReadAll(decoder)
	if err != nil {
		return nil, fmt.Errorf("decompress: %w", err)
	}
	return page, nil
}

func safeName(itemID string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, itemID)
}
