package loader

import (
	"bytes"
	"encoding/base64"
	"io"
	"os"
	"sync"

	"github.com/bayedieng/obliteration/log"
	hclog "github.com/hashicorp/go-hclog"
	lru "github.com/hashicorp/golang-lru"
	"golang.org/x/crypto/blake2b"
)

// ImageCache keeps parsed images keyed by the hash of their file contents so
// the same executable launched twice is parsed once.
type ImageCache struct {
	mu sync.RWMutex

	cache *lru.ARCCache
}

func NewImageCache() *ImageCache {
	cache, err := lru.NewARC(100)
	if err != nil {
		panic(err)
	}

	return &ImageCache{cache: cache}
}

func (c *ImageCache) Lookup(key string) (*Image, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	val, ok := c.cache.Get(key)
	if !ok {
		return nil, false
	}

	return val.(*Image), true
}

func (c *ImageCache) Set(key string, img *Image) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.cache.Add(key, img)
}

func (c *ImageCache) Len() int {
	return c.cache.Len()
}

func NewLoader(cache *ImageCache) *Loader {
	return &Loader{
		L:     log.Named("loader"),
		cache: cache,
	}
}

type Loader struct {
	L     hclog.Logger
	cache *ImageCache
}

func (l *Loader) LoadFile(path string) (*Image, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, loadErr(ReadElfHeaderFailed, 0, err)
	}

	return l.Load(data)
}

// Load parses an image held in memory. Images in the cache are shared and
// must be treated as read-only.
func (l *Loader) Load(data []byte) (*Image, error) {
	var cacheKey string

	if l.cache != nil {
		l.L.Debug("calculating image cache key")

		sum := blake2b.Sum256(data)
		cacheKey = base64.URLEncoding.EncodeToString(sum[:])

		l.L.Debug("looking for cached image", "key", cacheKey)

		if img, ok := l.cache.Lookup(cacheKey); ok {
			l.L.Debug("using cached image", "key", cacheKey)
			return img, nil
		}
	}

	img, err := Parse(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}

	img.Key = cacheKey

	l.L.Debug("parsed image",
		"type", img.Type,
		"entry", hclog.Fmt("%#x", img.EntryAddress()),
		"segments", len(img.Segments),
		"self", img.Self != nil,
	)

	if l.cache != nil {
		l.cache.Set(cacheKey, img)
	}

	return img, nil
}

// LoadReader drains r and parses the result.
func (l *Loader) LoadReader(r io.Reader) (*Image, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, loadErr(ReadElfHeaderFailed, 0, err)
	}

	return l.Load(data)
}
