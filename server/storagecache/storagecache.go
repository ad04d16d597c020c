package storagecache

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/cyclopcam/logs"
	"github.com/cyclopcam/pipecount/server/storage"
)

// StorageCache keeps recently used blobs on the local disk, so that they can be served
// with http.ServeContent (which needs to seek), and so that repeated requests for the
// same history image don't all go to the remote blob store.
// When the cache grows beyond maxBytes, the least recently used unlocked files are evicted.
type StorageCache struct {
	log       logs.Log
	upstream  storage.Storage
	cacheRoot string
	maxBytes  int64

	itemsLock sync.Mutex
	bytesUsed int64
	items     map[string]*cacheItem
	tick      int64
}

type cacheItem struct {
	filename   string
	size       int64
	lock       int
	lastUsed   int64
	modifiedAt time.Time
}

type CacheItemReader struct {
	store *StorageCache
	item  *cacheItem
	f     io.ReadSeekCloser // OS file in our cache
}

func (r *CacheItemReader) Read(p []byte) (n int, err error) {
	return r.f.Read(p)
}

func (r *CacheItemReader) Seek(offset int64, whence int) (int64, error) {
	return r.f.Seek(offset, whence)
}

func (r *CacheItemReader) Close() error {
	r.store.itemsLock.Lock()
	r.item.lock--
	defer r.store.itemsLock.Unlock()
	return r.f.Close()
}

func (r *CacheItemReader) Filename() string {
	return r.item.filename
}

// Modification time of the upstream blob
func (r *CacheItemReader) ModifiedAt() time.Time {
	return r.item.modifiedAt
}

// NewStorageCache wipes cacheRoot and starts with an empty cache
func NewStorageCache(log logs.Log, upstream storage.Storage, cacheRoot string, maxBytes int64) (*StorageCache, error) {
	if cacheRoot == "" {
		return nil, fmt.Errorf("Cache directory is not configured")
	}
	os.RemoveAll(cacheRoot)
	if err := os.MkdirAll(cacheRoot, 0755); err != nil {
		return nil, err
	}
	log.Infof("Blob cache at %v, max %v MB", cacheRoot, maxBytes/(1024*1024))
	c := &StorageCache{
		log:       log,
		upstream:  upstream,
		cacheRoot: cacheRoot,
		maxBytes:  maxBytes,
		items:     map[string]*cacheItem{},
	}
	return c, nil
}

// Open returns a seekable reader for the blob, fetching it from upstream if necessary.
// The file is locked in the cache until the reader is closed.
func (s *StorageCache) Open(ctx context.Context, filename string) (*CacheItemReader, error) {
	if !filepath.IsLocal(filename) {
		return nil, fmt.Errorf("Invalid file name %v", filename)
	}
	s.itemsLock.Lock()
	defer s.itemsLock.Unlock()
	item := s.items[filename]
	if item == nil {
		s.purgeStale()
		if err := s.acquire(ctx, filename); err != nil {
			return nil, err
		}
		item = s.items[filename]
	}
	f, err := os.Open(filepath.Join(s.cacheRoot, filename))
	if err != nil {
		return nil, err
	}
	item.lock++
	item.lastUsed = s.tick
	s.tick++
	return &CacheItemReader{
		store: s,
		item:  item,
		f:     f,
	}, nil
}

// Invalidate drops the file from the cache, if it is not currently open.
// Call this after deleting or replacing the upstream blob.
func (s *StorageCache) Invalidate(filename string) {
	s.itemsLock.Lock()
	defer s.itemsLock.Unlock()
	item := s.items[filename]
	if item == nil || item.lock != 0 {
		return
	}
	s.evict(item)
}

// Number of bytes currently held in the cache
func (s *StorageCache) BytesUsed() int64 {
	s.itemsLock.Lock()
	defer s.itemsLock.Unlock()
	return s.bytesUsed
}

func (s *StorageCache) acquire(ctx context.Context, filename string) error {
	src, err := s.upstream.ReadFile(ctx, filename)
	if err != nil {
		return err
	}
	defer src.Reader.Close()
	ondiskFilename := filepath.Join(s.cacheRoot, filename)
	if err := os.MkdirAll(filepath.Dir(ondiskFilename), 0755); err != nil {
		return err
	}
	dst, err := os.Create(ondiskFilename)
	if err != nil {
		return err
	}
	size, err := io.Copy(dst, src.Reader)
	if err == nil {
		err = dst.Close()
	} else {
		dst.Close()
	}
	if err != nil {
		os.Remove(dst.Name())
		return err
	}
	item := &cacheItem{
		filename:   filename,
		size:       size,
		lastUsed:   s.tick,
		lock:       0,
		modifiedAt: src.ModifiedAt,
	}
	s.bytesUsed += size
	s.items[filename] = item
	return nil
}

func (s *StorageCache) evict(item *cacheItem) {
	s.bytesUsed -= item.size
	delete(s.items, item.filename)
	os.Remove(filepath.Join(s.cacheRoot, item.filename))
}

func (s *StorageCache) purgeStale() {
	if s.bytesUsed > s.maxBytes {
		unused := []*cacheItem{}
		for _, item := range s.items {
			if item.lock == 0 {
				unused = append(unused, item)
			}
		}
		sort.Slice(unused, func(i, j int) bool {
			return unused[i].lastUsed < unused[j].lastUsed
		})
		for _, item := range unused {
			if s.bytesUsed <= s.maxBytes {
				break
			}
			s.evict(item)
		}
	}
}
