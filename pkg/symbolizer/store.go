package symbolizer

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/thanos-io/objstore"

	"github.com/grafana/symcache/pkg/debuginfo"
	"github.com/grafana/symcache/symcache"
)

const (
	cacheSuffix      = ".symcache"
	sourceObjectName = "symbols.sym"
)

// Store keeps symbol caches and the symbol files they are built from:
//
//	<debug_id>/<arch>.symcache   zstd compressed cache
//	<debug_id>/symbols.sym       Breakpad or ELF file, optionally compressed
type Store struct {
	bucket objstore.Bucket
}

func NewStore(bucket objstore.Bucket) *Store {
	return &Store{bucket: bucket}
}

func CachePath(id symcache.DebugID, arch symcache.Arch) string {
	return path.Join(id.String(), arch.String()+cacheSuffix)
}

func SourcePath(id symcache.DebugID) string {
	return path.Join(id.String(), sourceObjectName)
}

// IsNotFound reports whether err means the object does not exist.
func (s *Store) IsNotFound(err error) bool {
	return s.bucket.IsObjNotFoundErr(err)
}

// GetCache returns the decompressed cache for the module.
func (s *Store) GetCache(ctx context.Context, id symcache.DebugID, arch symcache.Arch) ([]byte, error) {
	return s.get(ctx, CachePath(id, arch))
}

func (s *Store) PutCache(ctx context.Context, id symcache.DebugID, arch symcache.Arch, data []byte) error {
	compressed, err := debuginfo.Compress(data, debuginfo.CompressionZstd)
	if err != nil {
		return fmt.Errorf("compress cache: %w", err)
	}
	return s.bucket.Upload(ctx, CachePath(id, arch), bytes.NewReader(compressed))
}

// GetSource returns the decompressed symbol file of the module.
func (s *Store) GetSource(ctx context.Context, id symcache.DebugID) ([]byte, error) {
	return s.get(ctx, SourcePath(id))
}

// PutSource stores a symbol file as is. Read sniffs the compression.
func (s *Store) PutSource(ctx context.Context, id symcache.DebugID, r io.Reader) error {
	return s.bucket.Upload(ctx, SourcePath(id), r)
}

// Caches lists the architectures a cache exists for.
func (s *Store) Caches(ctx context.Context, id symcache.DebugID) ([]symcache.Arch, error) {
	var archs []symcache.Arch
	err := s.bucket.Iter(ctx, id.String()+objstore.DirDelim, func(name string) error {
		base := path.Base(name)
		if !strings.HasSuffix(base, cacheSuffix) {
			return nil
		}
		arch, err := symcache.ParseArch(strings.TrimSuffix(base, cacheSuffix))
		if err != nil {
			return nil
		}
		archs = append(archs, arch)
		return nil
	})
	return archs, err
}

func (s *Store) get(ctx context.Context, name string) ([]byte, error) {
	rc, err := s.bucket.Get(ctx, name)
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("read content: %w", err)
	}
	return debuginfo.Decompress(data)
}
