package contentstore

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zstd"
	"github.com/zeebo/blake3"
)

// LocalIDPrefix marks ids issued by Local.
const LocalIDPrefix = "b3-"

var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("contentstore: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("contentstore: zstd decoder initialization failed: " + err.Error())
	}
}

// Local is a Gateway over a directory. Blobs are addressed by their
// BLAKE3 digest and stored zstd-compressed under a two-character shard.
type Local struct {
	dir string
}

// NewLocal creates dir if needed and returns a store rooted there.
func NewLocal(dir string) (*Local, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create content dir: %w", err)
	}
	return &Local{dir: dir}, nil
}

func (s *Local) Put(_ context.Context, data []byte) (string, error) {
	sum := blake3.Sum256(data)
	digest := hex.EncodeToString(sum[:])
	path := s.path(digest)
	if _, err := os.Stat(path); err == nil {
		return LocalIDPrefix + digest, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("create shard dir: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".put-*")
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(tmp.Name()) //nolint:errcheck
	if _, err := tmp.Write(zstdEncoder.EncodeAll(data, nil)); err != nil {
		tmp.Close() //nolint:errcheck
		return "", fmt.Errorf("write blob: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("close blob: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return "", fmt.Errorf("commit blob: %w", err)
	}
	return LocalIDPrefix + digest, nil
}

func (s *Local) Get(_ context.Context, id string) ([]byte, error) {
	digest, ok := strings.CutPrefix(id, LocalIDPrefix)
	if !ok || len(digest) != 64 {
		return nil, fmt.Errorf("invalid content id %q", id)
	}
	if _, err := hex.DecodeString(digest); err != nil {
		return nil, fmt.Errorf("invalid content id %q: %w", id, err)
	}
	compressed, err := os.ReadFile(s.path(digest))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("read blob: %w", err)
	}
	var data []byte
	if len(compressed) > 0 {
		data, err = zstdDecoder.DecodeAll(compressed, nil)
		if err != nil {
			return nil, fmt.Errorf("decompress %s: %w", id, err)
		}
	}
	sum := blake3.Sum256(data)
	if hex.EncodeToString(sum[:]) != digest {
		return nil, fmt.Errorf("content %s failed integrity check", id)
	}
	return data, nil
}

func (s *Local) path(digest string) string {
	return filepath.Join(s.dir, digest[:2], digest+".zst")
}
