package cache

import (
	"io"
	"os"

	"github.com/klauspost/compress/zstd"

	"go.chromium.org/luci/common/errors"
)

// CompressibleRoles are the artifact roles a ProduceFunc may store
// zstd-compressed (via CompressFile) rather than as plain bytes. Only
// RoleLog qualifies: a role's file path is handed directly to sandboxed
// child processes as a stdin source or argv for RoleInput/RoleAnswer, so
// those can't be compressed without every such consumer learning to
// decompress first; a log is only ever read back through Open.
var CompressibleRoles = map[Role]bool{
	RoleLog: true,
}

// CompressFile reads srcPath and writes a zstd-compressed copy to
// dstPath.
func CompressFile(srcPath, dstPath string) error {
	src, err := os.Open(srcPath)
	if err != nil {
		return errors.Annotate(err, "cache: opening %s for compression", srcPath).Err()
	}
	defer src.Close()

	dst, err := os.OpenFile(dstPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return errors.Annotate(err, "cache: creating %s", dstPath).Err()
	}
	defer dst.Close()

	enc, err := zstd.NewWriter(dst, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return errors.Annotate(err, "cache: initializing zstd encoder").Err()
	}
	if _, err := io.Copy(enc, src); err != nil {
		enc.Close()
		return errors.Annotate(err, "cache: compressing %s", srcPath).Err()
	}
	return errors.Annotate(enc.Close(), "cache: finalizing zstd stream for %s", dstPath).Err()
}

// OpenDecompressed opens a file written by CompressFile for reading,
// transparently decompressing it. Callers must Close the returned
// ReadCloser.
func OpenDecompressed(path string) (io.ReadCloser, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Annotate(err, "cache: opening %s", path).Err()
	}
	dec, err := zstd.NewReader(f)
	if err != nil {
		f.Close()
		return nil, errors.Annotate(err, "cache: initializing zstd decoder for %s", path).Err()
	}
	return &decompressingReadCloser{dec: dec, file: f}, nil
}

type decompressingReadCloser struct {
	dec  *zstd.Decoder
	file *os.File
}

func (d *decompressingReadCloser) Read(p []byte) (int, error) { return d.dec.Read(p) }

func (d *decompressingReadCloser) Close() error {
	d.dec.Close()
	return d.file.Close()
}

// Open opens a for reading, transparently decompressing it if a.Role is
// one of CompressibleRoles. Callers that don't otherwise care how an
// artifact was stored (e.g. reading back a compiler's log) should use
// this instead of os.Open directly.
func Open(a Artifact) (io.ReadCloser, error) {
	if CompressibleRoles[a.Role] {
		return OpenDecompressed(a.Path)
	}
	f, err := os.Open(a.Path)
	if err != nil {
		return nil, errors.Annotate(err, "cache: opening %s", a.Path).Err()
	}
	return f, nil
}
