package vod

import (
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"

	"github.com/onnwee/stream-archiver/archerr"
)

// FileSHA256 streams path through SHA-256 and returns the hex digest and the byte count.
func FileSHA256(path string) (string, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, archerr.IO("hash", err)
	}
	defer func() { _ = f.Close() }()
	h := sha256.New()
	n, err := io.Copy(h, f)
	if err != nil {
		return "", n, archerr.IO("hash", err)
	}
	return hex.EncodeToString(h.Sum(nil)), n, nil
}
