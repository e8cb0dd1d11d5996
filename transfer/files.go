package transfer

import (
	"encoding/hex"
	"fmt"
	"hash"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/crypto/blake2b"
)

const fallbackName = "file.bin"

// ChunkCount returns how many FileChunk frames a file of size bytes needs.
func ChunkCount(size int64, chunkSize int) int64 {
	if size <= 0 || chunkSize <= 0 {
		return 0
	}
	return (size + int64(chunkSize) - 1) / int64(chunkSize)
}

// SanitizeName reduces a peer-supplied name to a single path element.
func SanitizeName(name string) string {
	name = strings.ReplaceAll(name, "\\", "/")
	name = filepath.Base(filepath.Clean("/" + name))
	name = strings.TrimSpace(name)
	if name == "" || name == "." || name == ".." || name == "/" {
		return fallbackName
	}
	return name
}

// uniquePath returns dir/name, or dir/"stem (n)ext" when that already exists.
func uniquePath(dir, name string) string {
	candidate := filepath.Join(dir, name)
	if _, err := os.Stat(candidate); os.IsNotExist(err) {
		return candidate
	}
	ext := filepath.Ext(name)
	stem := strings.TrimSuffix(name, ext)
	for i := 1; ; i++ {
		candidate = filepath.Join(dir, fmt.Sprintf("%s (%d)%s", stem, i, ext))
		if _, err := os.Stat(candidate); os.IsNotExist(err) {
			return candidate
		}
	}
}

func newChecksum() hash.Hash {
	h, err := blake2b.New256(nil)
	if err != nil {
		// Only fails for an oversized key.
		panic(err)
	}
	return h
}

func checksumHex(h hash.Hash) string {
	return hex.EncodeToString(h.Sum(nil))
}

// FileChecksum returns the hex BLAKE2b-256 digest of the file at path.
func FileChecksum(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	sum := blake2b.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}
