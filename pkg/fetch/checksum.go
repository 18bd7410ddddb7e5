package fetch

import (
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"os"
	"strings"
)

// Checksum is an expected digest in "<algo>:<hex>" form. A bare hex string
// is read as sha256.
type Checksum struct {
	Algo string
	Hex  string
}

func (c Checksum) IsZero() bool { return c.Hex == "" }

func (c Checksum) String() string {
	if c.IsZero() {
		return ""
	}
	return c.Algo + ":" + c.Hex
}

// ParseChecksum parses "sha256:ab12…", "sha1:…", "md5:…" or bare hex.
func ParseChecksum(s string) (Checksum, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Checksum{}, nil
	}
	algo, digest, ok := strings.Cut(s, ":")
	if !ok {
		algo, digest = "sha256", s
	}
	algo = strings.ToLower(strings.ReplaceAll(algo, "-", ""))
	digest = strings.ToLower(digest)

	want := map[string]int{"sha256": sha256.Size, "sha1": sha1.Size, "md5": md5.Size}
	size, known := want[algo]
	if !known {
		return Checksum{}, fmt.Errorf("unsupported checksum algorithm %q", algo)
	}
	raw, err := hex.DecodeString(digest)
	if err != nil || len(raw) != size {
		return Checksum{}, fmt.Errorf("invalid %s digest %q", algo, digest)
	}
	return Checksum{Algo: algo, Hex: digest}, nil
}

func (c Checksum) newHash() hash.Hash {
	switch c.Algo {
	case "sha1":
		return sha1.New()
	case "md5":
		return md5.New()
	default:
		return sha256.New()
	}
}

// hashFile digests path with c's algorithm.
func (c Checksum) hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer func() { _ = f.Close() }()
	h := c.newHash()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
