// Package version derives content-addressed identifiers for applet files and
// applet versions.
package version

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"hash"
	"sort"
	"strconv"

	"github.com/Zipper-Inc/zipper-functions-sub004/internal/domain"
)

// ShortLength is the number of hex characters kept in a short version.
const ShortLength = 7

// FileRef is the per-file input to VersionHash.
type FileRef struct {
	ID   int64
	Hash string
}

// FileHash returns the hex SHA-256 of a file's id, name and content.
func FileHash(id int64, name, content string) string {
	h := sha256.New()
	writeField(h, strconv.FormatInt(id, 10))
	writeField(h, name)
	writeField(h, content)
	return hex.EncodeToString(h.Sum(nil))
}

// VersionHash returns the hex SHA-256 of an applet id, name and its file
// references. Files are ordered by id (then hash) so input order does not
// matter.
func VersionHash(appletID, name string, files []FileRef) string {
	sorted := make([]FileRef, len(files))
	copy(sorted, files)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].ID != sorted[j].ID {
			return sorted[i].ID < sorted[j].ID
		}
		return sorted[i].Hash < sorted[j].Hash
	})

	h := sha256.New()
	writeField(h, appletID)
	writeField(h, name)
	var count [8]byte
	binary.BigEndian.PutUint64(count[:], uint64(len(sorted)))
	h.Write(count[:])
	for _, f := range sorted {
		writeField(h, strconv.FormatInt(f.ID, 10))
		writeField(h, f.Hash)
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Short truncates a full version hash.
func Short(full string) string {
	if len(full) <= ShortLength {
		return full
	}
	return full[:ShortLength]
}

// ForApplet computes the full and short version of an applet. Files with an
// empty Hash are hashed from their content.
func ForApplet(applet domain.Applet) (full, short string) {
	refs := make([]FileRef, 0, len(applet.Files))
	for _, f := range applet.Files {
		fh := f.Hash
		if fh == "" {
			fh = FileHash(f.ID, f.Name, f.Content)
		}
		refs = append(refs, FileRef{ID: f.ID, Hash: fh})
	}
	full = VersionHash(applet.ID, applet.Name, refs)
	return full, Short(full)
}

func writeField(h hash.Hash, value string) {
	var size [8]byte
	binary.BigEndian.PutUint64(size[:], uint64(len(value)))
	h.Write(size[:])
	h.Write([]byte(value))
}
