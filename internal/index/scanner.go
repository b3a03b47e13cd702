package index

import (
	"archive/tar"
	"io"
	"os"
	"path"
	"sort"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/knqyf263/go-deb-version"
)

// metadataSuffix is the filename suffix of a package-descriptor entry.
// A metadata record lives at name/version/name.json inside the archive.
const metadataSuffix = ".json"

// VersionSet holds the versions found for one package, keyed by their
// spelling in the archive. A nil VersionSet means the package does not
// appear in the index at all.
type VersionSet map[string]version.Version

// Sorted returns the version strings in ascending version order.
func (s VersionSet) Sorted() []string {
	keys := make([]string, 0, len(s))
	for k := range s {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		a, b := s[keys[i]], s[keys[j]]
		return b.GreaterThan(a)
	})
	return keys
}

// QueryVersions streams the mirrored archive in a single forward pass and
// collects every version published for name.
//
// Entries that do not look like metadata records are skipped silently. A
// matched entry whose version segment does not parse aborts the scan with an
// error naming the entry. A tar format error mid-stream aborts the scan with
// a CorruptIndexError carrying the archive path; no partial result is
// returned in either case.
func QueryVersions(h *Handle, name string) (VersionSet, error) {
	archivePath := h.ArchivePath()
	f, err := os.Open(archivePath) // #nosec G304 - path is the well-known archive inside the handle's directory
	if err != nil {
		return nil, errors.Wrap(err, "open index archive")
	}
	defer f.Close()

	var found VersionSet
	tr := tar.NewReader(f)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, corruptIndex(archivePath, err)
		}

		pkg, ver, ok := splitEntry(hdr.Name)
		if !ok || pkg != name {
			continue
		}

		v, err := version.NewVersion(ver)
		if err != nil {
			return nil, errors.Mark(errors.Wrapf(err, "unparsable version in index entry %q", hdr.Name), ErrVersionSyntax)
		}
		if found == nil {
			found = make(VersionSet)
		}
		found[ver] = v
	}

	return found, nil
}

// splitEntry reports whether an entry path names a metadata record. Records
// have exactly three segments [name, version, name+suffix]; everything else
// (directory entries, preamble files) is irrelevant rather than malformed.
func splitEntry(entryPath string) (pkg, ver string, ok bool) {
	parts := strings.Split(path.Clean(entryPath), "/")
	if len(parts) != 3 {
		return "", "", false
	}
	if parts[2] != parts[0]+metadataSuffix {
		return "", "", false
	}
	return parts[0], parts[1], true
}
