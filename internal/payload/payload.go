// Package payload builds the deterministic app archive staged into the sandbox.
package payload

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"encoding/hex"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/zeebo/blake3"
)

// DefaultInclude lists the app paths bundled by default. Directories are
// included recursively; paths absent from disk are skipped.
var DefaultInclude = []string{
	"package.json",
	"bun.lock",
	"bunfig.toml",
	"tsconfig.json",
	"tsconfig.main.json",
	"src",
	"dist",
	"scripts/postinstall.sh",
}

// MissingArchiveInputError reports a mandatory entry that did not make it
// into the archive.
type MissingArchiveInputError struct {
	Entry string
}

func (e *MissingArchiveInputError) Error() string {
	return fmt.Sprintf("mandatory archive input missing: %s", e.Entry)
}

// Builder produces a compressed archive of selected paths under a root
// directory. Repeated builds from identical inputs are byte-identical.
type Builder struct {
	Root      string
	Include   []string // Relative include paths, in order; nil means DefaultInclude
	Mandatory []string // Relative file paths that must appear among the entries
}

// Build walks the include list, collects matching regular files, and writes
// them to a gzip'd tar with normalized metadata. Include paths that match
// nothing on disk are silently skipped.
func (b Builder) Build() ([]byte, error) {
	include := b.Include
	if include == nil {
		include = DefaultInclude
	}

	files, err := collectFiles(b.Root, include)
	if err != nil {
		return nil, err
	}

	present := make(map[string]bool, len(files))
	for _, f := range files {
		present[f] = true
	}
	for _, entry := range b.Mandatory {
		if !present[filepath.ToSlash(entry)] {
			return nil, &MissingArchiveInputError{Entry: entry}
		}
	}

	return writeArchive(b.Root, files)
}

// collectFiles resolves include patterns to a sorted, deduplicated list of
// slash-separated relative file paths.
func collectFiles(root string, include []string) ([]string, error) {
	seen := make(map[string]bool)
	var files []string

	add := func(rel string) {
		rel = filepath.ToSlash(rel)
		if !seen[rel] {
			seen[rel] = true
			files = append(files, rel)
		}
	}

	for _, pattern := range include {
		abs := filepath.Join(root, filepath.FromSlash(pattern))
		info, err := os.Stat(abs)
		if err != nil {
			if os.IsNotExist(err) {
				continue // absent includes are not an error
			}
			return nil, fmt.Errorf("stat %s: %w", pattern, err)
		}

		if !info.IsDir() {
			add(pattern)
			continue
		}

		err = filepath.WalkDir(abs, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if !d.Type().IsRegular() {
				return nil
			}
			rel, err := filepath.Rel(root, path)
			if err != nil {
				return err
			}
			add(rel)
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("walking %s: %w", pattern, err)
		}
	}

	sort.Strings(files)
	return files, nil
}

// writeArchive produces the gzip'd tar. Entry metadata is normalized (zero
// mtime, root ownership, fixed modes) so the output depends only on entry
// names and contents.
func writeArchive(root string, files []string) ([]byte, error) {
	var buf bytes.Buffer
	gzw := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gzw)

	for _, rel := range files {
		abs := filepath.Join(root, filepath.FromSlash(rel))
		info, err := os.Stat(abs)
		if err != nil {
			return nil, fmt.Errorf("stat %s: %w", rel, err)
		}

		mode := int64(0644)
		if info.Mode()&0111 != 0 {
			mode = 0755
		}

		hdr := &tar.Header{
			Name:    rel,
			Mode:    mode,
			Size:    info.Size(),
			ModTime: time.Unix(0, 0),
			Uname:   "root",
			Gname:   "root",
			Format:  tar.FormatPAX,
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return nil, fmt.Errorf("writing header %s: %w", rel, err)
		}

		f, err := os.Open(abs)
		if err != nil {
			return nil, fmt.Errorf("opening %s: %w", rel, err)
		}
		_, err = io.Copy(tw, f)
		_ = f.Close()
		if err != nil {
			return nil, fmt.Errorf("copying %s: %w", rel, err)
		}
	}

	if err := tw.Close(); err != nil {
		return nil, fmt.Errorf("closing tar: %w", err)
	}
	if err := gzw.Close(); err != nil {
		return nil, fmt.Errorf("closing gzip: %w", err)
	}

	return buf.Bytes(), nil
}

// Entries lists the tar entry names in a built archive.
func Entries(blob []byte) ([]string, error) {
	gzr, err := gzip.NewReader(bytes.NewReader(blob))
	if err != nil {
		return nil, fmt.Errorf("reading gzip: %w", err)
	}
	defer func() { _ = gzr.Close() }()

	var names []string
	tr := tar.NewReader(gzr)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("reading tar: %w", err)
		}
		names = append(names, hdr.Name)
	}
	return names, nil
}

// Digest returns a stable content digest of the archive blob for the
// run's audit trail.
func Digest(blob []byte) string {
	h := blake3.Sum256(blob)
	return "blake3:" + hex.EncodeToString(h[:])
}
