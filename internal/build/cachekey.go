package build

import (
	"bufio"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/opencontainers/go-digest"
)

// Name of the file listing paths excluded from a source copy.
const ignoreFile = ".berthignore"

// Derives the cache key of a stage from its parent's key, its kind and its
// inputs.
//
// Keys chain: a stage's key changes whenever any earlier stage's inputs
// change, and only then. Inputs must already be in a canonical order.
func cacheKey(parent digest.Digest, kind StageKind, platform string, inputs ...string) digest.Digest {
	d := digest.Canonical.Digester()
	h := d.Hash()

	fmt.Fprintf(h, "parent=%s\n", parent)
	fmt.Fprintf(h, "stage=%s\n", kind)
	fmt.Fprintf(h, "platform=%s\n", platform)
	for _, in := range inputs {
		fmt.Fprintf(h, "input=%d:%s\n", len(in), in)
	}

	return d.Digest()
}

// Digests a file's content.
func fileDigest(path string) (digest.Digest, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	return digest.Canonical.FromReader(f)
}

// Digests a file or directory tree.
//
// The digest covers relative paths, permission bits, symlink targets and
// file contents. Modification times, owners and ignored paths do not
// contribute, so touching or re-checking out a tree keeps its digest.
func treeDigest(root string, ignore *ignoreSet) (digest.Digest, error) {
	info, err := os.Lstat(root)
	if err != nil {
		return "", err
	}
	if !info.IsDir() {
		return fileDigest(root)
	}

	d := digest.Canonical.Digester()
	h := d.Hash()

	err = filepath.WalkDir(root, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}

		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)

		if rel != "." && ignore.match(rel, entry.IsDir()) {
			if entry.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		info, err := entry.Info()
		if err != nil {
			return err
		}

		fmt.Fprintf(h, "%s\x00%o\x00", rel, info.Mode()&(fs.ModeType|fs.ModePerm))

		switch {
		case info.Mode()&fs.ModeSymlink != 0:
			target, err := os.Readlink(path)
			if err != nil {
				return err
			}
			fmt.Fprintf(h, "%s\x00", target)
		case info.Mode().IsRegular():
			f, err := os.Open(path)
			if err != nil {
				return err
			}
			_, err = io.Copy(h, f)
			f.Close()
			if err != nil {
				return err
			}
			h.Write([]byte{0})
		}
		return nil
	})
	if err != nil {
		return "", err
	}

	return d.Digest(), nil
}

// Glob patterns excluding paths from a source copy.
type ignoreSet struct {
	patterns []string
}

// Reads the ignore file in dir. A missing file gives an empty set.
//
// Each non-blank, non-comment line is a doublestar glob matched against
// slash-separated relative paths and against each path's base name, so
// "**/__pycache__" and "*.pyc" both apply at any depth. A trailing "/"
// restricts the pattern to directories.
func loadIgnore(dir string) (*ignoreSet, error) {
	f, err := os.Open(filepath.Join(dir, ignoreFile))
	if err != nil {
		if os.IsNotExist(err) {
			return &ignoreSet{}, nil
		}
		return nil, err
	}
	defer f.Close()

	set := &ignoreSet{}
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if !doublestar.ValidatePattern(strings.TrimSuffix(line, "/")) {
			return nil, fmt.Errorf("%s: %w: %q", ignoreFile, doublestar.ErrBadPattern, line)
		}
		set.patterns = append(set.patterns, line)
	}
	return set, scanner.Err()
}

// Reports whether a relative path is excluded.
func (s *ignoreSet) match(rel string, isDir bool) bool {
	if s == nil {
		return false
	}
	base := rel[strings.LastIndexByte(rel, '/')+1:]
	for _, p := range s.patterns {
		dirOnly := strings.HasSuffix(p, "/")
		p = strings.TrimSuffix(p, "/")
		if dirOnly && !isDir {
			continue
		}
		if ok, err := doublestar.Match(p, rel); err == nil && ok {
			return true
		}
		if ok, err := doublestar.Match(p, base); err == nil && ok {
			return true
		}
	}
	return false
}
