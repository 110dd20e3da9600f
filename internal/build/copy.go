package build

import (
	"archive/tar"
	"context"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
)

// Resolves a copy destination against the working directory.
//
// Absolute destinations are cleaned and returned as-is. Relative ones are
// joined with workdir; "." names the working directory itself.
func resolveDest(dest, workdir string) (string, error) {
	if dest == "" {
		dest = "."
	}
	if path.IsAbs(dest) {
		return path.Clean(dest), nil
	}
	if workdir == "" {
		return "", &PathError{Path: dest, Reason: "relative destination requires a working directory"}
	}
	return path.Join(workdir, dest), nil
}

// Resolves a copy source against the build context.
func resolveSource(src, buildCtx string) string {
	if filepath.IsAbs(src) {
		return filepath.Clean(src)
	}
	return filepath.Join(buildCtx, src)
}

// Streams a host file or directory into the workspace at dest.
//
// A directory's contents land inside dest, a file becomes dest. Existing
// files at conflicting paths are overwritten.
func copyInto(ctx context.Context, ws Workspace, src, dest string, ignore *ignoreSet) error {
	info, err := os.Stat(src)
	if err != nil {
		return err
	}

	parent, name := path.Split(dest)
	if parent == "" {
		parent = "/"
	}
	if name == "" {
		name = "."
	}

	if err := ws.MkdirAll(ctx, parent); err != nil {
		return err
	}

	slog.Debug("copy", "src", src, "dest", dest, "dir", info.IsDir())

	pr, pw := io.Pipe()

	go func() {
		tw := tar.NewWriter(pw)
		var writeErr error

		if info.IsDir() {
			writeErr = writeDirToTar(tw, src, name, ignore)
		} else {
			writeErr = writeFileToTar(tw, src, name)
		}

		if closeErr := tw.Close(); writeErr == nil {
			writeErr = closeErr
		}
		pw.CloseWithError(writeErr)
	}()

	err = ws.CopyTo(ctx, pr, parent)
	pr.CloseWithError(err)
	return err
}

// Writes a single file to a tar writer under the given archive name.
func writeFileToTar(tw *tar.Writer, hostPath, name string) error {
	info, err := os.Stat(hostPath)
	if err != nil {
		return err
	}

	header, err := tar.FileInfoHeader(info, "")
	if err != nil {
		return err
	}
	header.Name = name

	if err := tw.WriteHeader(header); err != nil {
		return err
	}

	f, err := os.Open(hostPath)
	if err != nil {
		return err
	}
	defer f.Close()

	_, err = io.Copy(tw, f)
	return err
}

// Writes a directory tree to a tar writer rooted at prefix, skipping
// ignored paths.
func writeDirToTar(tw *tar.Writer, hostDir, prefix string, ignore *ignoreSet) error {
	return filepath.WalkDir(hostDir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}

		rel, err := filepath.Rel(hostDir, p)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)

		if rel != "." && ignore.match(rel, d.IsDir()) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		return writeTarEntry(tw, p, path.Join(prefix, rel), d)
	})
}

// Writes one file, directory or symlink entry to a tar writer.
func writeTarEntry(tw *tar.Writer, hostPath, archivePath string, d fs.DirEntry) error {
	info, err := d.Info()
	if err != nil {
		return err
	}

	link := ""
	if info.Mode()&fs.ModeSymlink != 0 {
		if link, err = os.Readlink(hostPath); err != nil {
			return err
		}
	}

	header, err := tar.FileInfoHeader(info, link)
	if err != nil {
		return err
	}
	header.Name = archivePath

	if err := tw.WriteHeader(header); err != nil {
		return err
	}

	if !info.Mode().IsRegular() {
		return nil
	}

	f, err := os.Open(hostPath)
	if err != nil {
		return err
	}
	defer f.Close()

	_, err = io.Copy(tw, f)
	return err
}
