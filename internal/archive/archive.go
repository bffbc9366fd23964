// Package archive builds the zip container produced for each backup target.
package archive

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/yeka/zip"
)

var (
	// ErrFinished is returned when an entry is added to a sealed archive.
	ErrFinished = errors.New("archive already finished")

	// ErrInvalidName is returned for entry names that are empty or would be
	// extracted outside the destination directory.
	ErrInvalidName = errors.New("invalid entry name")
)

// Archive is a zip file being written to local storage.
//
// Every entry is Deflate-compressed. With a non-empty password each entry is
// also encrypted using the legacy zip ("ZipCrypto") scheme. File contents are
// staged through a single buffer that is reused between entries, so memory
// use is bounded by the largest file rather than the whole archive.
type Archive struct {
	file     *os.File
	writer   *zip.Writer
	password string
	buffer   bytes.Buffer
	entries  int
	finished bool
	closed   bool
}

// Create opens a new archive at path.
func Create(path, password string) (*Archive, error) {
	file, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("failed to create archive: %w", err)
	}

	return &Archive{
		file:     file,
		writer:   zip.NewWriter(file),
		password: password,
	}, nil
}

// Entries returns the number of entries written so far.
func (a *Archive) Entries() int {
	return a.entries
}

// Encrypted reports whether entries are password protected.
func (a *Archive) Encrypted() bool {
	return a.password != ""
}

// AddFile writes the file at localPath as a single entry named archivePath.
// The name is normalized and must stay inside the archive root.
func (a *Archive) AddFile(localPath, archivePath string) error {
	if a.finished {
		return ErrFinished
	}

	name := normalize(archivePath)
	if name == "" || escapesRoot(name) {
		return fmt.Errorf("%w: %q", ErrInvalidName, archivePath)
	}
	archivePath = name

	file, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", localPath, err)
	}
	defer file.Close()

	defer a.buffer.Reset()
	if _, err := a.buffer.ReadFrom(file); err != nil {
		return fmt.Errorf("failed to read %s: %w", localPath, err)
	}

	w, err := a.createEntry(archivePath)
	if err != nil {
		return fmt.Errorf("failed to create entry %s: %w", archivePath, err)
	}

	if _, err := w.Write(a.buffer.Bytes()); err != nil {
		return fmt.Errorf("failed to write entry %s: %w", archivePath, err)
	}

	a.entries++
	return nil
}

// AddDirectory mirrors the tree under root into the archive below prefix.
//
// subpath, when set, starts the walk inside root/subpath and is kept as part
// of every entry name. Entry names always use forward slashes and never start
// or end with one: root/sub/b.txt packed with prefix "data" becomes
// "data/sub/b.txt". Entries are visited in lexical order. Symlinks are
// followed to regular files only; symlinked directories and special files are
// skipped, as are dangling links.
func (a *Archive) AddDirectory(root, prefix, subpath string) error {
	if a.finished {
		return ErrFinished
	}

	prefix, subpath = normalize(prefix), normalize(subpath)
	if escapesRoot(prefix) || escapesRoot(subpath) || escapesRoot(path.Join(prefix, subpath)) {
		return fmt.Errorf("%w: prefix %q, subpath %q", ErrInvalidName, prefix, subpath)
	}
	return a.packDir(root, prefix, subpath)
}

func (a *Archive) packDir(root, prefix, rel string) error {
	dir := filepath.Join(root, filepath.FromSlash(rel))

	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("failed to read directory %s: %w", dir, err)
	}

	for _, entry := range entries {
		localPath := filepath.Join(dir, entry.Name())
		entryRel := path.Join(rel, entry.Name())

		mode := entry.Type()
		if mode&os.ModeSymlink != 0 {
			info, err := os.Stat(localPath)
			if errors.Is(err, fs.ErrNotExist) {
				// Dangling link.
				continue
			}
			if err != nil {
				return fmt.Errorf("failed to resolve %s: %w", localPath, err)
			}
			if !info.Mode().IsRegular() {
				continue
			}
			mode = info.Mode().Type()
		}

		switch {
		case mode.IsRegular():
			if err := a.AddFile(localPath, path.Join(prefix, entryRel)); err != nil {
				return err
			}
		case mode.IsDir():
			if err := a.packDir(root, prefix, entryRel); err != nil {
				return err
			}
		}
	}

	return nil
}

// Finish seals the archive. No entries can be added afterwards.
func (a *Archive) Finish() error {
	if a.finished {
		return ErrFinished
	}
	a.finished = true

	if err := a.writer.Close(); err != nil {
		_ = a.close()
		return fmt.Errorf("failed to finalize archive: %w", err)
	}

	if err := a.file.Sync(); err != nil {
		_ = a.close()
		return fmt.Errorf("failed to sync archive: %w", err)
	}

	return a.close()
}

// Close releases the archive file without sealing it. It is a no-op once the
// archive is finished or already closed.
func (a *Archive) Close() error {
	a.finished = true
	return a.close()
}

func (a *Archive) close() error {
	if a.closed {
		return nil
	}
	a.closed = true

	if err := a.file.Close(); err != nil {
		return fmt.Errorf("failed to close archive: %w", err)
	}
	return nil
}

func (a *Archive) createEntry(name string) (io.Writer, error) {
	if a.password != "" {
		return a.writer.Encrypt(name, a.password, zip.StandardEncryption)
	}
	return a.writer.CreateHeader(&zip.FileHeader{
		Name:   name,
		Method: zip.Deflate,
	})
}

// normalize converts p to a clean slash-separated relative path, or "" for
// the archive root.
func normalize(p string) string {
	p = strings.Trim(filepath.ToSlash(p), "/")
	if p == "" {
		return ""
	}
	p = path.Clean(p)
	if p == "." {
		return ""
	}
	return p
}

func escapesRoot(p string) bool {
	return p == ".." || strings.HasPrefix(p, "../")
}
