// Package archive packs copy-in payloads into tar streams and extracts
// single-file tar streams produced by the daemon's archive endpoint.
package archive

import (
	"archive/tar"
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// Extraction failures for copy-out.
var (
	// ErrUnexpectedDirectory is returned when the archive entry is a directory.
	ErrUnexpectedDirectory = errors.New("archive entry is a directory, expected a regular file")
	// ErrUnexpectedEntries is returned when the archive holds more than one entry.
	ErrUnexpectedEntries = errors.New("archive holds more than one entry")
	// ErrEmptyArchive is returned when the archive holds no entries at all.
	ErrEmptyArchive = errors.New("archive holds no entries")
)

// TarFromBytes packs raw content into a tar archive under the given
// container path with the given file mode.
func TarFromBytes(content []byte, containerPath string, mode int64) (io.Reader, error) {
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)

	header := &tar.Header{
		Name: strings.TrimPrefix(path.Clean(containerPath), "/"),
		Mode: mode,
		Size: int64(len(content)),
	}
	if err := tw.WriteHeader(header); err != nil {
		return nil, fmt.Errorf("writing tar header: %w", err)
	}
	if _, err := tw.Write(content); err != nil {
		return nil, fmt.Errorf("writing tar content: %w", err)
	}
	if err := tw.Close(); err != nil {
		return nil, fmt.Errorf("closing tar writer: %w", err)
	}
	return &buf, nil
}

// TarFromPath packs a host file or directory tree into a tar archive rooted
// at the given container path. Directory structure below hostPath is preserved.
func TarFromPath(hostPath, containerPath string) (io.Reader, error) {
	info, err := os.Stat(hostPath)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", hostPath, err)
	}

	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	root := strings.TrimPrefix(path.Clean(containerPath), "/")

	if !info.IsDir() {
		if err := addFile(tw, hostPath, root, info); err != nil {
			return nil, err
		}
		if err := tw.Close(); err != nil {
			return nil, fmt.Errorf("closing tar writer: %w", err)
		}
		return &buf, nil
	}

	err = filepath.Walk(hostPath, func(p string, fi os.FileInfo, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		rel, err := filepath.Rel(hostPath, p)
		if err != nil {
			return err
		}
		name := root
		if rel != "." {
			name = path.Join(root, filepath.ToSlash(rel))
		}
		if fi.IsDir() {
			header := &tar.Header{
				Name:     name + "/",
				Mode:     int64(fi.Mode().Perm()),
				Typeflag: tar.TypeDir,
			}
			return tw.WriteHeader(header)
		}
		if !fi.Mode().IsRegular() {
			// Sockets, devices and symlinks are skipped; only directories
			// and regular files are packed.
			return nil
		}
		return addFile(tw, p, name, fi)
	})
	if err != nil {
		return nil, fmt.Errorf("packing %s: %w", hostPath, err)
	}
	if err := tw.Close(); err != nil {
		return nil, fmt.Errorf("closing tar writer: %w", err)
	}
	return &buf, nil
}

func addFile(tw *tar.Writer, hostPath, name string, fi os.FileInfo) error {
	header := &tar.Header{
		Name: name,
		Mode: int64(fi.Mode().Perm()),
		Size: fi.Size(),
	}
	if err := tw.WriteHeader(header); err != nil {
		return fmt.Errorf("writing tar header for %s: %w", name, err)
	}
	f, err := os.Open(hostPath)
	if err != nil {
		return fmt.Errorf("opening %s: %w", hostPath, err)
	}
	defer f.Close()
	if _, err := io.Copy(tw, f); err != nil {
		return fmt.Errorf("writing %s to tar: %w", name, err)
	}
	return nil
}

// FileSink receives the content of an extracted file.
type FileSink interface {
	// Open returns the writer the file content is streamed into.
	Open() (io.WriteCloser, error)
}

// PathSink writes the extracted file to a host path.
type PathSink string

// Open creates the destination file, creating parent directories as needed.
func (p PathSink) Open() (io.WriteCloser, error) {
	if err := os.MkdirAll(filepath.Dir(string(p)), 0o755); err != nil {
		return nil, fmt.Errorf("creating destination directory: %w", err)
	}
	f, err := os.Create(string(p))
	if err != nil {
		return nil, fmt.Errorf("creating destination file: %w", err)
	}
	return f, nil
}

// BufferSink appends the extracted file to an in-memory buffer.
type BufferSink struct {
	Buf *bytes.Buffer
}

type nopCloser struct{ io.Writer }

func (nopCloser) Close() error { return nil }

// Open returns the buffer as a writer.
func (b BufferSink) Open() (io.WriteCloser, error) {
	return nopCloser{b.Buf}, nil
}

// ExtractSingleFile reads a tar stream that must contain exactly one regular
// file entry and streams its content into the sink. The content is never
// buffered whole; it flows directly from the stream to the sink.
func ExtractSingleFile(r io.Reader, sink FileSink) error {
	tr := tar.NewReader(r)

	header, err := tr.Next()
	if err == io.EOF {
		return ErrEmptyArchive
	}
	if err != nil {
		return fmt.Errorf("reading archive: %w", err)
	}
	if header.Typeflag == tar.TypeDir {
		return ErrUnexpectedDirectory
	}
	if header.Typeflag != tar.TypeReg {
		return fmt.Errorf("archive entry %s is not a regular file", header.Name)
	}

	w, err := sink.Open()
	if err != nil {
		return err
	}
	if _, err := io.Copy(w, tr); err != nil {
		w.Close()
		return fmt.Errorf("extracting %s: %w", header.Name, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("closing sink: %w", err)
	}

	// The daemon archives a single path; anything further means the caller
	// pointed at a directory.
	if _, err := tr.Next(); err != io.EOF {
		if err == nil {
			return ErrUnexpectedEntries
		}
		return fmt.Errorf("reading archive: %w", err)
	}
	return nil
}
