package httpapi

import (
	"archive/tar"
	"archive/zip"
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"path"
	"sort"
	"strings"
)

// maxEntrySize bounds one authorization file inside an archive
const maxEntrySize = 1 << 20

// archiveEntry is an authorization file read from an uploaded archive
type archiveEntry struct {
	Name string
	Data []byte
}

// readArchive returns the .xml files of a .zip or .tar.gz upload, sorted by
// name. Other files and unsafe paths are skipped.
func readArchive(file multipart.File, filename string, size int64) ([]archiveEntry, error) {
	lowerName := strings.ToLower(filename)

	var (
		entries []archiveEntry
		err     error
	)
	switch {
	case strings.HasSuffix(lowerName, ".zip"):
		entries, err = readZip(file, size)
	case strings.HasSuffix(lowerName, ".tar.gz") || strings.HasSuffix(lowerName, ".tgz"):
		entries, err = readTarGz(file)
	default:
		return nil, fmt.Errorf("unsupported archive format: %s (use .zip or .tar.gz)", filename)
	}
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, fmt.Errorf("archive contains no .xml authorization files")
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
	return entries, nil
}

// acceptEntry reports whether an archive member is an authorization file
func acceptEntry(name string) bool {
	// Security: prevent path traversal
	cleanPath := path.Clean(strings.ReplaceAll(name, "\\", "/"))
	if strings.HasPrefix(cleanPath, "..") || strings.HasPrefix(cleanPath, "/") {
		return false
	}
	base := path.Base(cleanPath)
	if strings.HasPrefix(base, ".") {
		return false
	}
	return strings.EqualFold(path.Ext(base), ".xml")
}

func readEntry(name string, r io.Reader) (archiveEntry, error) {
	data, err := io.ReadAll(io.LimitReader(r, maxEntrySize+1))
	if err != nil {
		return archiveEntry{}, fmt.Errorf("failed to read %s: %w", name, err)
	}
	if len(data) > maxEntrySize {
		return archiveEntry{}, fmt.Errorf("%s exceeds %d bytes", name, maxEntrySize)
	}
	return archiveEntry{Name: name, Data: data}, nil
}

func readZip(file multipart.File, size int64) ([]archiveEntry, error) {
	// multipart.File is an io.ReaderAt, zip needs no temp copy
	zipReader, err := zip.NewReader(file, size)
	if err != nil && !errors.Is(err, zip.ErrInsecurePath) {
		return nil, fmt.Errorf("failed to open zip: %w", err)
	}

	var entries []archiveEntry
	for _, f := range zipReader.File {
		if f.FileInfo().IsDir() || !acceptEntry(f.Name) {
			continue
		}
		src, err := f.Open()
		if err != nil {
			return nil, fmt.Errorf("failed to open zip entry: %w", err)
		}
		entry, err := readEntry(f.Name, src)
		src.Close()
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

func readTarGz(file multipart.File) ([]archiveEntry, error) {
	gzReader, err := gzip.NewReader(file)
	if err != nil {
		return nil, fmt.Errorf("failed to create gzip reader: %w", err)
	}
	defer gzReader.Close()

	tarReader := tar.NewReader(gzReader)

	var entries []archiveEntry
	for {
		header, err := tarReader.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read tar: %w", err)
		}
		if header.Typeflag != tar.TypeReg || !acceptEntry(header.Name) {
			continue
		}
		entry, err := readEntry(header.Name, tarReader)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, nil
}
