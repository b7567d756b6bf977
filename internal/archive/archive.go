// Package archive exports and imports a data directory as a zip file.
package archive

import (
	"archive/zip"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/roach88/convo/internal/ir"
)

// MaxEntrySize caps the uncompressed size of a single extracted entry.
const MaxEntrySize = 1 << 30

// Extract unpacks archivePath into targetDir. Any entry whose resolved path
// would land outside targetDir fails the whole extraction with an
// access-denied error before anything is written for that entry. Symlinks
// and other non-regular entries are rejected. It returns the relative paths
// written, in archive order.
func Extract(ctx context.Context, archivePath, targetDir string) ([]string, error) {
	// Names are checked below, so an insecure-path warning is not fatal.
	zr, err := zip.OpenReader(archivePath)
	if err != nil && !(errors.Is(err, zip.ErrInsecurePath) && zr != nil) {
		return nil, fmt.Errorf("archive extract: %w", err)
	}
	defer zr.Close()

	target, err := filepath.Abs(targetDir)
	if err != nil {
		return nil, fmt.Errorf("archive extract: %w", err)
	}

	// Validate every name up front so a bad entry leaves nothing behind.
	for _, f := range zr.File {
		if _, err := entryPath(target, f.Name); err != nil {
			return nil, err
		}
		if !f.Mode().IsRegular() && !f.Mode().IsDir() {
			return nil, ir.NewError(ir.ErrCodeAccessDenied, "archive.extract", f.Name, errors.New("non-regular entry"))
		}
	}

	var written []string
	for _, f := range zr.File {
		if err := ctx.Err(); err != nil {
			return written, err
		}
		dst, _ := entryPath(target, f.Name)
		if f.Mode().IsDir() || strings.HasSuffix(f.Name, "/") {
			if err := os.MkdirAll(dst, 0o755); err != nil {
				return written, fmt.Errorf("archive extract %s: %w", f.Name, err)
			}
			continue
		}
		if err := extractFile(f, dst); err != nil {
			return written, err
		}
		rel, _ := filepath.Rel(target, dst)
		written = append(written, filepath.ToSlash(rel))
	}
	return written, nil
}

// entryPath maps an archive entry name onto the target directory.
func entryPath(target, name string) (string, error) {
	deny := func(reason string) error {
		return ir.NewError(ir.ErrCodeAccessDenied, "archive.extract", name, errors.New(reason))
	}
	slashed := strings.ReplaceAll(name, `\`, "/")
	if slashed == "" || path.IsAbs(slashed) || filepath.VolumeName(slashed) != "" {
		return "", deny("absolute or empty entry name")
	}
	clean := path.Clean(slashed)
	if clean == ".." || strings.HasPrefix(clean, "../") {
		return "", deny("entry escapes target directory")
	}
	dst := filepath.Join(target, filepath.FromSlash(clean))
	if dst != target && !strings.HasPrefix(dst, target+string(filepath.Separator)) {
		return "", deny("entry escapes target directory")
	}
	return dst, nil
}

func extractFile(f *zip.File, dst string) error {
	if f.UncompressedSize64 > MaxEntrySize {
		return ir.NewError(ir.ErrCodeValidation, "archive.extract", f.Name, fmt.Errorf("entry exceeds %d bytes", MaxEntrySize))
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return fmt.Errorf("archive extract %s: %w", f.Name, err)
	}

	rc, err := f.Open()
	if err != nil {
		return fmt.Errorf("archive extract %s: %w", f.Name, err)
	}
	defer rc.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("archive extract %s: %w", f.Name, err)
	}
	if _, err := io.Copy(out, io.LimitReader(rc, MaxEntrySize)); err != nil {
		out.Close()
		return fmt.Errorf("archive extract %s: %w", f.Name, err)
	}
	return out.Close()
}

// Create writes every regular file under srcDir for which include returns
// true (nil includes everything) into a new zip at archivePath. Entry names
// are slash-separated paths relative to srcDir, in lexical walk order.
func Create(ctx context.Context, srcDir, archivePath string, include func(rel string) bool) (int, error) {
	out, err := os.Create(archivePath)
	if err != nil {
		return 0, fmt.Errorf("archive create: %w", err)
	}
	zw := zip.NewWriter(out)

	n := 0
	walkErr := filepath.WalkDir(srcDir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(srcDir, p)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if include != nil && !include(rel) {
			return nil
		}
		if err := addFile(zw, p, rel); err != nil {
			return err
		}
		n++
		return nil
	})

	closeErr := zw.Close()
	fileErr := out.Close()
	if err := errors.Join(walkErr, closeErr, fileErr); err != nil {
		os.Remove(archivePath)
		return 0, fmt.Errorf("archive create: %w", err)
	}
	return n, nil
}

func addFile(zw *zip.Writer, src, name string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return err
	}
	hdr, err := zip.FileInfoHeader(info)
	if err != nil {
		return err
	}
	hdr.Name = name
	hdr.Method = zip.Deflate

	w, err := zw.CreateHeader(hdr)
	if err != nil {
		return err
	}
	_, err = io.Copy(w, in)
	return err
}
