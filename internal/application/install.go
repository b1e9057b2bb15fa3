package application

import (
	"archive/zip"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/jobrunner/chartpacks/internal/domain"
)

// validateZipPath rejects zip entry names that could escape the staging
// directory.
func validateZipPath(name string) error {
	if strings.Contains(name, "..") {
		return fmt.Errorf("path contains '..': %s", name)
	}
	if filepath.IsAbs(name) || strings.HasPrefix(name, "/") {
		return fmt.Errorf("path is absolute: %s", name)
	}
	if strings.Contains(name, "\\") {
		return fmt.Errorf("path contains backslash: %s", name)
	}
	return nil
}

// extractBundle extracts the archive files of a zip bundle into dir,
// flattened to their base names. Other entries are ignored. It returns
// the extracted file names.
func extractBundle(bundlePath, dir string) ([]string, error) {
	zr, err := zip.OpenReader(bundlePath)
	if err != nil {
		return nil, fmt.Errorf("opening bundle: %w", err)
	}
	defer func() { _ = zr.Close() }()

	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, err
	}

	var names []string
	seen := make(map[string]bool)

	for _, f := range zr.File {
		if err := validateZipPath(f.Name); err != nil {
			return nil, fmt.Errorf("invalid file path in bundle: %w", err)
		}

		if f.FileInfo().IsDir() || !domain.IsArchiveFile(f.Name) {
			continue
		}

		base := path.Base(f.Name)
		if seen[base] {
			return nil, fmt.Errorf("bundle holds %s twice: %w", base, domain.ErrAmbiguousInstall)
		}
		seen[base] = true

		if err := extractFile(f, filepath.Join(dir, base)); err != nil {
			return nil, fmt.Errorf("extracting %s: %w", f.Name, err)
		}
		names = append(names, base)
	}

	return names, nil
}

func extractFile(f *zip.File, dest string) error {
	src, err := f.Open()
	if err != nil {
		return err
	}
	defer func() { _ = src.Close() }()

	dst, err := os.OpenFile(dest, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644) //#nosec G304 -- dest is inside the staging directory
	if err != nil {
		return err
	}

	if _, err := io.Copy(dst, src); err != nil { //#nosec G110 -- bundles come from the configured pack storage
		_ = dst.Close()
		return err
	}
	return dst.Close()
}

// reconcile picks the extracted file that becomes the canonical archive.
// The canonical name wins; otherwise a single archive is accepted under
// another name. Anything else is ambiguous and nothing is chosen.
func reconcile(extracted []string, canonical string) (chosen string, renamed bool, err error) {
	for _, name := range extracted {
		if name == canonical {
			return name, false, nil
		}
	}

	if len(extracted) == 1 {
		return extracted[0], true, nil
	}

	if len(extracted) == 0 {
		return "", false, fmt.Errorf("bundle holds no %s file: %w", domain.ArchiveExt, domain.ErrAmbiguousInstall)
	}
	return "", false, fmt.Errorf("bundle holds %d candidates for %s (%s): %w",
		len(extracted), canonical, strings.Join(extracted, ", "), domain.ErrAmbiguousInstall)
}

// bundleName is the local name a pack's remote object is downloaded to.
func bundleName(pack *domain.DownloadPack) string {
	base := path.Base(pack.RemotePath)
	if domain.IsArchiveFile(base) {
		return base
	}
	return "bundle.zip"
}

// isZip reports whether the downloaded file is a zip bundle, judged by
// its magic number.
func isZip(p string) (bool, error) {
	f, err := os.Open(p) //#nosec G304 -- p is inside the staging directory
	if err != nil {
		return false, err
	}
	defer func() { _ = f.Close() }()

	magic := make([]byte, 4)
	if _, err := io.ReadFull(f, magic); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
			return false, nil
		}
		return false, err
	}
	return string(magic) == "PK\x03\x04", nil
}
