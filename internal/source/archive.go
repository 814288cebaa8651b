package source

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/klauspost/compress/zip"
)

var ErrArchiveInvalid = errors.New("invalid source archive")

// extract unpacks the zip at archivePath into a fresh directory under
// destDir named by a random token and returns the source root. When the
// archive holds a single top-level directory, its contents become the root.
func extract(archivePath, destDir string) (string, int, error) {
	token := uuid.NewString()
	staging := filepath.Join(destDir, ".extract-"+token)
	root := filepath.Join(destDir, token)

	n, err := unzip(archivePath, staging)
	if err != nil {
		_ = os.RemoveAll(staging)
		return "", 0, err
	}

	entries, err := os.ReadDir(staging)
	if err != nil {
		_ = os.RemoveAll(staging)
		return "", 0, err
	}
	src := staging
	if len(entries) == 1 && entries[0].IsDir() {
		src = filepath.Join(staging, entries[0].Name())
	}
	if err := os.Rename(src, root); err != nil {
		_ = os.RemoveAll(staging)
		return "", 0, fmt.Errorf("move source into place: %w", err)
	}
	if src != staging {
		_ = os.RemoveAll(staging)
	}
	return root, n, nil
}

func unzip(archivePath, dest string) (int, error) {
	r, err := zip.OpenReader(archivePath)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrArchiveInvalid, err)
	}
	defer r.Close()

	if err := os.MkdirAll(dest, 0o755); err != nil {
		return 0, err
	}
	count := 0
	for _, f := range r.File {
		target, err := safeJoin(dest, f.Name)
		if err != nil {
			return count, err
		}
		if err := checkNoSymlinks(dest, target, f.Name); err != nil {
			return count, err
		}
		mode := f.Mode()
		switch {
		case f.FileInfo().IsDir():
			if err := os.MkdirAll(target, 0o755); err != nil {
				return count, err
			}
			continue
		case mode&os.ModeSymlink != 0:
			if err := writeSymlink(f, dest, target); err != nil {
				return count, err
			}
		default:
			if err := writeFile(f, target, mode.Perm()); err != nil {
				return count, err
			}
		}
		count++
	}
	if err := checkLinksContained(dest); err != nil {
		return count, err
	}
	return count, nil
}

// checkNoSymlinks rejects an entry whose path runs through a symlink that an
// earlier entry created, so writes can only land on real directories.
func checkNoSymlinks(dest, target, name string) error {
	rel, err := filepath.Rel(dest, target)
	if err != nil || rel == "." {
		return nil
	}
	cur := dest
	for _, part := range strings.Split(rel, string(os.PathSeparator)) {
		cur = filepath.Join(cur, part)
		info, err := os.Lstat(cur)
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		if err != nil {
			return err
		}
		if info.Mode()&os.ModeSymlink != 0 {
			return fmt.Errorf("%w: entry %q passes through symlink", ErrArchiveInvalid, name)
		}
	}
	return nil
}

// checkLinksContained resolves every extracted symlink and fails if one
// points outside dest. Dangling links are left alone.
func checkLinksContained(dest string) error {
	root, err := filepath.EvalSymlinks(dest)
	if err != nil {
		return err
	}
	return filepath.WalkDir(dest, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.Type()&fs.ModeSymlink == 0 {
			return nil
		}
		resolved, err := filepath.EvalSymlinks(path)
		if err != nil {
			return nil
		}
		if resolved != root && !strings.HasPrefix(resolved, root+string(os.PathSeparator)) {
			rel, _ := filepath.Rel(dest, path)
			return fmt.Errorf("%w: symlink %q resolves outside destination", ErrArchiveInvalid, filepath.ToSlash(rel))
		}
		return nil
	})
}

func safeJoin(dest, name string) (string, error) {
	if filepath.IsAbs(name) || strings.HasPrefix(name, "/") {
		return "", fmt.Errorf("%w: absolute entry %q", ErrArchiveInvalid, name)
	}
	target := filepath.Join(dest, filepath.FromSlash(name))
	if target != dest && !strings.HasPrefix(target, dest+string(os.PathSeparator)) {
		return "", fmt.Errorf("%w: entry %q escapes destination", ErrArchiveInvalid, name)
	}
	return target, nil
}

func writeFile(f *zip.File, target string, perm os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}
	if perm == 0 {
		perm = 0o644
	}
	rc, err := f.Open()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrArchiveInvalid, err)
	}
	defer rc.Close()

	out, err := os.OpenFile(target, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, perm)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, rc); err != nil {
		out.Close()
		return fmt.Errorf("extract %s: %w", f.Name, err)
	}
	return out.Close()
}

func writeSymlink(f *zip.File, dest, target string) error {
	rc, err := f.Open()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrArchiveInvalid, err)
	}
	link, err := io.ReadAll(io.LimitReader(rc, 4096))
	rc.Close()
	if err != nil {
		return err
	}
	resolved := filepath.Join(filepath.Dir(target), string(link))
	if filepath.IsAbs(string(link)) || (resolved != dest && !strings.HasPrefix(resolved, dest+string(os.PathSeparator))) {
		return fmt.Errorf("%w: symlink %q escapes destination", ErrArchiveInvalid, f.Name)
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}
	return os.Symlink(string(link), target)
}
