package ftp

import (
	"errors"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

var (
	ErrIllegalName = errors.New("ftp: file name outside store")
	ErrNotFound    = errors.New("ftp: file not found")
)

type FileInfo struct {
	Name    string
	Size    int64
	ModTime time.Time
}

// FileStore is the file system an FTP worker serves.
type FileStore interface {
	// List returns the files whose names match pattern, case-insensitively,
	// sorted by name. "*" matches any run of characters.
	List(pattern string) ([]FileInfo, error)
	Open(name string) (io.ReadCloser, FileInfo, error)
	Create(name string) (io.WriteCloser, error)
	Delete(name string) error
}

// DiskStore serves the regular files directly inside one directory.
type DiskStore struct {
	root string
}

func NewDiskStore(root string) (*DiskStore, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	return &DiskStore{root: abs}, nil
}

// resolve maps a client name onto a path inside the root, refusing anything
// that would escape it.
func (d *DiskStore) resolve(name string) (string, error) {
	file := filepath.Clean(filepath.Join(d.root, name))
	matched, err := filepath.Match(filepath.Join(d.root, "*"), file)
	if err != nil || !matched {
		return "", ErrIllegalName
	}
	return file, nil
}

func (d *DiskStore) List(pattern string) ([]FileInfo, error) {
	if strings.ContainsAny(pattern, `/\`) {
		return nil, ErrIllegalName
	}
	entries, err := os.ReadDir(d.root)
	if err != nil {
		return nil, err
	}

	pattern = strings.ToLower(pattern)
	var out []FileInfo
	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}
		ok, err := filepath.Match(pattern, strings.ToLower(e.Name()))
		if err != nil {
			return nil, ErrIllegalName
		}
		if !ok {
			continue
		}
		fi, err := e.Info()
		if err != nil {
			continue
		}
		out = append(out, FileInfo{Name: e.Name(), Size: fi.Size(), ModTime: fi.ModTime()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (d *DiskStore) Open(name string) (io.ReadCloser, FileInfo, error) {
	path, err := d.resolve(name)
	if err != nil {
		return nil, FileInfo{}, err
	}
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, FileInfo{}, ErrNotFound
		}
		return nil, FileInfo{}, err
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, FileInfo{}, err
	}
	return f, FileInfo{Name: filepath.Base(path), Size: fi.Size(), ModTime: fi.ModTime()}, nil
}

func (d *DiskStore) Create(name string) (io.WriteCloser, error) {
	path, err := d.resolve(name)
	if err != nil {
		return nil, err
	}
	return os.Create(path)
}

func (d *DiskStore) Delete(name string) error {
	path, err := d.resolve(name)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return ErrNotFound
		}
		return err
	}
	return nil
}
