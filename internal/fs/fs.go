// Package fs holds some utilities for manipulating the file system
package fs

import (
	"fmt"
	"os"
	"os/user"
	"path/filepath"
	"sort"
)

const (
	// SecureDirPerm is the mode of folders holding key material.
	SecureDirPerm os.FileMode = 0o700
	// SecureFilePerm is the mode of files holding key material.
	SecureFilePerm os.FileMode = 0o600
)

// HomeFolder returns the home folder of the current user.
func HomeFolder() string {
	u, err := user.Current()
	if err != nil {
		panic(err)
	}
	return u.HomeDir
}

// CreateSecureFolder creates folder with SecureDirPerm if it does not exist.
// An existing folder readable by group or others is an error.
func CreateSecureFolder(folder string) (string, error) {
	info, err := os.Lstat(folder)
	if os.IsNotExist(err) {
		if err := os.MkdirAll(folder, SecureDirPerm); err != nil {
			return "", fmt.Errorf("creating %s: %w", folder, err)
		}
		return folder, nil
	}
	if err != nil {
		return "", fmt.Errorf("checking %s: %w", folder, err)
	}
	if !info.IsDir() {
		return "", fmt.Errorf("%s is not a folder", folder)
	}
	if perm := info.Mode().Perm(); perm&0o077 != 0 {
		return "", fmt.Errorf("folder %s has permission %#o, want %#o", folder, perm, SecureDirPerm)
	}
	return folder, nil
}

// Exists returns whether the given file or directory exists.
func Exists(filePath string) (bool, error) {
	_, err := os.Stat(filePath)
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return true, err
}

// CreateSecureFile creates or truncates file with SecureFilePerm.
func CreateSecureFile(file string) (*os.File, error) {
	fd, err := os.OpenFile(file, os.O_RDWR|os.O_CREATE|os.O_TRUNC, SecureFilePerm)
	if err != nil {
		return nil, err
	}
	if err := fd.Chmod(SecureFilePerm); err != nil {
		fd.Close()
		return nil, err
	}
	return fd, nil
}

// Files returns the sorted paths of the regular files directly inside folder.
func Files(folder string) ([]string, error) {
	entries, err := os.ReadDir(folder)
	if err != nil {
		return nil, err
	}
	var files []string
	for _, e := range entries {
		if e.Type().IsRegular() {
			files = append(files, filepath.Join(folder, e.Name()))
		}
	}
	sort.Strings(files)
	return files, nil
}
