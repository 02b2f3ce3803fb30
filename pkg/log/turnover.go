package log

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zstd"
	"github.com/spf13/afero"
)

// Name of the directory, next to the log file, where turned over logs are filed.
const FilerDirectory = "Filed Logs"

// Turnover files the log at path if it has grown beyond limit bytes.
//
// The log is compressed into "<dir>/Filed Logs/<name>_<n>.log.zst", using the
// first free n, and the original is removed. A missing log is created empty.
// Returns the path of the filed log, or "" if no turnover was needed.
func Turnover(fs afero.Fs, path string, limit int64) (string, error) {
	dir := filepath.Dir(path)
	filer := filepath.Join(dir, FilerDirectory)

	if err := fs.MkdirAll(filer, 0777); err != nil {
		return "", err
	}

	info, err := fs.Stat(path)
	if os.IsNotExist(err) {
		file, err := fs.Create(path)
		if err != nil {
			return "", err
		}
		return "", file.Close()
	}
	if err != nil {
		return "", err
	}

	if limit <= 0 || info.Size() <= limit {
		return "", nil
	}

	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))

	var target string
	for i := 1; ; i++ {
		target = filepath.Join(filer, fmt.Sprintf("%s_%d.log.zst", base, i))
		if _, err := fs.Stat(target); os.IsNotExist(err) {
			break
		}
	}

	if err := compressFile(fs, path, target); err != nil {
		fs.Remove(target)
		return "", err
	}

	if err := fs.Remove(path); err != nil {
		return "", err
	}

	file, err := fs.Create(path)
	if err != nil {
		return "", err
	}

	return target, file.Close()
}

func compressFile(fs afero.Fs, src, dst string) error {
	in, err := fs.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := fs.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()

	encoder, err := zstd.NewWriter(out)
	if err != nil {
		return err
	}

	if _, err := io.Copy(encoder, in); err != nil {
		encoder.Close()
		return err
	}

	return encoder.Close()
}

// OpenLogFile opens path for appending through fs, creating it if needed.
func OpenLogFile(fs afero.Fs, path string) (afero.File, error) {
	if err := fs.MkdirAll(filepath.Dir(path), 0777); err != nil {
		return nil, err
	}
	return fs.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0666)
}
