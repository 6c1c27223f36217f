package server

import (
	"fmt"
	"io"
	"mime/multipart"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/SalmaAmgarou/invoice/constants"
	"github.com/SalmaAmgarou/invoice/internal/common"
)

// saveUpload streams one uploaded artifact into the shared upload dir
// under a random name, enforcing the extension allow-list and size cap.
// Partial writes are removed on failure.
func saveUpload(fh *multipart.FileHeader, allowed map[string]struct{}, destDir string) (string, error) {
	ext := constants.NormalizeExt(filepath.Ext(fh.Filename))
	if _, ok := allowed[ext]; !ok {
		return "", common.NewAppError("UPLOAD_EXT",
			fmt.Sprintf("file extension %q is not allowed", ext), common.ErrInvalidInput)
	}
	if fh.Size > constants.MaxUploadBytes {
		return "", common.NewAppError("UPLOAD_SIZE", "file exceeds the size cap", common.ErrInvalidInput)
	}

	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return "", common.WrapError(err, "creating upload dir")
	}

	src, err := fh.Open()
	if err != nil {
		return "", common.WrapError(err, "opening upload")
	}
	defer func() { _ = src.Close() }()

	path := filepath.Join(destDir, uuid.NewString()+"."+ext)
	dst, err := os.Create(path)
	if err != nil {
		return "", common.WrapError(err, "creating upload file")
	}

	// +1 so an over-cap stream is detected even when the multipart header
	// lied about the size.
	n, err := io.Copy(dst, io.LimitReader(src, constants.MaxUploadBytes+1))
	cerr := dst.Close()
	if err == nil {
		err = cerr
	}
	if err == nil && n > constants.MaxUploadBytes {
		err = common.NewAppError("UPLOAD_SIZE", "file exceeds the size cap", common.ErrInvalidInput)
	}
	if err != nil {
		_ = os.Remove(path)
		return "", err
	}
	return path, nil
}

// removeAll best-effort unlinks a set of saved uploads.
func removeAll(paths []string) {
	for _, p := range paths {
		_ = os.Remove(p)
	}
}
