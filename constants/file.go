package constants

import "strings"

// JobKind selects which processing routine a job runs.
type JobKind string

const (
	KindPDF    JobKind = "pdf"
	KindImages JobKind = "images"
)

// MaxImagesPerJob caps multi-page image submissions.
const MaxImagesPerJob = 8

// MaxUploadBytes caps a single uploaded artifact.
const MaxUploadBytes = 16 << 20

// PDFExtensions holds the allowed extensions for PDF submissions.
var PDFExtensions = map[string]struct{}{
	"pdf": {},
}

// ImageExtensions holds the allowed extensions for image submissions.
var ImageExtensions = map[string]struct{}{
	"jpg":  {},
	"jpeg": {},
	"png":  {},
	"bmp":  {},
	"tiff": {},
	"tif":  {},
}

// NormalizeExt lowercases and trims the dot from a file extension.
func NormalizeExt(ext string) string {
	return strings.ToLower(strings.TrimPrefix(ext, "."))
}
