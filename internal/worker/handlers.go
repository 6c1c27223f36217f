package worker

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/SalmaAmgarou/invoice/constants"
	"github.com/SalmaAmgarou/invoice/internal/common"
	"github.com/SalmaAmgarou/invoice/internal/report"
	"github.com/SalmaAmgarou/invoice/internal/task"
)

// PDFHandler processes single-PDF submissions.
type PDFHandler struct {
	Engine report.Engine
}

func (h PDFHandler) Kind() constants.JobKind { return constants.KindPDF }

func (h PDFHandler) Run(ctx context.Context, desc task.Descriptor) (report.Output, error) {
	if len(desc.FilePaths) != 1 {
		return report.Output{}, common.NewAppError("PDF_INPUT",
			fmt.Sprintf("expected exactly one file, got %d", len(desc.FilePaths)), common.ErrInvalidInput)
	}
	ext := constants.NormalizeExt(filepath.Ext(desc.FilePaths[0]))
	if _, ok := constants.PDFExtensions[ext]; !ok {
		return report.Output{}, common.NewAppError("PDF_INPUT", "input is not a PDF", common.ErrInvalidInput)
	}
	return h.Engine.Process(ctx, desc)
}

// ImagesHandler processes multi-image submissions.
type ImagesHandler struct {
	Engine report.Engine
}

func (h ImagesHandler) Kind() constants.JobKind { return constants.KindImages }

func (h ImagesHandler) Run(ctx context.Context, desc task.Descriptor) (report.Output, error) {
	if len(desc.FilePaths) == 0 || len(desc.FilePaths) > constants.MaxImagesPerJob {
		return report.Output{}, common.NewAppError("IMAGES_INPUT",
			fmt.Sprintf("expected 1..%d files, got %d", constants.MaxImagesPerJob, len(desc.FilePaths)),
			common.ErrInvalidInput)
	}
	for _, p := range desc.FilePaths {
		ext := constants.NormalizeExt(filepath.Ext(p))
		if _, ok := constants.ImageExtensions[ext]; !ok {
			return report.Output{}, common.NewAppError("IMAGES_INPUT",
				fmt.Sprintf("unsupported image extension %q", ext), common.ErrInvalidInput)
		}
	}
	return h.Engine.Process(ctx, desc)
}
