package tools

import (
	"bytes"
	"fmt"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
)

// InspectPDF validates the PDF structure and returns its page count.
func InspectPDF(data []byte) (int, error) {
	conf := model.NewDefaultConfiguration()
	pdfCtx, err := api.ReadValidateAndOptimize(bytes.NewReader(data), conf)
	if err != nil {
		return 0, fmt.Errorf("pdf validate: %w", err)
	}
	return pdfCtx.PageCount, nil
}
