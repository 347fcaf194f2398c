// Package pdf renders stored form versions into byte-reproducible PDF
// documents. Reproducibility is the load-bearing property: a signed snapshot
// must be regenerable bit-for-bit for verification, so every source of
// nondeterminism (map order, timestamps baked into the file, float
// formatting) is pinned down.
package pdf

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/go-pdf/fpdf"

	"github.com/Health-Education-England/tis-trainee-forms/internal/lifecycle"
	"github.com/Health-Education-England/tis-trainee-forms/internal/models"
)

const (
	pageLabelWidth = 70
	lineHeight     = 7
)

// epoch pins the PDF metadata timestamps; the real render time lives on the
// DocumentSnapshot record instead, keeping the bytes a pure function of the
// version's identity and content.
var epoch = time.Unix(0, 0).UTC()

// Renderer converts form versions to PDF documents.
type Renderer struct{}

// NewRenderer creates a Renderer.
func NewRenderer() *Renderer {
	return &Renderer{}
}

// Render lays out the version's content and produces the document bytes.
// Output is byte-identical across calls for the same version and state; a
// DRAFT version is watermarked non-authoritative. The context is honoured
// between layout steps so a cancelled or timed-out render returns promptly
// without a partial artifact.
func (r *Renderer) Render(ctx context.Context, version *models.FormVersion) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	fields, err := layoutContent(version.Content)
	if err != nil {
		return nil, err
	}

	doc := fpdf.New("P", "mm", "A4", "")
	doc.SetCreationDate(epoch)
	doc.SetModificationDate(epoch)
	doc.SetTitle(fmt.Sprintf("%s v%d", titleFor(version.FormType), version.VersionID), false)
	doc.SetAutoPageBreak(true, 20)
	doc.AddPage()

	if version.State == lifecycle.StateDraft {
		drawDraftWatermark(doc)
	}

	doc.SetFont("Helvetica", "B", 16)
	doc.CellFormat(0, 10, titleFor(version.FormType), "", 1, "C", false, 0, "")

	doc.SetFont("Helvetica", "", 10)
	doc.CellFormat(0, 6, fmt.Sprintf("Trainee %s - version %d - %s",
		version.TraineeID, version.VersionID, version.State), "", 1, "C", false, 0, "")
	doc.Ln(4)

	doc.SetFont("Helvetica", "", 10)
	for _, f := range fields {
		if err = ctx.Err(); err != nil {
			return nil, err
		}
		doc.SetFont("Helvetica", "B", 10)
		doc.CellFormat(pageLabelWidth, lineHeight, f.Label, "B", 0, "L", false, 0, "")
		doc.SetFont("Helvetica", "", 10)
		doc.MultiCell(0, lineHeight, f.Value, "B", "L", false)
	}

	var buf bytes.Buffer
	if err = doc.Output(&buf); err != nil {
		return nil, fmt.Errorf("writing pdf: %w", err)
	}
	return buf.Bytes(), nil
}

// drawDraftWatermark stamps a diagonal DRAFT mark so an unsubmitted render
// cannot be mistaken for an audit copy.
func drawDraftWatermark(doc *fpdf.Fpdf) {
	doc.SetFont("Helvetica", "B", 80)
	doc.SetTextColor(225, 225, 225)
	doc.TransformBegin()
	doc.TransformRotate(45, 105, 150)
	doc.Text(45, 160, "DRAFT")
	doc.TransformEnd()
	doc.SetTextColor(0, 0, 0)
}

// Fingerprint returns the content fingerprint of rendered document bytes.
func Fingerprint(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
