package billing

import (
	"bytes"
	"fmt"
	"strings"
)

// RenderInvoicePDF renders the draft as a single-page PDF statement. The
// writer emits the minimal PDF 1.4 subset (one page, Helvetica, text only),
// which every viewer accepts.
func RenderInvoicePDF(inv *Invoice) []byte {
	lines := []string{
		"Settld Magic Link",
		fmt.Sprintf("Invoice draft %s", inv.Month),
		"",
		fmt.Sprintf("Tenant: %s", inv.TenantID),
		fmt.Sprintf("Plan: %s", inv.Plan),
		"",
	}
	for _, l := range inv.Lines {
		row := fmt.Sprintf("%-48s $%d.%02d", l.Description, l.AmountCents/100, l.AmountCents%100)
		if l.UnitTenthCents > 0 {
			row = fmt.Sprintf("%s  (%d x %d.%d tenth-cents)", row, l.Quantity, l.UnitTenthCents/10, l.UnitTenthCents%10)
		}
		lines = append(lines, row)
	}
	lines = append(lines, "", fmt.Sprintf("Total: $%d.%02d %s", inv.TotalCents/100, inv.TotalCents%100, strings.ToUpper(inv.Currency)))
	return renderTextPDF(lines)
}

// TextPDF renders lines as a minimal single-page PDF. Invoice drafts and the
// receipt summary share it.
func TextPDF(lines []string) []byte {
	return renderTextPDF(lines)
}

func renderTextPDF(lines []string) []byte {
	var content bytes.Buffer
	content.WriteString("BT\n/F1 11 Tf\n14 TL\n72 740 Td\n")
	for _, line := range lines {
		content.WriteString("(" + escapePDFText(line) + ") Tj\nT*\n")
	}
	content.WriteString("ET\n")

	objects := []string{
		"<< /Type /Catalog /Pages 2 0 R >>",
		"<< /Type /Pages /Kids [3 0 R] /Count 1 >>",
		"<< /Type /Page /Parent 2 0 R /MediaBox [0 0 612 792] /Resources << /Font << /F1 4 0 R >> >> /Contents 5 0 R >>",
		"<< /Type /Font /Subtype /Type1 /BaseFont /Helvetica >>",
		fmt.Sprintf("<< /Length %d >>\nstream\n%sendstream", content.Len(), content.String()),
	}

	var out bytes.Buffer
	out.WriteString("%PDF-1.4\n")
	offsets := make([]int, len(objects))
	for i, body := range objects {
		offsets[i] = out.Len()
		fmt.Fprintf(&out, "%d 0 obj\n%s\nendobj\n", i+1, body)
	}
	xref := out.Len()
	fmt.Fprintf(&out, "xref\n0 %d\n0000000000 65535 f \n", len(objects)+1)
	for _, off := range offsets {
		fmt.Fprintf(&out, "%010d 00000 n \n", off)
	}
	fmt.Fprintf(&out, "trailer\n<< /Size %d /Root 1 0 R >>\nstartxref\n%d\n%%%%EOF\n", len(objects)+1, xref)
	return out.Bytes()
}

func escapePDFText(s string) string {
	r := strings.NewReplacer("\\", "\\\\", "(", "\\(", ")", "\\)")
	return r.Replace(s)
}
