package catalog

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/xuri/excelize/v2"

	"voice-copilot-go/internal/types"
)

const (
	SheetProducts     = "Products"
	SheetCertificates = "Certificates"
	SheetMappings     = "Mappings"

	// mappings below this confidence are ignored
	minConfidence = 0.30
)

// Load reads the catalog workbook. Columns are found by header heuristics so
// exports with extra or reordered columns still load. A missing Mappings
// sheet keeps the built-in term table.
func Load(path string) (*Catalog, error) {
	f, err := excelize.OpenFile(path)
	if err != nil {
		return nil, fmt.Errorf("open file: %w", err)
	}
	defer f.Close()

	sheets := map[string]string{}
	for _, name := range f.GetSheetList() {
		sheets[strings.ToLower(name)] = name
	}

	var products []types.Product
	if name, ok := sheets[strings.ToLower(SheetProducts)]; ok {
		rows, err := f.GetRows(name)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", name, err)
		}
		products = parseProducts(rows)
	} else if list := f.GetSheetList(); len(list) > 0 {
		// single-sheet exports carry products only
		rows, err := f.GetRows(list[0])
		if err != nil {
			return nil, fmt.Errorf("read rows: %w", err)
		}
		products = parseProducts(rows)
	}

	var certs []types.Certificate
	if name, ok := sheets[strings.ToLower(SheetCertificates)]; ok {
		rows, err := f.GetRows(name)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", name, err)
		}
		certs = parseCertificates(rows)
	}

	var mappings map[string][]string
	if name, ok := sheets[strings.ToLower(SheetMappings)]; ok {
		rows, err := f.GetRows(name)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", name, err)
		}
		mappings = parseMappings(rows)
	}

	return New(products, certs, mappings), nil
}

// columns maps a header row onto field indexes; the first matching header wins.
func columns(header []string, match func(h string) string) map[string]int {
	idx := map[string]int{}
	for i, h := range header {
		field := match(strings.ToLower(strings.TrimSpace(h)))
		if field == "" {
			continue
		}
		if _, seen := idx[field]; !seen {
			idx[field] = i
		}
	}
	return idx
}

func cell(r []string, idx map[string]int, field string) string {
	i, ok := idx[field]
	if !ok || i >= len(r) {
		return ""
	}
	return strings.TrimSpace(r[i])
}

func parseProducts(rows [][]string) []types.Product {
	if len(rows) <= 1 {
		return nil
	}
	idx := columns(rows[0], func(h string) string {
		switch {
		case h == "id" || strings.Contains(h, "product id") || h == "sku":
			return "id"
		case strings.Contains(h, "title") || h == "name" || strings.Contains(h, "product name"):
			return "title"
		case strings.Contains(h, "handle") || strings.Contains(h, "slug"):
			return "handle"
		case strings.Contains(h, "type") || strings.Contains(h, "category"):
			return "type"
		case strings.Contains(h, "desc"):
			return "description"
		case strings.Contains(h, "price"):
			return "price"
		case strings.Contains(h, "stock") || strings.Contains(h, "inventory") || strings.Contains(h, "qty"):
			return "stock"
		case strings.Contains(h, "status") || strings.Contains(h, "active"):
			return "status"
		}
		return ""
	})

	var out []types.Product
	for i, r := range rows {
		if i == 0 {
			continue
		}
		p := types.Product{
			ID:          cell(r, idx, "id"),
			Title:       cell(r, idx, "title"),
			Handle:      cell(r, idx, "handle"),
			ProductType: cell(r, idx, "type"),
			Description: cell(r, idx, "description"),
			Active:      isActive(cell(r, idx, "status")),
		}
		if p.Title == "" {
			continue
		}
		if p.ID == "" {
			p.ID = fmt.Sprintf("row-%d", i+1)
		}
		if p.Handle == "" {
			p.Handle = slug(p.Title)
		}
		p.Price = parseFloat(cell(r, idx, "price"))
		p.Stock, _ = strconv.Atoi(cell(r, idx, "stock"))
		out = append(out, p)
	}
	return out
}

func parseCertificates(rows [][]string) []types.Certificate {
	if len(rows) <= 1 {
		return nil
	}
	idx := columns(rows[0], func(h string) string {
		switch {
		case h == "id":
			return "id"
		case strings.Contains(h, "token"):
			return "token"
		case strings.Contains(h, "batch") || strings.Contains(h, "lote"):
			return "batch"
		case strings.Contains(h, "lab"):
			return "lab"
		case strings.Contains(h, "product") || strings.Contains(h, "name"):
			return "product"
		case strings.Contains(h, "thc"):
			return "thc"
		case strings.Contains(h, "cbd"):
			return "cbd"
		case strings.Contains(h, "pdf") || strings.Contains(h, "url"):
			return "pdf"
		case strings.Contains(h, "date") || strings.Contains(h, "fecha"):
			return "date"
		}
		return ""
	})

	var out []types.Certificate
	for i, r := range rows {
		if i == 0 {
			continue
		}
		c := types.Certificate{
			ID:          cell(r, idx, "id"),
			PublicToken: cell(r, idx, "token"),
			BatchID:     cell(r, idx, "batch"),
			ProductName: cell(r, idx, "product"),
			LabName:     cell(r, idx, "lab"),
			THCTotal:    orND(cell(r, idx, "thc")),
			CBDTotal:    orND(cell(r, idx, "cbd")),
			PDFURL:      cell(r, idx, "pdf"),
		}
		if c.BatchID == "" && c.ProductName == "" {
			continue
		}
		if c.ID == "" {
			c.ID = fmt.Sprintf("coa-%d", i+1)
		}
		if c.PublicToken == "" {
			c.PublicToken = c.ID
		}
		c.AnalysisDate = parseDate(cell(r, idx, "date"))
		out = append(out, c)
	}
	return out
}

func parseMappings(rows [][]string) map[string][]string {
	if len(rows) <= 1 {
		return nil
	}
	idx := columns(rows[0], func(h string) string {
		switch {
		case strings.Contains(h, "mapped") || strings.Contains(h, "expan") || h == "terms":
			return "mapped"
		case strings.Contains(h, "term") || strings.Contains(h, "query"):
			return "term"
		case strings.Contains(h, "confidence") || strings.Contains(h, "score"):
			return "confidence"
		case strings.Contains(h, "active"):
			return "active"
		}
		return ""
	})

	out := map[string][]string{}
	for i, r := range rows {
		if i == 0 {
			continue
		}
		term := strings.ToLower(cell(r, idx, "term"))
		if term == "" {
			continue
		}
		if a := cell(r, idx, "active"); a != "" && !isActive(a) {
			continue
		}
		if c := cell(r, idx, "confidence"); c != "" && parseFloat(c) < minConfidence {
			continue
		}
		var mapped []string
		for _, m := range strings.FieldsFunc(cell(r, idx, "mapped"), func(r rune) bool { return r == ',' || r == '|' || r == ';' }) {
			if m = strings.ToLower(strings.TrimSpace(m)); m != "" {
				mapped = append(mapped, m)
			}
		}
		if len(mapped) > 0 {
			out[term] = mapped
		}
	}
	return out
}

func isActive(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "active", "activo", "true", "yes", "si", "sí", "1":
		return true
	}
	return false
}

func parseFloat(s string) float64 {
	s = strings.NewReplacer("$", "", ",", "", "MXN", "", "%", "").Replace(s)
	f, _ := strconv.ParseFloat(strings.TrimSpace(s), 64)
	return f
}

func parseDate(s string) time.Time {
	for _, layout := range []string{"2006-01-02", time.RFC3339, "01-02-06", "2/1/2006", "1/2/2006"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return time.Time{}
}

func orND(s string) string {
	if s == "" {
		return "N/D"
	}
	return strings.TrimSuffix(s, "%")
}

func slug(title string) string {
	var b strings.Builder
	dash := false
	for _, r := range strings.ToLower(title) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
			dash = false
		} else if !dash && b.Len() > 0 {
			b.WriteByte('-')
			dash = true
		}
	}
	return strings.TrimSuffix(b.String(), "-")
}
