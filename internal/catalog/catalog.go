// Package catalog answers product and certificate questions from a workbook
// export of the store catalog.
package catalog

import (
	"sort"
	"strings"

	"voice-copilot-go/internal/types"
)

const (
	maxResults     = 5
	maxSuggestions = 3
)

type Catalog struct {
	products []types.Product
	certs    []types.Certificate
	mappings map[string][]string
}

// New builds a catalog from parsed records. A nil mappings table selects the
// built-in one.
func New(products []types.Product, certs []types.Certificate, mappings map[string][]string) *Catalog {
	if len(mappings) == 0 {
		mappings = FallbackMappings()
	}
	return &Catalog{products: products, certs: certs, mappings: mappings}
}

// Empty is a catalog with no products, used when no workbook is configured.
func Empty() *Catalog { return New(nil, nil, nil) }

func (c *Catalog) Size() (products, certificates, mappings int) {
	return len(c.products), len(c.certs), len(c.mappings)
}

// FallbackMappings maps spoken Spanish terms onto catalog vocabulary.
func FallbackMappings() map[string][]string {
	sour := []string{"sour", "extreme", "candy", "gummies"}
	return map[string][]string{
		"gomitas":     {"comestibles", "gummies", "hot bites", "candy", "bites", "sour", "extreme"},
		"gummies":     {"comestibles", "gummies", "hot bites", "candy", "sour"},
		"comestibles": {"comestibles", "gummies", "edibles", "bites", "candy", "sour"},
		"tintura":     {"tinturas", "aceite", "oil", "tintura"},
		"tinturas":    {"tinturas", "aceite", "oil"},
		"topico":      {"topicos", "crema", "stick", "freezing"},
		"topicos":     {"topicos", "crema", "stick", "freezing"},
		"crema":       {"topicos", "crema", "stick", "freezing"},
		"aceite":      {"tinturas", "aceite", "oil"},
		"recreativo":  {"comestibles", "delta", "hhc", "thc", "bites", "candy", "sour", "gummies"},
		"cbd":         {"cbd", "cannabidiol", "freezing"},
		"hhc":         {"hhc", "hexahidrocannabinol", "delta"},
		"delta":       {"delta", "delta 8", "delta 9", "bites"},
		"acido":       sour,
		"acida":       sour,
		"acidos":      sour,
		"acidas":      sour,
		"ácido":       sour,
		"ácida":       sour,
		"ácidos":      sour,
		"ácidas":      sour,
		"sour":        sour,
		"caramelo":    {"candy", "caramel", "cream", "comestibles"},
		"caramelos":   {"candy", "caramel", "cream", "comestibles"},
		"dulces":      {"candy", "comestibles", "gummies", "bites"},
	}
}

func (c *Catalog) active() []types.Product {
	var out []types.Product
	for _, p := range c.products {
		if p.Active {
			out = append(out, p)
		}
	}
	return out
}

// Search expands query through the term mappings, matches titles first and
// product types second, and returns at most five distinct products. When
// nothing matches it suggests up to three known categories.
func (c *Catalog) Search(query, category string) types.SearchResult {
	q := strings.ToLower(strings.TrimSpace(query))
	res := types.SearchResult{Query: query}
	active := c.active()

	var found []types.Product
	seen := map[string]bool{}
	add := func(p types.Product) {
		if !seen[p.ID] && len(found) < maxResults {
			seen[p.ID] = true
			found = append(found, p)
		}
	}

	if q != "" {
		terms, ok := c.mappings[q]
		if !ok {
			terms = []string{q}
		}
		res.UsedMapping = ok
		for _, term := range terms {
			if len(found) >= maxResults {
				break
			}
			for _, p := range active {
				if strings.Contains(strings.ToLower(p.Title), term) {
					add(p)
				}
			}
			if len(found) < maxResults {
				for _, p := range active {
					if strings.Contains(strings.ToLower(p.ProductType), term) {
						add(p)
					}
				}
			}
		}
	} else {
		for _, p := range active {
			add(p)
		}
	}

	if cat := strings.ToLower(strings.TrimSpace(category)); cat != "" {
		var filtered []types.Product
		for _, p := range found {
			if strings.Contains(strings.ToLower(p.ProductType), cat) {
				filtered = append(filtered, p)
			}
		}
		found = filtered
	}

	res.Products = found
	if len(found) == 0 {
		res.Suggestions = c.categories(maxSuggestions)
	}
	return res
}

func (c *Catalog) categories(limit int) []string {
	var out []string
	seen := map[string]bool{}
	for _, p := range c.active() {
		if p.ProductType == "" || seen[p.ProductType] {
			continue
		}
		seen[p.ProductType] = true
		out = append(out, p.ProductType)
		if len(out) == limit {
			break
		}
	}
	return out
}

// Certificate finds the most recent certificate whose batch contains batch,
// falling back to a product name match.
func (c *Catalog) Certificate(batch, product string) (types.Certificate, bool) {
	if b := strings.ToLower(strings.TrimSpace(batch)); b != "" {
		if cert, ok := c.latest(func(ct types.Certificate) bool {
			return strings.Contains(strings.ToLower(ct.BatchID), b)
		}); ok {
			return cert, true
		}
	}
	if p := strings.ToLower(strings.TrimSpace(product)); p != "" {
		return c.latest(func(ct types.Certificate) bool {
			return strings.Contains(strings.ToLower(ct.ProductName), p)
		})
	}
	return types.Certificate{}, false
}

func (c *Catalog) latest(match func(types.Certificate) bool) (types.Certificate, bool) {
	var hits []types.Certificate
	for _, ct := range c.certs {
		if match(ct) {
			hits = append(hits, ct)
		}
	}
	if len(hits) == 0 {
		return types.Certificate{}, false
	}
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].AnalysisDate.After(hits[j].AnalysisDate) })
	return hits[0], true
}
