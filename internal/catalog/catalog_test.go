package catalog

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"voice-copilot-go/internal/types"
)

func sample() *Catalog {
	return New([]types.Product{
		{ID: "1", Title: "Hot Bites Sour Extreme", ProductType: "Comestibles", Price: 350, Stock: 4, Active: true},
		{ID: "2", Title: "Gummies Mango", ProductType: "Comestibles", Price: 290, Stock: 0, Active: true},
		{ID: "3", Title: "Tintura CBD 1000mg", ProductType: "Tinturas", Price: 890, Stock: 8, Active: true},
		{ID: "4", Title: "Freezing Stick", ProductType: "Topicos", Price: 250, Stock: 3, Active: true},
		{ID: "5", Title: "Sour Candy Retired", ProductType: "Comestibles", Active: false},
		{ID: "6", Title: "Delta 8 Bites", ProductType: "Comestibles", Price: 400, Stock: 2, Active: true},
		{ID: "7", Title: "Candy Cream", ProductType: "Comestibles", Price: 120, Stock: 2, Active: true},
		{ID: "8", Title: "Caramel Pop", ProductType: "Comestibles", Price: 99, Stock: 2, Active: true},
	}, []types.Certificate{
		{ID: "c1", BatchID: "EUM-2401", ProductName: "Hot Bites", THCTotal: "0.2", AnalysisDate: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)},
		{ID: "c2", BatchID: "EUM-2405", ProductName: "Hot Bites", THCTotal: "0.3", AnalysisDate: time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)},
		{ID: "c3", BatchID: "TIN-77", ProductName: "Tintura CBD", CBDTotal: "33"},
	}, nil)
}

func ids(ps []types.Product) []string {
	var out []string
	for _, p := range ps {
		out = append(out, p.ID)
	}
	return out
}

func TestSearchUsesMappingsAndCaps(t *testing.T) {
	res := sample().Search("Gomitas", "")
	assert.True(t, res.UsedMapping)
	assert.Len(t, res.Products, maxResults)
	assert.NotContains(t, ids(res.Products), "5")
	// "comestibles" is the first expanded term and matches by type
	assert.Equal(t, "1", res.Products[0].ID)
}

func TestSearchDeduplicates(t *testing.T) {
	c := New([]types.Product{
		{ID: "1", Title: "Sour Candy", ProductType: "sour", Active: true},
	}, nil, map[string][]string{"x": {"sour", "candy"}})
	res := c.Search("x", "")
	assert.Equal(t, []string{"1"}, ids(res.Products))
}

func TestSearchCategoryFilter(t *testing.T) {
	res := sample().Search("cbd", "tintura")
	assert.Equal(t, []string{"3"}, ids(res.Products))
}

func TestSearchNoMatchSuggestsCategories(t *testing.T) {
	res := sample().Search("vapes", "")
	assert.False(t, res.UsedMapping)
	assert.Empty(t, res.Products)
	assert.Equal(t, []string{"Comestibles", "Tinturas", "Topicos"}, res.Suggestions)
}

func TestSearchEmptyQueryListsActive(t *testing.T) {
	res := sample().Search("", "")
	assert.Equal(t, []string{"1", "2", "3", "4", "6"}, ids(res.Products))
}

func TestCertificateLookup(t *testing.T) {
	c := sample()

	cert, ok := c.Certificate("eum-24", "")
	require.True(t, ok)
	assert.Equal(t, "c2", cert.ID, "latest analysis wins")

	cert, ok = c.Certificate("nope", "tintura")
	require.True(t, ok)
	assert.Equal(t, "c3", cert.ID)

	_, ok = c.Certificate("", "")
	assert.False(t, ok)
}

func TestLoadWorkbook(t *testing.T) {
	f := excelize.NewFile()
	defer f.Close()

	require.NoError(t, f.SetSheetName("Sheet1", SheetProducts))
	rows := [][]any{
		{"ID", "Title", "Product Type", "Price", "Inventory", "Status"},
		{"p1", "Hot Bites Sour", "Comestibles", "$350", "4", "active"},
		{"p2", "Old Gummies", "Comestibles", "100", "0", "archived"},
	}
	for i, r := range rows {
		cellRef, _ := excelize.CoordinatesToCellName(1, i+1)
		require.NoError(t, f.SetSheetRow(SheetProducts, cellRef, &r))
	}

	_, err := f.NewSheet(SheetCertificates)
	require.NoError(t, err)
	certRows := [][]any{
		{"Batch ID", "Product Name", "Lab Name", "THC Total %", "CBD Total %", "PDF URL", "Analysis Date"},
		{"EUM-1", "Hot Bites", "KCA Labs", "0.21", "", "https://x/coa.pdf", "2024-03-01"},
	}
	for i, r := range certRows {
		cellRef, _ := excelize.CoordinatesToCellName(1, i+1)
		require.NoError(t, f.SetSheetRow(SheetCertificates, cellRef, &r))
	}

	_, err = f.NewSheet(SheetMappings)
	require.NoError(t, err)
	mapRows := [][]any{
		{"Search Term", "Mapped Terms", "Confidence Score"},
		{"Picante", "bites, hot", "0.9"},
		{"Raro", "nothing", "0.1"},
	}
	for i, r := range mapRows {
		cellRef, _ := excelize.CoordinatesToCellName(1, i+1)
		require.NoError(t, f.SetSheetRow(SheetMappings, cellRef, &r))
	}

	path := filepath.Join(t.TempDir(), "catalog.xlsx")
	require.NoError(t, f.SaveAs(path))

	c, err := Load(path)
	require.NoError(t, err)

	np, nc, nm := c.Size()
	assert.Equal(t, 2, np)
	assert.Equal(t, 1, nc)
	assert.Equal(t, 1, nm)

	res := c.Search("picante", "")
	require.Len(t, res.Products, 1)
	assert.Equal(t, 350.0, res.Products[0].Price)
	assert.Equal(t, "hot-bites-sour", res.Products[0].Handle)

	cert, ok := c.Certificate("eum-1", "")
	require.True(t, ok)
	assert.Equal(t, "KCA Labs", cert.LabName)
	assert.Equal(t, "N/D", cert.CBDTotal)
	assert.Equal(t, 2024, cert.AnalysisDate.Year())
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.xlsx"))
	assert.Error(t, err)
}
