package types

import "time"

type Product struct {
	ID          string  `json:"id"`
	Title       string  `json:"title"`
	Handle      string  `json:"handle"`
	ProductType string  `json:"product_type"`
	Description string  `json:"description,omitempty"`
	Price       float64 `json:"price"`
	Stock       int     `json:"stock"`
	Active      bool    `json:"active"`
}

// SearchResult carries matches, or category suggestions when nothing matched.
type SearchResult struct {
	Query       string    `json:"query"`
	Products    []Product `json:"products"`
	Suggestions []string  `json:"suggestions,omitempty"`
	UsedMapping bool      `json:"used_mapping"`
}

// Certificate is a lab certificate of analysis for one production batch.
type Certificate struct {
	ID           string    `json:"id"`
	PublicToken  string    `json:"public_token"`
	BatchID      string    `json:"batch_id"`
	ProductName  string    `json:"product_name"`
	LabName      string    `json:"lab_name,omitempty"`
	THCTotal     string    `json:"thc_total"`
	CBDTotal     string    `json:"cbd_total"`
	PDFURL       string    `json:"pdf_url,omitempty"`
	AnalysisDate time.Time `json:"analysis_date,omitempty"`
}
