package config

import (
	"os"
	"strings"
)

// InvestmentSyncEnabled controls whether transaction syncs also mirror
// investment holdings/transactions. Items at institutions without investment
// products skip this path upstream anyway; the flag exists to shed the extra
// aggregator calls entirely.
//
// Set via env:
// - FEATURE_INVESTMENT_SYNC=false
func InvestmentSyncEnabled() bool {
	v := strings.ToLower(strings.TrimSpace(os.Getenv("FEATURE_INVESTMENT_SYNC")))
	if v == "" {
		return true
	}
	return v == "1" || v == "true" || v == "yes" || v == "y"
}

// XlsxExportEnabled controls whether /api/data/export accepts format=xlsx
// in addition to the default zip-of-CSVs archive.
//
// Set via env:
// - FEATURE_XLSX_EXPORT=false
func XlsxExportEnabled() bool {
	v := strings.ToLower(strings.TrimSpace(os.Getenv("FEATURE_XLSX_EXPORT")))
	if v == "" {
		return true
	}
	return v == "1" || v == "true" || v == "yes" || v == "y"
}
