package pricing

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/MarkoPoloResearchLab/credits/pkg/ledger"
)

const catalogTOML = `
[[items]]
id = "image-standard"
cost = 10
description = "1024px render"

[[items]]
id = "image-hd"
cost = 25

[[items]]
id = "image-legacy"
cost = 5
active = false
`

func mustItemID(test *testing.T, raw string) ledger.ItemID {
	test.Helper()
	itemID, err := ledger.NewItemID(raw)
	if err != nil {
		test.Fatalf("item id: %v", err)
	}
	return itemID
}

func TestParseCatalog(test *testing.T) {
	test.Parallel()
	catalog, err := Parse(catalogTOML)
	if err != nil {
		test.Fatalf("parse: %v", err)
	}
	price, err := catalog.ItemPrice(context.Background(), mustItemID(test, "image-hd"))
	if err != nil {
		test.Fatalf("item price: %v", err)
	}
	if price.Cost != 25 || !price.Active {
		test.Fatalf("unexpected price: %+v", price)
	}
	legacy, err := catalog.ItemPrice(context.Background(), mustItemID(test, "image-legacy"))
	if err != nil {
		test.Fatalf("legacy price: %v", err)
	}
	if legacy.Active {
		test.Fatalf("expected inactive legacy item")
	}
	if got := len(catalog.Items()); got != 3 {
		test.Fatalf("expected 3 items, got %d", got)
	}
	if first := catalog.Items()[0].ItemID.String(); first != "image-hd" {
		test.Fatalf("expected sorted items, first was %q", first)
	}
}

func TestCatalogUnknownItem(test *testing.T) {
	test.Parallel()
	catalog, err := NewCatalog(Item{ID: "image-standard", Cost: 10})
	if err != nil {
		test.Fatalf("catalog: %v", err)
	}
	_, err = catalog.ItemPrice(context.Background(), mustItemID(test, "video"))
	if !errors.Is(err, ledger.ErrItemNotFound) {
		test.Fatalf("expected ErrItemNotFound, got %v", err)
	}
	if !errors.Is(err, ledger.ErrNotFound) {
		test.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestCatalogValidation(test *testing.T) {
	test.Parallel()
	testCases := []struct {
		name string
		raw  string
	}{
		{name: "zero cost", raw: "[[items]]\nid = \"a\"\ncost = 0\n"},
		{name: "empty id", raw: "[[items]]\nid = \" \"\ncost = 1\n"},
		{name: "duplicate id", raw: "[[items]]\nid = \"a\"\ncost = 1\n[[items]]\nid = \"a\"\ncost = 2\n"},
		{name: "unknown key", raw: "[[items]]\nid = \"a\"\ncost = 1\nprice = 3\n"},
		{name: "malformed", raw: "[[items]\n"},
	}
	for _, testCase := range testCases {
		testCase := testCase
		test.Run(testCase.name, func(test *testing.T) {
			test.Parallel()
			if _, err := Parse(testCase.raw); !errors.Is(err, ErrInvalidCatalog) {
				test.Fatalf("expected ErrInvalidCatalog, got %v", err)
			}
		})
	}
}

func TestLoadFile(test *testing.T) {
	test.Parallel()
	path := filepath.Join(test.TempDir(), "pricing.toml")
	if err := os.WriteFile(path, []byte(catalogTOML), 0o600); err != nil {
		test.Fatalf("write: %v", err)
	}
	catalog, err := LoadFile(path)
	if err != nil {
		test.Fatalf("load: %v", err)
	}
	price, err := catalog.ItemPrice(context.Background(), mustItemID(test, "image-standard"))
	if err != nil {
		test.Fatalf("item price: %v", err)
	}
	if price.Cost != 10 {
		test.Fatalf("expected cost 10, got %d", price.Cost)
	}
	if _, err := LoadFile(filepath.Join(test.TempDir(), "missing.toml")); !errors.Is(err, ErrInvalidCatalog) {
		test.Fatalf("expected ErrInvalidCatalog for missing file, got %v", err)
	}
}

func TestReplaceSwapsItems(test *testing.T) {
	test.Parallel()
	catalog, err := NewCatalog(Item{ID: "a", Cost: 1})
	if err != nil {
		test.Fatalf("catalog: %v", err)
	}
	if err := catalog.Replace([]Item{{ID: "b", Cost: 2}}); err != nil {
		test.Fatalf("replace: %v", err)
	}
	if _, err := catalog.ItemPrice(context.Background(), mustItemID(test, "a")); !errors.Is(err, ledger.ErrItemNotFound) {
		test.Fatalf("expected a to be gone, got %v", err)
	}
	if err := catalog.Replace([]Item{{ID: "c", Cost: -1}}); !errors.Is(err, ErrInvalidCatalog) {
		test.Fatalf("expected invalid catalog, got %v", err)
	}
	if _, err := catalog.ItemPrice(context.Background(), mustItemID(test, "b")); err != nil {
		test.Fatalf("failed replace must keep previous table: %v", err)
	}
}
