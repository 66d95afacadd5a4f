// Package pricing serves priceable item costs from a TOML catalog.
package pricing

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/BurntSushi/toml"
	"github.com/MarkoPoloResearchLab/credits/pkg/ledger"
)

// ErrInvalidCatalog reports a malformed catalog file.
var ErrInvalidCatalog = errors.New("invalid pricing catalog")

// Item is one catalog entry. Active defaults to true when omitted.
type Item struct {
	ID          string `toml:"id"`
	Cost        int64  `toml:"cost"`
	Active      *bool  `toml:"active"`
	Description string `toml:"description"`
}

type catalogFile struct {
	Items []Item `toml:"items"`
}

// Catalog implements ledger.PriceLookup over an in-memory item table.
type Catalog struct {
	mutex sync.RWMutex
	items map[ledger.ItemID]ledger.ItemPrice
}

// NewCatalog validates items and builds a Catalog.
func NewCatalog(items ...Item) (*Catalog, error) {
	catalog := &Catalog{}
	if err := catalog.Replace(items); err != nil {
		return nil, err
	}
	return catalog, nil
}

// LoadFile reads a catalog from a TOML file.
func LoadFile(path string) (*Catalog, error) {
	var file catalogFile
	metadata, err := toml.DecodeFile(path, &file)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidCatalog, path, err)
	}
	if err := rejectUndecoded(metadata); err != nil {
		return nil, err
	}
	return NewCatalog(file.Items...)
}

// Parse reads a catalog from TOML text.
func Parse(raw string) (*Catalog, error) {
	var file catalogFile
	metadata, err := toml.Decode(raw, &file)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCatalog, err)
	}
	if err := rejectUndecoded(metadata); err != nil {
		return nil, err
	}
	return NewCatalog(file.Items...)
}

// Replace swaps the item table atomically.
func (catalog *Catalog) Replace(items []Item) error {
	table := make(map[ledger.ItemID]ledger.ItemPrice, len(items))
	for index, item := range items {
		itemID, err := ledger.NewItemID(item.ID)
		if err != nil {
			return fmt.Errorf("%w: item %d: %v", ErrInvalidCatalog, index, err)
		}
		if _, duplicate := table[itemID]; duplicate {
			return fmt.Errorf("%w: duplicate item %q", ErrInvalidCatalog, itemID)
		}
		cost, err := ledger.NewCredits(item.Cost)
		if err != nil {
			return fmt.Errorf("%w: item %q: %v", ErrInvalidCatalog, itemID, err)
		}
		active := true
		if item.Active != nil {
			active = *item.Active
		}
		table[itemID] = ledger.ItemPrice{ItemID: itemID, Cost: cost, Active: active}
	}
	catalog.mutex.Lock()
	catalog.items = table
	catalog.mutex.Unlock()
	return nil
}

// ItemPrice implements ledger.PriceLookup.
func (catalog *Catalog) ItemPrice(_ context.Context, itemID ledger.ItemID) (ledger.ItemPrice, error) {
	catalog.mutex.RLock()
	defer catalog.mutex.RUnlock()
	price, ok := catalog.items[itemID]
	if !ok {
		return ledger.ItemPrice{}, fmt.Errorf("%w: %s", ledger.ErrItemNotFound, itemID)
	}
	return price, nil
}

// Items lists the catalog sorted by id.
func (catalog *Catalog) Items() []ledger.ItemPrice {
	catalog.mutex.RLock()
	defer catalog.mutex.RUnlock()
	prices := make([]ledger.ItemPrice, 0, len(catalog.items))
	for _, price := range catalog.items {
		prices = append(prices, price)
	}
	sort.Slice(prices, func(left, right int) bool {
		return prices[left].ItemID.String() < prices[right].ItemID.String()
	})
	return prices
}

func rejectUndecoded(metadata toml.MetaData) error {
	undecoded := metadata.Undecoded()
	if len(undecoded) == 0 {
		return nil
	}
	keys := make([]string, 0, len(undecoded))
	for _, key := range undecoded {
		keys = append(keys, key.String())
	}
	return fmt.Errorf("%w: unknown keys %s", ErrInvalidCatalog, strings.Join(keys, ", "))
}
