package config

import (
	"fmt"
	"os"

	"howett.net/plist"
)

// LoadProduct reads product naming and distributions from a property list.
func LoadProduct(path string) (*ProductInfo, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read product config: %w", err)
	}
	return ParseProduct(data)
}

// ParseProduct parses an XML or binary property list into ProductInfo.
func ParseProduct(data []byte) (*ProductInfo, error) {
	var info ProductInfo
	if _, err := plist.Unmarshal(data, &info); err != nil {
		return nil, fmt.Errorf("failed to parse product config: %w", err)
	}
	return &info, nil
}
