// Schema Generator
//
// Generates JSON Schema files from the API request and response types so
// clients can validate payloads against the Go source of truth.
//
// Usage:
//
//	go run ./cmd/schema-gen [output-dir]
//
// Output (default directory ./schemas):
//
//	offers.json
//	categories.json
//	catalog.json
package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"

	"github.com/invopop/jsonschema"
	"github.com/shopspring/decimal"

	"github.com/kosarica/marketplace-service/internal/catalog"
	"github.com/kosarica/marketplace-service/internal/categories"
	"github.com/kosarica/marketplace-service/internal/handlers"
	"github.com/kosarica/marketplace-service/internal/offers"
)

// SchemaGroup represents a group of related schemas
type SchemaGroup struct {
	Name   string
	Types  []any
	Output string
}

var groups = []SchemaGroup{
	{
		Name: "offers",
		Types: []any{
			// Request types
			offers.CreateOfferInput{},
			offers.OfferPatch{},
			// Response types
			offers.View{},
			offers.OfferList{},
			offers.PriceHistory{},
			offers.PriceStats{},
			handlers.OfferDetail{},
			handlers.UpdateOfferResponse{},
		},
		Output: "offers.json",
	},
	{
		Name: "categories",
		Types: []any{
			// Request types
			categories.CreateCategoryInput{},
			categories.CategoryPatch{},
			// Response types
			categories.Node{},
			categories.Stats{},
			categories.ProductPage{},
			handlers.CategoryDetail{},
			handlers.DescendantsResponse{},
		},
		Output: "categories.json",
	},
	{
		Name: "catalog",
		Types: []any{
			catalog.CreateProductInput{},
			catalog.CreateMerchantInput{},
			catalog.ProductPatch{},
			catalog.MerchantPatch{},
			catalog.ProductList{},
			catalog.MerchantList{},
			catalog.ProductStats{},
			handlers.ProductDetail{},
			handlers.ErrorResponse{},
		},
		Output: "catalog.json",
	},
}

func main() {
	outputDir := "schemas"
	if len(os.Args) > 1 {
		outputDir = os.Args[1]
	}

	if err := os.MkdirAll(outputDir, 0755); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create output directory: %v\n", err)
		os.Exit(1)
	}

	for _, group := range groups {
		schema := generateGroupSchema(group)
		outputPath := filepath.Join(outputDir, group.Output)

		if err := writeSchema(schema, outputPath); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to write %s: %v\n", group.Output, err)
			os.Exit(1)
		}

		fmt.Printf("Generated %s\n", outputPath)
	}

	fmt.Println("Schema generation complete!")
}

var (
	decimalType     = reflect.TypeOf(decimal.Decimal{})
	nullDecimalType = reflect.TypeOf(decimal.NullDecimal{})
)

// mapDecimals describes money as decimal strings, which is how
// shopspring/decimal marshals them
func mapDecimals(t reflect.Type) *jsonschema.Schema {
	money := &jsonschema.Schema{Type: "string", Pattern: `^-?\d+(\.\d+)?$`}
	switch t {
	case decimalType:
		return money
	case nullDecimalType:
		return &jsonschema.Schema{OneOf: []*jsonschema.Schema{money, {Type: "null"}}}
	}
	return nil
}

// generateGroupSchema creates a combined schema with all types in a group
func generateGroupSchema(group SchemaGroup) map[string]any {
	reflector := &jsonschema.Reflector{
		DoNotReference: false,
		ExpandedStruct: false,
		Mapper:         mapDecimals,
	}

	definitions := make(map[string]any)

	for _, t := range group.Types {
		schema := reflector.Reflect(t)

		typeName := ""
		if schema.Ref != "" {
			// "#/$defs/CreateOfferInput"
			typeName = filepath.Base(schema.Ref)
		}

		for name, def := range schema.Definitions {
			definitions[name] = def
		}

		if typeName != "" && schema.Definitions[typeName] != nil {
			definitions[typeName] = schema.Definitions[typeName]
		}
	}

	return map[string]any{
		"$schema":     "https://json-schema.org/draft/2020-12/schema",
		"$id":         fmt.Sprintf("https://kosarica.hr/schemas/marketplace/%s.json", group.Name),
		"title":       fmt.Sprintf("%s API Types", capitalize(group.Name)),
		"description": fmt.Sprintf("JSON Schema for %s API types generated from Go structs", group.Name),
		"$defs":       definitions,
	}
}

// writeSchema writes a schema to a JSON file
func writeSchema(schema map[string]any, path string) error {
	data, err := json.MarshalIndent(schema, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal schema: %w", err)
	}

	return os.WriteFile(path, data, 0644)
}

func capitalize(s string) string {
	if len(s) == 0 {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}
