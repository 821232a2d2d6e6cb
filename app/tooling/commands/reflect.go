package commands

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"github.com/jrazmi/stepwise/schema/reflector"
	"github.com/jrazmi/stepwise/sdk/logger"
)

// ReflectSchema reflects the live schema and writes JSON and SQL snapshots.
// The dialect supplies the store that knows how to query the database.
func ReflectSchema(ctx context.Context, log *logger.Logger, args []string, database *Database) error {
	fs := flag.NewFlagSet("reflect-schema", flag.ContinueOnError)

	schemaName := fs.String("schema", database.Dialect.SchemaName(), "Schema to reflect")
	outputDir := fs.String("output", "schema/reflector/output", "Output directory for generated files")

	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("parse flags: %w", err)
	}

	log.InfoContext(ctx, "reflect-schema started",
		"schema", *schemaName,
		"output", *outputDir,
	)

	store := database.Dialect.Introspect(database.DB)
	ref := reflector.NewReflector(store)

	log.InfoContext(ctx, "reflecting schema", "source", store.GetSourceType(), "database", store.GetDatabaseName(), "schema", *schemaName)

	reflected, err := ref.Reflect(ctx, *schemaName)
	if err != nil {
		return fmt.Errorf("reflect schema: %w", err)
	}

	log.InfoContext(ctx, "discovered tables", "count", len(reflected.Tables))

	if err := os.MkdirAll(*outputDir, 0755); err != nil {
		return fmt.Errorf("create output directory: %w", err)
	}

	jsonPath := filepath.Join(*outputDir, *schemaName+".json")
	if err := reflector.WriteJSON(reflected, jsonPath); err != nil {
		return fmt.Errorf("write JSON: %w", err)
	}
	log.InfoContext(ctx, "generated JSON", "path", jsonPath)

	sqlPath := filepath.Join(*outputDir, *schemaName+".sql")
	if err := reflector.WriteSQL(reflected, sqlPath); err != nil {
		return fmt.Errorf("write SQL: %w", err)
	}
	log.InfoContext(ctx, "generated SQL", "path", sqlPath)

	log.InfoContext(ctx, "reflect-schema completed successfully")
	return nil
}
