package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/storyatlas/resolve-cli/internal/model"
)

var importCmd = &cobra.Command{
	Use:   "import <file.jsonl>",
	Short: "Bulk-load location records from a JSONL file",
	Long:  "Reads one location record per line and upserts them. Existing records keep their resolution; only the descriptive fields are updated.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		records, err := readRecords(args[0])
		if err != nil {
			return err
		}
		if len(records) == 0 {
			fmt.Println("No records to import.")
			return nil
		}

		st, err := openStore(cmd)
		if err != nil {
			return err
		}
		defer st.Close()

		if err := st.Migrate(cmd.Context()); err != nil {
			return err
		}

		n, err := st.ImportLocations(cmd.Context(), records)
		if err != nil {
			return err
		}

		zap.L().Info("import complete",
			zap.Int("read", len(records)),
			zap.Int64("upserted", n),
		)
		fmt.Printf("Imported %d records.\n", n)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(importCmd)
}

func readRecords(path string) ([]model.LocationRecord, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, eris.Wrap(err, "import: open file")
	}
	defer f.Close()

	var records []model.LocationRecord
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	line := 0
	for scanner.Scan() {
		line++
		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}
		var rec model.LocationRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			return nil, eris.Wrapf(err, "import: parse line %d", line)
		}
		if rec.PlaceName == "" {
			return nil, eris.Errorf("import: line %d: place_name is required", line)
		}
		if rec.ID == "" {
			rec.ID = uuid.NewString()
		}
		records = append(records, rec)
	}
	if err := scanner.Err(); err != nil {
		return nil, eris.Wrap(err, "import: read file")
	}
	return records, nil
}
