package main

import (
	"encoding/csv"
	"fmt"
	"os"
	"strings"

	"github.com/monadtools/disperse/internal/batch"
	"github.com/monadtools/disperse/internal/holdings"
)

// readTransferCSV reads "address,amount" rows. A header row is tolerated.
func readTransferCSV(path string) ([]batch.RawTransfer, error) {
	records, err := readCSV(path, 2)
	if err != nil {
		return nil, err
	}
	out := make([]batch.RawTransfer, 0, len(records))
	for _, rec := range records {
		out = append(out, batch.RawTransfer{To: rec[0], Amount: rec[1]})
	}
	return out, nil
}

// readNftCSV reads "address,tokenId[,amount]" rows.
func readNftCSV(path string) ([]batch.RawNftTransfer, error) {
	records, err := readCSV(path, 2)
	if err != nil {
		return nil, err
	}
	out := make([]batch.RawNftTransfer, 0, len(records))
	for _, rec := range records {
		row := batch.RawNftTransfer{To: rec[0], TokenID: rec[1]}
		if len(rec) > 2 {
			row.Amount = rec[2]
		}
		out = append(out, row)
	}
	return out, nil
}

func readCSV(path string, minFields int) ([][]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	records, err := r.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	var out [][]string
	for i, rec := range records {
		for j := range rec {
			rec[j] = strings.TrimSpace(rec[j])
		}
		if len(rec) == 0 || rec[0] == "" {
			continue
		}
		// skip a header row
		if i == 0 && !strings.HasPrefix(rec[0], "0x") {
			continue
		}
		if len(rec) < minFields {
			return nil, fmt.Errorf("%s line %d: expected at least %d fields", path, i+1, minFields)
		}
		out = append(out, rec)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%s: no rows", path)
	}
	return out, nil
}

func writeSnapshotCSV(path string, rows []holdings.SnapshotRow) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if err := w.Write([]string{"token_id", "owner", "quantity"}); err != nil {
		return err
	}
	for _, row := range rows {
		if err := w.Write([]string{row.TokenID, row.Owner.Hex(), row.Quantity}); err != nil {
			return err
		}
	}
	w.Flush()
	return w.Error()
}
