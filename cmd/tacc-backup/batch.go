package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/NCAR/tacc-backup/internal/model"
)

// openBatch opens a batch file, or stdin for "-".
func openBatch(name string, stdin io.Reader) (io.ReadCloser, error) {
	if name == "-" {
		return io.NopCloser(stdin), nil
	}
	return os.Open(name)
}

// readTransferBatch parses
//
//	{"files": [{"source_file": "...", "destination_file": "..."}]}
func readTransferBatch(r io.Reader) ([]model.TransferItem, error) {
	var doc struct {
		Files []model.TransferItem `json:"files"`
	}
	if err := json.NewDecoder(r).Decode(&doc); err != nil {
		return nil, fmt.Errorf("decode transfer batch: %w", err)
	}
	if len(doc.Files) == 0 {
		return nil, errors.New("transfer batch has no files")
	}
	for i, f := range doc.Files {
		if f.SourcePath == "" || f.DestinationPath == "" {
			return nil, fmt.Errorf("transfer batch entry %d: source_file and destination_file are required", i)
		}
	}
	return doc.Files, nil
}

// readDeleteBatch parses a JSON array of paths.
func readDeleteBatch(r io.Reader) ([]string, error) {
	var paths []string
	if err := json.NewDecoder(r).Decode(&paths); err != nil {
		return nil, fmt.Errorf("decode delete batch: %w", err)
	}
	if len(paths) == 0 {
		return nil, errors.New("delete batch has no paths")
	}
	for i, p := range paths {
		if p == "" {
			return nil, fmt.Errorf("delete batch entry %d is empty", i)
		}
	}
	return paths, nil
}
