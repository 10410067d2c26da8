package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"asclepius/pkg/auditproof"
)

// chainExport mirrors the response body of GET /v1/audit/entries, so a saved
// export feeds the verifier unedited.
type chainExport struct {
	Entries []auditproof.Entry `json:"entries"`
}

func loadExport(path string) ([]auditproof.Entry, error) {
	var payload []byte
	var err error
	if path == "" || path == "-" {
		payload, err = io.ReadAll(os.Stdin)
	} else {
		payload, err = os.ReadFile(path)
	}
	if err != nil {
		return nil, fmt.Errorf("read export: %w", err)
	}

	var export chainExport
	if err := json.Unmarshal(payload, &export); err != nil {
		return nil, fmt.Errorf("decode export: %w", err)
	}
	return export.Entries, nil
}
