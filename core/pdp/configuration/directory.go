package configuration

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const (
	maxDirectoryFiles     = 1000
	maxDirectoryBytes     = 10 << 20
	maxDirectoryMegabytes = maxDirectoryBytes >> 20
)

// LoadFromDirectory reads pdp.json and the sibling *.sapl files of dir.
// Without a configurationId in pdp.json the id is derived from the absolute
// path, the load time and the content hash.
func LoadFromDirectory(dir, pdpID string) (*PDPConfiguration, error) {
	// #nosec G304 -- configuration directory is operator-provided.
	pdpJSON, err := os.ReadFile(filepath.Join(dir, PdpJSON))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, newError(fmt.Sprintf("%s is required but not found in %s", PdpJSON, dir))
		}
		return nil, &Error{Msg: fmt.Sprintf("failed to read %s from %s", PdpJSON, dir), Err: err}
	}
	content, err := ParsePdpJSON(pdpJSON)
	if err != nil {
		return nil, err
	}
	documents, err := readPolicyDocuments(dir)
	if err != nil {
		return nil, err
	}
	id := content.ConfigurationID
	if id == "" {
		id = fmt.Sprintf("dir:%s@%s@sha256:%s", normalizeDir(dir), time.Now().UTC().Format(time.RFC3339), ContentHash(content.Algorithm, documents))
	}
	return New(pdpID, id, content.Algorithm, documents, content.Variables), nil
}

func readPolicyDocuments(dir string) (map[string]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, &Error{Msg: "failed to list policy files in directory", Err: err}
	}
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.Type().IsRegular() && strings.HasSuffix(entry.Name(), PolicyExtension) {
			names = append(names, entry.Name())
		}
	}
	if len(names) > maxDirectoryFiles {
		return nil, newError(fmt.Sprintf("file count exceeds maximum of %d files", maxDirectoryFiles))
	}
	documents := make(map[string]string, len(names))
	total := 0
	for _, name := range names {
		// size is checked on the bytes actually read, not a prior stat
		// #nosec G304 -- file name comes from listing the operator directory.
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return nil, &Error{Msg: fmt.Sprintf("failed to read policy document %q", name), Err: err}
		}
		total += len(data)
		if total > maxDirectoryBytes {
			return nil, newError(fmt.Sprintf("total size of policy documents exceeds maximum of %d MB", maxDirectoryMegabytes))
		}
		documents[name] = string(data)
	}
	return documents, nil
}

func normalizeDir(dir string) string {
	abs, err := filepath.Abs(dir)
	if err != nil {
		abs = dir
	}
	return strings.TrimSuffix(filepath.ToSlash(filepath.Clean(abs)), "/")
}
