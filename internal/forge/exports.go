package forge

import (
	"bufio"
	"encoding/json"
	"io"
	"os"
	"strings"
)

// ExportSymbols is the ordered allow-list of binding-visible symbol names.
type ExportSymbols []string

// bindingName maps a C symbol to the name the module exports it under.
func bindingName(symbol string) string {
	return "_" + symbol
}

// ParseExportSymbols reads one symbol per line. Blank lines and lines
// starting with '#' are skipped; order and duplicates are kept as written.
func ParseExportSymbols(r io.Reader) (ExportSymbols, error) {
	var syms ExportSymbols
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		syms = append(syms, bindingName(line))
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return syms, nil
}

// LoadExportSymbols reads the export list file at path.
func LoadExportSymbols(path string) (ExportSymbols, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, failf(ErrConfig, "exports", err, "open export list")
	}
	defer f.Close()
	syms, err := ParseExportSymbols(f)
	if err != nil {
		return nil, failf(ErrConfig, "exports", err, "read %s", path)
	}
	return syms, nil
}

// Setting renders the list as a linker setting, e.g.
// EXPORTED_FUNCTIONS=["_foo","_bar"].
func (s ExportSymbols) Setting() string {
	return "EXPORTED_FUNCTIONS=" + jsonList(s)
}

func jsonList(items []string) string {
	if items == nil {
		items = []string{}
	}
	data, _ := json.Marshal(items)
	return string(data)
}
