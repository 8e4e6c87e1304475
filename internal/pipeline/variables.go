package pipeline

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/alexanderparker/its-compiler-go/internal/errors"
)

// MaxVariablesFileSize bounds the variables file before it is read.
const MaxVariablesFileSize = 10 * 1024 * 1024

// loadVariables reads and parses a variables file. The format follows the
// file extension: .yaml and .yml parse as YAML, everything else as JSON.
// The top-level value must be a mapping.
func loadVariables(path string) (map[string]interface{}, error) {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.NewVariablesError(errors.ErrCodeVariablesNotFound,
				fmt.Sprintf("variables file not found: %s", path), nil)
		}
		return nil, errors.NewVariablesError(errors.ErrCodeVariablesInvalid,
			fmt.Sprintf("cannot access variables file: %s", path), err)
	}
	if info.Size() > MaxVariablesFileSize {
		return nil, errors.NewVariablesError(errors.ErrCodeVariablesTooLarge,
			fmt.Sprintf("variables file too large: %s (%d bytes)", path, info.Size()), nil)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.NewVariablesError(errors.ErrCodeVariablesInvalid,
			fmt.Sprintf("cannot read variables file: %s", path), err)
	}

	var parsed interface{}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &parsed); err != nil {
			return nil, errors.NewVariablesError(errors.ErrCodeVariablesInvalid,
				"variables file is not valid YAML", err)
		}
		vars, ok := parsed.(map[string]interface{})
		if !ok {
			return nil, errors.NewVariablesError(errors.ErrCodeVariablesInvalid,
				"variables file must contain a mapping", nil)
		}
		return vars, nil
	default:
		if err := json.Unmarshal(data, &parsed); err != nil {
			return nil, errors.NewVariablesError(errors.ErrCodeVariablesInvalid,
				"variables file is not valid JSON", err)
		}
		vars, ok := parsed.(map[string]interface{})
		if !ok {
			return nil, errors.NewVariablesError(errors.ErrCodeVariablesInvalid,
				"variables file must contain a JSON object", nil)
		}
		return vars, nil
	}
}
