package prompt

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// LoadFromDirectory registers every Template found as a .json file under
// dir, recursively. Each file holds one Template object. A missing
// directory returns an error and registers nothing; Resolve then keeps
// serving the Defaults wired in code.
func LoadFromDirectory(dir string) error {
	r := Get()

	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return fmt.Errorf("prompt directory not found: %s", dir)
	}

	count := 0
	err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() || filepath.Ext(path) != ".json" {
			return nil
		}

		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", path, err)
		}

		var t Template
		if err := json.Unmarshal(data, &t); err != nil {
			return fmt.Errorf("failed to parse %s: %w", path, err)
		}

		if err := r.Register(&t); err != nil {
			return fmt.Errorf("failed to register %s: %w", path, err)
		}
		count++
		return nil
	})
	if err != nil {
		return err
	}

	fmt.Printf("[prompt.Loader] Loaded %d templates from %s\n", count, dir)
	return nil
}

// RenderUserPrompt substitutes `{variable}` placeholders in tmpl with values
// from ctx. Unknown placeholders are left untouched rather than erroring —
// an agent's user_template prompt may reference variables a given phase
// doesn't supply.
func RenderUserPrompt(tmpl string, ctx *ExecutionContext) string {
	out := tmpl
	for k, v := range ctx.Variables {
		out = strings.ReplaceAll(out, "{"+k+"}", v)
	}
	return out
}
