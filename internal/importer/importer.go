// Package importer loads accounts in bulk from a JSON file. The file is
// validated against an embedded schema before anything touches the store,
// and every entry then goes through the same reserve/finalize path
// onboarding uses, so a directory is never observable half-written.
package importer

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/basket/drover/internal/account"
)

// fileSchema is the import file contract. Direct entries must carry session
// material; browser entries authenticate through their profile directory and
// may omit it.
const fileSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["accounts"],
  "additionalProperties": false,
  "properties": {
    "accounts": {
      "type": "array",
      "minItems": 1,
      "items": {
        "type": "object",
        "required": ["name", "backend", "owner_id"],
        "additionalProperties": false,
        "properties": {
          "name": {"type": "string", "minLength": 1, "maxLength": 64, "pattern": "^[A-Za-z0-9_-]+$"},
          "backend": {"enum": ["direct", "browser"]},
          "owner_id": {"type": "integer", "minimum": 1},
          "session": {"type": "string", "minLength": 1}
        },
        "if": {
          "properties": {"backend": {"const": "direct"}},
          "required": ["backend"]
        },
        "then": {"required": ["session"]}
      }
    }
  }
}`

var schema = mustSchema()

// mustSchema compiles the embedded schema. It is a constant, so a compile
// failure is a programming error.
func mustSchema() *jsonschema.Schema {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(fileSchema))
	if err != nil {
		panic(fmt.Sprintf("importer: parse embedded schema: %v", err))
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("accounts.json", doc); err != nil {
		panic(fmt.Sprintf("importer: add schema resource: %v", err))
	}
	s, err := c.Compile("accounts.json")
	if err != nil {
		panic(fmt.Sprintf("importer: compile schema: %v", err))
	}
	return s
}

// Entry is one account in an import file.
type Entry struct {
	Name    string `json:"name"`
	Backend string `json:"backend"`
	OwnerID int64  `json:"owner_id"`
	Session string `json:"session,omitempty"`
}

// File is a parsed, schema-valid import file.
type File struct {
	Accounts []Entry `json:"accounts"`
}

// Skip records one entry that could not be imported.
type Skip struct {
	Name   string
	Reason string
}

// Result summarizes an import run.
type Result struct {
	Imported int
	Skipped  []Skip
}

// Load reads and validates an import file. Nothing is mutated; a schema
// violation rejects the file as a whole.
func Load(path string) (File, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return File{}, fmt.Errorf("read import file: %w", err)
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return File{}, fmt.Errorf("invalid JSON: %w", err)
	}
	if err := schema.Validate(doc); err != nil {
		return File{}, fmt.Errorf("schema validation failed: %w", err)
	}
	var f File
	if err := json.Unmarshal(raw, &f); err != nil {
		return File{}, fmt.Errorf("decode import file: %w", err)
	}
	return f, nil
}

// Importer commits validated entries to the account store.
type Importer struct {
	store  *account.Store
	logger *slog.Logger
}

func New(store *account.Store, logger *slog.Logger) *Importer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Importer{store: store, logger: logger.With("component", "importer")}
}

// Run imports every entry from the file at path. A file that fails schema
// validation is rejected before any store mutation. Entries that cannot be
// imported individually (name already in use, for example) are skipped and
// reported; the rest still land.
func (im *Importer) Run(path string) (Result, error) {
	f, err := Load(path)
	if err != nil {
		return Result{}, err
	}

	var res Result
	for _, e := range f.Accounts {
		if err := im.importOne(e); err != nil {
			im.logger.Warn("import skipped", "account", e.Name, "error", err)
			res.Skipped = append(res.Skipped, Skip{Name: e.Name, Reason: err.Error()})
			continue
		}
		im.logger.Info("account imported", "account", e.Name, "backend", e.Backend)
		res.Imported++
	}
	return res, nil
}

func (im *Importer) importOne(e Entry) error {
	backend, err := account.ParseBackend(e.Backend)
	if err != nil {
		return err
	}
	if err := im.store.Reserve(backend, e.Name, e.OwnerID); err != nil {
		return err
	}
	// Browser sessions live in the profile directory, not in sealed material.
	var material []byte
	if backend == account.BackendDirect {
		material = []byte(e.Session)
	}
	if err := im.store.Finalize(backend, e.Name, e.OwnerID, material); err != nil {
		if derr := im.store.Discard(backend, e.Name); derr != nil {
			im.logger.Warn("discard after failed import", "account", e.Name, "error", derr)
		}
		return err
	}
	return nil
}
