package gateway

import (
	"bytes"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"path"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/basket/turngate/internal/shared"
)

//go:embed schemas/*.json
var schemaFS embed.FS

// Request body schemas, by file name without extension.
const (
	schemaTurnStart       = "turn_start"
	schemaScopeEnforce    = "scope_enforce"
	schemaOverrideStart   = "override_start"
	schemaProposalCreate  = "proposal_create"
	schemaProposalResolve = "proposal_resolve"
	schemaLoopSettings    = "loop_settings"
	schemaRunStart        = "run_start"
)

// validator holds the compiled request schemas.
type validator struct {
	schemas map[string]*jsonschema.Schema
}

func newValidator() (*validator, error) {
	entries, err := fs.ReadDir(schemaFS, "schemas")
	if err != nil {
		return nil, fmt.Errorf("read schemas: %w", err)
	}
	c := jsonschema.NewCompiler()
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		raw, err := schemaFS.ReadFile(path.Join("schemas", e.Name()))
		if err != nil {
			return nil, err
		}
		doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
		if err != nil {
			return nil, fmt.Errorf("unmarshal schema %s: %w", e.Name(), err)
		}
		if err := c.AddResource(e.Name(), doc); err != nil {
			return nil, fmt.Errorf("add schema %s: %w", e.Name(), err)
		}
		names = append(names, e.Name())
	}
	v := &validator{schemas: make(map[string]*jsonschema.Schema, len(names))}
	for _, name := range names {
		sch, err := c.Compile(name)
		if err != nil {
			return nil, fmt.Errorf("compile schema %s: %w", name, err)
		}
		v.schemas[strings.TrimSuffix(name, ".json")] = sch
	}
	return v, nil
}

// decode validates the request body against the named schema and then
// unmarshals it into dst. Every failure is KindMalformed.
func (v *validator) decode(r *http.Request, name string, dst any) error {
	sch, ok := v.schemas[name]
	if !ok {
		return fmt.Errorf("unknown schema %q", name)
	}
	raw, err := io.ReadAll(r.Body)
	if err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			return shared.Malformed(fmt.Sprintf("request body exceeds %d bytes", tooBig.Limit), nil)
		}
		return shared.Malformed("read request body", err)
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		return shared.Malformed("request body is required", nil)
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return shared.Malformed("invalid JSON", err)
	}
	if err := sch.Validate(doc); err != nil {
		return shared.Malformed("request does not match schema", flattenValidation(err))
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return shared.Malformed("invalid request body", err)
	}
	return nil
}

// flattenValidation drops the schema URL header line and joins the
// per-location messages.
func flattenValidation(err error) error {
	lines := strings.Split(err.Error(), "\n")
	if len(lines) < 2 {
		return err
	}
	parts := make([]string, 0, len(lines)-1)
	for _, l := range lines[1:] {
		if l = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(l), "-")); l != "" {
			parts = append(parts, l)
		}
	}
	return errors.New(strings.Join(parts, "; "))
}
