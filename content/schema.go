package content

import (
	"bytes"
	"embed"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/immutablenpc/npc/errs"
)

//go:embed schemas/*.json
var schemaFS embed.FS

type schemaKind string

const (
	schemaMessage      schemaKind = "message"
	schemaPersonaState schemaKind = "persona-state"
	schemaAvatar       schemaKind = "avatar"
	schemaHistory      schemaKind = "history"
	schemaReply        schemaKind = "reply"
)

var (
	compileOnce sync.Once
	compiled    map[schemaKind]*jsonschema.Schema
	compileErr  error
)

func schemas() (map[schemaKind]*jsonschema.Schema, error) {
	compileOnce.Do(func() {
		compiler := jsonschema.NewCompiler()
		compiler.Draft = jsonschema.Draft2020
		compiler.AssertFormat = true

		kinds := []schemaKind{schemaMessage, schemaPersonaState, schemaAvatar, schemaHistory, schemaReply}
		compiled = make(map[schemaKind]*jsonschema.Schema, len(kinds))
		for _, k := range kinds {
			path := "schemas/" + string(k) + ".schema.json"
			b, err := schemaFS.ReadFile(path)
			if err != nil {
				compileErr = err
				return
			}
			if err := compiler.AddResource(path, bytes.NewReader(b)); err != nil {
				compileErr = fmt.Errorf("add schema %s: %w", k, err)
				return
			}
			s, err := compiler.Compile(path)
			if err != nil {
				compileErr = fmt.Errorf("compile schema %s: %w", k, err)
				return
			}
			compiled[k] = s
		}
	})
	return compiled, compileErr
}

func validate(kind schemaKind, raw []byte) error {
	all, err := schemas()
	if err != nil {
		return errs.Wrap(errs.KindValidation, "content.schema", err)
	}
	var instance any
	if err := json.Unmarshal(raw, &instance); err != nil {
		return errs.Wrapf(errs.KindValidation, "content.decode", err, "%s document is not JSON", kind)
	}
	if err := all[kind].Validate(instance); err != nil {
		return errs.Wrapf(errs.KindValidation, "content.decode", err, "%s document", kind)
	}
	return nil
}

// Schema returns the embedded JSON Schema source for a document kind
// ("message", "persona-state", "avatar", "history", "reply").
func Schema(kind string) ([]byte, error) {
	return schemaFS.ReadFile("schemas/" + kind + ".schema.json")
}
