package executor

import (
	"bytes"
	"embed"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/vietddude/lifeline/internal/core/domain"
	"github.com/vietddude/lifeline/internal/core/failure"
)

//go:embed schemas/*.json
var schemaFS embed.FS

const schemaBase = "https://lifeline.local/schemas/"

var schemaFiles = map[domain.ActionKind]string{
	domain.ActionTaskCreate:     "task_create.json",
	domain.ActionTaskUpdate:     "task_update.json",
	domain.ActionTaskDelete:     "task_target.json",
	domain.ActionTaskComplete:   "task_target.json",
	domain.ActionMentorFeedback: "mentor_feedback.json",
	domain.ActionSupportReport:  "support_report.json",
}

// schemaSet validates payloads per action kind.
type schemaSet struct {
	byKind map[domain.ActionKind]*jsonschema.Schema
}

func compileSchemas() (*schemaSet, error) {
	c := jsonschema.NewCompiler()
	compiled := make(map[string]*jsonschema.Schema)
	set := &schemaSet{byKind: make(map[domain.ActionKind]*jsonschema.Schema)}

	for kind, file := range schemaFiles {
		if sch, ok := compiled[file]; ok {
			set.byKind[kind] = sch
			continue
		}
		data, err := schemaFS.ReadFile("schemas/" + file)
		if err != nil {
			return nil, fmt.Errorf("failed to read schema %s: %w", file, err)
		}
		doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("failed to parse schema %s: %w", file, err)
		}
		if err := c.AddResource(schemaBase+file, doc); err != nil {
			return nil, fmt.Errorf("failed to add schema %s: %w", file, err)
		}
		sch, err := c.Compile(schemaBase + file)
		if err != nil {
			return nil, fmt.Errorf("failed to compile schema %s: %w", file, err)
		}
		compiled[file] = sch
		set.byKind[kind] = sch
	}
	return set, nil
}

func (s *schemaSet) validate(kind domain.ActionKind, payload map[string]any) error {
	sch, ok := s.byKind[kind]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownActionKind, kind)
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return failure.Invalid("payload", err.Error())
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return failure.Invalid("payload", err.Error())
	}
	if err := sch.Validate(inst); err != nil {
		var ve *jsonschema.ValidationError
		if errors.As(err, &ve) {
			return failure.Invalid(string(kind), ve.Error())
		}
		return failure.Invalid(string(kind), err.Error())
	}
	return nil
}
