package harness

import (
	_ "embed"
	"fmt"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/errors"
)

//go:embed script.cue
var scriptSchema string

// validateSchema unifies a decoded YAML document with #Script.
func validateSchema(doc any) error {
	ctx := cuecontext.New()
	schema := ctx.CompileString(scriptSchema, cue.Filename("script.cue"))
	if err := schema.Err(); err != nil {
		return fmt.Errorf("compile script schema: %w", err)
	}

	def := schema.LookupPath(cue.ParsePath("#Script"))
	v := ctx.Encode(doc)
	if err := v.Err(); err != nil {
		return fmt.Errorf("encode script: %w", err)
	}
	return formatCUEError(def.Unify(v).Validate(cue.Concrete(true)))
}

// formatCUEError keeps the first of possibly many CUE errors.
func formatCUEError(err error) error {
	if err == nil {
		return nil
	}
	errs := errors.Errors(err)
	if len(errs) == 0 {
		return err
	}
	return fmt.Errorf("schema: %s", errs[0].Error())
}
