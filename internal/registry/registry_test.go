package registry

import (
	"context"
	"errors"
	"testing"

	queryscale "github.com/ZanzyTHEbar/queryscale"
	"github.com/ZanzyTHEbar/queryscale/internal/adapters"
)

func noopTool(name string, options ...adapters.ToolOption) queryscale.Tool {
	return adapters.NewFuncTool(name,
		func(ctx context.Context, args map[string]interface{}, call queryscale.CallContext) (map[string]interface{}, error) {
			return map[string]interface{}{"success": true}, nil
		}, options...)
}

func stringSchema(field string) map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			field: map[string]interface{}{"type": "string"},
		},
		"required":             []interface{}{field},
		"additionalProperties": false,
	}
}

func TestRegisterAndLookup(t *testing.T) {
	reg := New()
	if err := reg.Register(noopTool("alpha")); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	tool, err := reg.Lookup("alpha")
	if err != nil {
		t.Fatalf("Lookup failed: %v", err)
	}
	if tool.Name() != "alpha" {
		t.Errorf("tool name = %q", tool.Name())
	}

	if _, err := reg.Lookup("beta"); err == nil {
		t.Error("expected lookup of an unregistered tool to fail")
	} else if code := queryscale.CodeOf(err); code != queryscale.ErrCodeToolNotFound {
		t.Errorf("error code = %s, want %s", code, queryscale.ErrCodeToolNotFound)
	}
}

func TestRegisterRejectsDuplicates(t *testing.T) {
	reg := New()
	if err := reg.Register(noopTool("alpha")); err != nil {
		t.Fatalf("first Register failed: %v", err)
	}
	err := reg.Register(noopTool("alpha"))
	if err == nil {
		t.Fatal("expected duplicate registration to fail")
	}
	if code := queryscale.CodeOf(err); code != queryscale.ErrCodeDuplicateTool {
		t.Errorf("error code = %s, want %s", code, queryscale.ErrCodeDuplicateTool)
	}
}

func TestRegisterRejectsEmptyName(t *testing.T) {
	reg := New()
	if err := reg.Register(noopTool("")); err == nil {
		t.Fatal("expected registration with an empty name to fail")
	}
}

func TestSealPreventsRegistration(t *testing.T) {
	reg := New()
	if err := reg.Register(noopTool("alpha")); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	reg.Seal()
	if err := reg.Register(noopTool("beta")); err == nil {
		t.Fatal("expected registration after Seal to fail")
	}
	// Existing registrations stay usable.
	if _, err := reg.Lookup("alpha"); err != nil {
		t.Errorf("Lookup after Seal failed: %v", err)
	}
}

func TestListPreservesRegistrationOrder(t *testing.T) {
	reg := New()
	for _, name := range []string{"zulu", "alpha", "mike"} {
		if err := reg.Register(noopTool(name)); err != nil {
			t.Fatalf("Register failed: %v", err)
		}
	}
	defs := reg.List()
	want := []string{"zulu", "alpha", "mike"}
	for i, name := range want {
		if defs[i].Name != name {
			t.Errorf("defs[%d] = %q, want %q", i, defs[i].Name, name)
		}
	}
}

func TestValidateArgsAgainstSchema(t *testing.T) {
	reg := New()
	if err := reg.Register(noopTool("typed", adapters.WithInputSchema(stringSchema("query")))); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	if err := reg.ValidateArgs("typed", map[string]interface{}{"query": "SELECT 1"}); err != nil {
		t.Errorf("valid args rejected: %v", err)
	}
	if err := reg.ValidateArgs("typed", map[string]interface{}{"query": 42}); err == nil {
		t.Error("expected a type mismatch to be rejected")
	}
	if err := reg.ValidateArgs("typed", map[string]interface{}{"other": "x"}); err == nil {
		t.Error("expected a missing required field to be rejected")
	}
	if err := reg.ValidateArgs("typed", map[string]interface{}{"query": "q", "extra": 1}); err == nil {
		t.Error("expected an unknown field to be rejected")
	}
}

func TestValidateArgsRunsToolValidator(t *testing.T) {
	reg := New()
	tool := noopTool("guarded", adapters.WithValidator(func(args map[string]interface{}) error {
		if args["query"] == "DROP TABLE" {
			return errors.New("rejected by tool validator")
		}
		return nil
	}))
	if err := reg.Register(tool); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	if err := reg.ValidateArgs("guarded", map[string]interface{}{"query": "SELECT 1"}); err != nil {
		t.Errorf("valid args rejected: %v", err)
	}
	if err := reg.ValidateArgs("guarded", map[string]interface{}{"query": "DROP TABLE"}); err == nil {
		t.Error("expected the tool validator to reject the call")
	}
}

func TestRegisterRejectsInvalidSchema(t *testing.T) {
	reg := New()
	bad := noopTool("broken", adapters.WithInputSchema(map[string]interface{}{
		"type": 42, // "type" must be a string or array of strings
	}))
	if err := reg.Register(bad); err == nil {
		t.Fatal("expected an invalid schema to fail registration")
	}
}

func TestAuthorize(t *testing.T) {
	reg := New()
	if err := reg.Register(noopTool("open")); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if err := reg.Register(noopTool("closed", adapters.WithAllowedGroups("analysts", "admins"))); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	if err := reg.Authorize("open", queryscale.CallContext{UserID: "u1"}); err != nil {
		t.Errorf("open tool rejected a caller: %v", err)
	}
	if err := reg.Authorize("closed", queryscale.CallContext{UserID: "u1", Group: "admins"}); err != nil {
		t.Errorf("allowed group rejected: %v", err)
	}
	err := reg.Authorize("closed", queryscale.CallContext{UserID: "u1", Group: "interns"})
	if err == nil {
		t.Fatal("expected the disallowed group to be rejected")
	}
	if code := queryscale.CodeOf(err); code != queryscale.ErrCodeUnauthorized {
		t.Errorf("error code = %s, want %s", code, queryscale.ErrCodeUnauthorized)
	}
}

func TestSchemasShape(t *testing.T) {
	reg := New()
	if err := reg.Register(noopTool("typed",
		adapters.WithDescription("A typed tool."),
		adapters.WithInputSchema(stringSchema("query")))); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	schemas := reg.Schemas()
	entry, ok := schemas["typed"]
	if !ok {
		t.Fatal("expected an entry for 'typed'")
	}
	if entry["name"] != "typed" {
		t.Errorf("name = %v", entry["name"])
	}
	if entry["description"] != "A typed tool." {
		t.Errorf("description = %v", entry["description"])
	}
	if entry["inputSchema"] == nil {
		t.Error("inputSchema missing")
	}
}
