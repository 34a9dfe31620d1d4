package core

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const header = "name,description,app_goal,target_user,main_problem,design_preferences"

func TestReadSpecs(t *testing.T) {
	in := "\ufeff" + header + ",tech_stack\n" +
		"Todo App,Track tasks,Focus,Students,Forgetting,Minimal,Go/HTMX\n" +
		"\"Budget, Tracker\",Money,Save,Families,Overspending,Clean,\n"
	specs, err := ReadSpecs(strings.NewReader(in))
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(specs) != 2 {
		t.Fatalf("expected 2 specs, got %d", len(specs))
	}
	if specs[0].ID != "todo_app" || specs[0].TechStack != "Go/HTMX" || specs[0].ComplexityLevel != "medium" {
		t.Fatalf("unexpected first spec %+v", specs[0])
	}
	if specs[1].ID != "budget_tracker" || specs[1].Name != "Budget, Tracker" || specs[1].TechStack != "Python/React" {
		t.Fatalf("unexpected second spec %+v", specs[1])
	}
}

func TestReadSpecsMissingColumns(t *testing.T) {
	_, err := ReadSpecs(strings.NewReader("name,description,app_goal\nx,y,z\n"))
	var ve ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	want := []string{"design_preferences", "main_problem", "target_user"}
	if strings.Join(ve.Missing, ",") != strings.Join(want, ",") {
		t.Fatalf("missing = %v, want %v", ve.Missing, want)
	}
	if !IsSetupError(err) {
		t.Fatal("validation errors are setup errors")
	}
}

func TestReadSpecsSkipsBadRows(t *testing.T) {
	in := header + "\n" +
		",no name,g,u,p,d\n" +
		"Only Name,,g,u,p,d\n" +
		"too,few\n" +
		",,,,,\n" +
		"!!!,symbols only,g,u,p,d\n" +
		"Good One,desc,g,u,p,d\n"
	specs, err := ReadSpecs(strings.NewReader(in))
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(specs) != 1 || specs[0].ID != "good_one" {
		t.Fatalf("expected only good_one, got %+v", specs)
	}
}

func TestReadSpecsEmpty(t *testing.T) {
	if _, err := ReadSpecs(strings.NewReader("")); !errors.Is(err, ErrEmptyInput) {
		t.Fatalf("empty input: %v", err)
	}
	if _, err := ReadSpecs(strings.NewReader(header + "\n")); !errors.Is(err, ErrEmptyInput) {
		t.Fatalf("header only: %v", err)
	}
}

func TestReadSpecsDuplicateNames(t *testing.T) {
	in := header + "\n" +
		"My App,a,g,u,p,d\n" +
		"my app!,b,g,u,p,d\n" +
		"MY-APP,c,g,u,p,d\n"
	specs, err := ReadSpecs(strings.NewReader(in))
	if err != nil {
		t.Fatal(err)
	}
	var ids []string
	for _, s := range specs {
		ids = append(ids, s.ID)
	}
	if strings.Join(ids, ",") != "my_app,my_app_2,my_app_3" {
		t.Fatalf("ids = %v", ids)
	}
}

func TestLoadSpecsNotFound(t *testing.T) {
	_, err := LoadSpecs(filepath.Join(t.TempDir(), "missing.csv"))
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestLoadSpecsFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "apps.csv")
	if err := os.WriteFile(path, []byte(header+"\nNotes,Write notes,g,u,p,d\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	specs, err := LoadSpecs(path)
	if err != nil || len(specs) != 1 || specs[0].ID != "notes" {
		t.Fatalf("load: %v %+v", err, specs)
	}
}

func TestSanitizeName(t *testing.T) {
	cases := map[string]string{
		"Todo App":           "todo_app",
		"  Budget--Tracker ": "budget_tracker",
		"AI: Study Buddy!":   "ai_study_buddy",
		"v2.0 release":       "v2_0_release",
		"***":                "",
		"café":               "caf",
	}
	for in, want := range cases {
		if got := SanitizeName(in); got != want {
			t.Errorf("SanitizeName(%q) = %q, want %q", in, got, want)
		}
	}
}
