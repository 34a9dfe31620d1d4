package core

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/3cpo-dev/appfleet/pkg/api"
)

// RequiredColumns must be present in every spec source.
var RequiredColumns = []string{"name", "description", "app_goal", "target_user", "main_problem", "design_preferences"}

// OptionalColumns are read when present.
var OptionalColumns = []string{"additional_requirements", "tech_stack", "complexity_level"}

const (
	defaultTechStack  = "Python/React"
	defaultComplexity = "medium"
)

// LoadSpecs reads app specifications from a CSV file. Malformed rows are
// skipped with a warning; only a bad schema, a missing file or an empty result
// fail the load.
func LoadSpecs(path string) ([]api.JobSpec, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		return nil, &InfrastructureError{Op: "open spec source", Err: err}
	}
	defer f.Close()
	return ReadSpecs(f)
}

// ReadSpecs parses CSV app specifications from r.
func ReadSpecs(r io.Reader) ([]api.JobSpec, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.LazyQuotes = true
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: input is empty", ErrEmptyInput)
	}
	if err != nil {
		return nil, ValidationError{Message: fmt.Sprintf("read header: %v", err)}
	}
	index := make(map[string]int, len(header))
	for i, col := range header {
		col = strings.ToLower(strings.TrimSpace(strings.TrimPrefix(col, "\ufeff")))
		if _, dup := index[col]; !dup {
			index[col] = i
		}
	}
	var missing []string
	for _, col := range RequiredColumns {
		if _, ok := index[col]; !ok {
			missing = append(missing, col)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return nil, ValidationError{Missing: missing}
	}

	var (
		specs []api.JobSpec
		seen  = map[string]int{}
		row   = 1
	)
	for {
		record, err := cr.Read()
		row++
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			var pe *csv.ParseError
			if errors.As(err, &pe) {
				log.Warn().Int("row", row).Err(err).Msg("Skipping unparsable row")
				continue
			}
			return nil, &InfrastructureError{Op: "read spec source", Err: err}
		}
		if isBlank(record) {
			continue
		}
		if len(record) != len(header) {
			log.Warn().Int("row", row).Int("fields", len(record)).Int("expected", len(header)).Msg("Skipping malformed row")
			continue
		}
		spec, err := specFromRecord(record, index)
		if err != nil {
			log.Warn().Int("row", row).Err(err).Msg("Skipping invalid row")
			continue
		}
		spec.ID = uniqueID(spec.ID, seen)
		specs = append(specs, spec)
		log.Debug().Str("job", spec.ID).Str("name", spec.Name).Msg("Parsed app specification")
	}
	if len(specs) == 0 {
		return nil, ErrEmptyInput
	}
	log.Info().Int("count", len(specs)).Msg("Loaded app specifications")
	return specs, nil
}

func specFromRecord(record []string, index map[string]int) (api.JobSpec, error) {
	field := func(col string) string {
		i, ok := index[col]
		if !ok || i >= len(record) {
			return ""
		}
		return strings.TrimSpace(record[i])
	}
	spec := api.JobSpec{
		Name:                   field("name"),
		Description:            field("description"),
		AppGoal:                field("app_goal"),
		TargetUser:             field("target_user"),
		MainProblem:            field("main_problem"),
		DesignPreferences:      field("design_preferences"),
		AdditionalRequirements: field("additional_requirements"),
		TechStack:              field("tech_stack"),
		ComplexityLevel:        field("complexity_level"),
	}
	if spec.Name == "" || spec.Description == "" {
		return api.JobSpec{}, errors.New("app name and description are required")
	}
	if spec.TechStack == "" {
		spec.TechStack = defaultTechStack
	}
	if spec.ComplexityLevel == "" {
		spec.ComplexityLevel = defaultComplexity
	}
	spec.ID = SanitizeName(spec.Name)
	if spec.ID == "" {
		return api.JobSpec{}, fmt.Errorf("name %q has no usable characters", spec.Name)
	}
	return spec, nil
}

// SanitizeName turns a free-text app name into a directory-safe id: lowercase,
// runs of anything outside [a-z0-9] collapsed to a single underscore.
func SanitizeName(name string) string {
	var b strings.Builder
	pendingSep := false
	for _, r := range strings.ToLower(strings.TrimSpace(name)) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			if pendingSep && b.Len() > 0 {
				b.WriteByte('_')
			}
			pendingSep = false
			b.WriteRune(r)
			continue
		}
		pendingSep = true
	}
	return b.String()
}

// uniqueID suffixes colliding ids with _2, _3, ... in input order.
func uniqueID(id string, seen map[string]int) string {
	n := seen[id]
	seen[id] = n + 1
	if n == 0 {
		return id
	}
	for {
		n++
		candidate := fmt.Sprintf("%s_%d", id, n)
		if _, taken := seen[candidate]; !taken {
			seen[candidate] = 1
			seen[id] = n
			log.Warn().Str("job", id).Str("renamed", candidate).Msg("Duplicate app name collides on output directory")
			return candidate
		}
	}
}

func isBlank(record []string) bool {
	for _, f := range record {
		if strings.TrimSpace(f) != "" {
			return false
		}
	}
	return true
}
