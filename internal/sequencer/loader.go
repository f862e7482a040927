package sequencer

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	_ "embed"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"
)

//go:embed schema/program-v1.json
var programSchemaJSON string

// Loader reads press programs from a directory. A press with id N uses
// pressN.json, pressN.yaml or pressN.yml, in that order.
type Loader struct {
	dir    string
	schema *jsonschema.Schema
	step   *jsonschema.Schema
}

func NewLoader(dir string) (*Loader, error) {
	compiler := jsonschema.NewCompiler()

	if err := compiler.AddResource("program-v1.json",
		strings.NewReader(programSchemaJSON)); err != nil {
		return nil, fmt.Errorf("failed to add schema resource: %w", err)
	}

	schema, err := compiler.Compile("program-v1.json")
	if err != nil {
		return nil, fmt.Errorf("failed to compile schema: %w", err)
	}

	step, err := compiler.Compile("program-v1.json#/definitions/step")
	if err != nil {
		return nil, fmt.Errorf("failed to compile step schema: %w", err)
	}

	return &Loader{dir: dir, schema: schema, step: step}, nil
}

func (l *Loader) Dir() string {
	return l.dir
}

// Load reads and validates the program of one press. The file is read on
// every call so edits apply to the next run.
func (l *Loader) Load(pressID int) (*Program, error) {
	for _, ext := range []string{".json", ".yaml", ".yml"} {
		path := filepath.Join(l.dir, fmt.Sprintf("press%d%s", pressID, ext))
		data, err := os.ReadFile(path)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", path, err)
		}

		if ext != ".json" {
			if data, err = yamlToJSON(data); err != nil {
				return nil, fmt.Errorf("failed to parse %s: %w", path, err)
			}
		}

		program, err := l.Parse(data)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		return program, nil
	}

	return nil, fmt.Errorf("%w: press %d in %s", ErrProgramNotFound, pressID, l.dir)
}

// rawProgram defers step decoding so one bad entry does not reject the
// whole program.
type rawProgram struct {
	Name            string            `json:"name"`
	TempProgram     []json.RawMessage `json:"temp_program"`
	PressureProgram []json.RawMessage `json:"pressure_program"`
}

// Parse validates the document shape against the schema and decodes it.
// Steps are checked one by one; an entry that fails is kept as a
// malformed step so the track indices stay as written.
func (l *Loader) Parse(data []byte) (*Program, error) {
	var doc interface{}
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}

	if err := l.schema.Validate(doc); err != nil {
		return nil, fmt.Errorf("schema validation failed: %w", err)
	}

	var raw rawProgram
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to unmarshal program: %w", err)
	}

	program := Program{
		Name:            raw.Name,
		TempProgram:     l.decodeTrack(raw.TempProgram),
		PressureProgram: l.decodeTrack(raw.PressureProgram),
	}

	if program.Empty() {
		return nil, ErrEmptyProgram
	}

	return &program, nil
}

func (l *Loader) decodeTrack(raws []json.RawMessage) []Step {
	steps := make([]Step, 0, len(raws))
	for _, r := range raws {
		steps = append(steps, l.decodeStep(r))
	}
	return steps
}

func (l *Loader) decodeStep(r json.RawMessage) Step {
	var v interface{}
	if err := json.Unmarshal(r, &v); err != nil {
		return Step{Malformed: err.Error()}
	}

	if err := l.step.Validate(v); err != nil {
		bad := Step{Malformed: err.Error()}
		if m, ok := v.(map[string]interface{}); ok {
			if kind, ok := m["step"].(string); ok {
				bad.Kind = Kind(kind)
			}
		}
		return bad
	}

	var step Step
	if err := json.Unmarshal(r, &step); err != nil {
		return Step{Malformed: err.Error()}
	}
	return step
}

func yamlToJSON(data []byte) ([]byte, error) {
	var doc interface{}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	return json.Marshal(doc)
}
