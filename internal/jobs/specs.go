package jobs

import (
	"bytes"
	"embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"text/template"

	"github.com/bazaar-ml/bazaar/internal/orchestrator"
)

//go:embed templates/*.json.tmpl
var templateFS embed.FS

var specTemplates = template.Must(template.ParseFS(templateFS, "templates/*.json.tmpl"))

// Default resource requests per job kind, in scheduler units.
const (
	trainCPUMhz    = 2400
	trainMemoryMB  = 8192
	deployCPUMhz   = 1200
	deployMemoryMB = 4096
	backupCPUMhz   = 600
	backupMemoryMB = 1024
)

// specParams feeds the job spec templates. Field names match the template
// placeholders; unused fields render as empty strings.
type specParams struct {
	ModelID         string
	Image           string
	CPUMhz          int
	MemoryMB        int
	Count           int
	ShareDir        string
	Endpoint        string
	JobToken        string
	LogLevel        string
	AutoIdleMinutes int
	Timestamp       string

	// LLM credentials for deploy jobs, empty when the model has no
	// llm_provider attribute. Settings are base64 so the JSON spec can
	// carry them opaquely.
	LLMProvider string
	LLMSettings string

	// GuardrailTags is the comma-separated redaction tag list from the
	// model's guardrail_tags attribute.
	GuardrailTags string
}

// renderSpec renders the named template, writes the result to the state dir
// under jobs/, and parses it into a JobSpec for submission. The on-disk copy
// is what an operator inspects when a submission is disputed.
func (m *Manager) renderSpec(name string, params specParams) (*orchestrator.JobSpec, error) {
	var buf bytes.Buffer
	if err := specTemplates.ExecuteTemplate(&buf, name+".json.tmpl", params); err != nil {
		return nil, fmt.Errorf("jobs: rendering %s spec: %w", name, err)
	}

	var spec orchestrator.JobSpec
	if err := json.Unmarshal(buf.Bytes(), &spec); err != nil {
		return nil, fmt.Errorf("jobs: parsing rendered %s spec: %w", name, err)
	}

	dir := filepath.Join(m.shareDir, "jobs")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("jobs: creating spec dir: %w", err)
	}
	path := filepath.Join(dir, spec.Name+".json")
	if err := os.WriteFile(path, buf.Bytes(), 0o600); err != nil {
		return nil, fmt.Errorf("jobs: writing spec file: %w", err)
	}

	return &spec, nil
}
