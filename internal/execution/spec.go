package execution

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const SpecSchemaV1 = "quantfolio.runtime.v1"

// Spec describes how the executor runs submitted code: which interpreter to
// start, the harness prepended to every run, and the pool limits.
type Spec struct {
	Schema         string   `json:"schema" yaml:"schema"`
	Interpreter    []string `json:"interpreter" yaml:"interpreter"`
	Preamble       string   `json:"preamble,omitempty" yaml:"preamble,omitempty"`
	TimeoutSeconds int      `json:"timeout_seconds" yaml:"timeout_seconds"`
	Workers        int      `json:"workers" yaml:"workers"`
	QueueDepth     int      `json:"queue_depth" yaml:"queue_depth"`
	MaxOutputBytes int      `json:"max_output_bytes" yaml:"max_output_bytes"`
}

func DefaultSpec() Spec {
	return Spec{
		Schema:         SpecSchemaV1,
		Interpreter:    []string{"python3", "-u", "-"},
		Preamble:       defaultPreamble,
		TimeoutSeconds: 120,
		Workers:        4,
		QueueDepth:     16,
		MaxOutputBytes: 1 << 20,
	}
}

func ParseSpec(input []byte) (Spec, error) {
	var spec Spec
	if err := yaml.Unmarshal(input, &spec); err != nil {
		return Spec{}, fmt.Errorf("decode runtime spec: %w", err)
	}
	if spec.Preamble == "" {
		spec.Preamble = defaultPreamble
	}
	if spec.MaxOutputBytes == 0 {
		spec.MaxOutputBytes = 1 << 20
	}
	if err := spec.Validate(); err != nil {
		return Spec{}, err
	}
	return spec, nil
}

// LoadSpecFile reads a runtime spec from path, or returns DefaultSpec when
// path is empty.
func LoadSpecFile(path string) (Spec, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return DefaultSpec(), nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return Spec{}, fmt.Errorf("read runtime spec: %w", err)
	}
	return ParseSpec(raw)
}

func (s Spec) Validate() error {
	if strings.TrimSpace(s.Schema) != SpecSchemaV1 {
		return fmt.Errorf("spec.schema must be %q", SpecSchemaV1)
	}
	if len(s.Interpreter) == 0 || strings.TrimSpace(s.Interpreter[0]) == "" {
		return errors.New("spec.interpreter must name a command")
	}
	if s.TimeoutSeconds <= 0 {
		return errors.New("spec.timeout_seconds must be positive")
	}
	if s.Workers <= 0 {
		return errors.New("spec.workers must be positive")
	}
	if s.QueueDepth <= 0 {
		return errors.New("spec.queue_depth must be positive")
	}
	if s.MaxOutputBytes <= 0 {
		return errors.New("spec.max_output_bytes must be positive")
	}
	return nil
}

func (s Spec) RunTimeout() time.Duration {
	return time.Duration(s.TimeoutSeconds) * time.Second
}

// The harness reads user code from the environment, captures stdout, harvests
// matplotlib figures when the library is present, and prints the structured
// result as the final stdout line.
const defaultPreamble = `import base64, contextlib, io, json, os, sys

def portfolio_data():
    # Placeholder until the portfolio service exposes holdings over the wire.
    return []

_params = json.loads(os.environ.get("QUANTFOLIO_RUN_PARAMS", "{}"))
_stdout = io.StringIO()
_result = {"status": "completed", "output": "", "error": "", "images": []}
try:
    with contextlib.redirect_stdout(_stdout):
        _globals = {"portfolio_data": portfolio_data, "params": _params}
        exec(compile(os.environ.get("QUANTFOLIO_RUN_CODE", ""), "<run>", "exec"), _globals)
except BaseException as exc:
    _result["status"] = "failed"
    _result["error"] = "%s: %s" % (type(exc).__name__, exc)
_result["output"] = _stdout.getvalue()
try:
    import matplotlib.pyplot as _plt
    for _idx, _num in enumerate(_plt.get_fignums()):
        _buf = io.BytesIO()
        _plt.figure(_num).savefig(_buf, format="png")
        _result["images"].append({
            "name": "figure-%d.png" % (_idx + 1),
            "data_base64": base64.b64encode(_buf.getvalue()).decode("ascii"),
        })
except ImportError:
    pass
sys.stdout.write("\n")
print(json.dumps(_result))
`
