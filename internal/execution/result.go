package execution

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
)

const (
	ResultStatusCompleted = "completed"
	ResultStatusFailed    = "failed"
)

// Result is the structured payload the interpreter harness prints as its
// final stdout line.
type Result struct {
	Status string  `json:"status"`
	Output string  `json:"output"`
	Error  string  `json:"error"`
	Images []Image `json:"images"`
}

type Image struct {
	Name       string `json:"name"`
	DataBase64 string `json:"data_base64"`
}

func (i Image) Decode() ([]byte, error) {
	data, err := base64.StdEncoding.DecodeString(i.DataBase64)
	if err != nil {
		return nil, fmt.Errorf("decode image %q: %w", i.Name, err)
	}
	return data, nil
}

// ParseResult extracts the last non-empty stdout line and decodes it.
func ParseResult(stdout string) (Result, error) {
	lines := strings.Split(strings.TrimRight(stdout, "\n"), "\n")
	var last string
	for i := len(lines) - 1; i >= 0; i-- {
		if strings.TrimSpace(lines[i]) != "" {
			last = strings.TrimSpace(lines[i])
			break
		}
	}
	if last == "" {
		return Result{}, fmt.Errorf("interpreter produced no result line")
	}
	var result Result
	if err := json.Unmarshal([]byte(last), &result); err != nil {
		return Result{}, fmt.Errorf("decode result line: %w", err)
	}
	switch result.Status {
	case ResultStatusCompleted, ResultStatusFailed:
	default:
		return Result{}, fmt.Errorf("result status unsupported: %q", result.Status)
	}
	return result, nil
}
