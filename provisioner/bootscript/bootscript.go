package bootscript

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"text/template"

	sprig "github.com/go-task/slim-sprig/v3"
	"github.com/klauspost/compress/gzip"
)

// CompressAbove is the rendered size after which user data is gzipped. cloud-init detects the
// gzip magic and the provider limit on user data is 64KiB once base64 encoded.
const CompressAbove = 16 * 1024

// Data is exposed to boot script templates.
type Data struct {
	NodeName      string
	Class         string
	Account       string
	Fingerprint   string
	FSRoot        string
	AgentOptions  string
	ControllerURL string
	Labels        []string
}

// Renderer turns named boot scripts into server user data.
type Renderer struct {
	// Dir holds the boot script templates, referenced by file name.
	Dir string
}

// Render returns nil when no script is configured.
func (r *Renderer) Render(name string, data Data) ([]byte, error) {
	if name == "" {
		return nil, nil
	}

	source, err := r.load(name)
	if err != nil {
		return nil, err
	}

	tmpl, err := template.New(name).Funcs(sprig.TxtFuncMap()).Option("missingkey=error").Parse(source)
	if err != nil {
		return nil, fmt.Errorf("failed to parse boot script '%s': %w", name, err)
	}

	var rendered bytes.Buffer
	if err := tmpl.Execute(&rendered, data); err != nil {
		return nil, fmt.Errorf("failed to render boot script '%s': %w", name, err)
	}

	if rendered.Len() <= CompressAbove {
		return rendered.Bytes(), nil
	}

	var compressed bytes.Buffer
	writer := gzip.NewWriter(&compressed)
	if _, err := writer.Write(rendered.Bytes()); err != nil {
		return nil, fmt.Errorf("failed to compress boot script '%s': %w", name, err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("failed to compress boot script '%s': %w", name, err)
	}
	return compressed.Bytes(), nil
}

func (r *Renderer) load(name string) (string, error) {
	if strings.Contains(name, "..") || filepath.IsAbs(name) {
		return "", fmt.Errorf("invalid boot script name '%s'", name)
	}
	content, err := os.ReadFile(filepath.Join(r.Dir, name))
	if err != nil {
		return "", fmt.Errorf("failed to read boot script '%s': %w", name, err)
	}
	return string(content), nil
}
