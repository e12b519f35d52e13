package bootscript

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeScript(t *testing.T, dir, name, content string) {
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0644))
}

func TestRender(t *testing.T) {
	dir := t.TempDir()
	writeScript(t, dir, "agent.sh", "#!/bin/sh\nmkdir -p {{ .FSRoot | quote }}\necho {{ .NodeName | upper }} {{ .Labels | join \",\" }}\n")
	r := &Renderer{Dir: dir}

	out, err := r.Render("agent.sh", Data{NodeName: "build-ant", FSRoot: "/jenkins", Labels: []string{"linux", "docker"}})
	require.NoError(t, err)
	assert.Equal(t, "#!/bin/sh\nmkdir -p \"/jenkins\"\necho BUILD-ANT linux,docker\n", string(out))
}

func TestRenderWithoutScript(t *testing.T) {
	out, err := (&Renderer{Dir: t.TempDir()}).Render("", Data{})
	require.NoError(t, err)
	assert.Nil(t, out)
}

func TestRenderCompressesLargeScripts(t *testing.T) {
	dir := t.TempDir()
	body := "#!/bin/sh\n" + strings.Repeat("echo {{ .NodeName }}\n", 2000)
	writeScript(t, dir, "large.sh", body)

	out, err := (&Renderer{Dir: dir}).Render("large.sh", Data{NodeName: "n"})
	require.NoError(t, err)

	reader, err := gzip.NewReader(bytes.NewReader(out))
	require.NoError(t, err)
	plain, err := io.ReadAll(reader)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(plain), "#!/bin/sh\necho n\n"))
	assert.Less(t, len(out), len(plain))
}

func TestRenderRejectsTraversal(t *testing.T) {
	_, err := (&Renderer{Dir: t.TempDir()}).Render("../etc/passwd", Data{})
	assert.ErrorContains(t, err, "invalid boot script name")
}

func TestRenderMissingKey(t *testing.T) {
	dir := t.TempDir()
	writeScript(t, dir, "bad.sh", "{{ .Nope }}")

	_, err := (&Renderer{Dir: dir}).Render("bad.sh", Data{})
	assert.Error(t, err)
}
