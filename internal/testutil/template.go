package testutil

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

// PackageInfoTemplate is a PackageInfo document carrying the four placeholders.
const PackageInfoTemplate = `<?xml version="1.0" encoding="utf-8"?>
<pkg-info format-version="2" identifier="%PKG_IDENTIFIER%" version="%VERSION%" install-location="/" auth="root">
    <payload installKBytes="%INSTALL_KBYTES%" numberOfFiles="%NUMBER_OF_FILES%"/>
    <scripts>
        <postinstall file="./postinstall"/>
    </scripts>
</pkg-info>
`

// PostinstallScript is the default scripts/postinstall of NewTemplate.
const PostinstallScript = "#!/bin/sh\nexit 0\n"

// DistributionDocument is a minimal product archive installer script.
const DistributionDocument = `<?xml version="1.0" encoding="utf-8"?>
<installer-gui-script minSpecVersion="2">
    <title>Example bundle</title>
    <options customize="allow" require-scripts="false"/>
    <choices-outline>
        <line choice="default"/>
    </choices-outline>
    <choice id="default" title="Default"/>
</installer-gui-script>
`

// NewTemplate writes a build template to a temporary directory and returns its path.
// rootFiles maps slash-separated paths below root/ to file contents.
func NewTemplate(t *testing.T, rootFiles map[string]string) string {
	t.Helper()

	dir := t.TempDir()

	require.NoError(t, os.MkdirAll(filepath.Join(dir, "root"), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "scripts"), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "base.pkg"), 0o755))

	WriteFile(t, filepath.Join(dir, "base.pkg", "PackageInfo"), PackageInfoTemplate, 0o644)
	WriteFile(t, filepath.Join(dir, "scripts", "postinstall"), PostinstallScript, 0o755)

	for name, content := range rootFiles {
		WriteFile(t, filepath.Join(dir, "root", filepath.FromSlash(name)), content, 0o644)
	}

	return dir
}

// WriteFile writes content to path, creating parent directories.
func WriteFile(t *testing.T, path, content string, perm os.FileMode) {
	t.Helper()

	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), perm))
	require.NoError(t, os.Chmod(path, perm))
}
