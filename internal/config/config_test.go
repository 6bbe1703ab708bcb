package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.xml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))
	return path
}

func TestLoadValidConfig(t *testing.T) {
	srcDir := t.TempDir()
	path := writeConfig(t, `<?xml version="1.0"?>
<fileconveyor>
  <sources ignoredDirs="CVS:.svn">
    <source name="main" scanPath="`+srcDir+`" basePath="/site/"/>
  </sources>
  <servers>
    <server name="dest1" transporter="SYMLINK_OR_COPY" maxConnections="3">
      <location>/tmp/dest</location>
      <url>http://example.invalid/</url>
    </server>
  </servers>
  <rules>
    <rule for="main" label="images">
      <filter>
        <extensions>jpg:png</extensions>
        <size conditionType="maximum">1048576</size>
      </filter>
      <processorChain>
        <processor name="noop.PassThrough"/>
      </processorChain>
      <destinations>
        <destination server="dest1" path="images"/>
      </destinations>
      <deletionDelay>0</deletionDelay>
    </rule>
  </rules>
</fileconveyor>`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, []string{"CVS", ".svn"}, cfg.IgnoredDirs)
	require.Contains(t, cfg.Sources, "main")
	assert.Equal(t, "/site/", cfg.Sources["main"].BasePath)

	require.Contains(t, cfg.Servers, "dest1")
	assert.Equal(t, 3, cfg.Servers["dest1"].MaxConnections)
	assert.Equal(t, "/tmp/dest", cfg.Servers["dest1"].Settings["location"])

	require.Len(t, cfg.Rules, 1)
	rule := cfg.Rules[0]
	assert.Equal(t, "images", rule.Label)
	require.NotNil(t, rule.Filter)
	assert.Equal(t, []string{"jpg", "png"}, rule.Filter.Extensions)
	assert.Equal(t, []string{"CVS", ".svn"}, rule.Filter.IgnoredDirs, "source-level ignoredDirs should merge into a rule with no filter-level override")
	assert.True(t, rule.Filter.Size.Enabled)
	assert.True(t, rule.Filter.Size.Maximum)
	assert.Equal(t, int64(1048576), rule.Filter.Size.Threshold)
	require.NotNil(t, rule.DeletionDelay)
	assert.Equal(t, 0, *rule.DeletionDelay)
	require.Len(t, rule.Destinations, 1)
	assert.Equal(t, "dest1", rule.Destinations[0].Server)
}

func TestLoadRejectsInvalidSourceName(t *testing.T) {
	path := writeConfig(t, `<fileconveyor>
  <sources>
    <source name="bad name!" scanPath="`+t.TempDir()+`"/>
  </sources>
  <servers></servers>
  <rules></rules>
</fileconveyor>`)

	_, err := Load(path)
	require.Error(t, err)
	cfgErr, ok := err.(*Error)
	require.True(t, ok)
	assert.Contains(t, cfgErr.Error(), "invalid")
}

func TestLoadRejectsMissingScanPath(t *testing.T) {
	path := writeConfig(t, `<fileconveyor>
  <sources>
    <source name="main" scanPath="/does/not/exist"/>
  </sources>
  <servers></servers>
  <rules></rules>
</fileconveyor>`)

	_, err := Load(path)
	require.Error(t, err)
}

func TestLoadRejectsBasePathWithoutSlashes(t *testing.T) {
	path := writeConfig(t, `<fileconveyor>
  <sources>
    <source name="main" scanPath="`+t.TempDir()+`" basePath="site"/>
  </sources>
  <servers></servers>
  <rules></rules>
</fileconveyor>`)

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "base path")
}

func TestLoadRejectsRuleWithNoDestinations(t *testing.T) {
	srcDir := t.TempDir()
	path := writeConfig(t, `<fileconveyor>
  <sources>
    <source name="main" scanPath="`+srcDir+`"/>
  </sources>
  <servers></servers>
  <rules>
    <rule for="main" label="broken">
      <destinations></destinations>
    </rule>
  </rules>
</fileconveyor>`)

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "destination")
}

func TestLoadRejectsDestinationReferencingUnknownServer(t *testing.T) {
	srcDir := t.TempDir()
	path := writeConfig(t, `<fileconveyor>
  <sources>
    <source name="main" scanPath="`+srcDir+`"/>
  </sources>
  <servers></servers>
  <rules>
    <rule for="main" label="broken">
      <destinations>
        <destination server="ghost"/>
      </destinations>
    </rule>
  </rules>
</fileconveyor>`)

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "non-existing server")
}

func TestLoadRejectsInvalidXML(t *testing.T) {
	path := writeConfig(t, `<fileconveyor><sources>`)

	_, err := Load(path)
	require.Error(t, err)
}

func TestLoadRuleFilterOverridesGlobalIgnoredDirs(t *testing.T) {
	srcDir := t.TempDir()
	path := writeConfig(t, `<fileconveyor>
  <sources ignoredDirs="CVS">
    <source name="main" scanPath="`+srcDir+`"/>
  </sources>
  <servers>
    <server name="dest1" transporter="SYMLINK_OR_COPY">
      <location>/tmp/dest</location>
    </server>
  </servers>
  <rules>
    <rule for="main" label="rule1">
      <filter>
        <ignoredDirs>node_modules</ignoredDirs>
      </filter>
      <destinations>
        <destination server="dest1"/>
      </destinations>
    </rule>
  </rules>
</fileconveyor>`)

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Len(t, cfg.Rules, 1)
	assert.Equal(t, []string{"node_modules"}, cfg.Rules[0].Filter.IgnoredDirs, "a rule-level ignoredDirs should not be overridden by the source-level default")
}
