package cmd

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime/debug"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dotcommander/agentrun/internal/errs"
	"github.com/dotcommander/agentrun/internal/storage"
)

var flagParseErrorTests = []struct {
	in     string
	flag   string
	reason string
}{
	{
		"unknown flag: --nope",
		"--nope",
		"Flag %s is missing.",
	},
	{
		"flag needs an argument: --agent",
		"--agent",
		"Flag %s needs an argument.",
	},
	{
		"flag needs an argument: 'a' in -a",
		"-a",
		"Flag %s needs an argument.",
	},
	{
		`invalid argument "nope" for "--raw" flag: strconv.ParseBool: parsing "nope": invalid syntax`,
		"--raw",
		"Flag %s have an invalid argument.",
	},
}

func TestFlagParseError(t *testing.T) {
	for _, tf := range flagParseErrorTests {
		t.Run(tf.in, func(t *testing.T) {
			err := newFlagParseError(errors.New(tf.in))
			require.Equal(t, tf.flag, err.Flag())
			require.Equal(t, tf.reason, err.ReasonFormat())
			require.Equal(t, tf.in, err.Error())
		})
	}
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := NewRootCmd(BuildInfo{Version: "test"})
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestConfigInitAndPath(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agentrun.yml")

	out, err := run(t, "config", "path", "--config", path)
	require.NoError(t, err)
	require.Equal(t, path+"\n", out)

	_, err = run(t, "config", "init", "--config", path)
	require.NoError(t, err)
	content, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Contains(t, string(content), "native-provider: anthropic")
}

const teamFile = `
workspace:
  id: 0b6f4bd4-1f43-4a4e-9a57-9f0c7a3b1c01
  name: Acme
team:
  name: Support
  head: lead
agents:
  - slug: lead
    name: Lead
    system-prompt: You lead the team.
    tools:
      - search
`

func TestImport(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "agentrun.db")
	settings := filepath.Join(dir, "agentrun.yml")
	require.NoError(t, os.WriteFile(settings, []byte("db-driver: sqlite\ndb-dsn: "+dbPath+"\n"), 0o600))
	team := filepath.Join(dir, "team.yml")
	require.NoError(t, os.WriteFile(team, []byte(teamFile), 0o600))

	out, err := run(t, "import", team, "--config", settings)
	require.NoError(t, err)
	require.Contains(t, out, "workspace 0b6f4bd4-1f43-4a4e-9a57-9f0c7a3b1c01")
	require.Contains(t, out, "(Support)")

	ctx := context.Background()
	st, err := storage.Open(ctx, "sqlite", dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, st.Close()) })

	tc, err := st.DeployedTeam(ctx, "0b6f4bd4-1f43-4a4e-9a57-9f0c7a3b1c01")
	require.NoError(t, err)
	head, ok := tc.HeadAgent()
	require.True(t, ok)
	require.Equal(t, "lead", head.Slug)
	require.Equal(t, []string{"search"}, head.EnabledToolNames())
}

func TestImportMissingFile(t *testing.T) {
	dir := t.TempDir()
	settings := filepath.Join(dir, "agentrun.yml")
	require.NoError(t, os.WriteFile(settings, []byte("db-driver: memory\n"), 0o600))

	_, err := run(t, "import", filepath.Join(dir, "missing.yml"), "--config", settings)
	require.ErrorContains(t, err, "missing.yml")
}

func TestRunRequiresAgent(t *testing.T) {
	_, err := run(t, "run", "do something")
	require.Error(t, err)
	require.True(t, strings.Contains(err.Error(), `"agent"`))
}

func TestRunRequest(t *testing.T) {
	req := runFlags{agentID: "a", task: "t"}.request()
	require.True(t, storage.IsID(req.ExecutionID))
	require.Nil(t, req.OutputConfig)

	req = runFlags{executionID: "e", agentID: "a", task: "t", tone: "concise"}.request()
	require.Equal(t, "e", req.ExecutionID)
	require.Equal(t, "concise", req.OutputConfig.Tone)
}

func TestTruncatedVersion(t *testing.T) {
	v := BuildInfo{Version: "1.0.0", CommitSHA: "0123456789abcdef"}.versionTemplate()
	require.Contains(t, v, "(0123456)")
	require.NotContains(t, BuildInfo{Version: "1.0.0", CommitSHA: "abc"}.versionTemplate(), "(")
}

func TestBuildInfoResolve(t *testing.T) {
	stamp := func(version string, settings ...debug.BuildSetting) func() (*debug.BuildInfo, bool) {
		return func() (*debug.BuildInfo, bool) {
			return &debug.BuildInfo{Main: debug.Module{Version: version}, Settings: settings}, true
		}
	}
	rev := debug.BuildSetting{Key: "vcs.revision", Value: "0123456789abcdef"}
	dirty := debug.BuildSetting{Key: "vcs.modified", Value: "true"}

	for name, tc := range map[string]struct {
		in   BuildInfo
		read func() (*debug.BuildInfo, bool)
		want BuildInfo
	}{
		"ldflags win": {
			in:   BuildInfo{Version: "v1.2.0", CommitSHA: "feed"},
			read: stamp("v0.0.1", rev),
			want: BuildInfo{Version: "v1.2.0", CommitSHA: "feed"},
		},
		"module version": {
			read: stamp("v0.3.0", rev),
			want: BuildInfo{Version: "v0.3.0", CommitSHA: "0123456789abcdef"},
		},
		"dirty dev build": {
			read: stamp("(devel)", rev, dirty),
			want: BuildInfo{Version: "dev-0123456-dirty", CommitSHA: "0123456789abcdef", Dirty: true},
		},
		"no build info": {
			read: func() (*debug.BuildInfo, bool) { return nil, false },
			want: BuildInfo{Version: "unknown"},
		},
	} {
		t.Run(name, func(t *testing.T) {
			require.Equal(t, tc.want, tc.in.resolve(tc.read))
		})
	}
}

func TestWriteMemProfiles(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "profiles")
	require.NoError(t, writeMemProfiles(dir))
	for _, name := range memProfiles {
		require.FileExists(t, filepath.Join(dir, "agentrun_"+name+".profile"))
	}
}

func TestPrintResult(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, printResult(&buf, "# Title", false))
	require.Equal(t, "# Title\n", buf.String())
}

func TestPlainError(t *testing.T) {
	require.Equal(t, "Could not read team file.: open x: no such file",
		plainError(errs.Error{Err: errors.New("open x: no such file"), Reason: "Could not read team file."}))
	require.Equal(t, "Unauthorized", plainError(errs.New(errs.KindAuth, "Unauthorized")))
	require.Equal(t, "boom", plainError(errors.New("boom")))
}
