package backup

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/juju/clock/testclock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/yeka/zip"
	"go.uber.org/goleak"
	"go.uber.org/multierr"

	"github.com/steel97/backup/internal/config"
	"github.com/steel97/backup/internal/health"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var testTime = time.Date(2024, 3, 5, 10, 30, 0, 0, time.UTC)

type mockUploader struct {
	mock.Mock
	bucket string
}

func (m *mockUploader) UploadFile(ctx context.Context, key, path string, metadata map[string]string) (string, error) {
	args := m.Called(ctx, key, path, metadata)
	return args.String(0), args.Error(1)
}

func (m *mockUploader) Bucket() string {
	return m.bucket
}

// readZip returns the archive contents keyed by entry name.
func readZip(t *testing.T, path, password string) map[string]string {
	t.Helper()

	r, err := zip.OpenReader(path)
	require.NoError(t, err)
	defer r.Close()

	contents := make(map[string]string)
	for _, f := range r.File {
		if f.IsEncrypted() {
			f.SetPassword(password)
		}
		rc, err := f.Open()
		require.NoError(t, err)
		data, err := io.ReadAll(rc)
		rc.Close()
		require.NoError(t, err)
		contents[f.Name] = string(data)
	}
	return contents
}

func writeTree(t *testing.T, files map[string]string) string {
	t.Helper()
	root := t.TempDir()
	for name, content := range files {
		full := filepath.Join(root, filepath.FromSlash(name))
		require.NoError(t, os.MkdirAll(filepath.Dir(full), 0o755))
		require.NoError(t, os.WriteFile(full, []byte(content), 0o644))
	}
	return root
}

type fixture struct {
	tempDir   string
	uploaders []*mockUploader
	orch      *Orchestrator
}

func newFixture(t *testing.T, targets []config.Target, continueOnError bool, prefixes ...string) *fixture {
	t.Helper()
	if len(prefixes) == 0 {
		prefixes = []string{"backups/"}
	}

	f := &fixture{tempDir: t.TempDir()}
	var destinations []Destination
	for i, prefix := range prefixes {
		uploader := &mockUploader{bucket: "bucket-" + string(rune('a'+i))}
		f.uploaders = append(f.uploaders, uploader)
		destinations = append(destinations, Destination{KeyPrefix: prefix, Uploader: uploader})
	}

	runner := NewActionRunner(ExecExecutor{}, f.tempDir, io.Discard, io.Discard, discardLogger())
	f.orch = NewOrchestrator(&config.Config{Targets: targets}, destinations, runner, Options{
		TempDir:         f.tempDir,
		ContinueOnError: continueOnError,
		Clock:           testclock.NewClock(testTime),
	}, discardLogger())
	return f
}

func directoryTarget(name, source, output string) config.Target {
	return config.Target{
		Name: name,
		Backup: &config.Backup{
			Directories: []config.Directory{{Source: source, Output: output}},
		},
	}
}

func TestRunTarget_DirectoryAndCommand(t *testing.T) {
	data := writeTree(t, map[string]string{
		"a.txt":     "alpha",
		"sub/b.txt": "bravo",
	})
	target := config.Target{
		Name:   "site-{year}-{month}-{day}.zip",
		Packer: &config.Packer{Password: "s3cret"},
		Backup: &config.Backup{
			Directories: []config.Directory{{Source: data, Output: "files"}},
			Commands: []config.Command{
				{
					Command: "sh",
					Args:    []string{"-c", "printf 'select 1;' > " + TempFilePlaceholder},
					Output:  "db/dump.sql",
				},
				{
					Command: "sh",
					Args:    []string{"-c", "true"},
					Output:  "db/empty.sql",
				},
			},
		},
	}

	f := newFixture(t, []config.Target{target}, false, "primary/", "")

	var uploaded map[string]string
	f.uploaders[0].On("UploadFile", mock.Anything, "primary/site-2024-03-05.zip", mock.AnythingOfType("string"), mock.Anything).
		Run(func(args mock.Arguments) {
			uploaded = readZip(t, args.String(2), "s3cret")
			metadata := args.Get(3).(map[string]string)
			assert.Equal(t, "2024-03-05T10:30:00Z", metadata["backup-timestamp"])
			assert.Equal(t, "site-2024-03-05.zip", metadata["backup-target"])
		}).
		Return("sum-a", nil).Once()
	f.uploaders[1].On("UploadFile", mock.Anything, "site-2024-03-05.zip", mock.AnythingOfType("string"), mock.Anything).
		Return("sum-b", nil).Once()

	result := f.orch.RunTarget(context.Background(), target)

	require.NoError(t, result.Err)
	assert.Equal(t, StateDone, result.State)
	assert.Equal(t, 3, result.Entries)
	assert.Positive(t, result.Size)
	assert.Equal(t, []UploadResult{
		{Bucket: "bucket-a", Key: "primary/site-2024-03-05.zip", Checksum: "sum-a"},
		{Bucket: "bucket-b", Key: "site-2024-03-05.zip", Checksum: "sum-b"},
	}, result.Uploads)
	assert.Equal(t, map[string]string{
		"files/a.txt":     "alpha",
		"files/sub/b.txt": "bravo",
		"db/dump.sql":     "select 1;",
	}, uploaded)

	f.uploaders[0].AssertExpectations(t)
	f.uploaders[1].AssertExpectations(t)
	assertDirEmpty(t, f.tempDir)
}

func TestRunTarget_DefaultName(t *testing.T) {
	data := writeTree(t, map[string]string{"x.txt": "x"})
	target := directoryTarget("", data, "")

	f := newFixture(t, []config.Target{target}, false)
	f.uploaders[0].On("UploadFile", mock.Anything, "backups/backup", mock.Anything, mock.Anything).
		Return("sum", nil).Once()

	result := f.orch.RunTarget(context.Background(), target)

	require.NoError(t, result.Err)
	assert.Equal(t, config.DefaultTargetName, result.Name)
	f.uploaders[0].AssertExpectations(t)
}

func TestRunTarget_SkipsTargetWithoutActions(t *testing.T) {
	target := config.Target{Name: "nothing"}
	f := newFixture(t, []config.Target{target}, false)

	result := f.orch.RunTarget(context.Background(), target)

	require.NoError(t, result.Err)
	assert.Equal(t, StateSkipped, result.State)
	f.uploaders[0].AssertNotCalled(t, "UploadFile", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	assert.Equal(t, 1, f.orch.Progress().Skipped)
}

func TestRunTarget_MissingDirectoryAborts(t *testing.T) {
	target := directoryTarget("broken", filepath.Join(t.TempDir(), "missing"), "")
	f := newFixture(t, []config.Target{target}, false)

	result := f.orch.RunTarget(context.Background(), target)

	assert.Error(t, result.Err)
	assert.Equal(t, StateAborted, result.State)
	f.uploaders[0].AssertNotCalled(t, "UploadFile", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	assertDirEmpty(t, f.tempDir)
}

func TestRunTarget_UploadFailureAborts(t *testing.T) {
	data := writeTree(t, map[string]string{"x.txt": "x"})
	target := directoryTarget("t", data, "")
	f := newFixture(t, []config.Target{target}, false, "first/", "second/")

	uploadErr := errors.New("access denied")
	f.uploaders[0].On("UploadFile", mock.Anything, "first/t", mock.Anything, mock.Anything).
		Return("", uploadErr).Once()

	result := f.orch.RunTarget(context.Background(), target)

	assert.ErrorIs(t, result.Err, uploadErr)
	assert.Equal(t, StateAborted, result.State)
	assert.Empty(t, result.Uploads)
	f.uploaders[1].AssertNotCalled(t, "UploadFile", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	assertDirEmpty(t, f.tempDir)
	assert.Equal(t, 1, f.orch.Progress().Failed)
}

func TestRun_FailFast(t *testing.T) {
	data := writeTree(t, map[string]string{"x.txt": "x"})
	targets := []config.Target{
		directoryTarget("bad", filepath.Join(t.TempDir(), "missing"), ""),
		directoryTarget("good", data, ""),
	}
	f := newFixture(t, targets, false)

	err := f.orch.Run(context.Background())

	require.Error(t, err)
	assert.Contains(t, err.Error(), "target bad")
	f.uploaders[0].AssertNotCalled(t, "UploadFile", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestRun_ContinueOnError(t *testing.T) {
	data := writeTree(t, map[string]string{"x.txt": "x"})
	targets := []config.Target{
		directoryTarget("bad-1", filepath.Join(t.TempDir(), "missing"), ""),
		directoryTarget("good", data, ""),
		directoryTarget("bad-2", filepath.Join(t.TempDir(), "missing"), ""),
	}
	f := newFixture(t, targets, true)
	f.uploaders[0].On("UploadFile", mock.Anything, "backups/good", mock.Anything, mock.Anything).
		Return("sum", nil).Once()

	err := f.orch.Run(context.Background())

	require.Error(t, err)
	assert.Len(t, multierr.Errors(err), 2)
	f.uploaders[0].AssertExpectations(t)

	progress := f.orch.Progress()
	assert.Equal(t, 1, progress.Completed)
	assert.Equal(t, 2, progress.Failed)
	assertDirEmpty(t, f.tempDir)
}

func TestRun_AllTargetsSucceed(t *testing.T) {
	data := writeTree(t, map[string]string{"x.txt": "x"})
	targets := []config.Target{
		directoryTarget("one", data, ""),
		{Name: "empty"},
		directoryTarget("two", data, "nested"),
	}
	f := newFixture(t, targets, false)
	f.uploaders[0].On("UploadFile", mock.Anything, "backups/one", mock.Anything, mock.Anything).Return("1", nil).Once()
	f.uploaders[0].On("UploadFile", mock.Anything, "backups/two", mock.Anything, mock.Anything).Return("2", nil).Once()

	require.NoError(t, f.orch.Run(context.Background()))

	f.uploaders[0].AssertExpectations(t)
	progress := f.orch.Progress()
	assert.Equal(t, 2, progress.Completed)
	assert.Equal(t, 1, progress.Skipped)
	assert.Equal(t, "two", progress.Current)
	assert.Equal(t, StateDone, progress.State)
}

func TestRun_CancelledContext(t *testing.T) {
	data := writeTree(t, map[string]string{"x.txt": "x"})
	f := newFixture(t, []config.Target{directoryTarget("one", data, "")}, true)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := f.orch.Run(ctx)

	assert.ErrorIs(t, err, context.Canceled)
	f.uploaders[0].AssertNotCalled(t, "UploadFile", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestHealthCheck(t *testing.T) {
	targets := []config.Target{
		directoryTarget("bad", filepath.Join(t.TempDir(), "missing"), ""),
	}
	f := newFixture(t, targets, true)

	check := f.orch.HealthCheck(context.Background())
	assert.Equal(t, health.StatusHealthy, check.Status)
	assert.Equal(t, testTime, check.Timestamp)

	require.Error(t, f.orch.Run(context.Background()))

	check = f.orch.HealthCheck(context.Background())
	assert.Equal(t, health.StatusUnhealthy, check.Status)
	assert.Equal(t, 1, check.Details["failed"])
	assert.Equal(t, "bad", check.Details["current"])
}
