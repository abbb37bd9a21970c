package observer

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Iron-Ham/cadence/internal/drift"
)

func newObserver(t *testing.T, root string, expected []string) *Observer {
	t.Helper()
	o, err := New(root, expected, Config{
		Debounce: 20 * time.Millisecond,
		Ignore:   []string{".git", ".cadence"},
	})
	require.NoError(t, err)
	return o
}

func mkdirs(t *testing.T, root string, dirs ...string) {
	t.Helper()
	for _, d := range dirs {
		require.NoError(t, os.MkdirAll(filepath.Join(root, d), 0755))
	}
}

func TestRecord_ClassifiesTouchedSet(t *testing.T) {
	root := t.TempDir()
	mkdirs(t, root, "pkg/auth", "billing", ".git/objects")
	o := newObserver(t, root, []string{"pkg/auth/a.go"})
	defer func() { _ = o.Close() }()

	a, fire := o.record([]string{filepath.Join(o.root, "pkg/auth/a.go")})
	assert.False(t, fire)
	assert.Equal(t, drift.SeverityNone, a.Severity)

	a, fire = o.record([]string{
		filepath.Join(o.root, "billing/x.go"),
		filepath.Join(o.root, ".git/objects/ab"),
		"/elsewhere/entirely.go",
	})
	assert.False(t, fire)
	assert.Equal(t, drift.SeverityModerate, a.Severity)
	assert.Equal(t, []string{"billing/x.go", "pkg/auth/a.go"}, o.Touched())

	a, fire = o.record([]string{filepath.Join(o.root, "billing/y.go")})
	assert.True(t, fire)
	assert.Equal(t, drift.SeverityMajor, a.Severity)

	_, fire = o.record([]string{filepath.Join(o.root, "billing/z.go")})
	assert.False(t, fire, "major must only be reported once")
	assert.Equal(t, drift.SeverityMajor, o.Assessment().Severity)
}

func TestRelative(t *testing.T) {
	root := t.TempDir()
	o := newObserver(t, root, nil)
	defer func() { _ = o.Close() }()

	tests := []struct {
		path string
		want string
		ok   bool
	}{
		{filepath.Join(o.root, "a.go"), "a.go", true},
		{filepath.Join(o.root, "x", "y", "z.go"), "x/y/z.go", true},
		{o.root, "", false},
		{filepath.Dir(o.root), "", false},
		{filepath.Join(o.root, ".cadence", "sessions", "s.json"), "", false},
		{filepath.Join(o.root, "sub", ".git", "HEAD"), "", false},
	}
	for _, tt := range tests {
		got, ok := o.relative(tt.path)
		assert.Equal(t, tt.ok, ok, tt.path)
		assert.Equal(t, tt.want, got, tt.path)
	}
}

func TestNew_InvalidIgnorePattern(t *testing.T) {
	_, err := New(t.TempDir(), nil, Config{Ignore: []string{"[bad"}})
	assert.Error(t, err)
}

func TestNew_MissingRoot(t *testing.T) {
	_, err := New(filepath.Join(t.TempDir(), "missing"), nil, Config{})
	assert.Error(t, err)
}

func TestRun_StopsOnMajorDrift(t *testing.T) {
	root := t.TempDir()
	mkdirs(t, root, "pkg/auth")
	o := newObserver(t, root, []string{"pkg/auth/a.go"})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	stopped := make(chan drift.Assessment, 1)
	done := make(chan error, 1)
	go func() {
		done <- o.Run(ctx, func(a drift.Assessment) { stopped <- a })
	}()

	// New directories are picked up while running.
	require.NoError(t, os.MkdirAll(filepath.Join(root, "billing"), 0755))
	time.Sleep(100 * time.Millisecond)
	require.NoError(t, os.WriteFile(filepath.Join(root, "billing", "x.go"), []byte("package billing\n"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "billing", "y.go"), []byte("package billing\n"), 0644))

	select {
	case a := <-stopped:
		assert.Equal(t, drift.SeverityMajor, a.Severity)
		assert.Equal(t, 2, a.RedUsed)
	case <-ctx.Done():
		t.Fatal("observer never reported major drift")
	}

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancellation")
	}
}

func TestRun_CountsFilesInsideNewDirectory(t *testing.T) {
	root := t.TempDir()
	mkdirs(t, root, "pkg/auth")
	o := newObserver(t, root, []string{"pkg/auth/a.go"})

	// Populate the directory elsewhere so the only event is its arrival.
	staging := filepath.Join(t.TempDir(), "billing")
	require.NoError(t, os.MkdirAll(filepath.Join(staging, "ledger"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(staging, "x.go"), []byte("package billing\n"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(staging, "ledger", "y.go"), []byte("package ledger\n"), 0644))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	stopped := make(chan drift.Assessment, 1)
	done := make(chan error, 1)
	go func() {
		done <- o.Run(ctx, func(a drift.Assessment) { stopped <- a })
	}()

	require.NoError(t, os.Rename(staging, filepath.Join(root, "billing")))

	select {
	case a := <-stopped:
		assert.Equal(t, drift.SeverityMajor, a.Severity)
		assert.Equal(t, []string{"billing/ledger/y.go", "billing/x.go"}, o.Touched())
	case <-ctx.Done():
		t.Fatal("files inside the new directory were never counted")
	}

	cancel()
	<-done
}

func TestRun_ExpectedWritesDoNotStop(t *testing.T) {
	root := t.TempDir()
	mkdirs(t, root, "pkg/auth")
	o := newObserver(t, root, []string{"pkg/auth/a.go", "pkg/auth/b.go"})

	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{}, 1)
	done := make(chan error, 1)
	go func() {
		done <- o.Run(ctx, func(drift.Assessment) { stopped <- struct{}{} })
	}()

	require.NoError(t, os.WriteFile(filepath.Join(root, "pkg", "auth", "a.go"), []byte("package auth\n"), 0644))

	// Wait until the write has been classified.
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) && len(o.Touched()) == 0 {
		time.Sleep(20 * time.Millisecond)
	}
	cancel()
	require.NoError(t, <-done)

	assert.Equal(t, []string{"pkg/auth/a.go"}, o.Touched())
	assert.Equal(t, drift.SeverityNone, o.Assessment().Severity)
	assert.Empty(t, stopped)
}
