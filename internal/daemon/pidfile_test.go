package daemon

import (
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPIDFile_Acquire(t *testing.T) {
	tmpDir := t.TempDir()
	pidPath := filepath.Join(tmpDir, "test.pid")

	pf := NewPIDFile(pidPath)
	require.NoError(t, pf.Acquire())
	defer pf.Release()

	data, err := os.ReadFile(pidPath)
	require.NoError(t, err)

	pid, err := strconv.Atoi(string(data))
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), pid)
}

func TestPIDFile_Acquire_CreatesDirectory(t *testing.T) {
	tmpDir := t.TempDir()
	nestedPath := filepath.Join(tmpDir, "nested", "deep", "test.pid")

	pf := NewPIDFile(nestedPath)
	require.NoError(t, pf.Acquire())
	defer pf.Release()

	_, err := os.Stat(nestedPath)
	require.NoError(t, err)
}

func TestPIDFile_Acquire_SecondHolderRejected(t *testing.T) {
	tmpDir := t.TempDir()
	pidPath := filepath.Join(tmpDir, "test.pid")

	first := NewPIDFile(pidPath)
	require.NoError(t, first.Acquire())
	defer first.Release()

	second := NewPIDFile(pidPath)
	err := second.Acquire()
	require.ErrorIs(t, err, ErrAlreadyRunning)
}

func TestPIDFile_Release_AllowsReacquire(t *testing.T) {
	tmpDir := t.TempDir()
	pidPath := filepath.Join(tmpDir, "test.pid")

	first := NewPIDFile(pidPath)
	require.NoError(t, first.Acquire())
	require.NoError(t, first.Release())

	second := NewPIDFile(pidPath)
	require.NoError(t, second.Acquire())
	defer second.Release()
}

func TestPIDFile_Read(t *testing.T) {
	tmpDir := t.TempDir()
	pidPath := filepath.Join(tmpDir, "test.pid")

	expectedPID := 12345
	require.NoError(t, os.WriteFile(pidPath, []byte(strconv.Itoa(expectedPID)), 0644))

	pf := NewPIDFile(pidPath)
	pid, err := pf.Read()
	require.NoError(t, err)
	assert.Equal(t, expectedPID, pid)
}

func TestPIDFile_Read_NotExists(t *testing.T) {
	tmpDir := t.TempDir()
	pidPath := filepath.Join(tmpDir, "nonexistent.pid")

	pf := NewPIDFile(pidPath)
	_, err := pf.Read()
	require.ErrorIs(t, err, ErrPIDFileNotFound)
}

func TestPIDFile_Read_InvalidContent(t *testing.T) {
	tmpDir := t.TempDir()
	pidPath := filepath.Join(tmpDir, "test.pid")

	require.NoError(t, os.WriteFile(pidPath, []byte("not-a-number"), 0644))

	pf := NewPIDFile(pidPath)
	_, err := pf.Read()
	require.Error(t, err)
}

func TestPIDFile_IsRunning_WhileHeld(t *testing.T) {
	tmpDir := t.TempDir()
	pidPath := filepath.Join(tmpDir, "test.pid")

	owner := NewPIDFile(pidPath)
	require.NoError(t, owner.Acquire())
	defer owner.Release()

	checker := NewPIDFile(pidPath)
	assert.True(t, checker.IsRunning())
}

func TestPIDFile_IsRunning_NoFile(t *testing.T) {
	tmpDir := t.TempDir()
	pidPath := filepath.Join(tmpDir, "nonexistent.pid")

	pf := NewPIDFile(pidPath)
	assert.False(t, pf.IsRunning())
}

func TestPIDFile_IsRunning_AfterRelease(t *testing.T) {
	tmpDir := t.TempDir()
	pidPath := filepath.Join(tmpDir, "test.pid")

	owner := NewPIDFile(pidPath)
	require.NoError(t, owner.Acquire())
	require.NoError(t, owner.Release())

	checker := NewPIDFile(pidPath)
	assert.False(t, checker.IsRunning())
}
