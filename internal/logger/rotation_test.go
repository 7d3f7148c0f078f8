package logger

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRotatingWriter(t *testing.T) {
	t.Run("creates file and directory", func(t *testing.T) {
		logFile := filepath.Join(t.TempDir(), "subdir", "test.log")

		rw, err := NewRotatingWriter(RotationConfig{Filename: logFile, MaxBytes: 1024})
		require.NoError(t, err)
		defer rw.Close()

		_, err = os.Stat(logFile)
		assert.NoError(t, err)
	})

	t.Run("rejects zero size", func(t *testing.T) {
		_, err := NewRotatingWriter(RotationConfig{Filename: filepath.Join(t.TempDir(), "x.log")})
		assert.Error(t, err)
	})
}

func TestRotatingWriterRotation(t *testing.T) {
	logFile := filepath.Join(t.TempDir(), "test.log")

	rw, err := NewRotatingWriter(RotationConfig{Filename: logFile, MaxBytes: 100})
	require.NoError(t, err)

	line := []byte(strings.Repeat("a", 60) + "\n")
	for i := 0; i < 3; i++ {
		n, err := rw.Write(line)
		require.NoError(t, err)
		assert.Equal(t, len(line), n)
	}
	require.NoError(t, rw.Close())

	rotated, err := filepath.Glob(logFile + ".*")
	require.NoError(t, err)
	assert.NotEmpty(t, rotated)

	content, err := os.ReadFile(logFile)
	require.NoError(t, err)
	assert.Equal(t, line, content)
}

func TestRotatingWriterCompress(t *testing.T) {
	logFile := filepath.Join(t.TempDir(), "test.log")

	rw, err := NewRotatingWriter(RotationConfig{Filename: logFile, MaxBytes: 10, Compress: true})
	require.NoError(t, err)

	_, err = rw.Write([]byte("first line\n"))
	require.NoError(t, err)
	_, err = rw.Write([]byte("second line\n"))
	require.NoError(t, err)
	require.NoError(t, rw.Close())

	compressed, err := filepath.Glob(logFile + ".*.gz")
	require.NoError(t, err)
	assert.Len(t, compressed, 1)
}

func TestRotatingWriterWriteAfterClose(t *testing.T) {
	rw, err := NewRotatingWriter(RotationConfig{Filename: filepath.Join(t.TempDir(), "test.log"), MaxBytes: 1024})
	require.NoError(t, err)
	require.NoError(t, rw.Close())

	_, err = rw.Write([]byte("late"))
	assert.ErrorIs(t, err, os.ErrClosed)
	assert.NoError(t, rw.Close())
}

func TestCompressFile(t *testing.T) {
	testFile := filepath.Join(t.TempDir(), "test.txt")
	require.NoError(t, os.WriteFile(testFile, []byte("test content"), 0644))

	require.NoError(t, compressFile(testFile))

	_, err := os.Stat(testFile + ".gz")
	assert.NoError(t, err)
	_, err = os.Stat(testFile)
	assert.True(t, os.IsNotExist(err))
}

func TestCleanup(t *testing.T) {
	logFile := filepath.Join(t.TempDir(), "test.log")

	oldFile := logFile + ".20200101-120000.000"
	require.NoError(t, os.WriteFile(oldFile, []byte("old log"), 0644))
	oldTime := time.Now().AddDate(0, 0, -10)
	require.NoError(t, os.Chtimes(oldFile, oldTime, oldTime))

	recentFile := logFile + ".20991231-120000.000"
	require.NoError(t, os.WriteFile(recentFile, []byte("recent log"), 0644))

	rw, err := NewRotatingWriter(RotationConfig{Filename: logFile, MaxBytes: 1024, MaxAge: 7})
	require.NoError(t, err)
	defer rw.Close()

	_, err = os.Stat(oldFile)
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(recentFile)
	assert.NoError(t, err)
}
