package docstore

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/convo/internal/ir"
	"github.com/roach88/convo/internal/pathscope"
	"github.com/roach88/convo/internal/schema"
)

type settings struct {
	Theme    string            `json:"theme"`
	FontSize int               `json:"font_size"`
	Tags     map[string]string `json:"tags"`
}

func testDoc(t *testing.T) (*Document[settings], *pathscope.Scope) {
	t.Helper()
	scope := pathscope.MustNew(t.TempDir(), "settings.json", "nested/")
	doc, err := New(scope, "settings.json", settings{Theme: "light", FontSize: 12, Tags: map[string]string{}}, nil)
	require.NoError(t, err)
	return doc, scope
}

func TestReadAbsentReturnsDefault(t *testing.T) {
	doc, _ := testDoc(t)

	v, err := doc.Read(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "light", v.Theme)
	assert.Equal(t, 12, v.FontSize)
}

func TestDefaultIsFreshCopy(t *testing.T) {
	doc, _ := testDoc(t)

	a := doc.Default()
	a.Tags["x"] = "y"
	b := doc.Default()
	assert.Empty(t, b.Tags, "mutating one default must not leak into the next")
}

func TestWriteReadRoundTrip(t *testing.T) {
	doc, _ := testDoc(t)
	ctx := context.Background()

	want := settings{Theme: "dark", FontSize: 14, Tags: map[string]string{"b": "2", "a": "1"}}
	require.NoError(t, doc.Write(ctx, want))

	got, err := doc.Read(ctx)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestWriteIsDeterministic(t *testing.T) {
	doc, scope := testDoc(t)
	ctx := context.Background()
	v := settings{Theme: "<dark>", FontSize: 14, Tags: map[string]string{"z": "1", "a": "2"}}

	require.NoError(t, doc.Write(ctx, v))
	first, err := os.ReadFile(filepath.Join(scope.Root(), "settings.json"))
	require.NoError(t, err)

	require.NoError(t, doc.Write(ctx, v))
	second, err := os.ReadFile(filepath.Join(scope.Root(), "settings.json"))
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Contains(t, string(first), `"<dark>"`, "HTML must not be escaped")
	assert.Less(t, indexOf(first, `"a"`), indexOf(first, `"z"`), "map keys must be sorted")
}

func TestReadMalformedIsValidationError(t *testing.T) {
	doc, scope := testDoc(t)
	path := filepath.Join(scope.Root(), "settings.json")

	require.NoError(t, os.WriteFile(path, []byte(`{"theme":`), 0o644))
	_, err := doc.Read(context.Background())
	require.Error(t, err)
	assert.True(t, ir.IsValidation(err))

	require.NoError(t, os.WriteFile(path, []byte(`{"theme":"x","unknown":1}`), 0o644))
	_, err = doc.Read(context.Background())
	assert.True(t, ir.IsValidation(err), "unknown fields are rejected")

	require.NoError(t, os.WriteFile(path, []byte(`{"theme":"x"} {"theme":"y"}`), 0o644))
	_, err = doc.Read(context.Background())
	assert.True(t, ir.IsValidation(err), "trailing data is rejected")
}

func TestReadOrDefaultRecoversValidation(t *testing.T) {
	doc, scope := testDoc(t)
	path := filepath.Join(scope.Root(), "settings.json")
	require.NoError(t, os.WriteFile(path, []byte(`garbage`), 0o644))

	v, err := doc.ReadOrDefault(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "light", v.Theme)

	// file is left for inspection
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "garbage", string(data))
}

func TestInterruptedWriteKeepsPreviousValue(t *testing.T) {
	doc, scope := testDoc(t)
	ctx := context.Background()

	committed := settings{Theme: "committed", FontSize: 1, Tags: map[string]string{}}
	require.NoError(t, doc.Write(ctx, committed))

	renameFile = func(string, string) error { return errors.New("simulated crash before rename") }
	t.Cleanup(func() { renameFile = os.Rename })

	err := doc.Write(ctx, settings{Theme: "lost", FontSize: 2})
	require.Error(t, err)

	renameFile = os.Rename
	got, err := doc.Read(ctx)
	require.NoError(t, err)
	assert.Equal(t, committed, got)

	entries, err := os.ReadDir(scope.Root())
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temp file must be cleaned up")
}

func TestStrayTempFileDoesNotAffectRead(t *testing.T) {
	doc, scope := testDoc(t)
	ctx := context.Background()
	require.NoError(t, doc.Write(ctx, settings{Theme: "ok", Tags: map[string]string{}}))

	// A crash after writing the temp file but before rename leaves this behind.
	stray := filepath.Join(scope.Root(), ".settings.json.tmp-123")
	require.NoError(t, os.WriteFile(stray, []byte(`{"theme":"half`), 0o644))

	got, err := doc.Read(ctx)
	require.NoError(t, err)
	assert.Equal(t, "ok", got.Theme)
}

func TestAccessDeniedOutsideScope(t *testing.T) {
	scope := pathscope.MustNew(t.TempDir(), "settings.json")
	doc, err := New(scope, "../escape.json", settings{}, nil)
	require.NoError(t, err)

	_, err = doc.Read(context.Background())
	assert.True(t, ir.IsAccessDenied(err))

	err = doc.Write(context.Background(), settings{})
	assert.True(t, ir.IsAccessDenied(err))
}

func TestWriteCreatesParentDirectories(t *testing.T) {
	scope := pathscope.MustNew(t.TempDir(), "nested/")
	doc, err := New(scope, "nested/deep/doc.json", settings{}, nil)
	require.NoError(t, err)

	require.NoError(t, doc.Write(context.Background(), settings{Theme: "x"}))
	_, err = os.Stat(filepath.Join(scope.Root(), "nested", "deep", "doc.json"))
	assert.NoError(t, err)
}

func TestUpdateSerialisesConcurrentCallers(t *testing.T) {
	doc, _ := testDoc(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := doc.Update(ctx, func(s settings) (settings, error) {
				s.FontSize++
				return s, nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	got, err := doc.Read(ctx)
	require.NoError(t, err)
	assert.Equal(t, 12+20, got.FontSize)
}

func TestUpdateErrorWritesNothing(t *testing.T) {
	doc, scope := testDoc(t)

	_, err := doc.Update(context.Background(), func(s settings) (settings, error) {
		return s, errors.New("nope")
	})
	require.Error(t, err)

	_, statErr := os.Stat(filepath.Join(scope.Root(), "settings.json"))
	assert.True(t, os.IsNotExist(statErr))
}

func TestSchemaValidationOnReadAndWrite(t *testing.T) {
	scope := pathscope.MustNew(t.TempDir(), "threads.json")
	doc, err := New(scope, "threads.json", ir.NewThreadIndex(), schema.ThreadIndex())
	require.NoError(t, err)
	ctx := context.Background()

	idx := ir.NewThreadIndex()
	idx.Roots = []string{"t1"}
	idx.Threads["t1"] = ir.Thread{ID: "t1", Title: "Hello"}
	require.NoError(t, doc.Write(ctx, idx))

	got, err := doc.Read(ctx)
	require.NoError(t, err)
	assert.Equal(t, "Hello", got.Threads["t1"].Title)

	bad := ir.NewThreadIndex()
	bad.Version = 0
	err = doc.Write(ctx, bad)
	assert.True(t, ir.IsValidation(err), "invalid documents are never written")
}

func TestCancelledContext(t *testing.T) {
	doc, _ := testDoc(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := doc.Read(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.ErrorIs(t, doc.Write(ctx, settings{}), context.Canceled)
}

func indexOf(b []byte, s string) int {
	for i := 0; i+len(s) <= len(b); i++ {
		if string(b[i:i+len(s)]) == s {
			return i
		}
	}
	return -1
}

func TestUpdateRecoversInvalidDocument(t *testing.T) {
	doc, scope := testDoc(t)
	path := filepath.Join(scope.Root(), "settings.json")
	require.NoError(t, os.WriteFile(path, []byte(`{broken`), 0o644))

	got, err := doc.Update(context.Background(), func(s settings) (settings, error) {
		s.Theme = "repaired"
		return s, nil
	})
	require.NoError(t, err)
	assert.Equal(t, "repaired", got.Theme)
	assert.Equal(t, 12, got.FontSize)
}
