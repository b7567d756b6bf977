package eventlog

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/convo/internal/ir"
	"github.com/roach88/convo/internal/pathscope"
	"github.com/roach88/convo/internal/schema"
	"github.com/roach88/convo/internal/testutil"
)

const logPath = "threads/t1/events.jsonl"

func openLog(t *testing.T) (*Log, string) {
	t.Helper()
	scope := pathscope.MustNew(t.TempDir(), "threads/")
	l, err := Open(scope, logPath, schema.Event())
	require.NoError(t, err)
	return l, filepath.Join(scope.Root(), logPath)
}

func event(clock *testutil.StepClock, id, parent string, role ir.Role, content string) ir.Event {
	at := clock.Now()
	return ir.Event{
		ID:        id,
		Role:      role,
		Content:   content,
		CreatedAt: at,
		UpdatedAt: at,
		ParentID:  ir.Ref(parent),
	}
}

func TestReadAbsentIsEmpty(t *testing.T) {
	l, abs := openLog(t)

	events, err := l.Read(context.Background())
	require.NoError(t, err)
	assert.NotNil(t, events)
	assert.Empty(t, events)
	assert.NoFileExists(t, abs)
}

func TestAppendThenReadInOrder(t *testing.T) {
	l, _ := openLog(t)
	ctx := context.Background()
	clock := testutil.NewStepClock()

	u1 := event(clock, "u1", "", ir.RoleUser, "hi")
	a1 := event(clock, "a1", "u1", ir.RoleAssistant, "hello")
	require.NoError(t, l.Append(ctx, u1))
	require.NoError(t, l.Append(ctx, a1))

	events, err := l.Read(ctx)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "u1", events[0].ID)
	assert.Nil(t, events[0].ParentID)
	assert.Equal(t, "a1", events[1].ID)
	assert.Equal(t, "u1", events[1].Parent())
	assert.True(t, u1.CreatedAt.Equal(events[0].CreatedAt))
}

func TestAppendIsOneLinePerEvent(t *testing.T) {
	l, abs := openLog(t)
	clock := testutil.NewStepClock()
	require.NoError(t, l.Append(context.Background(), event(clock, "u1", "", ir.RoleUser, "line\nbreak <b>")))

	data, err := os.ReadFile(abs)
	require.NoError(t, err)
	assert.Equal(t, 1, countByte(data, '\n'))
	assert.Contains(t, string(data), `"parent_id":null`)
	assert.Contains(t, string(data), `<b>`)
}

func TestAppendBatchIsAllOrNothing(t *testing.T) {
	l, _ := openLog(t)
	ctx := context.Background()
	clock := testutil.NewStepClock()

	bad := event(clock, "", "", ir.RoleUser, "missing id")
	err := l.AppendBatch(ctx, []ir.Event{event(clock, "u1", "", ir.RoleUser, "ok"), bad})
	require.Error(t, err)
	assert.True(t, ir.IsValidation(err))

	events, err := l.Read(ctx)
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestTrailingBlankLineTolerated(t *testing.T) {
	l, abs := openLog(t)
	clock := testutil.NewStepClock()
	require.NoError(t, l.Append(context.Background(), event(clock, "u1", "", ir.RoleUser, "hi")))

	f, err := os.OpenFile(abs, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString("\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	events, err := l.Read(context.Background())
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

func TestMalformedLineReportsPosition(t *testing.T) {
	l, abs := openLog(t)
	ctx := context.Background()
	clock := testutil.NewStepClock()
	require.NoError(t, l.Append(ctx, event(clock, "u1", "", ir.RoleUser, "hi")))
	require.NoError(t, l.Append(ctx, event(clock, "a1", "u1", ir.RoleAssistant, "yo")))

	// simulate a crash mid-append
	f, err := os.OpenFile(abs, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString(`{"id":"u2","role":"us`)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	_, err = l.Read(ctx)
	require.Error(t, err)
	assert.True(t, ir.IsValidation(err))

	var e *ir.Error
	require.True(t, errors.As(err, &e))
	assert.Equal(t, 3, e.Line)
	assert.Equal(t, logPath, e.Path)
}

func TestSchemaInvalidLineRejected(t *testing.T) {
	l, abs := openLog(t)
	require.NoError(t, os.MkdirAll(filepath.Dir(abs), 0o755))
	require.NoError(t, os.WriteFile(abs, []byte(`{"id":"x","role":"robot","created_at":"2024-01-01T00:00:00Z","updated_at":"2024-01-01T00:00:00Z","parent_id":null}`+"\n"), 0o644))

	_, err := l.Read(context.Background())
	require.Error(t, err)
	var e *ir.Error
	require.True(t, errors.As(err, &e))
	assert.Equal(t, 1, e.Line)
}

func TestBlankLineInsideLogRejected(t *testing.T) {
	l, abs := openLog(t)
	line := `{"id":"x","created_at":"2024-01-01T00:00:00Z","updated_at":"2024-01-01T00:00:00Z","parent_id":null}`
	require.NoError(t, os.MkdirAll(filepath.Dir(abs), 0o755))
	require.NoError(t, os.WriteFile(abs, []byte(line+"\n\n"+line+"\n"), 0o644))

	_, err := l.Read(context.Background())
	var e *ir.Error
	require.True(t, errors.As(err, &e))
	assert.Equal(t, 2, e.Line)
}

func TestDropTornTail(t *testing.T) {
	l, abs := openLog(t)
	ctx := context.Background()
	clock := testutil.NewStepClock()
	require.NoError(t, l.Append(ctx, event(clock, "u1", "", ir.RoleUser, "hi")))

	n, err := l.DropTornTail(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "clean log is untouched")

	f, err := os.OpenFile(abs, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString(`{"id":"torn`)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	n, err = l.DropTornTail(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(len(`{"id":"torn`)), n)

	events, err := l.Read(ctx)
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

func TestAppendAfterTornTailIsReadable(t *testing.T) {
	l, abs := openLog(t)
	ctx := context.Background()
	clock := testutil.NewStepClock()
	require.NoError(t, l.Append(ctx, event(clock, "u1", "", ir.RoleUser, "hi")))

	f, err := os.OpenFile(abs, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString(`{"id":"x","role":"assi`)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	require.NoError(t, l.Append(ctx, event(clock, "a1", "u1", ir.RoleAssistant, "hello")))

	events, err := l.Read(ctx)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "u1", events[0].ID)
	assert.Equal(t, "a1", events[1].ID)

	n, err := l.DropTornTail(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestAppendAfterLongTornFirstLine(t *testing.T) {
	l, abs := openLog(t)
	ctx := context.Background()
	clock := testutil.NewStepClock()

	torn := `{"id":"torn","content":"` + strings.Repeat("z", 3*tailChunk)
	require.NoError(t, os.MkdirAll(filepath.Dir(abs), 0o755))
	require.NoError(t, os.WriteFile(abs, []byte(torn), 0o644))

	require.NoError(t, l.Append(ctx, event(clock, "u1", "", ir.RoleUser, "hi")))

	events, err := l.Read(ctx)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "u1", events[0].ID)
}

func TestDeleteIsIdempotent(t *testing.T) {
	l, abs := openLog(t)
	ctx := context.Background()
	clock := testutil.NewStepClock()
	require.NoError(t, l.Append(ctx, event(clock, "u1", "", ir.RoleUser, "hi")))
	require.FileExists(t, abs)

	require.NoError(t, l.Delete(ctx))
	require.NoError(t, l.Delete(ctx))
	assert.NoFileExists(t, abs)

	events, err := l.Read(ctx)
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestOpenOutsideScopeDenied(t *testing.T) {
	scope := pathscope.MustNew(t.TempDir(), "threads/")
	_, err := Open(scope, "secrets/events.jsonl", nil)
	assert.True(t, ir.IsAccessDenied(err))

	_, err = Open(scope, "threads/../../etc/passwd", nil)
	assert.True(t, ir.IsAccessDenied(err))
}

func TestConcurrentAppendsNeverInterleave(t *testing.T) {
	scope := pathscope.MustNew(t.TempDir(), "threads/")
	// two handles on the same file share the process-wide lock
	l1, err := Open(scope, logPath, schema.Event())
	require.NoError(t, err)
	l2, err := Open(scope, logPath, schema.Event())
	require.NoError(t, err)

	ctx := context.Background()
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	const n = 50
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			l := l1
			if i%2 == 1 {
				l = l2
			}
			e := ir.Event{
				ID:        fmt.Sprintf("m-%d", i),
				Role:      ir.RoleUser,
				Content:   "payload payload payload payload",
				CreatedAt: base,
				UpdatedAt: base,
			}
			assert.NoError(t, l.Append(ctx, e))
		}(i)
	}
	wg.Wait()

	events, err := l1.Read(ctx)
	require.NoError(t, err)
	assert.Len(t, events, n)
}

func countByte(b []byte, c byte) int {
	n := 0
	for _, x := range b {
		if x == c {
			n++
		}
	}
	return n
}
