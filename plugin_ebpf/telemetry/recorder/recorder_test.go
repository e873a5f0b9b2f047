/*
 * @Author: CALM.WU
 * @Date: 2024-03-22 10:47:15
 * @Last Modified by: CALM.WU
 * @Last Modified time: 2024-03-22 17:20:06
 */

package recorder

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"xtelemetry.calmwu/plugin_ebpf/telemetry/internal/eventcenter"
	"xtelemetry.calmwu/plugin_ebpf/telemetry/internal/tempfile"
)

func openRecorder(t *testing.T) *SQLiteRecorder {
	t.Helper()

	tf, err := tempfile.NewIn(t.TempDir(), "xtelemetry_recorder_", "")
	require.NoError(t, err)
	t.Cleanup(tf.Close)

	r, err := Open(context.Background(), tf.Path())
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close() })
	return r
}

func TestRecorderWrite(t *testing.T) {
	r := openRecorder(t)
	ctx := context.Background()

	_, err := uuid.Parse(r.RunID())
	require.NoError(t, err)

	require.NoError(t, r.Describe(ctx, "5.15.0-76-generic", "raw_tracepoint", "default"))
	require.NoError(t, r.Write(ctx,
		eventcenter.NewSampleEvent(0, []byte{1, 2, 3}),
		eventcenter.NewLostEvent(1, 17),
		eventcenter.NewSampleEvent(1, []byte{4}),
	))
	require.NoError(t, r.Write(ctx))

	samples, lost, err := r.Counts(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 2, samples)
	assert.EqualValues(t, 1, lost)
	assert.EqualValues(t, 3, r.Written())

	var data []byte
	var size int
	require.NoError(t, r.db.QueryRowContext(ctx,
		`SELECT size, data FROM samples WHERE run_id = ? ORDER BY id LIMIT 1`, r.RunID()).Scan(&size, &data))
	assert.Equal(t, 3, size)
	assert.Equal(t, []byte{1, 2, 3}, data)

	var tier string
	require.NoError(t, r.db.QueryRowContext(ctx, `SELECT tier FROM runs WHERE run_id = ?`, r.RunID()).Scan(&tier))
	assert.Equal(t, "raw_tracepoint", tier)
}

func TestRecorderWriteRejectsUnknownType(t *testing.T) {
	r := openRecorder(t)
	ctx := context.Background()

	err := r.Write(ctx, eventcenter.NewSampleEvent(0, []byte{1}), &eventcenter.Event{Type: eventcenter.EventNone})
	assert.Error(t, err)

	// the whole batch is rolled back
	samples, _, err := r.Counts(ctx)
	require.NoError(t, err)
	assert.Zero(t, samples)
}

func TestRecorderConsume(t *testing.T) {
	r := openRecorder(t)

	ec := eventcenter.New(1024, 1024)
	ch := ec.Subscribe("recorder", eventcenter.EventAll)

	for i := 0; i < 300; i++ {
		require.NoError(t, ec.Publish(eventcenter.NewSampleEvent(i%2, []byte{byte(i)})))
	}
	require.NoError(t, ec.Publish(eventcenter.NewLostEvent(0, 3)))
	ec.Stop()

	// returns once the closed channel is drained
	r.Consume(context.Background(), ch)

	samples, lost, err := r.Counts(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 300, samples)
	assert.EqualValues(t, 1, lost)
	assert.Zero(t, r.Failed())
}

func TestRecorderConsumeStopsOnContext(t *testing.T) {
	r := openRecorder(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	ch := make(chan *eventcenter.Event)
	r.Consume(ctx, ch)
	assert.Zero(t, r.Written())
}

func TestRecorderSeparateRuns(t *testing.T) {
	tf, err := tempfile.NewIn(t.TempDir(), "xtelemetry_recorder_", "")
	require.NoError(t, err)
	defer tf.Close()

	ctx := context.Background()

	r1, err := Open(ctx, tf.Path())
	require.NoError(t, err)
	require.NoError(t, r1.Write(ctx, eventcenter.NewSampleEvent(0, []byte{1})))
	require.NoError(t, r1.Close())

	r2, err := Open(ctx, tf.Path())
	require.NoError(t, err)
	defer r2.Close()

	assert.NotEqual(t, r1.RunID(), r2.RunID())
	samples, _, err := r2.Counts(ctx)
	require.NoError(t, err)
	assert.Zero(t, samples)
}
