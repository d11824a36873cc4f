package liveview

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kleeedolinux/entrywatch/realtime"
)

func dispatch(t *testing.T, reg *realtime.Registry, raw string) {
	t.Helper()
	f, err := realtime.ParseFrame([]byte(raw))
	require.NoError(t, err)
	reg.Dispatch(f)
}

func TestBoard_LatestFramePerCamera(t *testing.T) {
	reg := realtime.NewRegistry()
	b := NewBoard(WithLogger(zerolog.Nop()))
	require.NoError(t, b.Attach(reg))

	dispatch(t, reg, `{"type":"detection","camera_id":1,"detections":[
		{"bbox":{"x":10,"y":20,"width":15,"height":30},"name":"Ada","confidence":97.5,"verified":true},
		{"bbox":{"x":50,"y":25,"width":12,"height":28},"name":"Unknown","confidence":61.2,"verified":false}
	]}`)
	dispatch(t, reg, `{"type":"detection","camera_id":2,"detections":[]}`)

	got := b.Detections(1)
	require.Len(t, got, 2)
	assert.Equal(t, BBox{X: 10, Y: 20, Width: 15, Height: 30}, got[0].BBox)
	assert.Equal(t, 97.5, got[0].Confidence)

	v, u := b.Counts(1)
	assert.Equal(t, 1, v)
	assert.Equal(t, 1, u)
	assert.Equal(t, []int{1, 2}, b.Cameras())
	assert.Empty(t, b.Detections(2))

	dispatch(t, reg, `{"type":"detection","camera_id":1,"detections":[{"name":"Grace","verified":true}]}`)
	v, u = b.Counts(1)
	assert.Equal(t, 1, v)
	assert.Equal(t, 0, u)
	assert.Equal(t, "Grace", b.Detections(1)[0].Name)
}

func TestBoard_IgnoresIncompleteFrames(t *testing.T) {
	reg := realtime.NewRegistry()
	b := NewBoard(WithLogger(zerolog.Nop()))
	require.NoError(t, b.Attach(reg))

	dispatch(t, reg, `{"type":"detection","detections":[{"name":"x"}]}`)
	dispatch(t, reg, `{"type":"detection","camera_id":0,"detections":[{"name":"x"}]}`)
	dispatch(t, reg, `{"type":"detection","camera_id":4}`)
	dispatch(t, reg, `{"type":"detection","camera_id":"four","detections":[]}`)

	assert.Empty(t, b.Cameras())
}

func TestBoard_DetachAndHook(t *testing.T) {
	reg := realtime.NewRegistry()
	var updates []int
	b := NewBoard(WithLogger(zerolog.Nop()), WithUpdateHook(func(id int, d []Detection) {
		updates = append(updates, id)
	}))

	require.NoError(t, b.Attach(reg))
	require.NoError(t, b.Attach(reg))
	assert.Equal(t, 1, reg.Len(EventDetection))

	dispatch(t, reg, `{"type":"detection","camera_id":3,"detections":[]}`)
	assert.Equal(t, []int{3}, updates)

	b.Detach()
	b.Detach()
	assert.Zero(t, reg.Len(EventDetection))

	dispatch(t, reg, `{"type":"detection","camera_id":5,"detections":[]}`)
	assert.Equal(t, []int{3}, updates)
	assert.Equal(t, []int{3}, b.Cameras())
}

func TestBoard_DetectionsReturnsCopy(t *testing.T) {
	reg := realtime.NewRegistry()
	b := NewBoard(WithLogger(zerolog.Nop()))
	require.NoError(t, b.Attach(reg))
	dispatch(t, reg, `{"type":"detection","camera_id":1,"detections":[{"name":"Ada","verified":true}]}`)

	got := b.Detections(1)
	got[0].Name = "mutated"
	assert.Equal(t, "Ada", b.Detections(1)[0].Name)
}
