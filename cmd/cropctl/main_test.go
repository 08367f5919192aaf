package main

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adverant/nexus/capture-worker/internal/geometry"
	"github.com/adverant/nexus/capture-worker/internal/storage"
)

func TestRegionFromFlags(t *testing.T) {
	region, err := regionFromFlags(nil, nil)
	require.NoError(t, err)
	assert.Equal(t, geometry.DefaultRegion, region)

	region, err = regionFromFlags([]float32{0.25, 0.25}, []float32{0.5, 0})
	require.NoError(t, err)
	assert.Equal(t, geometry.Offset{X: 0.25, Y: 0.25}, region.TopLeftScale)
	assert.Equal(t, geometry.Size{W: 0.5, H: 0}, region.SizeScale)

	_, err = regionFromFlags([]float32{0.1}, nil)
	assert.ErrorContains(t, err, "--top-left")

	_, err = regionFromFlags(nil, []float32{0.1, 0.2, 0.3})
	assert.ErrorContains(t, err, "--size")
}

func runResolve(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newResolveCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestResolveCommand(t *testing.T) {
	out, err := runResolve(t, "--width", "1080", "--height", "1920", "--rotation", "90")
	require.NoError(t, err)
	assert.Contains(t, out, "[576,27 192x1026]")

	_, err = runResolve(t, "--width", "100", "--height", "100", "--rotation", "45")
	assert.ErrorContains(t, err, "rotation")

	_, err = runResolve(t, "--width", "100", "--height", "100", "--top-left", "0.5,0.5", "--size", "0.6,0.1")
	assert.ErrorContains(t, err, "invalid region")
}

func TestResolveCommandJSON(t *testing.T) {
	outputJSON = true
	defer func() { outputJSON = false }()

	out, err := runResolve(t, "--width", "640", "--height", "480", "--top-left", "0.25,0.25", "--size", "0.5,0")
	require.NoError(t, err)

	var got struct {
		Rect map[string]int `json:"rect"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &got))
	assert.Equal(t, 160, got.Rect["left"])
	assert.Equal(t, 120, got.Rect["top"])
	assert.Equal(t, 320, got.Rect["width"])
	assert.Equal(t, 320, got.Rect["height"])
}

func TestExcludeRun(t *testing.T) {
	runs := []*storage.SimilarRun{
		{Run: &storage.RunRecord{ID: "a"}, SimilarityScore: 1},
		{Run: &storage.RunRecord{ID: "b"}, SimilarityScore: 0.9},
	}
	got := excludeRun(runs, "a")
	require.Len(t, got, 1)
	assert.Equal(t, "b", got[0].Run.ID)
}
