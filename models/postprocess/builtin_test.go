package postprocess

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuiltinLabels(t *testing.T) {
	coco, ok := BuiltinLabels("COCO")
	require.True(t, ok)
	assert.Len(t, coco, 80)
	assert.Equal(t, "person", coco.Label(0))
	assert.Equal(t, "toothbrush", coco.Label(79))
	assert.Equal(t, "80", coco.Label(80))

	voc, ok := BuiltinLabels("voc")
	require.True(t, ok)
	assert.Len(t, voc, 20)
	assert.Equal(t, "tvmonitor", voc.Label(19))

	_, ok = BuiltinLabels("coco.txt")
	assert.False(t, ok)
}
