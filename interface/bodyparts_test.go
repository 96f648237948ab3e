package iface

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBodyParts(t *testing.T) {
	coco := BodyParts(COCO18)
	assert.Equal(t, 19, coco.Len())
	assert.Equal(t, "Nose", coco.Name(0))
	assert.Equal(t, "Neck", coco.Name(1))
	assert.Equal(t, "LEar", coco.Name(17))
	assert.Equal(t, "Background", coco.Name(18))
	assert.Equal(t, 10, coco.Index("RAnkle"))
	assert.Equal(t, -1, coco.Index("Tail"))

	mpi := BodyParts(MPI15Layers4)
	assert.Equal(t, 16, mpi.Len())
	assert.Equal(t, "Head", mpi.Name(0))
	assert.Equal(t, "Chest", mpi.Name(14))

	assert.Panics(t, func() { coco.Name(19) })
	assert.Panics(t, func() { coco.Name(-1) })
}

func TestHeatMapsChannel(t *testing.T) {
	h := &HeatMaps{Channels: 2, Width: 2, Height: 1, Data: []float32{1, 2, 3, 4}}
	assert.Equal(t, []float32{3, 4}, h.Channel(1))
	assert.Nil(t, h.Channel(2))
	var nilMaps *HeatMaps
	assert.Nil(t, nilMaps.Channel(0))
}

func TestDetectionBatchEmpty(t *testing.T) {
	var b *DetectionBatch
	assert.True(t, b.Empty())
	assert.NoError(t, b.Close())
	assert.True(t, (&DetectionBatch{}).Empty())
	assert.False(t, (&DetectionBatch{People: []Person{{}}}).Empty())
}
