package iface

import "fmt"

var cocoParts = [...]string{
	"Nose",
	"Neck",
	"RShoulder",
	"RElbow",
	"RWrist",
	"LShoulder",
	"LElbow",
	"LWrist",
	"RHip",
	"RKnee",
	"RAnkle",
	"LHip",
	"LKnee",
	"LAnkle",
	"REye",
	"LEye",
	"REar",
	"LEar",
	"Background",
}

var mpiParts = [...]string{
	"Head",
	"Neck",
	"RShoulder",
	"RElbow",
	"RWrist",
	"LShoulder",
	"LElbow",
	"LWrist",
	"RHip",
	"RKnee",
	"RAnkle",
	"LHip",
	"LKnee",
	"LAnkle",
	"Chest",
	"Background",
}

// BodyPartTable maps a body part index to its canonical name.
type BodyPartTable struct {
	model PoseModel
	names []string
}

var (
	cocoTable = BodyPartTable{model: COCO18, names: cocoParts[:]}
	mpiTable  = BodyPartTable{model: MPI15, names: mpiParts[:]}
)

// BodyParts returns the read-only table for the given model.
func BodyParts(m PoseModel) BodyPartTable {
	switch m {
	case MPI15, MPI15Layers4:
		return mpiTable
	default:
		return cocoTable
	}
}

func (t BodyPartTable) Len() int {
	return len(t.names)
}

// Name panics on an index outside the table: the engine contract guarantees
// indices for the configured model.
func (t BodyPartTable) Name(part int) string {
	if part < 0 || part >= len(t.names) {
		panic(fmt.Sprintf("body part %d out of range for %s (0..%d)", part, t.model, len(t.names)-1))
	}
	return t.names[part]
}

func (t BodyPartTable) Index(name string) int {
	for i, n := range t.names {
		if n == name {
			return i
		}
	}
	return -1
}
