package iface

type PoseModel int

const (
	COCO18 PoseModel = iota
	MPI15
	MPI15Layers4
)

func (m PoseModel) String() string {
	switch m {
	case MPI15:
		return "MPI"
	case MPI15Layers4:
		return "MPI_4_layers"
	default:
		return "COCO"
	}
}

// ScaleMode selects how reported coordinates (or heatmap values) relate to
// the image resolutions.
type ScaleMode int

const (
	InputResolution ScaleMode = iota
	NetOutputResolution
	OutputResolution
	ZeroToOne
	PlusMinusOne
	UnsignedChar
)

func (s ScaleMode) String() string {
	switch s {
	case InputResolution:
		return "InputResolution"
	case NetOutputResolution:
		return "NetOutputResolution"
	case OutputResolution:
		return "OutputResolution"
	case ZeroToOne:
		return "ZeroToOne"
	case PlusMinusOne:
		return "PlusMinusOne"
	case UnsignedChar:
		return "UnsignedChar"
	}
	return "Unknown"
}

type HeatMapType int

const (
	HeatMapParts HeatMapType = iota
	HeatMapBackground
	HeatMapPAFs
)

func (h HeatMapType) String() string {
	switch h {
	case HeatMapParts:
		return "parts"
	case HeatMapBackground:
		return "background"
	case HeatMapPAFs:
		return "pafs"
	}
	return "unknown"
}
