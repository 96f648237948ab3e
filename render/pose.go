package render

import (
	iface "PoseBridge/interface"
	"image"
	"math"
	"runtime"

	"gocv.io/x/gocv"
)

// Threshold is the minimum confidence for a keypoint or limb to be drawn.
const Threshold = 0.05

var (
	// cocoPairs lists the limbs as (from, to) part indices, neck first.
	cocoPairs = []int{1, 2, 1, 5, 2, 3, 3, 4, 5, 6, 6, 7, 1, 8, 8, 9, 9, 10,
		1, 11, 11, 12, 12, 13, 1, 0, 0, 14, 14, 16, 0, 15, 15, 17}
	mpiPairs = []int{0, 1, 1, 2, 2, 3, 3, 4, 1, 5, 5, 6, 6, 7, 1, 14, 14, 8,
		8, 9, 9, 10, 14, 11, 11, 12, 12, 13}
)

func pairs(m iface.PoseModel) []int {
	if m == iface.COCO18 {
		return cocoPairs
	}
	return mpiPairs
}

type Options struct {
	Model        iface.PoseModel
	OutputSize   iface.Size
	Blend        bool
	AlphaPose    float64
	AlphaHeatMap float64
	PartToShow   int
	HeatMapScale iface.ScaleMode
}

func OptionsFrom(cfg iface.EngineConfig) Options {
	return Options{
		Model:        cfg.Model,
		OutputSize:   cfg.OutputSize,
		Blend:        cfg.BlendOriginal,
		AlphaPose:    cfg.AlphaPose,
		AlphaHeatMap: cfg.AlphaHeatMap,
		PartToShow:   cfg.PartToShow,
		HeatMapScale: cfg.HeatMapScale,
	}
}

// Pose draws the skeletons of people over src and returns a new BGR mat of
// the configured output size. Keypoints are expected in src pixel
// coordinates. The caller owns the returned mat.
func Pose(src gocv.Mat, people []iface.Person, heat *iface.HeatMaps, opts Options) gocv.Mat {
	var canvas gocv.Mat
	if opts.Blend {
		canvas = src.Clone()
	} else {
		canvas = gocv.NewMatWithSizeFromScalar(gocv.NewScalar(0, 0, 0, 0), src.Rows(), src.Cols(), gocv.MatTypeCV8UC3)
	}

	if opts.PartToShow > 0 && heat != nil {
		overlayHeatMap(&canvas, heat, opts.PartToShow-1, opts)
	}
	drawPeople(&canvas, people, opts)

	out := gocv.NewMat()
	if opts.Blend {
		gocv.AddWeighted(canvas, opts.AlphaPose, src, 1-opts.AlphaPose, 0, &out)
	} else {
		canvas.CopyTo(&out)
	}
	_ = canvas.Close()

	size := opts.OutputSize
	if size.Width > 0 && size.Height > 0 && (size.Width != out.Cols() || size.Height != out.Rows()) {
		resized := gocv.NewMat()
		gocv.Resize(out, &resized, image.Pt(size.Width, size.Height), 0, 0, gocv.InterpolationLinear)
		_ = out.Close()
		out = resized
	}
	return out
}

func drawPeople(img *gocv.Mat, people []iface.Person, opts Options) {
	thickness, radius := strokes(img.Cols(), img.Rows())
	limbs := pairs(opts.Model)
	highlight := opts.PartToShow - 1

	for _, person := range people {
		kp := person.Keypoints
		for j := 0; j+1 < len(limbs); j += 2 {
			a, b := limbs[j], limbs[j+1]
			if a >= len(kp) || b >= len(kp) {
				continue
			}
			if kp[a].Confidence < Threshold || kp[b].Confidence < Threshold {
				continue
			}
			gocv.Line(img, point(kp[a]), point(kp[b]), partColor(b), thickness)
		}
		for j, k := range kp {
			if k.Confidence < Threshold {
				continue
			}
			if j == highlight {
				gocv.Circle(img, point(k), radius*2, White, 2)
			}
			gocv.Circle(img, point(k), radius, partColor(j), -1)
		}
	}
}

// overlayHeatMap blends one heatmap channel, colour mapped, over img.
func overlayHeatMap(img *gocv.Mat, heat *iface.HeatMaps, channel int, opts Options) {
	plane := heat.Channel(channel)
	if plane == nil {
		return
	}
	buf := quantize(plane, opts.HeatMapScale)
	defer runtime.KeepAlive(buf)
	gray, err := gocv.NewMatFromBytes(heat.Height, heat.Width, gocv.MatTypeCV8UC1, buf)
	if err != nil {
		return
	}
	defer gray.Close()

	colored := gocv.NewMat()
	defer colored.Close()
	gocv.ApplyColorMap(gray, &colored, gocv.ColormapJet)

	scaled := gocv.NewMat()
	defer scaled.Close()
	gocv.Resize(colored, &scaled, image.Pt(img.Cols(), img.Rows()), 0, 0, gocv.InterpolationLinear)

	blended := gocv.NewMat()
	defer blended.Close()
	gocv.AddWeighted(scaled, opts.AlphaHeatMap, *img, 1-opts.AlphaHeatMap, 0, &blended)
	blended.CopyTo(img)
}

// quantize maps heatmap values to 0-255 according to their encoding.
func quantize(plane []float32, mode iface.ScaleMode) []byte {
	out := make([]byte, len(plane))
	for i, v := range plane {
		var f float64
		switch mode {
		case iface.PlusMinusOne:
			f = (float64(v) + 1) * 127.5
		case iface.ZeroToOne:
			f = float64(v) * 255
		default:
			f = float64(v)
		}
		out[i] = uint8(math.Max(0, math.Min(255, math.Round(f))))
	}
	return out
}

func strokes(w, h int) (thickness, radius int) {
	area := math.Sqrt(float64(w * h))
	thickness = int(math.Max(1, math.Round(area/120)))
	radius = int(math.Max(2, math.Round(area/90)))
	return thickness, radius
}

func point(k iface.Keypoint) image.Point {
	return image.Pt(int(math.Round(k.X)), int(math.Round(k.Y)))
}
