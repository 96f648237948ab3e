package config

import (
	iface "PoseBridge/interface"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"time"

	"go.uber.org/zap"
)

var (
	ErrResolution   = errors.New("invalid resolution")
	ErrHeatMapScale = errors.New("non valid heatmaps_scale_mode")
	ErrAlpha        = errors.New("blending factor out of range [0,1]")
	ErrGPU          = errors.New("invalid gpu settings")
	ErrPeriod       = errors.New("period below 1ms")
)

var resolutionPattern = regexp.MustCompile(`^(\d+)x(\d+)$`)

// ParseResolution parses a WxH string such as 656x368.
func ParseResolution(s string) (iface.Size, error) {
	m := resolutionPattern.FindStringSubmatch(s)
	if m == nil {
		return iface.Size{}, fmt.Errorf("%w: %q, should be e.g. 960x540", ErrResolution, s)
	}
	w, errW := strconv.Atoi(m[1])
	h, errH := strconv.Atoi(m[2])
	if errW != nil || errH != nil || w <= 0 || h <= 0 {
		return iface.Size{}, fmt.Errorf("%w: %q, both sides must be positive integers", ErrResolution, s)
	}
	return iface.Size{Width: w, Height: h}, nil
}

// PoseModel falls back to COCO for unknown names.
func PoseModel(name string, log *zap.Logger) iface.PoseModel {
	switch name {
	case "COCO":
		return iface.COCO18
	case "MPI":
		return iface.MPI15
	case "MPI_4_layers":
		return iface.MPI15Layers4
	}
	log.Error("string does not correspond to any model (COCO, MPI, MPI_4_layers)", zap.String("model_name", name))
	return iface.COCO18
}

// ScaleMode falls back to InputResolution for values outside 0..4.
func ScaleMode(mode int, log *zap.Logger) iface.ScaleMode {
	switch mode {
	case 0:
		return iface.InputResolution
	case 1:
		return iface.NetOutputResolution
	case 2:
		return iface.OutputResolution
	case 3:
		return iface.ZeroToOne
	case 4:
		return iface.PlusMinusOne
	}
	log.Error("value does not correspond to any scale mode: (0, 1, 2, 3, 4) for (InputResolution, NetOutputResolution, OutputResolution, ZeroToOne, PlusMinusOne)",
		zap.Int("scale_mode", mode))
	return iface.InputResolution
}

func HeatMapTypes(parts, bkg, pafs bool) []iface.HeatMapType {
	var types []iface.HeatMapType
	if parts {
		types = append(types, iface.HeatMapParts)
	}
	if bkg {
		types = append(types, iface.HeatMapBackground)
	}
	if pafs {
		types = append(types, iface.HeatMapPAFs)
	}
	return types
}

func HeatMapScale(mode int) (iface.ScaleMode, error) {
	switch mode {
	case 0:
		return iface.PlusMinusOne, nil
	case 1:
		return iface.ZeroToOne, nil
	case 2:
		return iface.UnsignedChar, nil
	}
	return 0, fmt.Errorf("%w: %d", ErrHeatMapScale, mode)
}

// Build validates the configuration and derives the engine parameters.
func (c *Config) Build(log *zap.Logger) (iface.EngineConfig, error) {
	if log == nil {
		log = zap.NewNop()
	}
	outputSize, err := ParseResolution(c.ImgResolution)
	if err != nil {
		return iface.EngineConfig{}, fmt.Errorf("img_resolution: %w", err)
	}
	netInputSize, err := ParseResolution(c.NetResolution)
	if err != nil {
		return iface.EngineConfig{}, fmt.Errorf("net_resolution: %w", err)
	}
	if netInputSize.Width%16 != 0 || netInputSize.Height%16 != 0 {
		log.Warn("net resolution is not a multiple of 16", zap.String("net_resolution", c.NetResolution))
	}
	heatMapScale, err := HeatMapScale(c.HeatMapsScaleMode)
	if err != nil {
		return iface.EngineConfig{}, err
	}
	if c.AlphaPose < 0 || c.AlphaPose > 1 {
		return iface.EngineConfig{}, fmt.Errorf("alpha_pose %v: %w", c.AlphaPose, ErrAlpha)
	}
	if c.AlphaHeatMap < 0 || c.AlphaHeatMap > 1 {
		return iface.EngineConfig{}, fmt.Errorf("alpha_heatmap %v: %w", c.AlphaHeatMap, ErrAlpha)
	}
	if c.Period < time.Millisecond {
		return iface.EngineConfig{}, fmt.Errorf("%w: %v, use a unit such as 100ms or seconds such as 0.1", ErrPeriod, c.Period)
	}
	if c.NumGPU < 1 || c.NumGPUStart < 0 {
		return iface.EngineConfig{}, fmt.Errorf("%w: num_gpu=%d num_gpu_start=%d", ErrGPU, c.NumGPU, c.NumGPUStart)
	}
	numScales := c.NumScales
	if numScales < 1 {
		log.Warn("num_scales must be at least 1, using 1", zap.Int("num_scales", c.NumScales))
		numScales = 1
	}
	return iface.EngineConfig{
		ModelFolder:   c.ModelFolder,
		Model:         PoseModel(c.ModelName, log),
		NetInputSize:  netInputSize,
		OutputSize:    outputSize,
		ScaleMode:     ScaleMode(c.ScaleMode, log),
		NumGPU:        c.NumGPU,
		GPUStart:      c.NumGPUStart,
		NumScales:     numScales,
		ScaleGap:      c.ScaleGap,
		HeatMapTypes:  HeatMapTypes(c.HeatMapsAddParts, c.HeatMapsAddBkg, c.HeatMapsAddPAFs),
		HeatMapScale:  heatMapScale,
		RenderOutput:  !c.NoRenderOutput,
		PartToShow:    c.PartToShow,
		BlendOriginal: !c.DisableBlending,
		AlphaPose:     c.AlphaPose,
		AlphaHeatMap:  c.AlphaHeatMap,
	}, nil
}
