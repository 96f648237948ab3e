package engine

import (
	iface "PoseBridge/interface"
)

// Scale converts a keypoint from input-resolution pixels to the configured
// convention. Keypoints that were not detected stay at (0, 0, 0).
func Scale(k iface.Keypoint, input iface.Size, cfg iface.EngineConfig) iface.Keypoint {
	if k.Confidence <= 0 || input.Width <= 0 || input.Height <= 0 {
		return iface.Keypoint{Part: k.Part}
	}
	w, h := float64(input.Width), float64(input.Height)
	switch cfg.ScaleMode {
	case iface.NetOutputResolution:
		k.X = k.X * float64(cfg.NetInputSize.Width) / w
		k.Y = k.Y * float64(cfg.NetInputSize.Height) / h
	case iface.OutputResolution:
		k.X = k.X * float64(cfg.OutputSize.Width) / w
		k.Y = k.Y * float64(cfg.OutputSize.Height) / h
	case iface.ZeroToOne:
		k.X = k.X / span(w)
		k.Y = k.Y / span(h)
	case iface.PlusMinusOne:
		k.X = k.X*2/span(w) - 1
		k.Y = k.Y*2/span(h) - 1
	}
	return k
}

// span is the distance between the first and last pixel centre.
func span(v float64) float64 {
	if v > 1 {
		return v - 1
	}
	return 1
}

func ScalePeople(people []iface.Person, input iface.Size, cfg iface.EngineConfig) []iface.Person {
	out := make([]iface.Person, len(people))
	for i, p := range people {
		kps := make([]iface.Keypoint, len(p.Keypoints))
		for j, k := range p.Keypoints {
			kps[j] = Scale(k, input, cfg)
		}
		out[i] = iface.Person{Keypoints: kps}
	}
	return out
}
