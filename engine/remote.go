package engine

import (
	iface "PoseBridge/interface"
	"PoseBridge/logger"
	"PoseBridge/render"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"gocv.io/x/gocv"
)

const EstimatePath = "/estimate"

func init() {
	Register("remote", NewRemote)
}

// EstimateRequest is the body posted to the estimation service.
type EstimateRequest struct {
	ID            string   `json:"id"`
	Device        int      `json:"device"`
	Model         string   `json:"model"`
	ModelFolder   string   `json:"model_folder"`
	NetResolution string   `json:"net_resolution"`
	NumScales     int      `json:"num_scales"`
	ScaleGap      float64  `json:"scale_gap"`
	HeatMaps      []string `json:"heatmaps,omitempty"`
	HeatMapScale  string   `json:"heatmaps_scale,omitempty"`
	Width         int      `json:"width"`
	Height        int      `json:"height"`
	Image         string   `json:"image"`
}

// EstimateResponse follows the OpenPose JSON output: flat x, y, confidence
// triples per person, coordinates in pixels of the posted image.
type EstimateResponse struct {
	People []struct {
		Keypoints []float64 `json:"pose_keypoints_2d"`
	} `json:"people"`
	HeatMaps *struct {
		Width    int       `json:"width"`
		Height   int       `json:"height"`
		Channels int       `json:"channels"`
		Data     []float32 `json:"data"`
	} `json:"heatmaps,omitempty"`
}

type Remote struct {
	cfg    iface.EngineConfig
	table  iface.BodyPartTable
	device int
	client *resty.Client
	opts   render.Options
	log    *zap.Logger
}

func NewRemote(cfg iface.EngineConfig, opts Options, device int) (Backend, error) {
	if opts.URL == "" {
		return nil, errors.New("remote backend: engine url is empty")
	}
	client := resty.New().
		SetBaseURL(strings.TrimRight(opts.URL, "/")).
		SetHeader("Content-Type", "application/json")
	if opts.Timeout > 0 {
		client.SetTimeout(opts.Timeout)
	}
	return &Remote{
		cfg:    cfg,
		table:  iface.BodyParts(cfg.Model),
		device: device,
		client: client,
		opts:   render.OptionsFrom(cfg),
		log:    logger.Or(opts.Log).With(zap.Int("device", device)),
	}, nil
}

func (r *Remote) Estimate(ctx context.Context, in *iface.Frame) (*iface.DetectionBatch, error) {
	if in.Empty() {
		return nil, errors.New("remote backend: empty frame")
	}
	buf, err := gocv.IMEncode(".jpg", in.Mat)
	if err != nil {
		return nil, fmt.Errorf("encode frame: %w", err)
	}
	img := base64.StdEncoding.EncodeToString(buf.GetBytes())
	buf.Close()

	req := EstimateRequest{
		ID:            uuid.NewString(),
		Device:        r.device,
		Model:         r.cfg.Model.String(),
		ModelFolder:   r.cfg.ModelFolder,
		NetResolution: fmt.Sprintf("%dx%d", r.cfg.NetInputSize.Width, r.cfg.NetInputSize.Height),
		NumScales:     r.cfg.NumScales,
		ScaleGap:      r.cfg.ScaleGap,
		Width:         in.Width(),
		Height:        in.Height(),
		Image:         img,
	}
	for _, t := range r.cfg.HeatMapTypes {
		req.HeatMaps = append(req.HeatMaps, t.String())
	}
	if len(req.HeatMaps) > 0 {
		req.HeatMapScale = r.cfg.HeatMapScale.String()
	}

	var body EstimateResponse
	resp, err := r.client.R().
		SetContext(ctx).
		SetBody(req).
		SetResult(&body).
		Post(EstimatePath)
	if err != nil {
		return nil, fmt.Errorf("estimate request: %w", err)
	}
	if resp.IsError() {
		err := fmt.Errorf("estimation service returned %s: %s", resp.Status(), strings.TrimSpace(resp.String()))
		if rejected(resp.StatusCode()) {
			return nil, fmt.Errorf("%w: %w", ErrFatal, err)
		}
		return nil, err
	}
	r.log.Debug("estimation done", zap.String("id", req.ID), zap.Int("people", len(body.People)), zap.Duration("took", resp.Time()))

	raw := make([]iface.Person, 0, len(body.People))
	for _, p := range body.People {
		raw = append(raw, r.person(p.Keypoints))
	}
	heat := r.heatMaps(&body)

	size := iface.Size{Width: in.Width(), Height: in.Height()}
	batch := &iface.DetectionBatch{
		People:   ScalePeople(raw, size, r.cfg),
		HeatMaps: heat,
	}
	if r.cfg.RenderOutput {
		batch.Output = &iface.Frame{
			Mat:   render.Pose(in.Mat, raw, heat, r.opts),
			Seq:   in.Seq,
			Stamp: in.Stamp,
		}
	}
	return batch, nil
}

// person converts flat triples into one keypoint per table entry. OpenPose
// omits the background entry, which is filled with zeros.
func (r *Remote) person(flat []float64) iface.Person {
	n := len(flat) / 3
	if n == r.table.Len()-1 {
		n = r.table.Len()
	}
	kps := make([]iface.Keypoint, n)
	for i := range kps {
		kps[i].Part = i
		if 3*i+2 < len(flat) {
			kps[i].X = flat[3*i]
			kps[i].Y = flat[3*i+1]
			kps[i].Confidence = flat[3*i+2]
		}
	}
	return iface.Person{Keypoints: kps}
}

func (r *Remote) heatMaps(body *EstimateResponse) *iface.HeatMaps {
	h := body.HeatMaps
	if h == nil || len(r.cfg.HeatMapTypes) == 0 || h.Channels <= 0 {
		return nil
	}
	if len(h.Data) != h.Channels*h.Width*h.Height {
		r.log.Warn("heatmaps dropped, size mismatch",
			zap.Int("channels", h.Channels), zap.Int("width", h.Width), zap.Int("height", h.Height), zap.Int("values", len(h.Data)))
		return nil
	}
	return &iface.HeatMaps{
		Types:    r.cfg.HeatMapTypes,
		Channels: h.Channels,
		Width:    h.Width,
		Height:   h.Height,
		Data:     h.Data,
	}
}

// rejected reports statuses that will repeat for every frame: the service
// refuses the client or does not offer the endpoint.
func rejected(status int) bool {
	switch status {
	case http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound, http.StatusMethodNotAllowed:
		return true
	}
	return false
}

func (r *Remote) Close() error {
	return nil
}
