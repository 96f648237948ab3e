package config

import (
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

const (
	DefaultName       = "yarpOpenPose"
	DefaultConfigFile = "posebridge.yaml"
	EnvPrefix         = "POSEBRIDGE"
)

type RegistryConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Host    string `mapstructure:"host" yaml:"host"`
	Port    int    `mapstructure:"port" yaml:"port"`
}

// Config mirrors the key-value configuration surface. Keys keep the names of
// the command line flags so that file, env and flags can be layered.
type Config struct {
	Name              string  `mapstructure:"name" yaml:"name"`
	ModelName         string  `mapstructure:"model_name" yaml:"model_name"`
	ModelFolder       string  `mapstructure:"model_folder" yaml:"model_folder"`
	NetResolution     string  `mapstructure:"net_resolution" yaml:"net_resolution"`
	ImgResolution     string  `mapstructure:"img_resolution" yaml:"img_resolution"`
	NumGPU            int     `mapstructure:"num_gpu" yaml:"num_gpu"`
	NumGPUStart       int     `mapstructure:"num_gpu_start" yaml:"num_gpu_start"`
	NumScales         int     `mapstructure:"num_scales" yaml:"num_scales"`
	ScaleGap          float64 `mapstructure:"scale_gap" yaml:"scale_gap"`
	ScaleMode         int     `mapstructure:"scale_mode" yaml:"scale_mode"`
	HeatMapsAddParts  bool    `mapstructure:"heatmaps_add_parts" yaml:"heatmaps_add_parts"`
	HeatMapsAddBkg    bool    `mapstructure:"heatmaps_add_bkg" yaml:"heatmaps_add_bkg"`
	HeatMapsAddPAFs   bool    `mapstructure:"heatmaps_add_pafs" yaml:"heatmaps_add_PAFs"`
	HeatMapsScaleMode int     `mapstructure:"heatmaps_scale_mode" yaml:"heatmaps_scale_mode"`
	NoRenderOutput    bool    `mapstructure:"no_render_output" yaml:"no_render_output"`
	PartToShow        int     `mapstructure:"part_to_show" yaml:"part_to_show"`
	DisableBlending   bool    `mapstructure:"disable_blending" yaml:"disable_blending"`
	AlphaPose         float64 `mapstructure:"alpha_pose" yaml:"alpha_pose"`
	AlphaHeatMap      float64 `mapstructure:"alpha_heatmap" yaml:"alpha_heatmap"`

	Period        time.Duration  `mapstructure:"period" yaml:"period"`
	QuitOnEOS     bool           `mapstructure:"quit_on_eos" yaml:"quit_on_eos"`
	Backend       string         `mapstructure:"backend" yaml:"backend"`
	EngineURL     string         `mapstructure:"engine_url" yaml:"engine_url"`
	EngineTimeout time.Duration  `mapstructure:"engine_timeout" yaml:"engine_timeout"`
	Broker        string         `mapstructure:"broker" yaml:"broker"`
	QueueSize     int            `mapstructure:"queue_size" yaml:"queue_size"`
	RPCPort       int            `mapstructure:"rpc_port" yaml:"rpc_port"`
	HTTPPort      int            `mapstructure:"http_port" yaml:"http_port"`
	LogLevel      string         `mapstructure:"log_level" yaml:"log_level"`
	LogFormat     string         `mapstructure:"log_format" yaml:"log_format"`
	Registry      RegistryConfig `mapstructure:"registry" yaml:"registry"`
}

var defaults = map[string]any{
	"name":                DefaultName,
	"model_name":          "COCO",
	"model_folder":        "/models",
	"net_resolution":      "656x368",
	"img_resolution":      "320x240",
	"num_gpu":             1,
	"num_gpu_start":       0,
	"num_scales":          1,
	"scale_gap":           0.3,
	"scale_mode":          0,
	"heatmaps_add_parts":  false,
	"heatmaps_add_bkg":    false,
	"heatmaps_add_pafs":   false,
	"heatmaps_scale_mode": 2,
	"no_render_output":    false,
	"part_to_show":        0,
	"disable_blending":    false,
	"alpha_pose":          0.6,
	"alpha_heatmap":       0.7,

	"period":         100 * time.Millisecond,
	"quit_on_eos":    false,
	"backend":        "remote",
	"engine_url":     "http://127.0.0.1:8090",
	"engine_timeout": 5 * time.Second,
	"broker":         "tcp://127.0.0.1:1883",
	"queue_size":     1,
	"rpc_port":       50051,
	"http_port":      8080,
	"log_level":      "info",
	"log_format":     "json",

	"registry.enabled": false,
	"registry.host":    "127.0.0.1",
	"registry.port":    10000,
}

// New returns a viper instance carrying the defaults.
func New() *viper.Viper {
	v := viper.New()
	for k, val := range defaults {
		v.SetDefault(k, val)
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// RegisterFlags adds one flag per configuration key.
func RegisterFlags(fs *pflag.FlagSet) {
	fs.String("name", DefaultName, "module name (string)")
	fs.String("model_name", "COCO", "Model to be used e.g. COCO, MPI, MPI_4_layers. (string)")
	fs.String("model_folder", "/models", "Folder where the pose models (COCO and MPI) are located. (string)")
	fs.String("net_resolution", "656x368", "The resolution of the net, multiples of 16. (string)")
	fs.String("img_resolution", "320x240", "The resolution of the image (display and output). (string)")
	fs.Int("num_gpu", 1, "The number of GPU devices to use. (int)")
	fs.Int("num_gpu_start", 0, "The GPU device start number. (int)")
	fs.Int("num_scales", 1, "Number of scales to average. (int)")
	fs.Float64("scale_gap", 0.3, "Scale gap between scales. No effect unless num_scales>1. (float)")
	fs.Int("scale_mode", 0, "Scaling of the (x,y) pose coordinates: 0 source resolution, 1 net output size, 2 output size, 3 [0,1], 4 [-1,1]. (int)")
	fs.Bool("heatmaps_add_parts", false, "Add the body part heatmaps to the engine output. (bool)")
	fs.Bool("heatmaps_add_bkg", false, "Add the background heatmap to the engine output. (bool)")
	fs.Bool("heatmaps_add_PAFs", false, "Add the part affinity fields to the engine output. (bool)")
	fs.Int("heatmaps_scale_mode", 2, "Heatmap value encoding: 0 [-1,1], 1 [0,1], 2 integer rounded [0,255]. (int)")
	fs.Bool("no_render_output", false, "Leave the output image empty instead of rendering the pose. (bool)")
	fs.Int("part_to_show", 0, "Part to show from the start. (int)")
	fs.Bool("disable_blending", false, "Render the results on a black background instead of the original frame. (bool)")
	fs.Float64("alpha_pose", 0.6, "Blending factor (range 0-1) for the body part rendering. (double)")
	fs.Float64("alpha_heatmap", 0.7, "Blending factor (range 0-1) between heatmap and original frame. (double)")

	fs.Duration("period", 100*time.Millisecond, "Module cycle period")
	fs.Bool("quit_on_eos", false, "Close the module when the image stream ends")
	fs.String("backend", "remote", "Estimation backend (remote, passthrough)")
	fs.String("engine_url", "http://127.0.0.1:8090", "Base URL of the estimation service")
	fs.Duration("engine_timeout", 5*time.Second, "Timeout of a single estimation request")
	fs.String("broker", "tcp://127.0.0.1:1883", "Message broker address")
	fs.Int("queue_size", 1, "Inbound port queue depth, older messages are dropped")
	fs.Int("rpc_port", 50051, "gRPC control port, 0 disables")
	fs.Int("http_port", 8080, "HTTP control and metrics port, 0 disables")
	fs.String("log_level", "info", "Log level (debug, info, warn, error)")
	fs.String("log_format", "json", "Log format (json, console)")
}

// Load layers defaults, the optional YAML file at path, env and changed flags.
func Load(path string, fs *pflag.FlagSet) (*Config, error) {
	v := New()
	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file %s: %w", path, err)
		}
	}
	if fs != nil {
		var bindErr error
		fs.VisitAll(func(f *pflag.Flag) {
			if bindErr != nil || f.Name == "from" {
				return
			}
			// viper keys are case-insensitive, heatmaps_add_PAFs lands on heatmaps_add_pafs
			bindErr = v.BindPFlag(strings.ToLower(f.Name), f)
		})
		if bindErr != nil {
			return nil, fmt.Errorf("bind flags: %w", bindErr)
		}
	}
	return Decode(v)
}

func Decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	hook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.DecodeHookFuncType(secondsToDuration),
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))
	if err := v.Unmarshal(&cfg, hook); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	return &cfg, nil
}

var durationType = reflect.TypeOf(time.Duration(0))

// secondsToDuration reads a bare number as seconds: "period: 0.1" is 100ms.
// Values with a unit ("100ms") are left to the duration parser.
func secondsToDuration(from, to reflect.Type, data any) (any, error) {
	if to != durationType || from == durationType {
		return data, nil
	}
	v := reflect.ValueOf(data)
	switch from.Kind() {
	case reflect.Float32, reflect.Float64:
		return time.Duration(v.Float() * float64(time.Second)), nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return time.Duration(v.Int()) * time.Second, nil
	case reflect.String:
		if f, err := strconv.ParseFloat(strings.TrimSpace(v.String()), 64); err == nil {
			return time.Duration(f * float64(time.Second)), nil
		}
	}
	return data, nil
}

// Dump renders the configuration as YAML.
func (c *Config) Dump() ([]byte, error) {
	return yaml.Marshal(c)
}

// Snapshot is the read-only view exposed on the control surfaces.
func (c *Config) Snapshot() map[string]any {
	return map[string]any{
		"name":                c.Name,
		"model_name":          c.ModelName,
		"model_folder":        c.ModelFolder,
		"net_resolution":      c.NetResolution,
		"img_resolution":      c.ImgResolution,
		"num_gpu":             c.NumGPU,
		"num_gpu_start":       c.NumGPUStart,
		"num_scales":          c.NumScales,
		"scale_gap":           c.ScaleGap,
		"scale_mode":          c.ScaleMode,
		"heatmaps_add_parts":  c.HeatMapsAddParts,
		"heatmaps_add_bkg":    c.HeatMapsAddBkg,
		"heatmaps_add_PAFs":   c.HeatMapsAddPAFs,
		"heatmaps_scale_mode": c.HeatMapsScaleMode,
		"no_render_output":    c.NoRenderOutput,
		"part_to_show":        c.PartToShow,
		"disable_blending":    c.DisableBlending,
		"alpha_pose":          c.AlphaPose,
		"alpha_heatmap":       c.AlphaHeatMap,
		"backend":             c.Backend,
		"period":              c.Period.String(),
	}
}

// Port names derived from the module name.
func (c *Config) ImageInPort() string  { return "/" + c.Name + "/image:i" }
func (c *Config) ImageOutPort() string { return "/" + c.Name + "/image:o" }
func (c *Config) TargetPort() string   { return "/" + c.Name + "/target:o" }
func (c *Config) RPCInPort() string    { return "/" + c.Name + "/rpc" }
func (c *Config) RPCOutPort() string   { return "/" + c.Name + "/rpc:o" }
