package config

import (
	"fmt"

	"github.com/caarlos0/env/v11"

	"github.com/pavementscan"
)

type Config struct {
	ModelPath         string  `env:"MODEL_PATH"          envDefault:"./yolov8n-seg.onnx"`
	SharedLibraryPath string  `env:"ORT_LIBRARY_PATH"    envDefault:"./onnxruntime-linux-x64-1.17.1/lib/libonnxruntime.so"`
	ClassesFile       string  `env:"CLASSES_FILE"`
	InputSize         int     `env:"INPUT_SIZE"          envDefault:"640"`
	Confidence        float32 `env:"CONFIDENCE"          envDefault:"0.25"`
	IouThreshold      float32 `env:"IOU_THRESHOLD"       envDefault:"0.7"`
	Segmentation      bool    `env:"SEGMENTATION"        envDefault:"true"`
	StrictDetection   bool    `env:"STRICT_DETECTION"    envDefault:"false"`

	EveryNth       int     `env:"EVERY_NTH"        envDefault:"20"`
	FlatFieldSigma float64 `env:"FLATFIELD_SIGMA"  envDefault:"40"`
	Codec          string  `env:"CODEC"            envDefault:"mp4v"`

	LogLevel    string `env:"LOG_LEVEL"    envDefault:"info"`
	LogFile     string `env:"LOG_FILE"     envDefault:"pavementscan.log"`
	MetricsAddr string `env:"METRICS_ADDR"`
}

// Prefix applies to every variable, e.g. PAVEMENT_MODEL_PATH.
const Prefix = "PAVEMENT_"

func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.ParseWithOptions(cfg, env.Options{Prefix: Prefix}); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if c.EveryNth <= 0 {
		return fmt.Errorf("%sEVERY_NTH must be positive, got %d", Prefix, c.EveryNth)
	}
	if c.InputSize <= 0 || c.InputSize%32 != 0 {
		return fmt.Errorf("%sINPUT_SIZE must be a positive multiple of 32, got %d", Prefix, c.InputSize)
	}
	if c.FlatFieldSigma <= 0 {
		return fmt.Errorf("%sFLATFIELD_SIGMA must be positive, got %v", Prefix, c.FlatFieldSigma)
	}
	if len(c.Codec) != 4 {
		return fmt.Errorf("%sCODEC must be a four character code, got %q", Prefix, c.Codec)
	}
	return nil
}

// YoloOptions translates the model settings into detector options.
func (c *Config) YoloOptions() []pavementscan.YoloOptions {
	opts := []pavementscan.YoloOptions{
		pavementscan.WithSharedLibraryPath(c.SharedLibraryPath),
		pavementscan.WithModelPath(c.ModelPath),
		pavementscan.WithInputSize(c.InputSize),
		pavementscan.WithConfidenceThreshold(c.Confidence),
		pavementscan.WithIouThreshold(c.IouThreshold),
		pavementscan.WithSegmentation(c.Segmentation),
	}
	if c.ClassesFile != "" {
		opts = append(opts, pavementscan.WithClassesFile(c.ClassesFile))
	}
	return opts
}
