package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/example/fruit-quality/internal/classification"
	"github.com/example/fruit-quality/internal/imageprep"
	"github.com/example/fruit-quality/internal/logging"
	"github.com/example/fruit-quality/internal/mlclient"
)

type output struct {
	File           string                 `json:"file"`
	Result         classification.Verdict `json:"result,omitempty"`
	Confidence     *float64               `json:"confidence,omitempty"`
	ProcessingTime *float64               `json:"processing_time,omitempty"`
	DemoMode       *bool                  `json:"demo_mode,omitempty"`
	Code           string                 `json:"code,omitempty"`
	Error          string                 `json:"error,omitempty"`
	Retryable      *bool                  `json:"retryable,omitempty"`
}

func main() {
	var in, url, logLevel string
	var timeout time.Duration
	var width, height int
	var quality float64
	var health bool

	flag.StringVar(&in, "in", "", "input image path (jpg/png)")
	flag.StringVar(&url, "url", os.Getenv("FQ_ML_SERVICE_URL"), "ML service base URL")
	flag.DurationVar(&timeout, "timeout", mlclient.DefaultTimeout, "classification timeout")
	flag.IntVar(&width, "width", imageprep.DefaultImageConfig.Width, "canonical width (px)")
	flag.IntVar(&height, "height", imageprep.DefaultImageConfig.Height, "canonical height (px)")
	flag.Float64Var(&quality, "quality", imageprep.DefaultImageConfig.Quality, "JPEG quality (0..1]")
	flag.StringVar(&logLevel, "log", "warn", "log level")
	flag.BoolVar(&health, "health", false, "query the ML service health endpoint instead of classifying")
	flag.Parse()

	logger, err := logging.NewLogger(logLevel)
	if err != nil {
		log.Fatal(err)
	}
	defer logger.Sync() //nolint:errcheck

	client := mlclient.New(url, mlclient.WithTimeout(timeout), mlclient.WithLogger(logger))
	ctx := context.Background()

	if health {
		h, err := client.Health(ctx)
		if err != nil {
			fail(output{}, err)
		}
		emit(h)
		if !h.Healthy() {
			os.Exit(1)
		}
		return
	}

	if in == "" {
		log.Fatalf("usage: %s -in apple.jpg [-url http://localhost:8000] [-timeout 30s] [-width 128 -height 128 -quality 0.9]", filepath.Base(os.Args[0]))
	}

	out := output{File: in}
	data, err := os.ReadFile(in)
	if err != nil {
		log.Fatal(err)
	}

	cfg := imageprep.ImageConfig{Width: width, Height: height, Quality: quality}
	img, err := imageprep.Normalize(imageprep.FromBytes(filepath.Base(in), contentTypeOf(in, data), data), cfg)
	if err != nil {
		fail(out, err)
	}

	result, err := client.Classify(ctx, img)
	if err != nil {
		fail(out, err)
	}

	out.Result = result.Verdict
	out.Confidence = &result.Confidence
	out.ProcessingTime = result.ProcessingTimeSeconds
	out.DemoMode = result.DemoMode
	emit(out)
}

// contentTypeOf prefers the file extension and falls back to sniffing.
func contentTypeOf(path string, data []byte) string {
	if ct := mime.TypeByExtension(filepath.Ext(path)); ct != "" {
		return ct
	}
	return http.DetectContentType(data)
}

func fail(out output, err error) {
	out.Error = err.Error()
	out.Code = "INTERNAL"
	if cerr, ok := classification.As(err); ok {
		retryable := cerr.Retryable()
		out.Code = cerr.Code()
		out.Error = cerr.Message
		out.Retryable = &retryable
	}
	emit(out)
	os.Exit(1)
}

func emit(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fmt.Fprintln(os.Stderr, err)
	}
}
