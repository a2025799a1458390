// Copyright 2025 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/url"
	"os"
	"time"

	"github.com/justinsb/sepnet/pkg/blobs"
	"github.com/justinsb/sepnet/pkg/masknn"
	"github.com/justinsb/sepnet/pkg/pretrained"
	"github.com/justinsb/sepnet/pkg/tensor"
	"k8s.io/klog/v2"
)

func main() {
	ctx := context.Background()
	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}

// output is written as JSON; Weights is only set for networks that
// produce mixture-consistency weights.
type output struct {
	Architecture string         `json:"architecture"`
	Mask         *tensor.Tensor `json:"mask"`
	Weights      *tensor.Tensor `json:"weights,omitempty"`
}

func run(ctx context.Context) error {
	log := klog.FromContext(ctx)

	model := os.Getenv("SEPNET_MODEL")
	flag.StringVar(&model, "model", model, "checkpoint path, or name[@revision] of a published model")

	blobserver := os.Getenv("BLOBSERVER")
	if blobserver == "" {
		blobserver = "http://model-store"
	}
	flag.StringVar(&blobserver, "blobserver", blobserver, "base url to the model-store")

	cacheDir := os.Getenv("CACHE_DIR")
	if cacheDir == "" {
		cacheDir = "~/.cache/sepnet/models"
	}
	flag.StringVar(&cacheDir, "cache-dir", cacheDir, "directory for downloaded checkpoints")

	input := "-"
	flag.StringVar(&input, "input", input, "JSON tensor [batch, channels, frames] to separate, - for stdin")
	outputPath := "-"
	flag.StringVar(&outputPath, "output", outputPath, "where to write the masks, - for stdout")

	maxAttempts := 5
	flag.IntVar(&maxAttempts, "max-download-attempts", maxAttempts, "number of attempts to download a checkpoint")

	klog.InitFlags(nil)

	flag.Parse()

	if model == "" {
		return fmt.Errorf("must specify --model or SEPNET_MODEL")
	}

	cacheDir, err := pretrained.ExpandHome(cacheDir)
	if err != nil {
		return err
	}
	blobserverURL, err := url.Parse(blobserver)
	if err != nil {
		return fmt.Errorf("parsing blobserver url %q: %w", blobserver, err)
	}
	cache := &pretrained.Cache{
		Dir:         cacheDir,
		Reader:      &blobs.ModelServer{BlobserverURL: blobserverURL},
		MaxAttempts: maxAttempts,
	}

	net, err := cache.FromPretrained(ctx, model)
	if err != nil {
		return fmt.Errorf("loading model %q: %w", model, err)
	}
	log.Info("loaded model", "model", model, "architecture", net.Architecture(), "kernel", tensor.KernelName())

	mixture, err := readTensor(input)
	if err != nil {
		return err
	}

	startedAt := time.Now()
	result := output{Architecture: net.Architecture()}
	if withWeights, ok := net.(*masknn.TDCNpp); ok {
		result.Mask, result.Weights, err = withWeights.ForwardWithWeights(mixture)
	} else {
		result.Mask, err = net.Forward(mixture)
	}
	if err != nil {
		return fmt.Errorf("running %s: %w", net.Architecture(), err)
	}
	log.Info("computed masks", "shape", result.Mask.Shape(), "duration", time.Since(startedAt))

	return writeJSON(outputPath, result)
}

func readTensor(path string) (*tensor.Tensor, error) {
	var r io.Reader = os.Stdin
	if path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("opening input: %w", err)
		}
		defer f.Close()
		r = f
	}
	t := &tensor.Tensor{}
	if err := json.NewDecoder(r).Decode(t); err != nil {
		return nil, fmt.Errorf("decoding input tensor: %w", err)
	}
	return t, nil
}

func writeJSON(path string, v any) error {
	var w io.Writer = os.Stdout
	if path != "-" {
		f, err := os.Create(path)
		if err != nil {
			return fmt.Errorf("creating output: %w", err)
		}
		defer f.Close()
		w = f
	}
	if err := json.NewEncoder(w).Encode(v); err != nil {
		return fmt.Errorf("writing output: %w", err)
	}
	return nil
}
